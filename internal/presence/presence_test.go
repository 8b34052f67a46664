package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/feed"
	"millwork/internal/migrate"
	"millwork/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	clk  *clock
	repo repo.Repo
	bus  *feed.Bus
	svc  *Service
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{clk: &clock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}, bus: feed.NewBus(nil)}
	env.repo = repo.New(conn, db.SQLite)
	env.repo.Now = env.clk.Now
	for _, id := range users {
		if err := env.repo.UpsertUser(context.Background(), domain.User{ID: id, FullName: id, Role: domain.RoleWorker}); err != nil {
			t.Fatalf("user: %v", err)
		}
	}
	env.svc = &Service{Store: env.repo, Bus: env.bus, Now: env.clk.Now, StaleAfter: time.Minute}
	return env
}

func (env *testEnv) tracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(env.svc, Options{HeartbeatInterval: time.Hour, StaleAfter: time.Minute, Now: env.clk.Now})
	cancel := env.bus.Subscribe(Table, tr)
	t.Cleanup(cancel)
	return tr
}

func (env *testEnv) stored(t *testing.T, id string) domain.PresenceRecord {
	t.Helper()
	recs, err := env.repo.ListPresence(context.Background())
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	for _, r := range recs {
		if r.UserID == id {
			return r
		}
	}
	t.Fatalf("no presence record for %s", id)
	return domain.PresenceRecord{}
}

func TestStaleOnlineReadsOfflineBeforeSweep(t *testing.T) {
	env := newTestEnv(t, "u1", "viewer")
	ctx := context.Background()
	u1 := env.tracker(t)
	if err := u1.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer u1.Stop(ctx)
	viewer := env.tracker(t)
	if err := viewer.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !viewer.IsOnline("u1") {
		t.Fatalf("u1 should be online right after start")
	}

	env.clk.Advance(90 * time.Second)
	if viewer.IsOnline("u1") {
		t.Fatalf("stale record must read as offline")
	}
	if got := env.stored(t, "u1").Status; got != domain.Online {
		t.Fatalf("stored status changed without a sweep: %s", got)
	}

	ids, err := viewer.Sweep(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("sweep: %v %v", ids, err)
	}
	if got := env.stored(t, "u1").Status; got != domain.Offline {
		t.Fatalf("stored status after sweep: %s", got)
	}
	if _, err := viewer.Sweep(ctx); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
}

func TestHeartbeatKeepsUserOnline(t *testing.T) {
	env := newTestEnv(t, "u1")
	ctx := context.Background()
	tr := env.tracker(t)
	if err := tr.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop(ctx)
	for i := 0; i < 4; i++ {
		env.clk.Advance(30 * time.Second)
		if err := tr.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if !tr.IsOnline("u1") {
			t.Fatalf("heartbeating user went offline after %d ticks", i+1)
		}
	}
	if set := tr.OnlineSet(); len(set) != 1 || set[0].UserID != "u1" {
		t.Fatalf("online set %v", set)
	}
}

func TestHiddenRefreshesWithoutOnlineTransition(t *testing.T) {
	env := newTestEnv(t, "u1")
	ctx := context.Background()
	tr := env.tracker(t)
	if err := tr.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop(ctx)
	if err := env.svc.SetOffline(ctx, "u1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	env.clk.Advance(10 * time.Second)
	if err := tr.Hidden(ctx); err != nil {
		t.Fatalf("hidden: %v", err)
	}
	rec := env.stored(t, "u1")
	if rec.Status != domain.Offline || !rec.LastSeenAt.Equal(env.clk.Now()) {
		t.Fatalf("hidden should only touch last_seen: %+v", rec)
	}
	if !tr.IsHidden() {
		t.Fatalf("tracker should be hidden")
	}
	if err := tr.Focus(ctx); err != nil {
		t.Fatalf("focus: %v", err)
	}
	if env.stored(t, "u1").Status != domain.Online || !tr.IsOnline("u1") {
		t.Fatalf("focus should bring the user online")
	}
}

func TestPushedChangesReachEveryTracker(t *testing.T) {
	env := newTestEnv(t, "u1", "u2")
	ctx := context.Background()
	a, b := env.tracker(t), env.tracker(t)
	if err := a.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop(ctx)
	if !b.IsOnline("u1") {
		t.Fatalf("push did not reach second tracker")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.IsOnline("u1") || b.IsOnline("u1") {
		t.Fatalf("sign-out not propagated")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	tr := NewTracker(nil, Options{Now: func() time.Time { return time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC) }})
	newer := time.Date(2025, 1, 1, 0, 0, 50, 0, time.UTC)
	older := newer.Add(-40 * time.Second)
	online := feed.Change{Op: feed.Update, Table: Table, Key: "u1",
		Record: domain.PresenceRecord{UserID: "u1", Status: domain.Online, LastSeenAt: &newer}}
	tr.Apply(online)
	tr.Apply(online)
	if len(tr.OnlineSet()) != 1 {
		t.Fatalf("duplicate push changed the set: %v", tr.OnlineSet())
	}
	tr.Apply(feed.Change{Op: feed.Update, Table: Table, Key: "u1", Record: touch{UserID: "u1", At: older}})
	if !tr.IsOnline("u1") {
		t.Fatalf("late touch moved last seen backwards")
	}
	tr.Apply(feed.Change{Op: feed.Update, Table: Table, Key: "u1",
		Record: domain.PresenceRecord{UserID: "u1", Status: domain.Offline}})
	if tr.IsOnline("u1") {
		t.Fatalf("offline push ignored")
	}
	tr.Apply(feed.Change{Op: feed.Update, Table: "orders", Key: "u1",
		Record: domain.PresenceRecord{UserID: "u1", Status: domain.Online, LastSeenAt: &newer}})
	if tr.IsOnline("u1") {
		t.Fatalf("changes for other tables must be ignored")
	}
}

type countingRPC struct {
	mu       sync.Mutex
	touches  int
	offlines []string
	sweepErr error
}

func (c *countingRPC) SetOnline(context.Context, string) error { return nil }
func (c *countingRPC) SetOffline(_ context.Context, id string) error {
	c.mu.Lock()
	c.offlines = append(c.offlines, id)
	c.mu.Unlock()
	return nil
}
func (c *countingRPC) TouchActivity(context.Context, string) error {
	c.mu.Lock()
	c.touches++
	c.mu.Unlock()
	return nil
}
func (c *countingRPC) CleanupStaleOnline(context.Context) ([]string, error) { return nil, c.sweepErr }
func (c *countingRPC) ListPresence(context.Context) ([]domain.PresenceRecord, error) {
	return nil, nil
}

func (c *countingRPC) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touches
}

func TestStopEndsHeartbeatLoop(t *testing.T) {
	rpc := &countingRPC{}
	tr := NewTracker(rpc, Options{HeartbeatInterval: 5 * time.Millisecond})
	ctx := context.Background()
	if err := tr.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start(ctx, "u1"); !errors.Is(err, ErrRunning) {
		t.Fatalf("double start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for rpc.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rpc.count() < 2 {
		t.Fatalf("heartbeat loop did not tick")
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	after := rpc.count()
	time.Sleep(30 * time.Millisecond)
	if rpc.count() != after {
		t.Fatalf("heartbeat continued after stop")
	}
	if len(rpc.offlines) != 1 || rpc.offlines[0] != "u1" {
		t.Fatalf("offline calls %v", rpc.offlines)
	}
	if err := tr.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("double stop: %v", err)
	}
	if err := tr.Hidden(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("hidden after stop: %v", err)
	}
}

func TestTickReportsSweepFailure(t *testing.T) {
	rpc := &countingRPC{sweepErr: errors.New("rpc down")}
	tr := NewTracker(rpc, Options{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	if err := tr.Start(ctx, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Stop(ctx)
	if err := tr.Tick(ctx); err == nil {
		t.Fatalf("expected sweep error")
	}
	if rpc.count() != 1 {
		t.Fatalf("touch should still run when the sweep fails")
	}
}

func TestUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.SetOnline(context.Background(), "ghost"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestSweeper(t *testing.T) {
	if _, err := NewSweeper(&countingRPC{}, "whenever", nil); err == nil {
		t.Fatalf("expected schedule error")
	}
	env := newTestEnv(t, "u1")
	ctx := context.Background()
	if err := env.svc.SetOnline(ctx, "u1"); err != nil {
		t.Fatalf("online: %v", err)
	}
	env.clk.Advance(2 * time.Minute)
	s, err := NewSweeper(env.svc, "@every 1m", nil)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	ids, err := s.RunOnce(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("run once: %v %v", ids, err)
	}
	s.Start()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
