package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/migrate"
	"millwork/internal/stage"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := New(conn, db.SQLite)
	r.Now = func() time.Time { return fixedNow }
	return r
}

func seedOrder(t *testing.T, r Repo) domain.Order {
	t.Helper()
	o, err := r.InsertOrder(context.Background(), domain.Order{
		ID: uuid.NewString(), Title: "Kitchen", Client: "Ivanov", Value: 120000,
		CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o
}

func seedTask(t *testing.T, r Repo, o domain.Order, userID string) domain.Task {
	t.Helper()
	task, err := r.InsertTask(context.Background(), domain.Task{
		ID: uuid.NewString(), OrderID: o.ID, OrderNumber: o.Number, Title: "Cut panels",
		ResponsibleUserID: &userID, DueDate: fixedNow.Add(24 * time.Hour), Salary: 1000,
		Priority: domain.PriorityMedium, Status: domain.TaskPending, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestOrderNumbersAndDefaults(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := seedOrder(t, r)
	b := seedOrder(t, r)
	if a.Number != 100001 || b.Number != 100002 {
		t.Fatalf("numbers = %d, %d", a.Number, b.Number)
	}
	got, err := r.GetOrder(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != stage.Cutting || len(got.TaskIDs) != 0 {
		t.Fatalf("unexpected order %+v", got)
	}
	if _, err := r.GetOrder(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnknownStoredStatusReadsAsFirstStage(t *testing.T) {
	r := newTestRepo(t)
	o := seedOrder(t, r)
	if _, err := r.DB.Exec(`UPDATE orders SET status='varnishing' WHERE id=?`, o.ID); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != stage.First().ID {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTaskSeqIsMonotonicUnderConcurrency(t *testing.T) {
	r := newTestRepo(t)
	o := seedOrder(t, r)
	var wg sync.WaitGroup
	seqs := make(chan int64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := r.InsertTask(context.Background(), domain.Task{
				ID: uuid.NewString(), OrderID: o.ID, OrderNumber: o.Number, Title: "Drill",
				DueDate: fixedNow, Priority: domain.PriorityLow, Status: domain.TaskPending,
				CreatedAt: fixedNow, UpdatedAt: fixedNow,
			})
			if err != nil {
				t.Errorf("insert task: %v", err)
				return
			}
			seqs <- task.Seq
		}()
	}
	wg.Wait()
	close(seqs)
	seen := map[int64]bool{}
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		seen[s] = true
	}
	for i := int64(1); i <= 8; i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d in %v", i, seen)
		}
	}
}

func TestDeletedTaskSeqIsNotReused(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	o := seedOrder(t, r)
	first := seedTask(t, r, o, "u1")
	if err := r.DeleteTask(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second := seedTask(t, r, o, "u1")
	if second.Seq <= first.Seq {
		t.Fatalf("seq after delete = %d, want > %d", second.Seq, first.Seq)
	}
	stored, err := r.GetTaskBySeq(ctx, second.Seq)
	if err != nil || stored.ID != second.ID {
		t.Fatalf("get by seq: %+v, %v", stored, err)
	}
}

func TestOrderNumbersKeepGrowing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := seedOrder(t, r)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM orders WHERE id=?`, first.ID); err != nil {
		t.Fatalf("delete order: %v", err)
	}
	second := seedOrder(t, r)
	if second.Number != first.Number+1 {
		t.Fatalf("numbers = %d then %d", first.Number, second.Number)
	}
}

func TestMarkTaskCompletedOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	task := seedTask(t, r, seedOrder(t, r), "u1")
	first := fixedNow.Add(time.Hour)
	changed, err := r.MarkTaskCompleted(ctx, task.ID, first, 3600, nil)
	if err != nil || !changed {
		t.Fatalf("first completion: %v %v", changed, err)
	}
	changed, err = r.MarkTaskCompleted(ctx, task.ID, first.Add(time.Hour), 7200, nil)
	if err != nil || changed {
		t.Fatalf("second completion: %v %v", changed, err)
	}
	got, _ := r.GetTask(ctx, task.ID)
	if got.CompletedAt == nil || !got.CompletedAt.Equal(first) {
		t.Fatalf("completed_at rewritten: %v", got.CompletedAt)
	}
	if _, err := r.MarkTaskCompleted(ctx, "missing", first, 0, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerSettleIsIdempotentAndReversible(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	entry := domain.LedgerEntry{TaskSeq: 7, Payment: 900, HasPenalty: true, SettledAt: fixedNow}
	ok, err := r.SettleLedger(ctx, "u1", "admin", entry)
	if err != nil || !ok {
		t.Fatalf("settle: %v %v", ok, err)
	}
	ok, err = r.SettleLedger(ctx, "u1", "admin", entry)
	if err != nil || ok {
		t.Fatalf("duplicate settle: %v %v", ok, err)
	}
	u, err := r.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Salary != 900 || len(u.CompletedTasks) != 1 || !u.CompletedTasks[0].HasPenalty {
		t.Fatalf("unexpected ledger %+v", u)
	}
	revs, err := r.ReverseLedger(ctx, 7, "admin")
	if err != nil || len(revs) != 1 || revs[0].Entry.Payment != 900 {
		t.Fatalf("reverse: %+v %v", revs, err)
	}
	u, _ = r.GetUser(ctx, "u1")
	if u.Salary != 0 || len(u.CompletedTasks) != 0 {
		t.Fatalf("after reverse %+v", u)
	}
	if _, err := r.SettleLedger(ctx, "ghost", "admin", entry); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestReverseFloorsSalaryAtZero(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if _, err := r.SettleLedger(ctx, "u1", "", domain.LedgerEntry{TaskSeq: 1, Payment: 500, SettledAt: fixedNow}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := r.DB.Exec(`UPDATE users SET salary=200 WHERE id='u1'`); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if _, err := r.ReverseLedger(ctx, 1, ""); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	u, _ := r.GetUser(ctx, "u1")
	if u.Salary != 0 {
		t.Fatalf("salary = %d", u.Salary)
	}
}

func TestConcurrentSettlementsForOneWorker(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			if _, err := r.SettleLedger(ctx, "u1", "", domain.LedgerEntry{TaskSeq: seq, Payment: 100, SettledAt: fixedNow}); err != nil {
				t.Errorf("settle %d: %v", seq, err)
			}
		}(int64(i))
	}
	wg.Wait()
	u, _ := r.GetUser(ctx, "u1")
	if u.Salary != 1000 || len(u.CompletedTasks) != 10 {
		t.Fatalf("lost update: salary=%d entries=%d", u.Salary, len(u.CompletedTasks))
	}
}

func TestPresenceCleanup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"fresh", "stale", "away"} {
		if err := r.UpsertUser(ctx, domain.User{ID: id, Role: domain.RoleWorker}); err != nil {
			t.Fatalf("user: %v", err)
		}
	}
	if _, err := r.SetPresence(ctx, "fresh", domain.Online, fixedNow.Add(-30*time.Second)); err != nil {
		t.Fatalf("presence: %v", err)
	}
	changed, err := r.SetPresence(ctx, "stale", domain.Online, fixedNow.Add(-90*time.Second))
	if err != nil || !changed {
		t.Fatalf("presence: %v %v", changed, err)
	}
	ids, err := r.CleanupStaleOnline(ctx, fixedNow.Add(-time.Minute))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("cleaned %v", ids)
	}
	recs, err := r.ListPresence(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rec := range recs {
		want := domain.Offline
		if rec.UserID == "fresh" {
			want = domain.Online
		}
		if rec.Status != want {
			t.Errorf("%s: status %s want %s", rec.UserID, rec.Status, want)
		}
	}
	if _, err := r.SetPresence(ctx, "ghost", domain.Online, fixedNow); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsAreLogged(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertUser(ctx, domain.User{ID: "u1", Role: domain.RoleWorker}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if _, err := r.SetPresence(ctx, "u1", domain.Online, fixedNow); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := r.AppendEvent(ctx, "order.created", "order", "o1", "admin", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	evts, err := r.LatestEvents(ctx, EventFilters{Limit: 10})
	if err != nil || len(evts) != 2 {
		t.Fatalf("events: %v %d", err, len(evts))
	}
	if evts[0].Type != "order.created" || evts[1].Type != "presence.changed" {
		t.Fatalf("order = %s, %s", evts[0].Type, evts[1].Type)
	}
	after, err := r.EventsAfter(ctx, evts[1].ID, 10)
	if err != nil || len(after) != 1 || after[0].ID != evts[0].ID {
		t.Fatalf("after: %+v %v", after, err)
	}
}
