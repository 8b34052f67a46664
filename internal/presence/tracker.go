package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"millwork/internal/domain"
	"millwork/internal/feed"
	"millwork/internal/logger"
)

var (
	ErrRunning    = errors.New("presence tracker already started")
	ErrNotRunning = errors.New("presence tracker not started")
)

type Options struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	Now               func() time.Time
	Log               *logger.Logger
}

// Tracker is one session's presence state machine. It keeps the session's
// user online with heartbeats, sweeps stale users on every tick and holds
// the online set, fed by both pushed changes and refreshes.
type Tracker struct {
	rpc       RPC
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	log       *logger.Logger

	mu      sync.RWMutex
	userID  string
	hidden  bool
	records map[string]domain.PresenceRecord
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTracker(rpc RPC, opts Options) *Tracker {
	t := &Tracker{
		rpc:       rpc,
		interval:  opts.HeartbeatInterval,
		threshold: opts.StaleAfter,
		now:       opts.Now,
		log:       opts.Log,
		records:   map[string]domain.PresenceRecord{},
	}
	if t.interval <= 0 {
		t.interval = DefaultHeartbeat
	}
	if t.threshold <= 0 {
		t.threshold = DefaultStaleAfter
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Start marks userID online and begins the heartbeat loop. The loop stops
// when Stop is called or ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return ErrRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.userID = userID
	t.hidden = false
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	if err := t.rpc.SetOnline(ctx, userID); err != nil {
		t.log.Error("presence.set_online_failed", err, logger.Fields{"user_id": userID})
	}
	if err := t.Refresh(ctx); err != nil {
		t.log.Error("presence.refresh_failed", err, nil)
	}
	go t.loop(loopCtx, done)
	return nil
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				t.log.Error("presence.tick_failed", err, logger.Fields{"user_id": t.UserID()})
			}
		}
	}
}

// Stop ends the heartbeat loop, waits for it to exit and marks the user
// offline. The offline call is best effort; its error is returned but the
// tracker is stopped regardless.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done, userID := t.cancel, t.done, t.userID
	t.cancel, t.done, t.userID = nil, nil, ""
	t.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	return t.rpc.SetOffline(ctx, userID)
}

func (t *Tracker) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancel != nil
}

func (t *Tracker) UserID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID
}

// Focus is called when the session becomes visible again.
func (t *Tracker) Focus(ctx context.Context) error {
	userID, err := t.session(false)
	if err != nil {
		return err
	}
	return t.rpc.SetOnline(ctx, userID)
}

// Hidden is called when the session is hidden. The user stays online; only
// last-seen is refreshed.
func (t *Tracker) Hidden(ctx context.Context) error {
	userID, err := t.session(true)
	if err != nil {
		return err
	}
	return t.rpc.TouchActivity(ctx, userID)
}

func (t *Tracker) session(hidden bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return "", ErrNotRunning
	}
	t.hidden = hidden
	return t.userID, nil
}

func (t *Tracker) IsHidden() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hidden
}

// Tick is one heartbeat: refresh the session's last-seen, sweep stale users
// and reload the online set. Every step runs even if an earlier one fails.
func (t *Tracker) Tick(ctx context.Context) error {
	var errs []error
	if userID := t.UserID(); userID != "" {
		if err := t.rpc.TouchActivity(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := t.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep forces stale online users offline through the store and applies
// the result locally.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	ids, err := t.rpc.CleanupStaleOnline(ctx)
	if err != nil {
		t.log.Warn("presence.sweep_failed", err.Error(), nil)
		return nil, err
	}
	t.mu.Lock()
	for _, id := range ids {
		rec := t.records[id]
		rec.UserID = id
		rec.Status = domain.Offline
		t.records[id] = rec
	}
	t.mu.Unlock()
	return ids, nil
}

// Refresh replaces the local records with the store's.
func (t *Tracker) Refresh(ctx context.Context) error {
	recs, err := t.rpc.ListPresence(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]domain.PresenceRecord, len(recs))
	for _, r := range recs {
		next[r.UserID] = r
	}
	t.mu.Lock()
	t.records = next
	t.mu.Unlock()
	return nil
}

// Apply merges a pushed presence change. Applying the same change twice
// leaves the same state, and a change never moves last-seen backwards.
func (t *Tracker) Apply(c feed.Change) {
	if c.Table != Table {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch rec := c.Record.(type) {
	case domain.PresenceRecord:
		cur := t.records[rec.UserID]
		cur.UserID = rec.UserID
		cur.Status = rec.Status
		if rec.FullName != "" {
			cur.FullName = rec.FullName
		}
		cur.LastSeenAt = later(cur.LastSeenAt, rec.LastSeenAt)
		t.records[rec.UserID] = cur
	case touch:
		cur, ok := t.records[rec.UserID]
		if !ok {
			cur = domain.PresenceRecord{UserID: rec.UserID, Status: domain.Offline}
		}
		at := rec.At
		cur.LastSeenAt = later(cur.LastSeenAt, &at)
		t.records[rec.UserID] = cur
	default:
		if c.Op == feed.Delete {
			delete(t.records, c.Key)
		}
	}
}

func later(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// IsOnline applies the staleness rule to the local record, so a stored
// online status that has gone stale reads as offline before any sweep.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	rec, ok := t.records[userID]
	t.mu.RUnlock()
	return ok && rec.EffectivelyOnline(t.now(), t.threshold)
}

// Status is IsOnline as a presence status.
func (t *Tracker) Status(userID string) domain.PresenceStatus {
	if t.IsOnline(userID) {
		return domain.Online
	}
	return domain.Offline
}

// OnlineSet returns the effectively online users ordered by id.
func (t *Tracker) OnlineSet() []domain.PresenceRecord {
	t.mu.RLock()
	recs := make([]domain.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		recs = append(recs, r)
	}
	t.mu.RUnlock()
	out := EffectiveOnline(recs, t.now(), t.threshold)
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
