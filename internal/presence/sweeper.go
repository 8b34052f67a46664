package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"millwork/internal/logger"
)

// Cleaner is the part of RPC the sweeper needs.
type Cleaner interface {
	CleanupStaleOnline(ctx context.Context) ([]string, error)
}

// Sweeper runs the stale-online cleanup on a cron schedule so presence is
// corrected even when no session is ticking.
type Sweeper struct {
	cleaner Cleaner
	cron    *cron.Cron
	log     *logger.Logger
	timeout time.Duration
}

// NewSweeper parses schedule (standard cron or @every descriptors).
func NewSweeper(c Cleaner, schedule string, log *logger.Logger) (*Sweeper, error) {
	s := &Sweeper{cleaner: c, cron: cron.New(), log: log, timeout: 10 * time.Second}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}

// RunOnce performs one sweep. Failures are logged and left for the next run.
func (s *Sweeper) RunOnce(ctx context.Context) ([]string, error) {
	ids, err := s.cleaner.CleanupStaleOnline(ctx)
	if err != nil {
		s.log.Error("presence.sweep_failed", err, nil)
		return nil, err
	}
	return ids, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
