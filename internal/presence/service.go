// Package presence tracks which users are online. Service is the
// server-side implementation of the presence calls, Tracker is the
// per-session client state machine, Sweeper runs the scheduled stale sweep.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"millwork/internal/domain"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/repo"
)

// Table is the feed table carrying presence records.
const Table = "presence"

const (
	DefaultHeartbeat  = 30 * time.Second
	DefaultStaleAfter = time.Minute
)

// RPC is the set of remote calls a Tracker depends on.
type RPC interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	TouchActivity(ctx context.Context, userID string) error
	CleanupStaleOnline(ctx context.Context) ([]string, error)
	ListPresence(ctx context.Context) ([]domain.PresenceRecord, error)
}

// Store is the persistence behind Service. repo.Repo implements it.
type Store interface {
	SetPresence(ctx context.Context, userID string, status domain.PresenceStatus, at time.Time) (bool, error)
	TouchPresence(ctx context.Context, userID string, at time.Time) error
	CleanupStaleOnline(ctx context.Context, cutoff time.Time) ([]string, error)
	ListPresence(ctx context.Context) ([]domain.PresenceRecord, error)
}

// ErrUnknownUser is returned for presence calls about users not on the roster.
var ErrUnknownUser = errors.New("unknown user")

type Service struct {
	Store      Store
	Bus        *feed.Bus
	Log        *logger.Logger
	Now        func() time.Time
	StaleAfter time.Duration
}

var _ RPC = (*Service)(nil)

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) staleAfter() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return DefaultStaleAfter
}

func (s *Service) set(ctx context.Context, userID string, status domain.PresenceStatus) error {
	at := s.now()
	changed, err := s.Store.SetPresence(ctx, userID, status, at)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w %q", ErrUnknownUser, userID)
		}
		return err
	}
	if changed {
		s.Log.Info("presence.changed", "presence status changed", logger.Fields{"user_id": userID, "status": string(status)})
	}
	s.Bus.Publish(feed.Change{Op: feed.Update, Table: Table, Key: userID, At: at,
		Record: domain.PresenceRecord{UserID: userID, Status: status, LastSeenAt: &at}})
	return nil
}

func (s *Service) SetOnline(ctx context.Context, userID string) error {
	return s.set(ctx, userID, domain.Online)
}

func (s *Service) SetOffline(ctx context.Context, userID string) error {
	return s.set(ctx, userID, domain.Offline)
}

// TouchActivity refreshes last-seen without changing the stored status.
func (s *Service) TouchActivity(ctx context.Context, userID string) error {
	at := s.now()
	if err := s.Store.TouchPresence(ctx, userID, at); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w %q", ErrUnknownUser, userID)
		}
		return err
	}
	s.Bus.Publish(feed.Change{Op: feed.Update, Table: Table, Key: userID, At: at, Record: touch{UserID: userID, At: at}})
	return nil
}

// touch is published for heartbeats; it carries no status so subscribers
// only advance last-seen.
type touch struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"last_seen_at"`
}

// CleanupStaleOnline marks offline every online user whose last activity is
// older than the stale threshold.
func (s *Service) CleanupStaleOnline(ctx context.Context) ([]string, error) {
	now := s.now()
	ids, err := s.Store.CleanupStaleOnline(ctx, now.Add(-s.staleAfter()))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.Bus.Publish(feed.Change{Op: feed.Update, Table: Table, Key: id, At: now,
			Record: domain.PresenceRecord{UserID: id, Status: domain.Offline}})
	}
	if len(ids) > 0 {
		s.Log.Info("presence.swept", "stale users marked offline", logger.Fields{"count": len(ids), "user_ids": ids})
	}
	return ids, nil
}

func (s *Service) ListPresence(ctx context.Context) ([]domain.PresenceRecord, error) {
	return s.Store.ListPresence(ctx)
}

// Online returns the users that are effectively online right now.
func (s *Service) Online(ctx context.Context) ([]domain.PresenceRecord, error) {
	recs, err := s.Store.ListPresence(ctx)
	if err != nil {
		return nil, err
	}
	return EffectiveOnline(recs, s.now(), s.staleAfter()), nil
}

// EffectiveOnline filters records through the staleness rule.
func EffectiveOnline(recs []domain.PresenceRecord, now time.Time, threshold time.Duration) []domain.PresenceRecord {
	out := []domain.PresenceRecord{}
	for _, r := range recs {
		if r.EffectivelyOnline(now, threshold) {
			out = append(out, r)
		}
	}
	return out
}
