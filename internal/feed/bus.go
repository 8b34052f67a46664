// Package feed fans committed and optimistic changes out to in-process read
// models and to outbound taps (SSE, webhooks, AMQP).
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"millwork/internal/logger"
)

type Op string

const (
	Insert Op = "insert"
	Update Op = "update"
	Delete Op = "delete"
)

// Change is one row-level mutation. Record holds the full row for insert and
// update; delete only needs Key.
type Change struct {
	Op         Op        `json:"event_type"`
	Table      string    `json:"table"`
	Key        string    `json:"key"`
	Record     any       `json:"record,omitempty"`
	Optimistic bool      `json:"optimistic,omitempty"`
	At         time.Time `json:"at"`
}

// Subscriber is a read model kept in sync by the bus.
type Subscriber interface {
	Apply(Change)
	Refresh(ctx context.Context) error
}

const defaultTapCapacity = 256

type tap struct {
	ch      chan Change
	dropped int
}

// Bus delivers every change synchronously to the subscribers of its table.
// Optimistic changes and their rollbacks therefore reach the same set of
// read models.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subEntry]struct{}
	taps   map[*tap]struct{}
	log    *logger.Logger
	closed bool
}

type subEntry struct {
	s Subscriber
}

func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subs: map[string]map[*subEntry]struct{}{},
		taps: map[*tap]struct{}{},
		log:  log,
	}
}

// Subscribe registers s for changes on table. The returned func unsubscribes.
func (b *Bus) Subscribe(table string, s Subscriber) func() {
	e := &subEntry{s: s}
	b.mu.Lock()
	if b.subs[table] == nil {
		b.subs[table] = map[*subEntry]struct{}{}
	}
	b.subs[table][e] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[table], e)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) subscribers(table string) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Subscriber, 0, len(b.subs[table]))
	for e := range b.subs[table] {
		out = append(out, e.s)
	}
	return out
}

// Publish applies c to every subscriber of c.Table before returning, then
// offers it to the taps without blocking.
func (b *Bus) Publish(c Change) {
	if b == nil {
		return
	}
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	for _, s := range b.subscribers(c.Table) {
		s.Apply(c)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.taps {
		select {
		case t.ch <- c:
		default:
			t.dropped++
			b.log.Warn("feed.tap_dropped", "tap buffer full, change dropped", logger.Fields{
				"table": c.Table, "key": c.Key, "dropped": t.dropped,
			})
		}
	}
}

// Invalidate discards optimistic state by refreshing every subscriber of
// table from the store. All subscribers are refreshed even if some fail.
func (b *Bus) Invalidate(ctx context.Context, table string) error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, s := range b.subscribers(table) {
		if err := s.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		b.log.Error("feed.invalidate_failed", errors.Join(errs...), logger.Fields{"table": table})
	}
	return errors.Join(errs...)
}

// Subscription is an outbound stream of changes.
type Subscription struct {
	Changes <-chan Change
	cancel  func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Tap returns a buffered stream of every change. Slow readers lose changes
// rather than stall publishers.
func (b *Bus) Tap(capacity int) Subscription {
	if capacity <= 0 {
		capacity = defaultTapCapacity
	}
	t := &tap{ch: make(chan Change, capacity)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(t.ch)
		return Subscription{Changes: t.ch}
	}
	b.taps[t] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return Subscription{
		Changes: t.ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				if _, ok := b.taps[t]; ok {
					delete(b.taps, t)
					close(t.ch)
				}
				b.mu.Unlock()
			})
		},
	}
}

// Close ends every tap.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t := range b.taps {
		close(t.ch)
		delete(b.taps, t)
	}
}
