package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/feed"
	"millwork/internal/repo"
)

const defaultBoardMaxAge = 30 * time.Second

// boardView is the orders read model behind GET /board. It follows the bus
// for writes made in this process and reloads from the store once it is
// older than maxAge, which picks up writes made by other processes.
type boardView struct {
	*feed.ReadModel[domain.Order]
	maxAge time.Duration
	now    func() time.Time

	mu        sync.Mutex
	refreshed time.Time
}

func newBoardView(r repo.Repo, maxAge time.Duration) *boardView {
	if maxAge <= 0 {
		maxAge = defaultBoardMaxAge
	}
	load := func(ctx context.Context) ([]domain.Order, error) {
		return r.ListOrders(ctx, repo.OrderFilters{})
	}
	return &boardView{
		ReadModel: feed.NewReadModel(func(o domain.Order) string { return o.ID }, load),
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Refresh reloads every order. The bus calls it when an optimistic change
// has to be discarded.
func (b *boardView) Refresh(ctx context.Context) error {
	if err := b.ReadModel.Refresh(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.refreshed = b.now()
	b.mu.Unlock()
	return nil
}

// Columns returns the board, reloading first when the view has gone stale.
func (b *boardView) Columns(ctx context.Context) ([]engine.Column, error) {
	b.mu.Lock()
	stale := b.now().Sub(b.refreshed) > b.maxAge
	b.mu.Unlock()
	if stale {
		if err := b.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	orders := b.Snapshot()
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Number > orders[j].Number })
	return engine.Columns(orders), nil
}
