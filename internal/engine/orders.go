package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

type OrderCreateOptions struct {
	Title       string
	Client      string
	Description string
	Value       int64
	DueDate     *time.Time
	Status      stage.ID
	ActorID     string
}

// CreateOrder stores a new order. Orders start in the first stage unless a
// valid stage is given.
func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Order{}, ValidationError{Field: "title", Msg: "required"}
	}
	if opts.Value < 0 {
		return domain.Order{}, ValidationError{Field: "value", Msg: "must not be negative"}
	}
	if opts.Status == "" {
		opts.Status = stage.First().ID
	}
	if !stage.Valid(opts.Status) {
		return domain.Order{}, ValidationError{Field: "status", Msg: "unknown stage " + string(opts.Status)}
	}
	now := e.now()
	o, err := e.Store.InsertOrder(ctx, domain.Order{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(opts.Title),
		Client:      opts.Client,
		Description: opts.Description,
		Value:       opts.Value,
		Status:      opts.Status,
		DueDate:     opts.DueDate,
		TaskIDs:     []int64{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return domain.Order{}, storeErr("order.create", err)
	}
	e.logEvent(ctx, events.OrderCreated, "order", o.ID, opts.ActorID, events.Payload{"number": o.Number, "status": string(o.Status)})
	e.publish(feed.Insert, TableOrders, o.ID, o, false)
	return o, nil
}

// ResolveOrder finds an order by uuid or by its human-facing number.
func (e Engine) ResolveOrder(ctx context.Context, ref string) (domain.Order, error) {
	ref = strings.TrimSpace(ref)
	var (
		o   domain.Order
		err error
	)
	if n, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		o, err = e.Store.GetOrderByNumber(ctx, n)
	} else {
		o, err = e.Store.GetOrder(ctx, ref)
	}
	if IsNotFound(err) {
		return o, notFound("order", ref)
	}
	return o, storeErr("order.get", err)
}

func (e Engine) ListOrders(ctx context.Context, f repo.OrderFilters) ([]domain.Order, error) {
	if f.Status != "" && !stage.Valid(f.Status) {
		return nil, ValidationError{Field: "status", Msg: "unknown stage " + string(f.Status)}
	}
	orders, err := e.Store.ListOrders(ctx, f)
	return orders, storeErr("order.list", err)
}
