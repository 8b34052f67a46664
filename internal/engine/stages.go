package engine

import (
	"context"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

// TransitionResult describes a stage move. Automation problems never fail
// the move itself; they are carried in AutomationErr.
type TransitionResult struct {
	Order         domain.Order `json:"order"`
	From          stage.ID     `json:"from"`
	Noop          bool         `json:"noop"`
	Task          *domain.Task `json:"task,omitempty"`
	AutomationErr error        `json:"-"`
}

// Transition moves an order to stage to. from is the stage the caller
// believes the order is in and may be empty. Any stage may follow any other.
//
// The new status is published to read models before the write; if the write
// fails every read model of the orders table is refreshed from the store.
func (e Engine) Transition(ctx context.Context, orderID string, from, to stage.ID, actorID string) (TransitionResult, error) {
	if !stage.Valid(to) {
		return TransitionResult{}, ValidationError{Field: "to", Msg: "unknown stage " + string(to)}
	}
	if from != "" && !stage.Valid(from) {
		return TransitionResult{}, ValidationError{Field: "from", Msg: "unknown stage " + string(from)}
	}
	order, err := e.Store.GetOrder(ctx, orderID)
	if err != nil {
		if IsNotFound(err) {
			return TransitionResult{}, notFound("order", orderID)
		}
		return TransitionResult{}, storeErr("order.transition", err)
	}
	res := TransitionResult{Order: order, From: order.Status}
	if from != "" && from != order.Status {
		e.Log.Warn("order.transition_stale", "caller's view of the order is out of date", logger.Fields{
			"order_id": orderID, "expected": string(from), "actual": string(order.Status),
		})
	}
	if from == to || order.Status == to {
		res.Noop = true
		e.Log.Debug("order.transition_noop", "order already in target stage", logger.Fields{"order_id": orderID, "stage": string(to)})
		return res, nil
	}

	moved := order
	moved.Status = to
	moved.UpdatedAt = e.now()
	e.publish(feed.Update, TableOrders, moved.ID, moved, true)

	if err := e.Store.UpdateOrderStatus(ctx, orderID, to); err != nil {
		if rbErr := e.Bus.Invalidate(ctx, TableOrders); rbErr != nil {
			e.Log.Error("order.rollback_failed", rbErr, logger.Fields{"order_id": orderID})
		}
		if IsNotFound(err) {
			return TransitionResult{}, notFound("order", orderID)
		}
		return TransitionResult{}, &RemoteUnavailableError{Op: "order.transition", Err: err}
	}
	e.logEvent(ctx, events.OrderStageChanged, "order", orderID, actorID, events.Payload{
		"from": string(order.Status), "to": string(to),
	})
	e.publish(feed.Update, TableOrders, moved.ID, moved, false)
	res.Order = moved

	task, err := e.ApplyRule(ctx, to, moved, actorID)
	if err != nil {
		e.Log.Error("automation.failed", err, logger.Fields{"order_id": orderID, "stage": string(to)})
		res.AutomationErr = err
	}
	if task != nil {
		res.Task = task
		res.Order.TaskIDs = append(append([]int64(nil), moved.TaskIDs...), task.Seq)
	}
	return res, nil
}

// GroupByStage buckets orders by status in catalog order. Orders with an
// unknown status land in the first stage.
func GroupByStage(orders []domain.Order) map[stage.ID][]domain.Order {
	out := make(map[stage.ID][]domain.Order, len(stage.IDs()))
	for _, id := range stage.IDs() {
		out[id] = []domain.Order{}
	}
	for _, o := range orders {
		id := stage.Normalize(string(o.Status))
		out[id] = append(out[id], o)
	}
	return out
}

// Column is one board column.
type Column struct {
	Stage  stage.Stage    `json:"stage"`
	Orders []domain.Order `json:"orders"`
}

// Board returns every order grouped into the six stage columns.
func (e Engine) Board(ctx context.Context) ([]Column, error) {
	orders, err := e.Store.ListOrders(ctx, repo.OrderFilters{})
	if err != nil {
		return nil, storeErr("order.board", err)
	}
	return Columns(orders), nil
}

// Columns lays orders out as the six board columns, keeping their order
// within each column.
func Columns(orders []domain.Order) []Column {
	groups := GroupByStage(orders)
	cols := make([]Column, 0, len(groups))
	for _, s := range stage.All() {
		cols = append(cols, Column{Stage: s, Orders: groups[s.ID]})
	}
	return cols
}
