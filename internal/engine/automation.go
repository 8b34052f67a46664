package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/stage"
)

// ExpandTemplate replaces every occurrence of placeholder with the order number.
func ExpandTemplate(tmpl, placeholder string, orderNumber int64) string {
	if placeholder == "" {
		return tmpl
	}
	return strings.ReplaceAll(tmpl, placeholder, strconv.FormatInt(orderNumber, 10))
}

// DueDate advances now by days calendar days on the shop's wall clock and
// returns the resulting instant in UTC.
func DueDate(now time.Time, loc *time.Location, days int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).AddDate(0, 0, days).UTC()
}

// ApplyRule creates the task configured for stage s on order o. A missing
// rule or a rule without a responsible user yields (nil, nil). When the task
// is created but cannot be linked to the order, the task is returned together
// with a PartialFailureError.
func (e Engine) ApplyRule(ctx context.Context, s stage.ID, o domain.Order, actorID string) (*domain.Task, error) {
	rule, err := e.Store.GetRule(ctx, s)
	if err != nil {
		if IsNotFound(err) {
			e.Log.Info("automation.rule_missing", "no automation rule for stage", logger.Fields{"stage": string(s), "order_id": o.ID})
			return nil, nil
		}
		return nil, storeErr("automation.apply", err)
	}
	if rule.Inert() {
		e.Log.Info("automation.rule_inert", "rule has no responsible user", logger.Fields{"stage": string(s), "order_id": o.ID})
		return nil, nil
	}

	cfg := e.cfg()
	days := rule.DurationDays
	if days <= 0 {
		days = cfg.Automation.DefaultDurationDays
	}
	now := e.now()
	placeholder := cfg.Automation.Placeholder
	task := domain.Task{
		ID:                uuid.NewString(),
		OrderID:           o.ID,
		OrderNumber:       o.Number,
		Title:             ExpandTemplate(rule.TitleTemplate, placeholder, o.Number),
		Description:       fmt.Sprintf("%s (Order: %s)", ExpandTemplate(rule.DescriptionTemplate, placeholder, o.Number), o.Title),
		ResponsibleUserID: rule.ResponsibleUserID,
		AuthorID:          optionalString(actorID),
		DueDate:           DueDate(now, cfg.Location(), days),
		Salary:            rule.PaymentAmount,
		Priority:          domain.PriorityMedium,
		Status:            domain.TaskPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := e.Store.InsertTask(ctx, task)
	if err != nil {
		return nil, storeErr("automation.create_task", err)
	}
	e.logEvent(ctx, events.TaskCreated, "task", created.ID, actorID, events.Payload{
		"seq": created.Seq, "order_id": o.ID, "stage": string(s), "automated": true,
	})
	e.publish(feed.Insert, TableTasks, created.ID, created, false)
	e.Log.Info("automation.task_created", "task created for stage", logger.Fields{
		"stage": string(s), "order_id": o.ID, "task_id": created.Seq,
	})

	if err := e.linkTask(ctx, o.ID, created.Seq, actorID); err != nil {
		return &created, &PartialFailureError{
			Op:     "automation.apply",
			Done:   []string{"create_task"},
			Failed: []StepError{{Step: "link_order", Err: err}},
		}
	}
	return &created, nil
}

// linkTask appends seq to the order's task list with a read-modify-write.
func (e Engine) linkTask(ctx context.Context, orderID string, seq int64, actorID string) error {
	o, err := e.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.HasTask(seq) {
		return nil
	}
	o.TaskIDs = append(o.TaskIDs, seq)
	if err := e.Store.SetOrderTasks(ctx, orderID, o.TaskIDs); err != nil {
		return err
	}
	o.UpdatedAt = e.now()
	e.publish(feed.Update, TableOrders, o.ID, o, false)
	e.logEvent(ctx, events.OrderTaskLinked, "order", orderID, actorID, events.Payload{"task_id": seq})
	return nil
}

// unlinkTask removes seq from the order's task list.
func (e Engine) unlinkTask(ctx context.Context, orderID string, seq int64) error {
	o, err := e.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.HasTask(seq) {
		return nil
	}
	kept := make([]int64, 0, len(o.TaskIDs))
	for _, id := range o.TaskIDs {
		if id != seq {
			kept = append(kept, id)
		}
	}
	if err := e.Store.SetOrderTasks(ctx, orderID, kept); err != nil {
		return err
	}
	o.TaskIDs = kept
	o.UpdatedAt = e.now()
	e.publish(feed.Update, TableOrders, o.ID, o, false)
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
