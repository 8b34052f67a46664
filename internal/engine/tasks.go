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
)

type TaskCreateOptions struct {
	OrderID           string
	Title             string
	Description       string
	ResponsibleUserID string
	DueDate           time.Time
	Salary            int64
	Priority          domain.Priority
	ActorID           string
}

// CreateTask adds a manual task to an order and links it into the order's
// task list. A link failure returns the task with a PartialFailureError.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{Field: "title", Msg: "required"}
	}
	if opts.Salary < 0 {
		return domain.Task{}, ValidationError{Field: "salary", Msg: "must not be negative"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, ValidationError{Field: "priority", Msg: "must be low, medium or high"}
	}
	order, err := e.ResolveOrder(ctx, opts.OrderID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ResponsibleUserID != "" {
		if _, err := e.Store.GetUser(ctx, opts.ResponsibleUserID); err != nil {
			if IsNotFound(err) {
				return domain.Task{}, ValidationError{Field: "responsible_user_id", Msg: "unknown user " + opts.ResponsibleUserID}
			}
			return domain.Task{}, storeErr("task.create", err)
		}
	}
	now := e.now()
	due := opts.DueDate
	if due.IsZero() {
		due = DueDate(now, e.cfg().Location(), e.cfg().Automation.DefaultDurationDays)
	}
	task, err := e.Store.InsertTask(ctx, domain.Task{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		OrderNumber:       order.Number,
		Title:             strings.TrimSpace(opts.Title),
		Description:       opts.Description,
		ResponsibleUserID: optionalString(opts.ResponsibleUserID),
		AuthorID:          optionalString(opts.ActorID),
		DueDate:           due.UTC(),
		Salary:            opts.Salary,
		Priority:          opts.Priority,
		Status:            domain.TaskPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return domain.Task{}, storeErr("task.create", err)
	}
	e.logEvent(ctx, events.TaskCreated, "task", task.ID, opts.ActorID, events.Payload{"seq": task.Seq, "order_id": order.ID})
	e.publish(feed.Insert, TableTasks, task.ID, task, false)
	if err := e.linkTask(ctx, order.ID, task.Seq, opts.ActorID); err != nil {
		return task, &PartialFailureError{
			Op:     "task.create",
			Done:   []string{"create_task"},
			Failed: []StepError{{Step: "link_order", Err: err}},
		}
	}
	return task, nil
}

// ResolveTask finds a task by uuid or by sequence number.
func (e Engine) ResolveTask(ctx context.Context, ref string) (domain.Task, error) {
	ref = strings.TrimSpace(ref)
	var (
		t   domain.Task
		err error
	)
	if n, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		t, err = e.Store.GetTaskBySeq(ctx, n)
	} else {
		t, err = e.Store.GetTask(ctx, ref)
	}
	if IsNotFound(err) {
		return t, notFound("task", ref)
	}
	return t, storeErr("task.get", err)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Field: "status", Msg: "unknown task status " + string(f.Status)}
	}
	tasks, err := e.Store.ListTasks(ctx, f)
	return tasks, storeErr("task.list", err)
}

// SetTaskStatus moves a task between pending, in_progress and cancelled.
// Completion goes through CompleteTask and is terminal.
func (e Engine) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, actorID string) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, ValidationError{Field: "status", Msg: "unknown task status " + string(status)}
	}
	if status == domain.TaskCompleted {
		return domain.Task{}, ValidationError{Field: "status", Msg: "use task completion to complete a task"}
	}
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return domain.Task{}, notFound("task", taskID)
		}
		return domain.Task{}, storeErr("task.status", err)
	}
	if task.Status == domain.TaskCompleted {
		return task, ConflictError{Op: "task.status", Msg: "task is already completed"}
	}
	if task.Status == status {
		return task, nil
	}
	if err := e.Store.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		if IsNotFound(err) {
			return task, ConflictError{Op: "task.status", Msg: "task was completed concurrently"}
		}
		return task, storeErr("task.status", err)
	}
	prev := task.Status
	task.Status = status
	task.UpdatedAt = e.now()
	e.logEvent(ctx, events.TaskStatusChanged, "task", task.ID, actorID, events.Payload{"from": string(prev), "to": string(status)})
	e.publish(feed.Update, TableTasks, task.ID, task, false)
	return task, nil
}
