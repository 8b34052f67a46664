package engine

import (
	"context"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/repo"
)

type CompleteOptions struct {
	ActorID  string
	ProofURL string
}

// Outcome reports what CompleteTask did. Settled means this call credited
// the worker; Duplicate means the ledger already held the task.
type Outcome struct {
	Task             domain.Task `json:"task"`
	Payment          int64       `json:"payment"`
	HasPenalty       bool        `json:"has_penalty"`
	Settled          bool        `json:"settled"`
	Duplicate        bool        `json:"duplicate"`
	AlreadyCompleted bool        `json:"already_completed"`
}

// CompleteTask marks a task completed and credits its responsible worker.
//
// The status write and the ledger write are attempted independently; when
// one fails the other still runs and a PartialFailureError lists both. Calling
// it again for a completed task keeps the original completion time and only
// retries the ledger, which is a no-op once the entry exists.
func (e Engine) CompleteTask(ctx context.Context, taskID string, opts CompleteOptions) (Outcome, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return Outcome{}, notFound("task", taskID)
		}
		return Outcome{}, storeErr("task.complete", err)
	}
	if task.Status == domain.TaskCancelled {
		return Outcome{}, ConflictError{Op: "task.complete", Msg: "task is cancelled"}
	}

	st := steps{op: "task.complete"}
	out := Outcome{Task: task}
	at := e.now()
	if task.Status == domain.TaskCompleted && task.CompletedAt != nil {
		out.AlreadyCompleted = true
		at = *task.CompletedAt
	} else {
		exec := int64(at.Sub(task.CreatedAt).Seconds())
		if exec < 0 {
			exec = 0
		}
		changed, err := e.Store.MarkTaskCompleted(ctx, task.ID, at, exec, optionalString(opts.ProofURL))
		switch {
		case err != nil:
			st.record("status", err)
		case !changed:
			// Another caller completed it first; settle against their timestamp.
			out.AlreadyCompleted = true
			if fresh, err := e.Store.GetTask(ctx, task.ID); err == nil && fresh.CompletedAt != nil {
				out.Task = fresh
				at = *fresh.CompletedAt
			}
		default:
			st.record("status", nil)
			out.Task.Status = domain.TaskCompleted
			out.Task.CompletedAt = &at
			out.Task.ExecutionTimeSeconds = &exec
			out.Task.UpdatedAt = e.now()
			if opts.ProofURL != "" {
				out.Task.ProofURL = optionalString(opts.ProofURL)
			}
			e.logEvent(ctx, events.TaskCompleted, "task", task.ID, opts.ActorID, events.Payload{
				"seq": task.Seq, "execution_time_seconds": exec,
			})
			e.publish(feed.Update, TableTasks, task.ID, out.Task, false)
		}
	}

	out.Payment, out.HasPenalty = Payout(task.Salary, task.DueDate, at, e.cfg().Settlement.PenaltyRate)
	switch {
	case task.ResponsibleUserID == nil:
		e.Log.Info("settlement.skipped", "task has no responsible user", logger.Fields{"task_id": task.Seq})
	case task.Salary <= 0:
		e.Log.Info("settlement.skipped", "task has no salary", logger.Fields{"task_id": task.Seq})
	default:
		userID := *task.ResponsibleUserID
		settled, err := e.Store.SettleLedger(ctx, userID, opts.ActorID, domain.LedgerEntry{
			TaskSeq: task.Seq, Payment: out.Payment, HasPenalty: out.HasPenalty, SettledAt: at,
		})
		switch {
		case err != nil:
			e.Log.Error("settlement.ledger_failed", err, logger.Fields{"task_id": task.Seq, "user_id": userID})
			st.record("ledger", err)
		case !settled:
			out.Duplicate = true
			e.Log.Info("settlement.duplicate", "ledger already holds task", logger.Fields{"task_id": task.Seq, "user_id": userID})
		default:
			out.Settled = true
			st.record("ledger", nil)
			e.publishUser(ctx, userID)
		}
	}
	return out, st.err()
}

// DeleteOutcome reports what DeleteTask undid.
type DeleteOutcome struct {
	Task     domain.Task     `json:"task"`
	Reversed []repo.Reversal `json:"reversed,omitempty"`
}

// DeleteTask reverses any settlement of the task, unlinks it from its order
// and deletes it. The three steps are independent; a failed step does not
// stop the later ones and is reported in a PartialFailureError.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) (DeleteOutcome, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return DeleteOutcome{}, notFound("task", taskID)
		}
		return DeleteOutcome{}, storeErr("task.delete", err)
	}
	out := DeleteOutcome{Task: task}
	st := steps{op: "task.delete"}

	// A partially failed completion can settle the ledger without marking the
	// task completed, so reversal does not look at the stored status.
	revs, err := e.Store.ReverseLedger(ctx, task.Seq, actorID)
	st.record("reverse_ledger", err)
	if err != nil {
		e.Log.Error("settlement.reverse_failed", err, logger.Fields{"task_id": task.Seq})
	}
	out.Reversed = revs
	for _, r := range revs {
		e.publishUser(ctx, r.UserID)
	}

	if err := e.unlinkTask(ctx, task.OrderID, task.Seq); err != nil && !IsNotFound(err) {
		st.record("unlink_order", err)
	} else {
		st.record("unlink_order", nil)
	}

	if err := e.Store.DeleteTask(ctx, task.ID); err != nil && !IsNotFound(err) {
		st.record("delete_task", err)
	} else {
		st.record("delete_task", nil)
		e.logEvent(ctx, events.TaskDeleted, "task", task.ID, actorID, events.Payload{"seq": task.Seq, "order_id": task.OrderID})
		e.publish(feed.Delete, TableTasks, task.ID, nil, false)
	}
	return out, st.err()
}

func (e Engine) publishUser(ctx context.Context, userID string) {
	u, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		e.Log.Warn("feed.user_reload_failed", err.Error(), logger.Fields{"user_id": userID})
		return
	}
	e.publish(feed.Update, TableUsers, u.ID, u, false)
}
