package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/repo"
)

func (a *api) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Description:   "The task is linked into its order. If linking fails the task is still returned with partial set.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.TaskCreate)
		if err != nil {
			return nil, err
		}
		opts := engine.TaskCreateOptions{
			OrderID:           input.Body.OrderID,
			Title:             input.Body.Title,
			Description:       strPtrValue(input.Body.Description),
			ResponsibleUserID: strPtrValue(input.Body.ResponsibleUserID),
			Salary:            input.Body.Salary,
			Priority:          domain.Priority(strPtrValue(input.Body.Priority)),
			ActorID:           actorID,
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		t, err := a.engine.CreateTask(ctx, opts)
		pf, err := splitPartial(err)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, Partial: partialFrom(pf)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrderID           string `query:"order_id"`
		ResponsibleUserID string `query:"responsible_user_id"`
		Status            string `query:"status" enum:"pending,in_progress,completed,cancelled"`
		Limit             int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		f := repo.TaskFilters{
			ResponsibleUserID: input.ResponsibleUserID,
			Status:            domain.TaskStatus(input.Status),
			Limit:             normalizeLimit(input.Limit),
		}
		if input.OrderID != "" {
			o, err := a.engine.ResolveOrder(ctx, input.OrderID)
			if err != nil {
				return nil, a.handleError(err)
			}
			f.OrderID = o.ID
		}
		tasks, err := a.engine.ListTasks(ctx, f)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task by uuid or sequence id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		t, err := a.engine.ResolveTask(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/status",
		Summary:     "Move task between pending, in_progress and cancelled",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, actorID, err := a.taskFor(ctx, input.ID, auth.TaskUpdate, auth.OwnTaskUpdate)
		if err != nil {
			return nil, err
		}
		updated, err := a.engine.SetTaskStatus(ctx, t.ID, domain.TaskStatus(input.Body.Status), actorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task and settle the worker's pay",
		Description: "Idempotent. Repeating the call keeps the first completion time and never pays twice. " +
			"When only one of the status and ledger writes succeeds the response has partial set.",
		Errors: mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *CompleteTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		t, actorID, err := a.taskFor(ctx, input.ID, auth.TaskComplete, auth.OwnTaskComplete)
		if err != nil {
			return nil, err
		}
		opts := engine.CompleteOptions{ActorID: actorID}
		if input.Body != nil {
			opts.ProofURL = strPtrValue(input.Body.ProofURL)
		}
		out, err := a.engine.CompleteTask(ctx, t.ID, opts)
		pf, err := splitPartial(err)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: completeResponse(out, pf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task, reversing any settlement",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.TaskDelete)
		if err != nil {
			return nil, err
		}
		t, err := a.engine.ResolveTask(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		out, err := a.engine.DeleteTask(ctx, t.ID, actorID)
		pf, err := splitPartial(err)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Task: out.Task, Reversed: out.Reversed, Partial: partialFrom(pf)}}, nil
	})
}

// taskFor resolves a task reference and checks that the caller may act on
// it: perm for any task, own for tasks they are responsible for.
func (a *api) taskFor(ctx context.Context, ref string, perm, own auth.Permission) (domain.Task, string, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Task{}, "", authErr
	}
	t, err := a.engine.ResolveTask(ctx, ref)
	if err != nil {
		return domain.Task{}, "", a.handleError(err)
	}
	if err := a.authz.RequireTask(ctx, actorID, t, perm, own); err != nil {
		return domain.Task{}, "", a.handleError(err)
	}
	return t, actorID, nil
}
