package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func (a *api) registerOrders(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.OrderCreate)
		if err != nil {
			return nil, err
		}
		opts := engine.OrderCreateOptions{
			Title:       input.Body.Title,
			Client:      strPtrValue(input.Body.Client),
			Description: strPtrValue(input.Body.Description),
			Value:       input.Body.Value,
			DueDate:     input.Body.DueDate,
			ActorID:     actorID,
		}
		if input.Body.Status != nil {
			opts.Status = stage.ID(*input.Body.Status)
		}
		o, err := a.engine.CreateOrder(ctx, opts)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"cutting,edging,drilling,sanding,priming,painting"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		orders, err := a.engine.ListOrders(ctx, repo.OrderFilters{Status: stage.ID(input.Status), Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: nonNilSlice(orders)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get order by uuid or number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		o, err := a.engine.ResolveOrder(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-order",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/transition",
		Summary:     "Move order to another stage",
		Description: "Runs the target stage's automation rule. Automation failures are reported in automation_error and do not fail the move.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.OrderMove)
		if err != nil {
			return nil, err
		}
		o, err := a.engine.ResolveOrder(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		res, err := a.engine.Transition(ctx, o.ID, stage.ID(input.Body.From), stage.ID(input.Body.To), actorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Orders grouped by stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		var cols []engine.Column
		var err error
		if a.board != nil {
			cols, err = a.board.Columns(ctx)
		} else {
			cols, err = a.engine.Board(ctx)
		}
		if err != nil {
			return nil, a.handleError(err)
		}
		resp := BoardResponse{Columns: make([]ColumnResponse, 0, len(cols))}
		for _, c := range cols {
			resp.Columns = append(resp.Columns, ColumnResponse{Stage: c.Stage, Orders: nonNilSlice(c.Orders)})
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
