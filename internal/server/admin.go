package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/engine/auth"
	"millwork/internal/stage"
)

func (a *api) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules in stage order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		rules, err := a.engine.ListRules(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: nonNilSlice(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{stage}",
		Summary:     "Replace the automation rule of a stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Stage string      `path:"stage" enum:"cutting,edging,drilling,sanding,priming,painting"`
		Body  RuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.RuleEdit)
		if err != nil {
			return nil, err
		}
		rule, err := a.engine.UpsertRule(ctx, engine.RuleInput{
			Stage:               stage.ID(input.Stage),
			ResponsibleUserID:   strPtrValue(input.Body.ResponsibleUserID),
			TitleTemplate:       input.Body.TitleTemplate,
			DescriptionTemplate: input.Body.DescriptionTemplate,
			PaymentAmount:       input.Body.PaymentAmount,
			DurationDays:        input.Body.DurationDays,
			ActorID:             actorID,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-rules",
		Method:      http.MethodPost,
		Path:        "/rules/seed",
		Summary:     "Create inert default rules for stages without one",
		Errors:      mutationErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SeedResponse `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.RuleEdit)
		if err != nil {
			return nil, err
		}
		added, err := a.engine.SeedRules(ctx, actorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body SeedResponse `json:"body"`
		}{Body: SeedResponse{Added: added}}, nil
	})
}

func (a *api) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		users, err := a.engine.ListUsers(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create or update a user",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body UserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, err := a.require(ctx, auth.UserManage)
		if err != nil {
			return nil, err
		}
		u, err := a.engine.UpsertUser(ctx, engine.UserInput{
			ID:       input.Body.ID,
			FullName: input.Body.FullName,
			Role:     domain.Role(input.Body.Role),
			ActorID:  actorID,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-ledger",
		Method:      http.MethodGet,
		Path:        "/users/{id}/ledger",
		Summary:     "Salary and settled tasks of a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LedgerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.authz.RequireOwn(ctx, actorID, input.ID, auth.LedgerRead, auth.OwnLedgerRead); err != nil {
			return nil, a.handleError(err)
		}
		u, err := a.engine.GetUser(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body LedgerResponse `json:"body"`
		}{Body: LedgerResponse{UserID: u.ID, Salary: u.Salary, Entries: nonNilSlice(u.CompletedTasks)}}, nil
	})
}
