package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"millwork/internal/engine/auth"
)

type presenceAction struct {
	id      string
	path    string
	summary string
	call    func(ctx context.Context, userID string) error
}

func (a *api) registerPresence(api huma.API) {
	// Each session reports for its own user only.
	for _, act := range []presenceAction{
		{"presence-online", "/presence/online", "Mark the caller online", a.presence.SetOnline},
		{"presence-heartbeat", "/presence/heartbeat", "Refresh the caller's last activity", a.presence.TouchActivity},
		{"presence-hidden", "/presence/hidden", "Session hidden; refresh last activity without going online", a.presence.TouchActivity},
		{"presence-offline", "/presence/offline", "Mark the caller offline", a.presence.SetOffline},
	} {
		call := act.call
		huma.Register(api, huma.Operation{
			OperationID:   act.id,
			Method:        http.MethodPost,
			Path:          act.path,
			Summary:       act.summary,
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
		}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := call(ctx, actorID); err != nil {
				return nil, a.handleError(err)
			}
			return &struct{}{}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "presence-sweep",
		Method:      http.MethodPost,
		Path:        "/presence/sweep",
		Summary:     "Mark stale online users offline",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, auth.PresenceSweep); err != nil {
			return nil, err
		}
		ids, err := a.presence.CleanupStaleOnline(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Offline: nonNilSlice(ids)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-presence",
		Method:      http.MethodGet,
		Path:        "/presence",
		Summary:     "Effectively online users",
		Description: "online applies the staleness rule; all holds the stored records when all=true.",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all"`
	}) (*struct {
		Body PresenceResponse `json:"body"`
	}, error) {
		if _, err := a.member(ctx); err != nil {
			return nil, err
		}
		online, err := a.presence.Online(ctx)
		if err != nil {
			return nil, a.handleError(err)
		}
		resp := PresenceResponse{Online: nonNilSlice(online)}
		if input.All {
			all, err := a.presence.ListPresence(ctx)
			if err != nil {
				return nil, a.handleError(err)
			}
			resp.All = nonNilSlice(all)
		}
		return &struct {
			Body PresenceResponse `json:"body"`
		}{Body: resp}, nil
	})
}
