package engine

import (
	"context"
	"strings"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
)

type UserInput struct {
	ID       string
	FullName string
	Role     domain.Role
	ActorID  string
}

func (e Engine) UpsertUser(ctx context.Context, in UserInput) (domain.User, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.User{}, ValidationError{Field: "id", Msg: "required"}
	}
	if in.Role == "" {
		in.Role = domain.RoleWorker
	}
	if in.Role != domain.RoleAdmin && in.Role != domain.RoleWorker {
		return domain.User{}, ValidationError{Field: "role", Msg: "must be admin or worker"}
	}
	if err := e.Store.UpsertUser(ctx, domain.User{ID: in.ID, FullName: in.FullName, Role: in.Role, CreatedAt: e.now()}); err != nil {
		return domain.User{}, storeErr("user.upsert", err)
	}
	u, err := e.Store.GetUser(ctx, in.ID)
	if err != nil {
		return domain.User{}, storeErr("user.upsert", err)
	}
	e.logEvent(ctx, events.UserUpserted, "user", u.ID, in.ActorID, events.Payload{"role": string(u.Role)})
	e.publish(feed.Update, TableUsers, u.ID, u, false)
	return u, nil
}

// GetUser returns the user with their settlement ledger.
func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Store.GetUser(ctx, id)
	if IsNotFound(err) {
		return u, notFound("user", id)
	}
	return u, storeErr("user.get", err)
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := e.Store.ListUsers(ctx)
	return users, storeErr("user.list", err)
}
