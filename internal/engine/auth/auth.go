package auth

import (
	"context"
	"errors"
	"fmt"

	"millwork/internal/domain"
	"millwork/internal/repo"
)

type Permission string

const (
	OrderCreate   Permission = "order.create"
	OrderMove     Permission = "order.move"
	TaskCreate    Permission = "task.create"
	TaskUpdate    Permission = "task.update"
	TaskComplete  Permission = "task.complete"
	TaskDelete    Permission = "task.delete"
	RuleEdit      Permission = "rule.edit"
	UserManage    Permission = "user.manage"
	LedgerRead    Permission = "ledger.read"
	PresenceSweep Permission = "presence.sweep"
)

// Workers may act on their own tasks only; Own* permissions encode that.
const (
	OwnTaskUpdate   Permission = "task.update.own"
	OwnTaskComplete Permission = "task.complete.own"
	OwnLedgerRead   Permission = "ledger.read.own"
)

var rolePermissions = map[domain.Role][]Permission{
	domain.RoleAdmin: {
		OrderCreate, OrderMove, TaskCreate, TaskUpdate, TaskComplete, TaskDelete,
		RuleEdit, UserManage, LedgerRead, PresenceSweep,
		OwnTaskUpdate, OwnTaskComplete, OwnLedgerRead,
	},
	// Every session sweeps stale presence on its heartbeat.
	domain.RoleWorker: {OwnTaskUpdate, OwnTaskComplete, OwnLedgerRead, PresenceSweep},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission Permission
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnknownActorError is returned for actors that are not on the roster.
type UnknownActorError struct {
	ActorID string
}

func (e UnknownActorError) Error() string {
	return fmt.Sprintf("unknown actor %q", e.ActorID)
}

type RoleSource interface {
	UserRole(ctx context.Context, id string) (domain.Role, error)
}

// Service answers permission questions from the user roster.
type Service struct {
	Roles RoleSource
}

func (s Service) Role(ctx context.Context, actorID string) (domain.Role, error) {
	if actorID == "" {
		return "", UnknownActorError{}
	}
	role, err := s.Roles.UserRole(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", UnknownActorError{ActorID: actorID}
	}
	return role, err
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]Permission, error) {
	role, err := s.Role(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return append([]Permission(nil), rolePermissions[role]...), nil
}

func has(role domain.Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require fails with ForbiddenError unless the actor's role grants perm.
func (s Service) Require(ctx context.Context, actorID string, perm Permission) error {
	role, err := s.Role(ctx, actorID)
	if err != nil {
		return err
	}
	if !has(role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireOwn allows perm outright, or own when the actor is the owner.
func (s Service) RequireOwn(ctx context.Context, actorID, ownerID string, perm, own Permission) error {
	role, err := s.Role(ctx, actorID)
	if err != nil {
		return err
	}
	if has(role, perm) || (ownerID != "" && ownerID == actorID && has(role, own)) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// RequireTask checks a task action: admins act on any task, workers on the
// tasks they are responsible for.
func (s Service) RequireTask(ctx context.Context, actorID string, task domain.Task, perm, own Permission) error {
	owner := ""
	if task.ResponsibleUserID != nil {
		owner = *task.ResponsibleUserID
	}
	return s.RequireOwn(ctx, actorID, owner, perm, own)
}
