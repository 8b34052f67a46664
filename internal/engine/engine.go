package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"millwork/internal/config"
	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

// Store is the persistence the engine runs against. repo.Repo implements it.
type Store interface {
	InsertOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrderByNumber(ctx context.Context, number int64) (domain.Order, error)
	ListOrders(ctx context.Context, f repo.OrderFilters) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status stage.ID) error
	SetOrderTasks(ctx context.Context, id string, taskIDs []int64) error

	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetTaskBySeq(ctx context.Context, seq int64) (domain.Task, error)
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
	MarkTaskCompleted(ctx context.Context, id string, at time.Time, execSeconds int64, proofURL *string) (bool, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error

	GetRule(ctx context.Context, id stage.ID) (domain.AutomationRule, error)
	ListRules(ctx context.Context) ([]domain.AutomationRule, error)
	UpsertRule(ctx context.Context, rule domain.AutomationRule) error
	InsertRuleIfMissing(ctx context.Context, rule domain.AutomationRule) (bool, error)

	UpsertUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SettleLedger(ctx context.Context, userID, actorID string, e domain.LedgerEntry) (bool, error)
	ReverseLedger(ctx context.Context, taskSeq int64, actorID string) ([]repo.Reversal, error)

	AppendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.Payload) error
}

// Table names carried on feed changes.
const (
	TableOrders = "orders"
	TableTasks  = "tasks"
	TableRules  = "automation_rules"
	TableUsers  = "users"
)

type Engine struct {
	Store  Store
	Bus    *feed.Bus
	Config *config.Config
	Log    *logger.Logger
	Now    func() time.Time
}

func New(store Store, cfg *config.Config, bus *feed.Bus, log *logger.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{Store: store, Bus: bus, Config: cfg, Log: log, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) publish(op feed.Op, table, key string, record any, optimistic bool) {
	e.Bus.Publish(feed.Change{Op: op, Table: table, Key: key, Record: record, Optimistic: optimistic, At: e.now()})
}

// logEvent appends to the event log. The log is an audit trail, so a failed
// append is logged rather than failing an already committed mutation.
func (e Engine) logEvent(ctx context.Context, evtType, kind, id, actor string, payload events.Payload) {
	if err := e.Store.AppendEvent(ctx, evtType, kind, id, actor, payload); err != nil {
		e.Log.Error("events.append_failed", err, logger.Fields{"type": evtType, "entity_id": id})
	}
}

// Payout returns the amount paid for a task with base salary completed at
// the given instant, and whether the late penalty applied.
func Payout(salary int64, due, completedAt time.Time, penaltyRate float64) (int64, bool) {
	if due.Before(completedAt) {
		return int64(math.Round(float64(salary) * (1 - penaltyRate))), true
	}
	return salary, false
}

// IsNotFound reports whether err is or wraps repo.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
