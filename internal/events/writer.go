package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"millwork/internal/db"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends rows to the events table.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Payload map[string]any

// Event types appended by the engine and the presence service.
const (
	OrderCreated      = "order.created"
	OrderStageChanged = "order.stage_changed"
	OrderTaskLinked   = "order.task_linked"
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
	TaskCompleted     = "task.completed"
	TaskDeleted       = "task.deleted"
	LedgerSettled     = "ledger.settled"
	LedgerReversed    = "ledger.reversed"
	RuleUpdated       = "rule.updated"
	UserUpserted      = "user.upserted"
	PresenceChanged   = "presence.changed"
)

func (w Writer) Append(ctx context.Context, ex Execer, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = ex.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
