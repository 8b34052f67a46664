package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/stage"
)

// Repo is the SQL store behind the engine. All timestamps are stored as UTC RFC3339 text.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(conn *sql.DB, d db.Dialect) Repo {
	return Repo{DB: conn, Dialect: d}
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) events() events.Writer {
	return events.Writer{Dialect: r.Dialect, Now: r.Now}
}

// AppendEvent writes one row to the event log outside any other transaction.
func (r Repo) AppendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.Payload) error {
	return r.events().Append(ctx, r.DB, evtType, entityKind, entityID, actorID, payload)
}

const (
	seqOrders = "orders"
	seqTasks  = "tasks"
)

// nextSeq advances the named counter and returns its new value. Counters only
// grow, so numbers freed by a delete are never handed out again.
func (r Repo) nextSeq(ctx context.Context, q queryer, name string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, r.q(`UPDATE sequences SET value=value+1 WHERE name=? RETURNING value`), name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sequence %q missing", name)
	}
	return v, err
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

// Orders

const orderColumns = `id,number,title,client,COALESCE(description,''),value,status,due_date,task_ids,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                    domain.Order
		status, taskIDs      string
		due                  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&o.ID, &o.Number, &o.Title, &o.Client, &o.Description, &o.Value, &status, &due, &taskIDs, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Status = stage.Normalize(status)
	if o.DueDate, err = parseNullTime(due); err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(taskIDs), &o.TaskIDs); err != nil {
		return o, fmt.Errorf("order %s task_ids: %w", o.ID, err)
	}
	if o.TaskIDs == nil {
		o.TaskIDs = []int64{}
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, err
	}
	o.UpdatedAt, err = parseTime(updatedAt)
	return o, err
}

// InsertOrder stores o and assigns its human-facing number.
func (r Repo) InsertOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.TaskIDs == nil {
		o.TaskIDs = []int64{}
	}
	ids, err := json.Marshal(o.TaskIDs)
	if err != nil {
		return o, err
	}
	if o.Status == "" {
		o.Status = stage.First().ID
	}
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if o.Number, err = r.nextSeq(ctx, tx, seqOrders); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO orders(id,number,title,client,description,value,status,due_date,task_ids,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`), o.ID, o.Number, o.Title, o.Client, nullable(o.Description), o.Value, string(o.Status),
			formatTimePtr(o.DueDate), string(ids), formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
		return err
	})
	return o, err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT `+orderColumns+` FROM orders WHERE id=?`), id))
}

func (r Repo) GetOrderByNumber(ctx context.Context, number int64) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, r.q(`SELECT `+orderColumns+` FROM orders WHERE number=?`), number))
}

type OrderFilters struct {
	Status stage.ID
	Limit  int
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrderStatus writes only the status column.
func (r Repo) UpdateOrderStatus(ctx context.Context, id string, status stage.ID) error {
	return r.execOne(ctx, r.DB, `UPDATE orders SET status=?, updated_at=? WHERE id=?`, string(status), formatTime(r.now()), id)
}

// SetOrderTasks replaces the order's linked task list.
func (r Repo) SetOrderTasks(ctx context.Context, id string, taskIDs []int64) error {
	if taskIDs == nil {
		taskIDs = []int64{}
	}
	data, err := json.Marshal(taskIDs)
	if err != nil {
		return err
	}
	return r.execOne(ctx, r.DB, `UPDATE orders SET task_ids=?, updated_at=? WHERE id=?`, string(data), formatTime(r.now()), id)
}

func (r Repo) execOne(ctx context.Context, ex queryer, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
