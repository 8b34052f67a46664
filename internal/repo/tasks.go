package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"millwork/internal/domain"
)

const taskColumns = `id,seq,order_id,order_number,title,COALESCE(description,''),responsible_user_id,author_id,due_date,salary,priority,status,created_at,updated_at,completed_at,execution_time_seconds,proof_url`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                          domain.Task
		responsible, author, proof sql.NullString
		due, createdAt, updatedAt  string
		completedAt                sql.NullString
		execSeconds                sql.NullInt64
		priority, status           string
	)
	err := row.Scan(&t.ID, &t.Seq, &t.OrderID, &t.OrderNumber, &t.Title, &t.Description, &responsible, &author,
		&due, &t.Salary, &priority, &status, &createdAt, &updatedAt, &completedAt, &execSeconds, &proof)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ResponsibleUserID = stringPtr(responsible)
	t.AuthorID = stringPtr(author)
	t.ProofURL = stringPtr(proof)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	if execSeconds.Valid {
		v := execSeconds.Int64
		t.ExecutionTimeSeconds = &v
	}
	if t.DueDate, err = parseTime(due); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	t.CompletedAt, err = parseNullTime(completedAt)
	return t, err
}

// InsertTask stores t and assigns the next task sequence number.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t.Seq, err = r.nextSeq(ctx, tx, seqTasks); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO tasks(id,seq,order_id,order_number,title,description,responsible_user_id,author_id,due_date,salary,priority,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`), t.ID, t.Seq, t.OrderID, t.OrderNumber, t.Title, nullable(t.Description),
			nullableStringPtr(t.ResponsibleUserID), nullableStringPtr(t.AuthorID), formatTime(t.DueDate), t.Salary,
			string(t.Priority), string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		return err
	})
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

func (r Repo) GetTaskBySeq(ctx context.Context, seq int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE seq=?`), seq))
}

type TaskFilters struct {
	OrderID           string
	ResponsibleUserID string
	Status            domain.TaskStatus
	Limit             int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.ResponsibleUserID != "" {
		clauses = append(clauses, "responsible_user_id=?")
		args = append(args, f.ResponsibleUserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTaskCompleted records completion unless the task is already completed.
// It reports whether this call performed the transition; completed_at is
// never rewritten once set.
func (r Repo) MarkTaskCompleted(ctx context.Context, id string, at time.Time, execSeconds int64, proofURL *string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE tasks SET status='completed', completed_at=?, execution_time_seconds=?, proof_url=COALESCE(?, proof_url), updated_at=?
WHERE id=? AND status<>'completed'`), formatTime(at), execSeconds, nullableStringPtr(proofURL), formatTime(r.now()), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateTaskStatus moves a task between the non-terminal states.
func (r Repo) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	return r.execOne(ctx, r.DB, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status<>'completed'`, string(status), formatTime(r.now()), id)
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	return r.execOne(ctx, r.DB, `DELETE FROM tasks WHERE id=?`, id)
}
