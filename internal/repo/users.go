package repo

import (
	"context"
	"database/sql"
	"time"

	"millwork/internal/domain"
	"millwork/internal/events"
)

const userColumns = `id,full_name,role,salary,status,last_seen,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u                     domain.User
		role, status, created string
		lastSeen              sql.NullString
	)
	err := row.Scan(&u.ID, &u.FullName, &role, &u.Salary, &status, &lastSeen, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.Status = domain.PresenceStatus(status)
	if u.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return u, err
	}
	u.CreatedAt, err = parseTime(created)
	u.CompletedTasks = []domain.LedgerEntry{}
	return u, err
}

// UpsertUser creates a user or updates name and role. Salary and presence
// are owned by settlement and the presence service.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO users(id,full_name,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET full_name=excluded.full_name, role=excluded.role`),
		u.ID, u.FullName, string(u.Role), formatTime(u.CreatedAt))
	return err
}

// GetUser returns the user with the ledger in settlement order.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id))
	if err != nil {
		return u, err
	}
	u.CompletedTasks, err = r.LedgerEntries(ctx, id)
	return u, err
}

// UserRole returns the role used for permission checks.
func (r Repo) UserRole(ctx context.Context, id string) (domain.Role, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT role FROM users WHERE id=?`), id).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return domain.Role(role), err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY full_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) LedgerEntries(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT task_seq,payment,has_penalty,settled_at FROM ledger_entries WHERE user_id=? ORDER BY id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			settled string
		)
		if err := rows.Scan(&e.TaskSeq, &e.Payment, &e.HasPenalty, &settled); err != nil {
			return nil, err
		}
		if e.SettledAt, err = parseTime(settled); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SettleLedger appends the entry and credits the payment in one transaction.
// The unique (user_id, task_seq) key is the duplicate guard: when the entry
// already exists nothing is written and settled is false.
func (r Repo) SettleLedger(ctx context.Context, userID, actorID string, e domain.LedgerEntry) (settled bool, err error) {
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM users WHERE id=?`), userID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		res, err := tx.ExecContext(ctx, r.q(`INSERT INTO ledger_entries(user_id,task_seq,payment,has_penalty,settled_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id,task_seq) DO NOTHING`), userID, e.TaskSeq, e.Payment, e.HasPenalty, formatTime(e.SettledAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := r.execOne(ctx, tx, `UPDATE users SET salary=salary+? WHERE id=?`, e.Payment, userID); err != nil {
			return err
		}
		settled = true
		return r.events().Append(ctx, tx, events.LedgerSettled, "user", userID, actorID, events.Payload{
			"task_id": e.TaskSeq, "payment": e.Payment, "has_penalty": e.HasPenalty,
		})
	})
	return settled, err
}

type Reversal struct {
	UserID string             `json:"user_id"`
	Entry  domain.LedgerEntry `json:"entry"`
}

// ReverseLedger removes every ledger entry for the task and debits each
// payment from its worker, flooring the salary at zero.
func (r Repo) ReverseLedger(ctx context.Context, taskSeq int64, actorID string) ([]Reversal, error) {
	var out []Reversal
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.q(`SELECT user_id,payment,has_penalty,settled_at FROM ledger_entries WHERE task_seq=?`), taskSeq)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				rev     Reversal
				settled string
			)
			if err := rows.Scan(&rev.UserID, &rev.Entry.Payment, &rev.Entry.HasPenalty, &settled); err != nil {
				rows.Close()
				return err
			}
			rev.Entry.TaskSeq = taskSeq
			if rev.Entry.SettledAt, err = parseTime(settled); err != nil {
				rows.Close()
				return err
			}
			out = append(out, rev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, rev := range out {
			if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM ledger_entries WHERE user_id=? AND task_seq=?`), rev.UserID, taskSeq); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, r.q(`UPDATE users SET salary=CASE WHEN salary < ? THEN 0 ELSE salary - ? END WHERE id=?`),
				rev.Entry.Payment, rev.Entry.Payment, rev.UserID); err != nil {
				return err
			}
			if err := r.events().Append(ctx, tx, events.LedgerReversed, "user", rev.UserID, actorID, events.Payload{
				"task_id": taskSeq, "payment": rev.Entry.Payment,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Presence

// SetPresence stores status and last-seen for a user and reports whether the
// stored status changed.
func (r Repo) SetPresence(ctx context.Context, userID string, status domain.PresenceStatus, at time.Time) (bool, error) {
	changed := false
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx, r.q(`SELECT status FROM users WHERE id=?`), userID).Scan(&prev)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := r.execOne(ctx, tx, `UPDATE users SET status=?, last_seen=? WHERE id=?`, string(status), formatTime(at), userID); err != nil {
			return err
		}
		changed = prev != string(status)
		if !changed {
			return nil
		}
		return r.events().Append(ctx, tx, events.PresenceChanged, "user", userID, userID, events.Payload{"status": string(status)})
	})
	return changed, err
}

// TouchPresence refreshes last-seen without changing the stored status.
func (r Repo) TouchPresence(ctx context.Context, userID string, at time.Time) error {
	return r.execOne(ctx, r.DB, `UPDATE users SET last_seen=? WHERE id=?`, formatTime(at), userID)
}

// CleanupStaleOnline forces every online user whose last activity is before
// cutoff to offline and returns their ids.
func (r Repo) CleanupStaleOnline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, r.q(`UPDATE users SET status='offline'
WHERE status='online' AND (last_seen IS NULL OR last_seen < ?) RETURNING id`), formatTime(cutoff))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.events().Append(ctx, tx, events.PresenceChanged, "user", id, "system", events.Payload{"status": string(domain.Offline), "reason": "stale"}); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

func (r Repo) ListPresence(ctx context.Context) ([]domain.PresenceRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,full_name,status,last_seen FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.PresenceRecord{}
	for rows.Next() {
		var (
			p        domain.PresenceRecord
			status   string
			lastSeen sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.FullName, &status, &lastSeen); err != nil {
			return nil, err
		}
		p.Status = domain.PresenceStatus(status)
		if p.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
