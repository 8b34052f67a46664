package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"millwork/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.UserID == "":
		return errors.New("user_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO api_keys(id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`),
		key.ID, key.UserID, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	keys, err := r.listAPIKeys(ctx, `WHERE key_hash=?`, hash)
	if err != nil {
		return domain.APIKey{}, err
	}
	if len(keys) == 0 {
		return domain.APIKey{}, ErrNotFound
	}
	return keys[0], nil
}

// ListAPIKeys returns API keys, optionally filtered by user.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if userID == "" {
		return r.listAPIKeys(ctx, "")
	}
	return r.listAPIKeys(ctx, `WHERE user_id=?`, userID)
}

func (r Repo) listAPIKeys(ctx context.Context, where string, args ...any) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,user_id,name,key_hash,created_at FROM api_keys `+where+` ORDER BY created_at DESC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		var (
			key     domain.APIKey
			name    sql.NullString
			created string
		)
		if err := rows.Scan(&key.ID, &key.UserID, &name, &key.KeyHash, &created); err != nil {
			return nil, err
		}
		key.Name = name.String
		if key.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return r.execOne(ctx, r.DB, `DELETE FROM api_keys WHERE id=?`, id)
}
