package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/snarg/whisper-queue/internal/database"
)

const keyColumns = `id, key_hash, key_prefix, name, created_at, expires_at, is_active,
	last_used_at, use_count, allowed_ips`

func scanKey(scanner interface{ Scan(dest ...any) error }) (*database.APIKey, error) {
	var (
		k                 database.APIKey
		created           string
		expires, lastUsed sql.NullString
		active            int
		allowed           sql.NullString
	)
	err := scanner.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &created, &expires,
		&active, &lastUsed, &k.UseCount, &allowed)
	if err != nil {
		return nil, err
	}
	if t, err := parseTime(created); err == nil {
		k.CreatedAt = t
	}
	k.ExpiresAt = parseNullTime(expires)
	k.LastUsedAt = parseNullTime(lastUsed)
	k.IsActive = active != 0
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &k.AllowedIPs); err != nil {
			// Corrupt list: keep the raw text so it matches no caller.
			k.AllowedIPs = []string{allowed.String}
		}
	}
	return &k, nil
}

func (s *Store) InsertKey(ctx context.Context, in database.NewAPIKey) (*database.APIKey, error) {
	var ips any
	if len(in.AllowedIPs) > 0 {
		b, err := json.Marshal(in.AllowedIPs)
		if err != nil {
			return nil, err
		}
		ips = string(b)
	}
	k, err := scanKey(s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, created_at, expires_at, is_active, allowed_ips)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		RETURNING `+keyColumns,
		in.KeyHash, in.KeyPrefix, in.Name, formatTime(s.now()), nullableTime(in.ExpiresAt), ips,
	))
	if err != nil {
		return nil, database.Unavailable("insert key", err)
	}
	return k, nil
}

func (s *Store) KeyByHash(ctx context.Context, hash string) (*database.APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash))
	if notFound(err) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Unavailable("key by hash", err)
	}
	return k, nil
}

func (s *Store) DeactivateKey(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ?`, id); err != nil {
		return database.Unavailable("deactivate key", err)
	}
	return nil
}

func (s *Store) TouchKey(ctx context.Context, id int64, at time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE api_keys SET use_count = use_count + 1, last_used_at = ?
		WHERE id = ?
		RETURNING use_count`, formatTime(at), id).Scan(&n)
	if notFound(err) {
		return 0, database.ErrNotFound
	}
	if err != nil {
		return 0, database.Unavailable("touch key", err)
	}
	return n, nil
}

func (s *Store) ListKeys(ctx context.Context, activeOnly bool) ([]database.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, database.Unavailable("list keys", err)
	}
	defer rows.Close()

	var keys []database.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, database.Unavailable("list keys", err)
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("list keys", err)
	}
	return keys, nil
}

func (s *Store) RevokeKey(ctx context.Context, id int64) (bool, error) {
	r, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return false, database.Unavailable("revoke key", err)
	}
	return affected(r)
}

func (s *Store) CountActiveKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM api_keys WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, database.Unavailable("count active keys", err)
	}
	return n, nil
}
