package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const keyColumns = `id, key_hash, key_prefix, name, created_at, expires_at, is_active,
	last_used_at, use_count, allowed_ips`

func scanKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.CreatedAt, &k.ExpiresAt,
		&k.IsActive, &k.LastUsedAt, &k.UseCount, &k.AllowedIPs)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (db *DB) InsertKey(ctx context.Context, in NewAPIKey) (*APIKey, error) {
	var ips []string
	if len(in.AllowedIPs) > 0 {
		ips = in.AllowedIPs
	}
	k, err := scanKey(db.Pool.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, expires_at, allowed_ips)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+keyColumns,
		in.KeyHash, in.KeyPrefix, in.Name, in.ExpiresAt, ips,
	))
	if err != nil {
		return nil, Unavailable("insert key", err)
	}
	return k, nil
}

// KeyByHash looks up a key regardless of its active flag.
func (db *DB) KeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanKey(db.Pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("key by hash", err)
	}
	return k, nil
}

func (db *DB) DeactivateKey(ctx context.Context, id int64) error {
	if _, err := db.Pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE id = $1`, id); err != nil {
		return Unavailable("deactivate key", err)
	}
	return nil
}

// TouchKey bumps use_count and last_used_at and returns the new count.
func (db *DB) TouchKey(ctx context.Context, id int64, at time.Time) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `
		UPDATE api_keys SET use_count = use_count + 1, last_used_at = $2
		WHERE id = $1
		RETURNING use_count`, id, at).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, Unavailable("touch key", err)
	}
	return n, nil
}

// ListKeys returns keys ordered by id.
func (db *DB) ListKeys(ctx context.Context, activeOnly bool) ([]APIKey, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE NOT $1 OR is_active
		ORDER BY id`, activeOnly)
	if err != nil {
		return nil, Unavailable("list keys", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, Unavailable("list keys", err)
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("list keys", err)
	}
	return keys, nil
}

// RevokeKey deactivates an active key. Reports false for unknown or already
// revoked ids.
func (db *DB) RevokeKey(ctx context.Context, id int64) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE api_keys SET is_active = false WHERE id = $1 AND is_active`, id)
	if err != nil {
		return false, Unavailable("revoke key", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) CountActiveKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM api_keys WHERE is_active`).Scan(&n); err != nil {
		return 0, Unavailable("count active keys", err)
	}
	return n, nil
}
