package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/database"
)

// ErrInvalidKeyRequest is returned by Generate for bad names, expiry or IP entries.
var ErrInvalidKeyRequest = errors.New("invalid key request")

// AdminStore is the store surface used for provisioning.
type AdminStore interface {
	InsertKey(ctx context.Context, in database.NewAPIKey) (*database.APIKey, error)
	ListKeys(ctx context.Context, activeOnly bool) ([]database.APIKey, error)
	RevokeKey(ctx context.Context, id int64) (bool, error)
	CountActiveKeys(ctx context.Context) (int64, error)
}

type Provisioner struct {
	store AdminStore
	log   zerolog.Logger
	now   func() time.Time
}

func NewProvisioner(store AdminStore, log zerolog.Logger) *Provisioner {
	return &Provisioner{store: store, log: log, now: time.Now}
}

// Generate creates a key and returns its plaintext. expiryDays nil means the
// key never expires.
func (p *Provisioner) Generate(ctx context.Context, name string, expiryDays *int, allowedIPs []string) (*GeneratedKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidKeyRequest)
	}

	var expiresAt *time.Time
	if expiryDays != nil {
		if *expiryDays < 1 {
			return nil, fmt.Errorf("%w: expires_days must be >= 1", ErrInvalidKeyRequest)
		}
		t := p.now().UTC().AddDate(0, 0, *expiryDays)
		expiresAt = &t
	}

	var ips []string
	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !ValidIPOrCIDR(entry) {
			return nil, fmt.Errorf("%w: %q is not an IP or CIDR", ErrInvalidKeyRequest, entry)
		}
		ips = append(ips, entry)
	}

	secret, err := generateSecret(randReader)
	if err != nil {
		return nil, err
	}

	row, err := p.store.InsertKey(ctx, database.NewAPIKey{
		KeyHash:    HashKey(secret),
		KeyPrefix:  displayPrefix(secret),
		Name:       name,
		ExpiresAt:  expiresAt,
		AllowedIPs: ips,
	})
	if err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}

	p.log.Info().Int64("key_id", row.ID).Str("name", name).Str("key_prefix", row.KeyPrefix).Msg("api key created")
	return &GeneratedKey{KeyInfo: *infoFromRow(row), Key: secret}, nil
}

func (p *Provisioner) List(ctx context.Context, activeOnly bool) ([]KeyInfo, error) {
	rows, err := p.store.ListKeys(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	keys := make([]KeyInfo, 0, len(rows))
	for i := range rows {
		keys = append(keys, *infoFromRow(&rows[i]))
	}
	return keys, nil
}

// Revoke deactivates a key. It reports false when the id is unknown or the
// key was already inactive.
func (p *Provisioner) Revoke(ctx context.Context, id int64) (bool, error) {
	ok, err := p.store.RevokeKey(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		p.log.Info().Int64("key_id", id).Msg("api key revoked")
	}
	return ok, nil
}

// DefaultKeyConfig describes the key created when none is active.
type DefaultKeyConfig struct {
	Name       string
	ExpireDays int // 0 = never
	AllowedIPs []string
}

// EnsureDefaultKey creates and logs a key when the store has no active key.
// It returns nil when a key already exists.
func (p *Provisioner) EnsureDefaultKey(ctx context.Context, cfg DefaultKeyConfig) (*GeneratedKey, error) {
	n, err := p.store.CountActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		p.log.Debug().Int64("active_keys", n).Msg("api keys present, skipping default key")
		return nil, nil
	}

	var days *int
	if cfg.ExpireDays > 0 {
		days = &cfg.ExpireDays
	}
	name := cfg.Name
	if name == "" {
		name = "API Default"
	}
	key, err := p.Generate(ctx, name, days, cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("default key: %w", err)
	}

	line := strings.Repeat("=", 64)
	p.log.Warn().Msg(line)
	p.log.Warn().Msg("no active API key found, generated a default key")
	p.log.Warn().Str("api_key", key.Key).Int64("key_id", key.ID).Msg("store this key now, it will not be shown again")
	if key.ExpiresAt != nil {
		p.log.Warn().Time("expires_at", *key.ExpiresAt).Msg("default key expiry")
	}
	p.log.Warn().Msg(line)
	return key, nil
}
