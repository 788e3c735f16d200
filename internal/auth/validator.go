package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/database"
)

// KeyStore is the slice of the store the validator needs.
type KeyStore interface {
	KeyByHash(ctx context.Context, hash string) (*database.APIKey, error)
	DeactivateKey(ctx context.Context, id int64) error
	TouchKey(ctx context.Context, id int64, at time.Time) (int64, error)
}

// Validation outcomes passed to Observe.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Validator struct {
	store KeyStore
	log   zerolog.Logger
	now   func() time.Time

	// Observe, when set, is called once per Validate with its outcome.
	Observe func(outcome string)
}

func NewValidator(store KeyStore, log zerolog.Logger) *Validator {
	return &Validator{store: store, log: log, now: time.Now}
}

// Validate checks secret against the key store and, when the key carries an
// allow-list, the caller IP. Every rejection returns ErrRejected; a store
// failure returns an error wrapping database.ErrStoreUnavailable.
// A successful call bumps use_count and last_used_at.
func (v *Validator) Validate(ctx context.Context, secret, callerIP string) (*KeyInfo, error) {
	info, err := v.validate(ctx, secret, callerIP)
	if v.Observe != nil {
		switch {
		case err == nil:
			v.Observe(OutcomeAccepted)
		case errors.Is(err, ErrRejected):
			v.Observe(OutcomeRejected)
		default:
			v.Observe(OutcomeError)
		}
	}
	return info, err
}

func (v *Validator) validate(ctx context.Context, secret, callerIP string) (*KeyInfo, error) {
	if secret == "" {
		return nil, ErrRejected
	}

	key, err := v.store.KeyByHash(ctx, HashKey(secret))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrRejected
	}
	if err != nil {
		return nil, storeFailure("lookup key", err)
	}

	if !key.IsActive {
		v.log.Debug().Int64("key_id", key.ID).Msg("inactive key presented")
		return nil, ErrRejected
	}

	now := v.now()
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		if err := v.store.DeactivateKey(ctx, key.ID); err != nil {
			v.log.Error().Err(err).Int64("key_id", key.ID).Msg("failed to deactivate expired key")
		} else {
			v.log.Info().Int64("key_id", key.ID).Time("expired_at", *key.ExpiresAt).Msg("expired key deactivated")
		}
		return nil, ErrRejected
	}

	if len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, callerIP) {
		v.log.Debug().Int64("key_id", key.ID).Str("ip", callerIP).Msg("caller ip not in allow-list")
		return nil, ErrRejected
	}

	count, err := v.store.TouchKey(ctx, key.ID, now)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrRejected
	}
	if err != nil {
		return nil, storeFailure("record key use", err)
	}

	info := infoFromRow(key)
	info.UseCount = count
	info.LastUsedAt = &now
	return info, nil
}

func storeFailure(op string, err error) error {
	if errors.Is(err, database.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return database.Unavailable(op, err)
}
