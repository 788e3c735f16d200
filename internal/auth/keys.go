// Package auth validates and provisions API keys. Secrets are only ever
// stored and compared as SHA-256 hex digests.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/snarg/whisper-queue/internal/database"
)

const (
	// KeyPrefix marks secrets issued by this service.
	KeyPrefix = "wq_"

	secretBytes    = 32
	displayedChars = 8
)

// ErrRejected is the single outcome for every failed validation, so callers
// cannot tell a missing key from an expired or IP-restricted one.
var ErrRejected = errors.New("api key rejected")

// HashKey returns the SHA-256 hex digest stored in api_keys.key_hash.
func HashKey(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func generateSecret(r io.Reader) (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func displayPrefix(secret string) string {
	if len(secret) <= displayedChars {
		return secret
	}
	return secret[:displayedChars]
}

// KeyInfo is the public view of a key. It never carries the secret or hash.
type KeyInfo struct {
	ID         int64      `json:"id"`
	Prefix     string     `json:"key_prefix"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at"`
	UseCount   int64      `json:"use_count"`
	AllowedIPs []string   `json:"allowed_ips"`
}

func infoFromRow(k *database.APIKey) *KeyInfo {
	ips := k.AllowedIPs
	if ips == nil {
		ips = []string{}
	}
	return &KeyInfo{
		ID:         k.ID,
		Prefix:     k.KeyPrefix,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		IsActive:   k.IsActive,
		LastUsedAt: k.LastUsedAt,
		UseCount:   k.UseCount,
		AllowedIPs: ips,
	}
}

// GeneratedKey is returned once at creation. Plaintext is not recoverable later.
type GeneratedKey struct {
	KeyInfo
	Key string `json:"api_key"`
}

var randReader io.Reader = rand.Reader
