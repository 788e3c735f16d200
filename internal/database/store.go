package database

import (
	"context"
	"time"
)

// Store is the full persistence surface. Both the Postgres DB and the
// sqlite.Store implement it; consumers declare the narrower slices they need.
type Store interface {
	InsertJob(ctx context.Context, in NewJob) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	ClaimNextJob(ctx context.Context) (*Job, error)
	CompleteJob(ctx context.Context, id int64, res JobResult) (bool, error)
	FailJob(ctx context.Context, id int64, message string) (bool, error)
	CountJobs(ctx context.Context) (JobCounts, error)
	TerminalAudioBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ClearAudioPath(ctx context.Context, audioPath string) error

	InsertKey(ctx context.Context, in NewAPIKey) (*APIKey, error)
	KeyByHash(ctx context.Context, hash string) (*APIKey, error)
	DeactivateKey(ctx context.Context, id int64) error
	TouchKey(ctx context.Context, id int64, at time.Time) (int64, error)
	ListKeys(ctx context.Context, activeOnly bool) ([]APIKey, error)
	RevokeKey(ctx context.Context, id int64) (bool, error)
	CountActiveKeys(ctx context.Context) (int64, error)

	HealthCheck(ctx context.Context) error
	PoolStats() (total, acquired, idle int32)
	Close() error
}

var _ Store = (*DB)(nil)
