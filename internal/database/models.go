package database

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a job or key row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps every failure talking to the persistence layer.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Unavailable wraps a driver error as ErrStoreUnavailable, tagged with the operation.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// JobStatus is the persisted state of a transcription job.
type JobStatus string

const (
	StatusWaiting    JobStatus = "waiting"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Job is a row of transcription_jobs.
type Job struct {
	ID               int64
	Filename         string
	AudioPath        string
	Language         string
	Status           JobStatus
	SubmittedAt      time.Time
	ProcessedAt      *time.Time
	CompletedAt      *time.Time
	DetectedLanguage string
	Duration         *float64
	Text             *string
	APIKeyID         *int64
}

// NewJob is the input for InsertJob.
type NewJob struct {
	Filename  string
	AudioPath string
	Language  string
	APIKeyID  *int64
}

// JobResult is what CompleteJob stores on a processing row.
type JobResult struct {
	Text             string
	DetectedLanguage string
	Duration         float64
}

// JobCounts maps each status to its row count.
type JobCounts map[JobStatus]int64

// APIKey is a row of api_keys. KeyHash never leaves the store layer.
type APIKey struct {
	ID         int64
	KeyHash    string
	KeyPrefix  string
	Name       string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	IsActive   bool
	LastUsedAt *time.Time
	UseCount   int64
	AllowedIPs []string
}

// NewAPIKey is the input for InsertKey.
type NewAPIKey struct {
	KeyHash    string
	KeyPrefix  string
	Name       string
	ExpiresAt  *time.Time
	AllowedIPs []string
}
