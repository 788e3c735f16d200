package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, filename, audio_path, language, status, submitted_at, processed_at,
	completed_at, detected_language, duration, text, api_key_id`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	err := row.Scan(&j.ID, &j.Filename, &j.AudioPath, &j.Language, &status, &j.SubmittedAt,
		&j.ProcessedAt, &j.CompletedAt, &j.DetectedLanguage, &j.Duration, &j.Text, &j.APIKeyID)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return &j, nil
}

// InsertJob adds a waiting job and returns it with its assigned id.
func (db *DB) InsertJob(ctx context.Context, in NewJob) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		INSERT INTO transcription_jobs (filename, audio_path, language, status, api_key_id)
		VALUES ($1, $2, $3, 'waiting', $4)
		RETURNING `+jobColumns,
		in.Filename, in.AudioPath, in.Language, in.APIKeyID,
	))
	if err != nil {
		return nil, Unavailable("insert job", err)
	}
	return j, nil
}

func (db *DB) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("get job", err)
	}
	return j, nil
}

// ClaimNextJob moves the oldest waiting job to processing in one statement.
// SKIP LOCKED lets concurrent workers each take a different row.
// Returns nil, nil when nothing is waiting.
func (db *DB) ClaimNextJob(ctx context.Context) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE transcription_jobs SET status = 'processing', processed_at = now()
		WHERE id = (
			SELECT id FROM transcription_jobs
			WHERE status = 'waiting'
			ORDER BY submitted_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Unavailable("claim next job", err)
	}
	return j, nil
}

// CompleteJob records the result on a processing job. Reports false when the
// job was not in processing.
func (db *DB) CompleteJob(ctx context.Context, id int64, res JobResult) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = 'done', text = $2, detected_language = $3, duration = $4, completed_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, res.Text, res.DetectedLanguage, res.Duration,
	)
	if err != nil {
		return false, Unavailable("complete job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailJob stores the failure message as the job text.
func (db *DB) FailJob(ctx context.Context, id int64, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = 'error', text = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, message,
	)
	if err != nil {
		return false, Unavailable("fail job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountJobs groups jobs by status.
func (db *DB) CountJobs(ctx context.Context) (JobCounts, error) {
	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM transcription_jobs GROUP BY status`)
	if err != nil {
		return nil, Unavailable("count jobs", err)
	}
	defer rows.Close()

	counts := JobCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, Unavailable("count jobs", err)
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("count jobs", err)
	}
	return counts, nil
}

// TerminalAudioBefore lists audio paths of finished jobs completed before cutoff.
func (db *DB) TerminalAudioBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT audio_path FROM transcription_jobs
		WHERE status IN ('done', 'error') AND completed_at < $1 AND audio_path <> ''`, cutoff)
	if err != nil {
		return nil, Unavailable("list finished audio", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, Unavailable("list finished audio", err)
	}
	return paths, nil
}

// ClearAudioPath blanks audio_path once the file has been removed.
func (db *DB) ClearAudioPath(ctx context.Context, audioPath string) error {
	if _, err := db.Pool.Exec(ctx,
		`UPDATE transcription_jobs SET audio_path = '' WHERE audio_path = $1`, audioPath); err != nil {
		return Unavailable("clear audio path", err)
	}
	return nil
}
