package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snarg/whisper-queue/internal/database"
)

const jobColumns = `id, filename, audio_path, language, status, submitted_at, processed_at,
	completed_at, detected_language, duration, text, api_key_id`

func scanJob(scanner interface{ Scan(dest ...any) error }) (*database.Job, error) {
	var (
		j                    database.Job
		status, submitted    string
		processed, completed sql.NullString
		duration             sql.NullFloat64
		text                 sql.NullString
		apiKeyID             sql.NullInt64
	)
	err := scanner.Scan(&j.ID, &j.Filename, &j.AudioPath, &j.Language, &status, &submitted,
		&processed, &completed, &j.DetectedLanguage, &duration, &text, &apiKeyID)
	if err != nil {
		return nil, err
	}
	j.Status = database.JobStatus(status)
	if t, err := parseTime(submitted); err == nil {
		j.SubmittedAt = t
	}
	j.ProcessedAt = parseNullTime(processed)
	j.CompletedAt = parseNullTime(completed)
	if duration.Valid {
		j.Duration = &duration.Float64
	}
	if text.Valid {
		j.Text = &text.String
	}
	if apiKeyID.Valid {
		j.APIKeyID = &apiKeyID.Int64
	}
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, in database.NewJob) (*database.Job, error) {
	var keyID any
	if in.APIKeyID != nil {
		keyID = *in.APIKeyID
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		INSERT INTO transcription_jobs (filename, audio_path, language, status, submitted_at, api_key_id)
		VALUES (?, ?, ?, 'waiting', ?, ?)
		RETURNING `+jobColumns,
		in.Filename, in.AudioPath, in.Language, formatTime(s.now()), keyID,
	))
	if err != nil {
		return nil, database.Unavailable("insert job", err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*database.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE id = ?`, id))
	if notFound(err) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.Unavailable("get job", err)
	}
	return j, nil
}

// ClaimNextJob flips the oldest waiting job to processing. The status guard on
// the outer UPDATE keeps a row from being claimed twice.
func (s *Store) ClaimNextJob(ctx context.Context) (*database.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE transcription_jobs SET status = 'processing', processed_at = ?
		WHERE id = (
			SELECT id FROM transcription_jobs
			WHERE status = 'waiting'
			ORDER BY submitted_at, id
			LIMIT 1
		) AND status = 'waiting'
		RETURNING `+jobColumns, formatTime(s.now())))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Unavailable("claim next job", err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64, res database.JobResult) (bool, error) {
	r, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = 'done', text = ?, detected_language = ?, duration = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		res.Text, res.DetectedLanguage, res.Duration, formatTime(s.now()), id,
	)
	if err != nil {
		return false, database.Unavailable("complete job", err)
	}
	return affected(r)
}

func (s *Store) FailJob(ctx context.Context, id int64, message string) (bool, error) {
	r, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = 'error', text = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		message, formatTime(s.now()), id,
	)
	if err != nil {
		return false, database.Unavailable("fail job", err)
	}
	return affected(r)
}

func (s *Store) CountJobs(ctx context.Context) (database.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM transcription_jobs GROUP BY status`)
	if err != nil {
		return nil, database.Unavailable("count jobs", err)
	}
	defer rows.Close()

	counts := database.JobCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, database.Unavailable("count jobs", err)
		}
		counts[database.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("count jobs", err)
	}
	return counts, nil
}

func (s *Store) TerminalAudioBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audio_path FROM transcription_jobs
		WHERE status IN ('done', 'error') AND completed_at < ? AND audio_path <> ''`, formatTime(cutoff))
	if err != nil {
		return nil, database.Unavailable("list finished audio", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, database.Unavailable("list finished audio", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Unavailable("list finished audio", err)
	}
	return paths, nil
}

func (s *Store) ClearAudioPath(ctx context.Context, audioPath string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE transcription_jobs SET audio_path = '' WHERE audio_path = ?`, audioPath); err != nil {
		return database.Unavailable("clear audio path", err)
	}
	return nil
}

func affected(r sql.Result) (bool, error) {
	n, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
