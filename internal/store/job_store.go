package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
)

// JobStore is the persistent table of analysis jobs indexed by
// (content_hash, created_at).
type JobStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// parseUTC parses a timestamp read back from a DATETIME column and treats it
// as UTC end-to-end — the store never compares against local time. The
// sqlite3 driver hands DATETIME values back as RFC3339 text ending in "Z";
// the bare CURRENT_TIMESTAMP form, which carries no timezone suffix, is
// accepted too and read as UTC.
func parseUTC(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
}

// Create inserts a new job row in the queued state.
func (s *JobStore) Create(ctx context.Context, job *model.AnalysisJob) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var hook []byte
	if job.Hook != nil {
		hook, err = json.Marshal(job.Hook)
		if err != nil {
			return fmt.Errorf("marshal hook: %w", err)
		}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.Priority == "" {
		job.Priority = model.PriorityNormal
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs
			(content_hash, track_id, source_path, options, priority, status,
			 max_retries, stages_completed, hook)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', ?)`,
		job.ContentHash, job.TrackID, job.SourcePath, string(opts), string(job.Priority),
		string(job.Status), job.MaxRetries, nullOrString(hook))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job insert id: %w", err)
	}
	job.ID = id
	job.CreatedAt = time.Now().UTC()
	return nil
}

func nullOrString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// FindByHashIncomplete returns the job in {queued, processing} for hash, if
// any — callers rely on at most one existing.
func (s *JobStore) FindByHashIncomplete(ctx context.Context, hash string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE content_hash = ? AND status IN ('queued', 'processing')
		ORDER BY created_at DESC LIMIT 1`, hash)
	return scanJob(row)
}

// FindByHashCompleted returns the most recent completed job for hash, if any.
func (s *JobStore) FindByHashCompleted(ctx context.Context, hash string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE content_hash = ? AND status = 'completed'
		ORDER BY created_at DESC LIMIT 1`, hash)
	return scanJob(row)
}

// FindQueued returns up to limit queued jobs ordered by priority then age.
func (s *JobStore) FindQueued(ctx context.Context, limit int) ([]*model.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE status = 'queued'
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindProcessing returns every job currently in the processing state, used
// both by the staleness sweep and by the crash-recovery pass on startup.
func (s *JobStore) FindProcessing(ctx context.Context) ([]*model.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE status = 'processing'`)
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateStatus transitions job to status, stamping started_at/completed_at
// as appropriate.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID int64, status model.JobStatus) error {
	switch status {
	case model.JobStatusProcessing:
		_, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?`, status, jobID)
		return err
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		_, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`, status, jobID)
		return err
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs SET status = ? WHERE id = ?`, status, jobID)
		return err
	}
}

// RecordStage appends stage to stages_completed if not already present and
// transitions the job to completed once every requested stage is recorded.
func (s *JobStore) RecordStage(ctx context.Context, jobID int64, stage model.Stage) (*model.AnalysisJob, error) {
	job, err := s.findByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.HasCompletedStage(stage) {
		return job, nil
	}
	job.StagesCompleted = append(job.StagesCompleted, stage)
	raw, err := json.Marshal(job.StagesCompleted)
	if err != nil {
		return nil, fmt.Errorf("marshal stages_completed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs SET stages_completed = ? WHERE id = ?`, string(raw), jobID); err != nil {
		return nil, fmt.Errorf("update stages_completed: %w", err)
	}
	if job.AllRequestedStagesComplete() {
		if err := s.UpdateStatus(ctx, jobID, model.JobStatusCompleted); err != nil {
			return nil, err
		}
		job.Status = model.JobStatusCompleted
	}
	return job, nil
}

// IncrementRetry bumps retry_count and records lastErr. If retries are
// exhausted the job transitions to failed; otherwise it stays queued for the
// next scheduling tick to pick up.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID int64, lastErr error) (*model.AnalysisJob, error) {
	job, err := s.findByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.RetryCount++
	job.LastError = lastErr.Error()

	if job.RetryCount >= job.MaxRetries {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE analysis_jobs SET retry_count = ?, last_error = ?, status = 'failed', completed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, job.RetryCount, job.LastError, jobID); err != nil {
			return nil, fmt.Errorf("mark job failed: %w", err)
		}
		job.Status = model.JobStatusFailed
		return job, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs SET retry_count = ?, last_error = ?, status = 'queued' WHERE id = ?`,
		job.RetryCount, job.LastError, jobID); err != nil {
		return nil, fmt.Errorf("increment retry: %w", err)
	}
	job.Status = model.JobStatusQueued
	return job, nil
}

// CleanupOlderThan deletes job history rows older than days, keeping the
// table from growing unbounded. Returns the number of rows removed.
func (s *JobStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_jobs
		WHERE created_at < datetime('now', ?)
		  AND status IN ('completed', 'failed', 'cancelled')`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *JobStore) findByID(ctx context.Context, id int64) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ByID returns the job with the given ID.
func (s *JobStore) ByID(ctx context.Context, id int64) (*model.AnalysisJob, error) {
	return s.findByID(ctx, id)
}

// ByWorkerJobID returns the job whose worker-side identifier matches
// workerJobID — used by the Callback Router to map an inbound callback back
// to the job that originated it.
func (s *JobStore) ByWorkerJobID(ctx context.Context, workerJobID string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs WHERE worker_job_id = ? ORDER BY created_at DESC LIMIT 1`, workerJobID)
	return scanJob(row)
}

// SetWorkerJobID records the worker-side job identifier returned by the
// submission ack.
func (s *JobStore) SetWorkerJobID(ctx context.Context, jobID int64, workerJobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE analysis_jobs SET worker_job_id = ? WHERE id = ?`, workerJobID, jobID)
	if err != nil {
		return fmt.Errorf("set worker job id: %w", err)
	}
	return nil
}

// QueueStats is the snapshot returned by the queue metrics endpoint.
type QueueStats struct {
	Queued            int     `json:"queued"`
	Processing        int     `json:"processing"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Cancelled         int     `json:"cancelled"`
	AvgProcessingSecs float64 `json:"avg_processing_seconds"`
}

// Stats computes the current queue snapshot.
func (s *JobStore) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("stats: count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("stats: scan: %w", err)
		}
		switch model.JobStatus(status) {
		case model.JobStatusQueued:
			stats.Queued = count
		case model.JobStatusProcessing:
			stats.Processing = count
		case model.JobStatusCompleted:
			stats.Completed = count
		case model.JobStatusFailed:
			stats.Failed = count
		case model.JobStatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400.0)
		FROM analysis_jobs WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return stats, fmt.Errorf("stats: avg processing time: %w", err)
	}
	if avg.Valid {
		stats.AvgProcessingSecs = avg.Float64
	}
	return stats, nil
}

const jobColumns = `id, content_hash, track_id, source_path, options, priority, status,
	retry_count, max_retries, stages_completed, hook, worker_job_id, last_error,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.AnalysisJob, error) {
	var (
		j                                  model.AnalysisJob
		optsRaw, stagesRaw                 string
		hookRaw                            sql.NullString
		createdAt                          string
		startedAt, completedAt             sql.NullString
	)
	err := row.Scan(&j.ID, &j.ContentHash, &j.TrackID, &j.SourcePath, &optsRaw, &j.Priority, &j.Status,
		&j.RetryCount, &j.MaxRetries, &stagesRaw, &hookRaw, &j.WorkerJobID, &j.LastError,
		&createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(optsRaw), &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal([]byte(stagesRaw), &j.StagesCompleted); err != nil {
		return nil, fmt.Errorf("unmarshal stages_completed: %w", err)
	}
	if hookRaw.Valid && hookRaw.String != "" {
		var hook model.DeliveryHook
		if err := json.Unmarshal([]byte(hookRaw.String), &hook); err != nil {
			return nil, fmt.Errorf("unmarshal hook: %w", err)
		}
		j.Hook = &hook
	}
	if j.CreatedAt, err = parseUTC(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := parseUTC(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := parseUTC(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.AnalysisJob, error) {
	var out []*model.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
