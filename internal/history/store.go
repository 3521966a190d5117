package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/shared/postgresql"
)

// JobRecord is the archived form of a terminal job
type JobRecord struct {
	JobID      string         `db:"job_id"`
	BatchID    string         `db:"batch_id"`
	SourceURL  string         `db:"source_url"`
	Operation  string         `db:"operation"`
	Model      sql.NullString `db:"model"`
	TargetLang sql.NullString `db:"target_lang"`
	Priority   int            `db:"priority"`
	State      string         `db:"state"`
	Attempt    int            `db:"attempt"`
	ErrKind    sql.NullString `db:"err_kind"`
	ErrMessage sql.NullString `db:"err_message"`
	Payload    []byte         `db:"payload"`
	Metadata   []byte         `db:"metadata"`
	CreatedAt  time.Time      `db:"created_at"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt time.Time      `db:"finished_at"`
}

type Store struct {
	db *sqlx.DB
}

func NewStore(pg *postgresql.Client) *Store {
	return &Store{
		db: pg.GetDB(),
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS job_history (
		job_id      TEXT PRIMARY KEY,
		batch_id    TEXT NOT NULL,
		source_url  TEXT NOT NULL,
		operation   TEXT NOT NULL,
		model       TEXT,
		target_lang TEXT,
		priority    INT NOT NULL DEFAULT 0,
		state       TEXT NOT NULL,
		attempt     INT NOT NULL,
		err_kind    TEXT,
		err_message TEXT,
		payload     BYTEA,
		metadata    JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		started_at  TIMESTAMPTZ,
		finished_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_history_finished
		ON job_history (finished_at DESC, job_id DESC);
	CREATE INDEX IF NOT EXISTS idx_job_history_batch
		ON job_history (batch_id);
`

// EnsureSchema creates the history table and indexes if they do not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure job_history schema: %w", err)
	}
	return nil
}

// RecordJob upserts a terminal snapshot. Re-archiving the same job id
// overwrites the previous row, so retried deliveries stay idempotent.
func (s *Store) RecordJob(ctx context.Context, snap domain.JobSnapshot) error {
	rec, err := recordFromSnapshot(snap)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_history (
			job_id, batch_id, source_url, operation, model, target_lang,
			priority, state, attempt, err_kind, err_message,
			payload, metadata, created_at, started_at, finished_at
		) VALUES (
			:job_id, :batch_id, :source_url, :operation, :model, :target_lang,
			:priority, :state, :attempt, :err_kind, :err_message,
			:payload, :metadata, :created_at, :started_at, :finished_at
		)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			err_kind = EXCLUDED.err_kind,
			err_message = EXCLUDED.err_message,
			payload = EXCLUDED.payload,
			metadata = EXCLUDED.metadata,
			finished_at = EXCLUDED.finished_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var rec JobRecord
	query := `
		SELECT
			job_id, batch_id, source_url, operation, model, target_lang,
			priority, state, attempt, err_kind, err_message,
			payload, metadata, created_at, started_at, finished_at
		FROM job_history
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &rec, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &rec, nil
}

type JobFilter struct {
	BatchID   string
	State     string
	Operation string
	PageSize  int
	Cursor    *JobCursor
}

type JobCursor struct {
	FinishedAt time.Time
	JobID      string
}

func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	query := `
        SELECT
            job_id, batch_id, source_url, operation, model, target_lang,
            priority, state, attempt, err_kind, err_message,
            payload, metadata, created_at, started_at, finished_at
        FROM job_history
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Operation != "" {
		query += fmt.Sprintf(" AND operation = $%d", argIdx)
		args = append(args, filter.Operation)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (finished_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.FinishedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by finished_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY finished_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var recs []JobRecord
	err := s.db.SelectContext(ctx, &recs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return recs, nil
}

func recordFromSnapshot(snap domain.JobSnapshot) (*JobRecord, error) {
	rec := &JobRecord{
		JobID:      snap.ID,
		BatchID:    snap.BatchID,
		SourceURL:  snap.Spec.SourceURL,
		Operation:  snap.Spec.Operation,
		Priority:   snap.Priority,
		State:      snap.State,
		Attempt:    snap.Attempt,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}

	if snap.Spec.Model != "" {
		rec.Model = sql.NullString{String: snap.Spec.Model, Valid: true}
	}
	if snap.Spec.TargetLang != "" {
		rec.TargetLang = sql.NullString{String: snap.Spec.TargetLang, Valid: true}
	}
	if snap.ErrKind != "" {
		rec.ErrKind = sql.NullString{String: string(snap.ErrKind), Valid: true}
	}
	if snap.ErrMessage != "" {
		rec.ErrMessage = sql.NullString{String: snap.ErrMessage, Valid: true}
	}
	if !snap.StartedAt.IsZero() {
		rec.StartedAt = sql.NullTime{Time: snap.StartedAt, Valid: true}
	}
	if snap.Result != nil {
		rec.Payload = snap.Result.Payload
		if len(snap.Result.Metadata) > 0 {
			meta, err := json.Marshal(snap.Result.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal result metadata: %w", err)
			}
			rec.Metadata = meta
		}
	}

	return rec, nil
}
