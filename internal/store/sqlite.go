// Package store persists job records and their stage checkpoints so an
// interrupted stage can resume after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"media-pipeline/internal/domain"
)

// ErrNotFound is returned when a job id has no persisted record.
var ErrNotFound = errors.New("job not found in store")

// SQLite is a jobs table in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the database and ensures the schema exists.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  stage TEXT NOT NULL,
  inputs_json TEXT NOT NULL,
  checkpoint_json TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  stage_started_at INTEGER,
  finished_at INTEGER
);
`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// SaveJob upserts one job's stage, inputs, and checkpoint. Inputs change
// after submission when a pipeline stage chains its output into the next
// stage. Progress samples are deliberately not persisted; they are
// transient observability state.
func (s *SQLite) SaveJob(ctx context.Context, job domain.Job) error {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	var checkpoint sql.NullString
	if job.Checkpoint != nil {
		raw, err := json.Marshal(job.Checkpoint)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		checkpoint = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, stage, inputs_json, checkpoint_json, error_message,
                  created_at, stage_started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  stage = excluded.stage,
  inputs_json = excluded.inputs_json,
  checkpoint_json = excluded.checkpoint_json,
  error_message = excluded.error_message,
  stage_started_at = excluded.stage_started_at,
  finished_at = excluded.finished_at`,
		job.ID,
		string(job.Kind),
		string(job.Stage),
		string(inputs),
		checkpoint,
		nullString(job.Error),
		job.CreatedAt.UnixMilli(),
		nullMilli(job.StageStartedAt),
		nullMilli(job.FinishedAt),
	)
	return err
}

// GetJob loads one persisted job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return job, err
}

// ListUnfinished returns jobs in non-terminal stages, oldest first. These
// are the candidates for resume at startup.
func (s *SQLite) ListUnfinished(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM jobs WHERE stage NOT IN (?, ?, ?) ORDER BY created_at ASC`,
		string(domain.StageCompleted), string(domain.StageFailed), string(domain.StageCancelled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, kind, stage, inputs_json, checkpoint_json,
  error_message, created_at, stage_started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		id, kind, stage, inputsJSON string
		checkpointJSON              sql.NullString
		errorMsg                    sql.NullString
		createdMs                   int64
		stageStartedMs, finishedMs  sql.NullInt64
	)
	if err := row.Scan(&id, &kind, &stage, &inputsJSON, &checkpointJSON,
		&errorMsg, &createdMs, &stageStartedMs, &finishedMs); err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:        id,
		Kind:      domain.Kind(kind),
		Stage:     domain.Stage(stage),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}
	if err := json.Unmarshal([]byte(inputsJSON), &job.Inputs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal inputs for %s: %w", id, err)
	}
	if checkpointJSON.Valid {
		var ckpt domain.Checkpoint
		if err := json.Unmarshal([]byte(checkpointJSON.String), &ckpt); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal checkpoint for %s: %w", id, err)
		}
		job.Checkpoint = &ckpt
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if stageStartedMs.Valid {
		job.StageStartedAt = time.UnixMilli(stageStartedMs.Int64).UTC()
	}
	if finishedMs.Valid {
		job.FinishedAt = time.UnixMilli(finishedMs.Int64).UTC()
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMilli(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: !t.IsZero()}
}
