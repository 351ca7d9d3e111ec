package etl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Stage run statuses stored in etl_stage_log.status.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// StageEntry represents a row in etl_stage_log.
type StageEntry struct {
	ID            int64          `json:"id" yaml:"id"`
	RunID         uuid.UUID      `json:"run_id" yaml:"run_id"`
	Stage         string         `json:"stage" yaml:"stage"`
	Status        string         `json:"status" yaml:"status"`
	StartedAt     time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RowsProcessed int64          `json:"rows_processed" yaml:"rows_processed"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StageResult holds the outcome of a stage, passed to Complete().
type StageResult struct {
	RowsProcessed int64          `json:"rows_processed" yaml:"rows_processed"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StageLog provides read/write access to the etl_stage_log table.
type StageLog struct {
	pool db.Querier
}

// NewStageLog creates a StageLog backed by the given pool.
func NewStageLog(pool db.Querier) *StageLog {
	return &StageLog{pool: pool}
}

// NewRunID returns a fresh id grouping the stage log rows of one run.
func NewRunID() uuid.UUID {
	return uuid.New()
}

// LastSuccess returns the started_at time of the most recent completed run
// of stage, or nil if it has never completed.
func (s *StageLog) LastSuccess(ctx context.Context, stage string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM etl_stage_log
		 WHERE stage = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		stage,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "stagelog: last success for %s", stage)
	}
	return &t, nil
}

// Start records the beginning of a stage run and returns its row id.
func (s *StageLog) Start(ctx context.Context, runID uuid.UUID, stage string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO etl_stage_log (run_id, stage, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		runID, stage,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "stagelog: start %s", stage)
	}
	return id, nil
}

// Complete marks a stage run as successfully completed.
func (s *StageLog) Complete(ctx context.Context, id int64, result *StageResult) error {
	var metaJSON []byte
	if result != nil && result.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "stagelog: marshal metadata")
		}
	}

	rows := int64(0)
	if result != nil {
		rows = result.RowsProcessed
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE etl_stage_log
		 SET status = 'complete', completed_at = now(), rows_processed = $1, metadata = $2
		 WHERE id = $3`,
		rows, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "stagelog: complete %d", id)
	}
	return nil
}

// Fail marks a stage run as failed with an error message.
func (s *StageLog) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE etl_stage_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "stagelog: fail %d", id)
	}
	return nil
}

// List returns the most recent stage log entries, newest first. limit <= 0
// returns everything.
func (s *StageLog) List(ctx context.Context, limit int) ([]StageEntry, error) {
	sql := `SELECT id, run_id, stage, status, started_at, completed_at, rows_processed, error, metadata
		 FROM etl_stage_log ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		sql += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "stagelog: list")
	}
	defer rows.Close()

	var entries []StageEntry
	for rows.Next() {
		var e StageEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RowsProcessed, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "stagelog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
