package etl

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Watermark is the high-water mark of the last chunk a stage committed.
// Position is the stage's keyset cursor (a record id or a title number)
// rendered as text.
type Watermark struct {
	Key       string    `json:"key" yaml:"key"`
	RunID     uuid.UUID `json:"run_id" yaml:"run_id"`
	Position  string    `json:"position" yaml:"position"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// WatermarkKey names the checkpoint of a stage run in a particular mode, so
// resuming `match --mode no_match` never picks up a `full` cursor.
func WatermarkKey(stage, mode string) string {
	if mode == "" {
		return stage
	}
	return stage + ":" + mode
}

// Watermarks reads and writes etl_watermarks.
type Watermarks struct {
	pool db.Querier
}

// NewWatermarks creates a Watermarks store backed by pool.
func NewWatermarks(pool db.Querier) *Watermarks {
	return &Watermarks{pool: pool}
}

// Get returns the stored watermark for key, or nil if none exists.
func (w *Watermarks) Get(ctx context.Context, key string) (*Watermark, error) {
	wm := Watermark{Key: key}
	err := w.pool.QueryRow(ctx,
		"SELECT run_id, position, updated_at FROM etl_watermarks WHERE stage = $1",
		key,
	).Scan(&wm.RunID, &wm.Position, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "watermark: get %s", key)
	}
	return &wm, nil
}

// Set advances the watermark for key. Call it with the chunk's transaction
// so the checkpoint commits atomically with the chunk's rows.
func (w *Watermarks) Set(ctx context.Context, q db.Querier, key string, runID uuid.UUID, position string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO etl_watermarks (stage, run_id, position, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (stage) DO UPDATE
		 SET run_id = EXCLUDED.run_id, position = EXCLUDED.position, updated_at = now()`,
		key, runID, position,
	)
	if err != nil {
		return eris.Wrapf(err, "watermark: set %s", key)
	}
	return nil
}

// Clear removes the watermark for key so the next run starts from scratch.
func (w *Watermarks) Clear(ctx context.Context, key string) error {
	if _, err := w.pool.Exec(ctx, "DELETE FROM etl_watermarks WHERE stage = $1", key); err != nil {
		return eris.Wrapf(err, "watermark: clear %s", key)
	}
	return nil
}

// List returns all watermarks ordered by key.
func (w *Watermarks) List(ctx context.Context) ([]Watermark, error) {
	rows, err := w.pool.Query(ctx, "SELECT stage, run_id, position, updated_at FROM etl_watermarks ORDER BY stage")
	if err != nil {
		return nil, eris.Wrap(err, "watermark: list")
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var wm Watermark
		if err := rows.Scan(&wm.Key, &wm.RunID, &wm.Position, &wm.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "watermark: scan")
		}
		out = append(out, wm)
	}
	return out, rows.Err()
}
