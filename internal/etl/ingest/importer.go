package ingest

import (
	"context"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/rotisserie/eris"
)

// Options configures both importers.
type Options struct {
	BatchSize int
	// Encoding is any WHATWG encoding label; empty means UTF-8.
	Encoding string
	Retry    resilience.RetryConfig
}

// FileResult summarises the import of one file.
type FileResult struct {
	File      string           `json:"file" yaml:"file"`
	Skipped   bool             `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Rows      int64            `json:"rows" yaml:"rows"`
	Written   int64            `json:"written" yaml:"written"`
	Dropped   int64            `json:"dropped" yaml:"dropped"`
	Deletions int64            `json:"deletions,omitempty" yaml:"deletions,omitempty"`
	Malformed int64            `json:"malformed" yaml:"malformed"`
	Truncated map[string]int64 `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
}

// batcher collects upsert rows, keeping only the last row per conflict key
// so one statement never touches the same target row twice.
type batcher struct {
	pool    db.Pool
	cfg     db.UpsertConfig
	retry   resilience.RetryConfig
	size    int
	stage   string
	metrics *metrics.Metrics

	rows    [][]any
	pos     map[string]int
	written int64
}

func newBatcher(pool db.Pool, cfg db.UpsertConfig, opts Options, stage string, m *metrics.Metrics) *batcher {
	size := opts.BatchSize
	if size <= 0 {
		size = 5000
	}
	return &batcher{
		pool:    pool,
		cfg:     cfg,
		retry:   opts.Retry,
		size:    size,
		stage:   stage,
		metrics: m,
		pos:     make(map[string]int, size),
	}
}

func (b *batcher) add(ctx context.Context, key string, row []any) error {
	if i, ok := b.pos[key]; ok {
		b.rows[i] = row
		return nil
	}
	b.pos[key] = len(b.rows)
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	n, err := resilience.DoVal(ctx, b.retry, func(ctx context.Context) (int64, error) {
		return db.BulkUpsert(ctx, b.pool, b.cfg, b.rows)
	})
	if err != nil {
		return eris.Wrapf(err, "ingest: upsert %d rows into %s", len(b.rows), b.cfg.Table)
	}
	b.written += n
	b.metrics.AddRows(b.stage, n)
	b.rows = b.rows[:0]
	clear(b.pos)
	return nil
}
