// Package chunk runs keyset-paged work in parallel and commits the results
// strictly in page order, so a stage's watermark is always a true
// high-water mark.
package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Chunk is one keyset page. Lo and Hi are the first and last keys of the
// page rendered as text; Hi becomes the watermark once the chunk commits.
type Chunk[T any] struct {
	Seq   int
	Lo    string
	Hi    string
	Items T
}

// Error reports the chunk that stopped a run. Chunks before it are
// committed; nothing from it or after it is.
type Error struct {
	Stage string
	Seq   int
	Lo    string
	Hi    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: chunk %d [%s..%s]: %v", e.Stage, e.Seq, e.Lo, e.Hi, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Job wires a stage into the runner.
//
// Next is called from a single goroutine and returns nil when the key space
// is exhausted. Process runs on the worker pool and must not write to the
// store. Commit runs on one goroutine in Seq order inside a transaction that
// is replayed on transient failures, and returns the number of rows written.
type Job[P, R any] struct {
	Next    func(ctx context.Context) (*Chunk[P], error)
	Process func(ctx context.Context, c *Chunk[P]) (R, error)
	Commit  func(ctx context.Context, tx pgx.Tx, c *Chunk[P], r R) (int64, error)
}

// Config controls a run.
type Config struct {
	Stage            string
	Workers          int
	MaxCommitsPerSec float64
	Retry            resilience.RetryConfig
	Beginner         resilience.TxBeginner

	// OnCommit, if set, is called after each chunk commits.
	OnCommit func(p Progress)
}

// Progress describes one committed chunk.
type Progress struct {
	Seq     int
	Hi      string
	Rows    int64
	Elapsed time.Duration
}

// Stats summarises a run.
type Stats struct {
	Chunks int    `json:"chunks" yaml:"chunks"`
	Rows   int64  `json:"rows" yaml:"rows"`
	LastHi string `json:"last_hi,omitempty" yaml:"last_hi,omitempty"`
}

type result[P, R any] struct {
	chunk *Chunk[P]
	out   R
}

// Run pages through job until Next is exhausted or something fails. At most
// 2×Workers chunks are in flight, which bounds the reorder buffer.
func Run[P, R any](ctx context.Context, cfg Config, job Job[P, R]) (Stats, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Beginner == nil {
		return Stats{}, eris.New("chunk: no transaction beginner configured")
	}

	log := zap.L().With(zap.String("component", "chunk"), zap.String("stage", cfg.Stage))
	tracer := otel.Tracer("github.com/insideestates/estates-etl/internal/etl/chunk")

	var limiter *rate.Limiter
	if cfg.MaxCommitsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxCommitsPerSec), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	work, wctx := errgroup.WithContext(gctx)
	work.SetLimit(cfg.Workers)

	window := make(chan struct{}, 2*cfg.Workers)
	done := make(chan result[P, R], cfg.Workers)

	g.Go(func() error {
		var loopErr error
	produce:
		for seq := 0; ; seq++ {
			select {
			case window <- struct{}{}:
			case <-wctx.Done():
				break produce
			}

			c, err := job.Next(wctx)
			if err != nil {
				loopErr = eris.Wrapf(err, "chunk: %s: fetch chunk %d", cfg.Stage, seq)
				break
			}
			if c == nil {
				break
			}
			c.Seq = seq

			work.Go(func() error {
				out, err := job.Process(wctx, c)
				if err != nil {
					return &Error{Stage: cfg.Stage, Seq: c.Seq, Lo: c.Lo, Hi: c.Hi, Err: err}
				}
				select {
				case done <- result[P, R]{chunk: c, out: out}:
					return nil
				case <-wctx.Done():
					return wctx.Err()
				}
			})
		}

		// A worker failure cancels wctx, which can surface in Next as a
		// context error; report the worker's error first.
		werr := work.Wait()
		close(done)
		if werr != nil {
			return werr
		}
		return loopErr
	})

	var stats Stats
	g.Go(func() error {
		pending := make(map[int]result[P, R])
		next := 0
		for res := range done {
			pending[res.chunk.Seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)

				if err := gctx.Err(); err != nil {
					return err
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}

				start := time.Now()
				rows, err := commit(gctx, tracer, cfg, job, r)
				if err != nil {
					return &Error{Stage: cfg.Stage, Seq: r.chunk.Seq, Lo: r.chunk.Lo, Hi: r.chunk.Hi, Err: err}
				}

				stats.Chunks++
				stats.Rows += rows
				stats.LastHi = r.chunk.Hi
				<-window
				next++

				p := Progress{Seq: r.chunk.Seq, Hi: r.chunk.Hi, Rows: rows, Elapsed: time.Since(start)}
				log.Debug("chunk committed",
					zap.Int("seq", p.Seq),
					zap.String("hi", p.Hi),
					zap.Int64("rows", p.Rows),
					zap.Duration("elapsed", p.Elapsed),
				)
				if cfg.OnCommit != nil {
					cfg.OnCommit(p)
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

func commit[P, R any](ctx context.Context, tracer trace.Tracer, cfg Config, job Job[P, R], r result[P, R]) (int64, error) {
	ctx, span := tracer.Start(ctx, cfg.Stage+".commit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("chunk.seq", r.chunk.Seq),
		attribute.String("chunk.lo", r.chunk.Lo),
		attribute.String("chunk.hi", r.chunk.Hi),
	)

	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(cfg.Stage, "commit_chunk")
	}

	var rows int64
	err := resilience.InTx(ctx, retry, cfg.Beginner, func(ctx context.Context, tx pgx.Tx) error {
		n, err := job.Commit(ctx, tx, r.chunk, r.out)
		rows = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("chunk.rows", rows))
	return rows, nil
}
