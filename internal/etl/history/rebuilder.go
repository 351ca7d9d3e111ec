package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/etl/chunk"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StageName is the stage log and watermark name of the rebuild.
const StageName = "history"

// Config holds the rebuild's tuning knobs. ChunkSize counts titles.
type Config struct {
	ChunkSize        int
	Workers          int
	MaxCommitsPerSec float64
	Scope            Scope
	Retry            resilience.RetryConfig
}

// Options configures one rebuild.
type Options struct {
	// Resume continues after the stored watermark instead of truncating.
	Resume bool
	// AsOf bounds Current durations. Zero means today.
	AsOf time.Time
}

// Stats summarises a rebuild.
type Stats struct {
	RunID          uuid.UUID        `json:"run_id" yaml:"run_id"`
	ResumedAt      string           `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	LatestSnapshot time.Time        `json:"latest_snapshot" yaml:"latest_snapshot"`
	Titles         int64            `json:"titles" yaml:"titles"`
	Disappeared    int64            `json:"disappeared_titles" yaml:"disappeared_titles"`
	Episodes       int64            `json:"episodes" yaml:"episodes"`
	Statuses       map[string]int64 `json:"statuses" yaml:"statuses"`
	Chunks         int              `json:"chunks" yaml:"chunks"`
	Inconsistent   int64            `json:"inconsistent_episodes" yaml:"inconsistent_episodes"`
	Validation     *Report          `json:"validation,omitempty" yaml:"validation,omitempty"`
	Duration       time.Duration    `json:"duration" yaml:"duration"`
}

func (s *Stats) add(t tally) {
	s.Titles += t.titles
	s.Disappeared += t.disappeared
	s.Inconsistent += t.inconsistent
	for status, n := range t.statuses {
		s.Statuses[status] += n
		s.Episodes += n
	}
}

type tally struct {
	titles       int64
	disappeared  int64
	inconsistent int64
	statuses     map[string]int64
}

type batch struct {
	episodes []model.Episode
	tally    tally
}

// Rebuilder recomputes ownership_history from land_registry_data in chunks
// of whole titles.
type Rebuilder struct {
	pool    db.Pool
	marks   *etl.Watermarks
	metrics *metrics.Metrics
	cfg     Config
}

// NewRebuilder creates a rebuilder. m may be nil.
func NewRebuilder(pool db.Pool, cfg Config, m *metrics.Metrics) *Rebuilder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeTitle
	}
	return &Rebuilder{
		pool:    pool,
		marks:   etl.NewWatermarks(pool),
		metrics: m,
		cfg:     cfg,
	}
}

// Run truncates ownership_history (unless resuming), rebuilds it and
// validates the result. Validation findings are reported in the stats,
// never as an error.
func (r *Rebuilder) Run(ctx context.Context, opts Options) (*Stats, error) {
	if err := db.RequireTables(ctx, r.pool, etl.TableTitles, etl.TableHistory, etl.TableWatermark); err != nil {
		return nil, err
	}

	start := time.Now()
	key := etl.WatermarkKey(StageName, "")
	stats := &Stats{RunID: etl.NewRunID(), Statuses: make(map[string]int64)}
	log := zap.L().With(
		zap.String("component", "history"),
		zap.String("run_id", stats.RunID.String()),
	)

	latest, err := LatestSnapshot(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, eris.New("history: land_registry_data is empty, import titles first")
	}
	stats.LatestSnapshot = *latest

	var cursor string
	if opts.Resume {
		wm, err := r.marks.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			cursor = wm.Position
			stats.ResumedAt = wm.Position
			log.Info("resuming after watermark", zap.String("title_number", cursor))
		}
	}
	if cursor == "" {
		if _, err := r.pool.Exec(ctx, truncateSQL); err != nil {
			return nil, eris.Wrap(err, "history: truncate ownership_history")
		}
	} else if _, err := r.pool.Exec(ctx, deleteAfterSQL, cursor); err != nil {
		return nil, eris.Wrap(err, "history: delete episodes after watermark")
	}

	next := func(ctx context.Context) (*chunk.Chunk[[]string], error) {
		titles, err := fetchTitles(ctx, r.pool, cursor, r.cfg.ChunkSize)
		if err != nil || len(titles) == 0 {
			return nil, err
		}
		lo := titles[0]
		cursor = titles[len(titles)-1]
		return &chunk.Chunk[[]string]{Lo: lo, Hi: cursor, Items: titles}, nil
	}

	process := func(ctx context.Context, c *chunk.Chunk[[]string]) (batch, error) {
		groups, err := fetchObservations(ctx, r.pool, c.Items)
		if err != nil {
			return batch{}, err
		}
		return r.build(groups, *latest, opts.AsOf), nil
	}

	committed := make(map[int]tally)

	job := chunk.Job[[]string, batch]{
		Next:    next,
		Process: process,
		Commit: func(ctx context.Context, tx pgx.Tx, c *chunk.Chunk[[]string], b batch) (int64, error) {
			rows := make([][]any, len(b.episodes))
			for i := range b.episodes {
				rows[i] = episodeRow(&b.episodes[i])
			}
			n, err := db.CopyFrom(ctx, tx, etl.TableHistory, Columns, rows)
			if err != nil {
				return 0, err
			}
			if err := r.marks.Set(ctx, tx, key, stats.RunID, c.Hi); err != nil {
				return 0, err
			}
			committed[c.Seq] = b.tally
			return n, nil
		},
	}

	cs, err := chunk.Run(ctx, chunk.Config{
		Stage:            StageName,
		Workers:          r.cfg.Workers,
		MaxCommitsPerSec: r.cfg.MaxCommitsPerSec,
		Retry:            r.cfg.Retry,
		Beginner:         r.pool,
		OnCommit: func(p chunk.Progress) {
			t := committed[p.Seq]
			delete(committed, p.Seq)
			stats.add(t)
			r.metrics.ObserveCommit(StageName, p.Rows, p.Elapsed)
			for status, n := range t.statuses {
				r.metrics.AddEpisodes(status, n)
			}
			log.Info("chunk rebuilt",
				zap.Int("chunk", p.Seq),
				zap.String("last_title", p.Hi),
				zap.Int64("titles", stats.Titles),
				zap.Int64("episodes", stats.Episodes),
			)
		},
	}, job)
	stats.Chunks = cs.Chunks
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, eris.Wrap(err, "history: run")
	}

	if err := r.marks.Clear(ctx, key); err != nil {
		return stats, err
	}

	report, err := Validate(ctx, r.pool)
	if err != nil {
		return stats, err
	}
	stats.Validation = report
	r.metrics.SetViolations("previous_without_end", report.PreviousWithoutEnd)
	r.metrics.SetViolations("adjacency", report.AdjacencyBreaks)

	fields := []zap.Field{
		zap.Int64("titles", stats.Titles),
		zap.Int64("episodes", stats.Episodes),
		zap.Int64("disappeared_titles", stats.Disappeared),
		zap.Int64("previous_without_end", report.PreviousWithoutEnd),
		zap.Int64("adjacency_breaks", report.AdjacencyBreaks),
		zap.Int64("inferred_disposals", report.Inferred),
		zap.Any("statuses", report.Statuses),
		zap.Duration("elapsed", stats.Duration),
	}
	if !report.Clean() {
		log.Warn("history rebuilt with invariant violations", fields...)
	} else {
		log.Info("history rebuilt", fields...)
	}
	return stats, nil
}

func (r *Rebuilder) build(groups [][]model.TitleRecord, latest, asOf time.Time) batch {
	b := batch{tally: tally{statuses: make(map[string]int64)}}
	latest = dateOf(latest)
	for _, recs := range groups {
		if len(recs) == 0 {
			continue
		}
		in := false
		for i := range recs {
			if !dateOf(recs[i].FileMonth).Before(latest) {
				in = true
				break
			}
		}
		eps := Build(recs, Context{LatestSnapshot: latest, InLatest: in, AsOf: asOf, Scope: r.cfg.Scope})
		b.tally.titles++
		if !in {
			b.tally.disappeared++
		}
		inconsistent, _ := Check(eps)
		b.tally.inconsistent += int64(inconsistent)
		for i := range eps {
			b.tally.statuses[string(eps[i].Status)]++
		}
		b.episodes = append(b.episodes, eps...)
	}
	return b
}
