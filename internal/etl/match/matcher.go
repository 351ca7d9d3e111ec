package match

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/etl/chunk"
	"github.com/insideestates/estates-etl/internal/etl/resolve"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StageName is the stage log and watermark name of the matcher.
const StageName = "match"

// Config holds the matcher's tuning knobs.
type Config struct {
	ChunkSize        int
	Workers          int
	MaxCommitsPerSec float64
	Retry            resilience.RetryConfig
}

// Stats summarises a matcher run.
type Stats struct {
	Mode       Mode             `json:"mode" yaml:"mode"`
	RunID      uuid.UUID        `json:"run_id" yaml:"run_id"`
	ResumedAt  string           `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	Records    int64            `json:"records" yaml:"records"`
	Slots      int64            `json:"slots" yaml:"slots"`
	Tiers      map[string]int64 `json:"tiers" yaml:"tiers"`
	MatchRate  float64          `json:"match_rate" yaml:"match_rate"`
	Chunks     int              `json:"chunks" yaml:"chunks"`
	Invalid    int64            `json:"invalid_results" yaml:"invalid_results"`
	Violations int64            `json:"stored_violations" yaml:"stored_violations"`
	Duration   time.Duration    `json:"duration" yaml:"duration"`
}

func (s *Stats) add(t tally) {
	s.Records += t.records
	s.Invalid += t.invalid
	for tier, n := range t.tiers {
		s.Tiers[tier.String()] += n
		s.Slots += n
	}
}

// Rate is matched slots over occupied eligible slots, given slot counts
// keyed by tier name.
func Rate(tiers map[string]int64) float64 {
	var matched, eligible int64
	for name, n := range tiers {
		t, err := model.ParseTier(name)
		if err != nil || t == model.TierIneligible {
			continue
		}
		eligible += n
		if t.Matched() {
			matched += n
		}
	}
	if eligible == 0 {
		return 0
	}
	return float64(matched) / float64(eligible)
}

type tally struct {
	records int64
	invalid int64
	tiers   map[model.Tier]int64
}

type batch struct {
	results []model.MatchResult
	tally   tally
}

// Matcher pages through land_registry_data, resolves each chunk on a worker
// pool and commits the results in chunk order.
type Matcher struct {
	pool     db.Pool
	resolver *resolve.Resolver
	marks    *etl.Watermarks
	metrics  *metrics.Metrics
	cfg      Config
}

// NewMatcher creates a matcher. m may be nil.
func NewMatcher(pool db.Pool, resolver *resolve.Resolver, cfg Config, m *metrics.Metrics) *Matcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Matcher{
		pool:     pool,
		resolver: resolver,
		marks:    etl.NewWatermarks(pool),
		metrics:  m,
		cfg:      cfg,
	}
}

// Run resolves the records selected by opts. On failure the returned
// stats cover the chunks that committed before it.
func (m *Matcher) Run(ctx context.Context, opts Options) (*Stats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := db.RequireTables(ctx, m.pool, etl.TableTitles, etl.TableMatches, etl.TableWatermark); err != nil {
		return nil, err
	}

	start := time.Now()
	key := etl.WatermarkKey(StageName, string(opts.Mode))
	stats := &Stats{Mode: opts.Mode, RunID: etl.NewRunID(), Tiers: make(map[string]int64)}
	log := zap.L().With(
		zap.String("component", "match"),
		zap.String("mode", string(opts.Mode)),
		zap.String("run_id", stats.RunID.String()),
	)

	var cursor int64
	if opts.Resume {
		wm, err := m.marks.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			cursor, err = strconv.ParseInt(wm.Position, 10, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "match: bad watermark %q for %s", wm.Position, key)
			}
			stats.ResumedAt = wm.Position
			log.Info("resuming after watermark", zap.Int64("id", cursor))
		}
	}

	pred, predArgs := opts.predicate(2)
	sql := fmt.Sprintf(pageSQL, pred)

	next := func(ctx context.Context) (*chunk.Chunk[[]model.TitleRecord], error) {
		args := append([]any{cursor, m.cfg.ChunkSize}, predArgs...)
		recs, err := fetchPage(ctx, m.pool, sql, args)
		if err != nil || len(recs) == 0 {
			return nil, err
		}
		lo := recs[0].ID
		cursor = recs[len(recs)-1].ID
		return &chunk.Chunk[[]model.TitleRecord]{
			Lo:    strconv.FormatInt(lo, 10),
			Hi:    strconv.FormatInt(cursor, 10),
			Items: recs,
		}, nil
	}

	// Tallies are keyed by chunk and folded in only once the chunk commits,
	// so replayed transactions are not double counted.
	committed := make(map[int]tally)

	job := chunk.Job[[]model.TitleRecord, batch]{
		Next:    next,
		Process: m.process,
		Commit: func(ctx context.Context, tx pgx.Tx, c *chunk.Chunk[[]model.TitleRecord], b batch) (int64, error) {
			rows := make([][]any, len(b.results))
			for i, r := range b.results {
				rows[i] = resultRow(r)
			}
			if _, err := db.BulkUpsertTx(ctx, tx, upsertConfig, rows); err != nil {
				return 0, err
			}
			if err := m.marks.Set(ctx, tx, key, stats.RunID, c.Hi); err != nil {
				return 0, err
			}
			committed[c.Seq] = b.tally
			return int64(len(rows)), nil
		},
	}

	cs, err := chunk.Run(ctx, chunk.Config{
		Stage:            StageName,
		Workers:          m.cfg.Workers,
		MaxCommitsPerSec: m.cfg.MaxCommitsPerSec,
		Retry:            m.cfg.Retry,
		Beginner:         m.pool,
		OnCommit: func(p chunk.Progress) {
			t := committed[p.Seq]
			delete(committed, p.Seq)
			stats.add(t)
			m.metrics.ObserveCommit(StageName, p.Rows, p.Elapsed)
			for tier, n := range t.tiers {
				m.metrics.AddMatchSlots(tier.String(), n)
			}
			log.Info("chunk matched",
				zap.Int("chunk", p.Seq),
				zap.String("last_id", p.Hi),
				zap.Int64("records", stats.Records),
			)
		},
	}, job)
	stats.Chunks = cs.Chunks
	stats.MatchRate = Rate(stats.Tiers)
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, eris.Wrap(err, "match: run")
	}

	// A finished run leaves nothing to resume.
	if err := m.marks.Clear(ctx, key); err != nil {
		return stats, err
	}

	violations, err := CountViolations(ctx, m.pool)
	if err != nil {
		return stats, err
	}
	stats.Violations = violations
	m.metrics.SetViolations("match_slot", violations)

	fields := []zap.Field{
		zap.Int64("records", stats.Records),
		zap.Int64("slots", stats.Slots),
		zap.Float64("match_rate", stats.MatchRate),
		zap.Int64("stored_violations", stats.Violations),
		zap.Duration("elapsed", stats.Duration),
	}
	for _, t := range model.Tiers {
		fields = append(fields, zap.Int64("tier_"+t.String(), stats.Tiers[t.String()]))
	}
	if stats.Violations > 0 || stats.Invalid > 0 {
		log.Warn("match complete with slot invariant violations", append(fields, zap.Int64("invalid_results", stats.Invalid))...)
	} else {
		log.Info("match complete", fields...)
	}
	return stats, nil
}

// process resolves a chunk. It only reads the shared index.
func (m *Matcher) process(_ context.Context, c *chunk.Chunk[[]model.TitleRecord]) (batch, error) {
	b := batch{
		results: make([]model.MatchResult, len(c.Items)),
		tally:   tally{tiers: make(map[model.Tier]int64)},
	}
	for i := range c.Items {
		res := m.resolver.ResolveRecord(&c.Items[i])
		if err := res.Validate(); err != nil {
			b.tally.invalid++
			zap.L().Warn("match: invalid result", zap.Error(err))
		}
		for _, s := range res.Slots {
			if !s.Empty() {
				b.tally.tiers[s.Tier]++
			}
		}
		b.results[i] = res
	}
	b.tally.records = int64(len(c.Items))
	return b, nil
}
