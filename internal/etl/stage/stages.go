package stage

import (
	"context"
	"fmt"

	"github.com/insideestates/estates-etl/internal/config"
	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl/history"
	"github.com/insideestates/estates-etl/internal/etl/ingest"
	"github.com/insideestates/estates-etl/internal/etl/match"
	"github.com/insideestates/estates-etl/internal/etl/resolve"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/rotisserie/eris"
)

// Options carries the per-invocation inputs of the stages. Everything else
// comes from the config.
type Options struct {
	// CompaniesFile overrides import.companies_file.
	CompaniesFile string
	// TitlePaths overrides import.titles_dir. Directories are expanded.
	TitlePaths []string
	// Force re-imports land registry files already in the table.
	Force   bool
	Match   match.Options
	History history.Options
}

// NewRegistry creates a registry holding the four pipeline stages.
func NewRegistry(pool db.Pool, cfg *config.Config, m *metrics.Metrics, opts Options) (*Registry, error) {
	retry := resilience.FromConfig(cfg.Retry)
	importOpts := ingest.Options{
		BatchSize: cfg.Import.BatchSize,
		Encoding:  cfg.Import.Encoding,
		Retry:     retry,
	}

	scope, err := history.ParseScope(cfg.History.DisposalFlagScope)
	if err != nil {
		return nil, err
	}

	if opts.CompaniesFile == "" {
		opts.CompaniesFile = cfg.Import.CompaniesFile
	}
	if len(opts.TitlePaths) == 0 && cfg.Import.TitlesDir != "" {
		opts.TitlePaths = []string{cfg.Import.TitlesDir}
	}
	if opts.Match.Mode == "" {
		opts.Match.Mode = match.ModeFull
	}

	r := NewEmptyRegistry()
	r.Register(&CompaniesStage{
		importer: ingest.NewCompanies(pool, importOpts, m),
		path:     opts.CompaniesFile,
	})
	r.Register(&TitlesStage{
		importer: ingest.NewTitles(pool, importOpts, m),
		paths:    opts.TitlePaths,
		force:    opts.Force,
	})
	r.Register(&MatchStage{
		pool:   pool,
		policy: Policy(cfg.Match),
		cfg: match.Config{
			ChunkSize:        cfg.Match.ChunkSize,
			Workers:          cfg.Match.Workers,
			MaxCommitsPerSec: cfg.Store.MaxCommitsPerSec,
			Retry:            retry,
		},
		opts:    opts.Match,
		metrics: m,
	})
	r.Register(&HistoryStage{
		rebuilder: history.NewRebuilder(pool, history.Config{
			ChunkSize:        cfg.History.ChunkSize,
			Workers:          cfg.History.Workers,
			MaxCommitsPerSec: cfg.Store.MaxCommitsPerSec,
			Scope:            scope,
			Retry:            retry,
		}, m),
		opts: opts.History,
	})
	return r, nil
}

// Policy converts the match section of the config into a resolver policy.
func Policy(c config.MatchConfig) resolve.Policy {
	return resolve.Policy{
		Name:           resolve.TierPolicy{Enabled: c.NameTier.Enabled, Confidence: c.NameTier.Confidence},
		PreviousName:   resolve.TierPolicy{Enabled: c.PreviousNameTier.Enabled, Confidence: c.PreviousNameTier.Confidence},
		SourceFallback: c.SourceFallback,
	}
}

// CompaniesStage loads the Companies House register.
type CompaniesStage struct {
	importer *ingest.Companies
	path     string
}

// Name implements Stage.
func (s *CompaniesStage) Name() string { return CompaniesImport }

// Run implements Stage.
func (s *CompaniesStage) Run(ctx context.Context) (*Result, error) {
	if s.path == "" {
		return nil, eris.New("stage: no companies file (set import.companies_file or pass --file)")
	}
	res, err := s.importer.Import(ctx, s.path)
	if err != nil {
		return nil, err
	}
	out := &Result{Rows: res.Written, Metadata: map[string]any{"file": res}}
	if n := sum(res.Truncated); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d values truncated to column width", n))
	}
	return out, nil
}

// TitlesStage loads land registry snapshot files.
type TitlesStage struct {
	importer *ingest.Titles
	paths    []string
	force    bool
}

// Name implements Stage.
func (s *TitlesStage) Name() string { return TitlesImport }

// Run implements Stage.
func (s *TitlesStage) Run(ctx context.Context) (*Result, error) {
	if len(s.paths) == 0 {
		return nil, eris.New("stage: no land registry files (set import.titles_dir or pass paths)")
	}
	files, err := s.importer.ImportPaths(ctx, s.paths, s.force)
	if err != nil {
		return nil, err
	}
	out := &Result{Metadata: map[string]any{"files": files}}
	var skipped int
	var truncated int64
	for _, f := range files {
		if f.Skipped {
			skipped++
			continue
		}
		out.Rows += f.Written
		truncated += sum(f.Truncated)
	}
	out.Metadata["skipped_files"] = skipped
	if truncated > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d values truncated to column width", truncated))
	}
	return out, nil
}

// MatchStage builds the reference index and resolves the selected land
// registry records against it.
type MatchStage struct {
	pool    db.Pool
	policy  resolve.Policy
	cfg     match.Config
	opts    match.Options
	metrics *metrics.Metrics
}

// Name implements Stage.
func (s *MatchStage) Name() string { return Match }

// Run implements Stage.
func (s *MatchStage) Run(ctx context.Context) (*Result, error) {
	if err := s.opts.Validate(); err != nil {
		return nil, err
	}
	idx, err := resolve.LoadIndex(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return nil, eris.New("stage: companies_house_data is empty, import companies first")
	}

	m := match.NewMatcher(s.pool, resolve.NewResolver(idx, s.policy), s.cfg, s.metrics)
	stats, err := m.Run(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	out := &Result{
		Rows:     stats.Records,
		Metadata: map[string]any{"index": idx.Stats(), "stats": stats},
	}
	if stats.Invalid > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d match results broke the slot invariant", stats.Invalid))
	}
	if stats.Violations > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d stored slots violate the match invariant", stats.Violations))
	}
	return out, nil
}

// HistoryStage rebuilds ownership_history.
type HistoryStage struct {
	rebuilder *history.Rebuilder
	opts      history.Options
}

// Name implements Stage.
func (s *HistoryStage) Name() string { return History }

// Run implements Stage.
func (s *HistoryStage) Run(ctx context.Context) (*Result, error) {
	stats, err := s.rebuilder.Run(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	out := &Result{Rows: stats.Episodes, Metadata: map[string]any{"stats": stats}}
	if v := stats.Validation; v != nil {
		if v.PreviousWithoutEnd > 0 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%d Previous episodes have no end date", v.PreviousWithoutEnd))
		}
		if v.AdjacencyBreaks > 0 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%d episodes do not end where their successor starts", v.AdjacencyBreaks))
		}
	}
	return out, nil
}

func sum(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}
