package stage

import (
	"context"
	"time"

	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Engine runs stages in order, recording each run in etl_stage_log.
type Engine struct {
	stageLog *etl.StageLog
	reg      *Registry
	metrics  *metrics.Metrics
}

// RunOpts configures which stages to run.
type RunOpts struct {
	Stages []string // restrict to these stage names; empty runs all
}

// NewEngine creates a new pipeline engine. m may be nil.
func NewEngine(stageLog *etl.StageLog, reg *Registry, m *metrics.Metrics) *Engine {
	return &Engine{stageLog: stageLog, reg: reg, metrics: m}
}

// Run executes the selected stages and halts at the first failure. The
// report covers every stage attempted, including the failed one.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	log := zap.L().With(zap.String("component", "stage.engine"))
	tracer := otel.Tracer("github.com/insideestates/estates-etl/internal/etl/stage")

	stages, err := e.reg.Select(opts.Stages)
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: etl.NewRunID(), StartedAt: time.Now().UTC()}
	log = log.With(zap.String("run_id", report.RunID.String()))
	if len(stages) == 0 {
		log.Info("no stages selected")
		return report, nil
	}
	log.Info("selected stages", zap.Int("count", len(stages)))

	defer func() { report.Duration = time.Since(report.StartedAt) }()

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sLog := log.With(zap.String("stage", s.Name()))
		sLog.Info("starting stage")
		id, err := e.stageLog.Start(ctx, report.RunID, s.Name())
		if err != nil {
			return report, eris.Wrapf(err, "engine: start stage log for %s", s.Name())
		}

		sctx, span := tracer.Start(ctx, "stage."+s.Name())
		start := time.Now()
		result, err := s.Run(sctx)
		elapsed := time.Since(start)

		entry := StageReport{Name: s.Name(), Duration: elapsed}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()

			entry.Status = etl.StatusFailed
			entry.Error = err.Error()
			report.Stages = append(report.Stages, entry)
			e.metrics.ObserveStage(s.Name(), etl.StatusFailed, elapsed)

			sLog.Error("stage failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			if logErr := e.stageLog.Fail(context.WithoutCancel(ctx), id, err.Error()); logErr != nil {
				sLog.Error("failed to record stage failure", zap.Error(logErr))
			}
			return report, eris.Wrapf(err, "engine: stage %s", s.Name())
		}
		if result == nil {
			result = &Result{}
		}
		span.SetAttributes(attribute.Int64("rows", result.Rows))
		span.End()

		entry.Status = etl.StatusComplete
		entry.Rows = result.Rows
		entry.Metadata = result.Metadata
		entry.Warnings = result.Warnings
		report.Stages = append(report.Stages, entry)
		e.metrics.ObserveStage(s.Name(), etl.StatusComplete, elapsed)

		if err := e.stageLog.Complete(ctx, id, &etl.StageResult{
			RowsProcessed: result.Rows,
			Metadata:      result.Metadata,
		}); err != nil {
			sLog.Error("failed to record stage completion", zap.Error(err))
		}

		for _, w := range result.Warnings {
			sLog.Warn("stage finished with findings", zap.String("finding", w))
		}
		sLog.Info("stage complete",
			zap.Int64("rows", result.Rows),
			zap.Duration("elapsed", elapsed),
		)
	}

	log.Info("pipeline run complete", zap.Int("stages", len(report.Stages)))
	return report, nil
}
