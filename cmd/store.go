package main

import (
	"context"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/etl/stage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// storePool opens the Postgres pool from store.database_url.
func storePool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		return nil, eris.Wrap(err, "store")
	}
	zap.L().Debug("connected to database")
	return pool, nil
}

// runStages runs the named stages through the engine so every command
// leaves the same stage log trail as a full pipeline run.
func runStages(ctx context.Context, pool *pgxpool.Pool, names []string, opts stage.Options) (*stage.Report, error) {
	reg, err := stage.NewRegistry(pool, cfg, met, opts)
	if err != nil {
		return nil, err
	}
	engine := stage.NewEngine(etl.NewStageLog(pool), reg, met)
	return engine.Run(ctx, stage.RunOpts{Stages: names})
}
