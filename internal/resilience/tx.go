package resilience

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// TxBeginner opens a transaction. db.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTx runs fn inside a transaction and commits it, replaying the whole
// transaction on transient failures. A failed attempt is rolled back before
// the next one starts, so fn must not keep state across attempts.
func InTx(ctx context.Context, cfg RetryConfig, b TxBeginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return Do(ctx, cfg, func(ctx context.Context) error {
		tx, err := b.Begin(ctx)
		if err != nil {
			return eris.Wrap(err, "resilience: begin tx")
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return eris.Wrap(err, "resilience: commit tx")
		}
		return nil
	})
}
