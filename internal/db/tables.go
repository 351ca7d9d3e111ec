package db

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// MissingTablesError lists tables a stage needs that do not exist.
type MissingTablesError struct {
	Tables []string
}

func (e *MissingTablesError) Error() string {
	return "db: missing required tables: " + strings.Join(e.Tables, ", ")
}

// RequireTables fails with *MissingTablesError unless every table exists.
// Run `migrate` to create them.
func RequireTables(ctx context.Context, q Querier, tables ...string) error {
	var missing []string
	for _, t := range tables {
		var exists bool
		if err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", t).Scan(&exists); err != nil {
			return eris.Wrapf(err, "db: check table %s", t)
		}
		if !exists {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingTablesError{Tables: missing}
	}
	return nil
}
