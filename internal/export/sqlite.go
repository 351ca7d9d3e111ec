package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/etl/history"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE ownership_history (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	title_number            TEXT NOT NULL,
	property_address        TEXT,
	ownership_start_date    TEXT NOT NULL,
	ownership_end_date      TEXT,
	owner_1                 TEXT,
	owner_2                 TEXT,
	owner_3                 TEXT,
	owner_4                 TEXT,
	seller_1                TEXT,
	seller_2                TEXT,
	seller_3                TEXT,
	seller_4                TEXT,
	buyer_1                 TEXT,
	buyer_2                 TEXT,
	buyer_3                 TEXT,
	buyer_4                 TEXT,
	price_at_acquisition    INTEGER,
	price_at_disposal       INTEGER,
	ownership_status        TEXT NOT NULL,
	ownership_duration_days INTEGER,
	source                  TEXT,
	ownership_type          TEXT,
	inferred_disposal_flag  INTEGER NOT NULL DEFAULT 0,
	disposal_from_company   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_history_title ON ownership_history(title_number, ownership_start_date);
CREATE INDEX idx_history_status ON ownership_history(ownership_status);
`

// sqliteBatch rows are inserted per transaction.
const sqliteBatch = 10000

// SQLiteWriter writes episodes into a fresh SQLite database file.
type SQLiteWriter struct {
	ctx  context.Context
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
	n    int
}

// NewSQLiteWriter creates path, replacing any existing file.
func NewSQLiteWriter(ctx context.Context, path string) (*SQLiteWriter, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "export: remove %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open sqlite")
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, eris.Wrap(err, "export: prepare sqlite schema")
		}
	}
	w := &SQLiteWriter{ctx: ctx, db: db}
	if err := w.begin(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

var sqliteInsert = fmt.Sprintf("INSERT INTO ownership_history (%s) VALUES (%s)",
	strings.Join(history.Columns, ", "),
	strings.TrimSuffix(strings.Repeat("?, ", len(history.Columns)), ", "),
)

func (w *SQLiteWriter) begin() error {
	tx, err := w.db.BeginTx(w.ctx, nil)
	if err != nil {
		return eris.Wrap(err, "export: begin sqlite tx")
	}
	stmt, err := tx.PrepareContext(w.ctx, sqliteInsert)
	if err != nil {
		_ = tx.Rollback()
		return eris.Wrap(err, "export: prepare insert")
	}
	w.tx, w.stmt = tx, stmt
	return nil
}

func (w *SQLiteWriter) commit() error {
	w.stmt.Close()
	err := w.tx.Commit()
	w.tx, w.stmt = nil, nil
	return eris.Wrap(err, "export: commit sqlite tx")
}

// Write implements Writer.
func (w *SQLiteWriter) Write(rec *Record) error {
	vals := rec.Values()
	for i, v := range vals {
		if t, ok := v.(time.Time); ok {
			vals[i] = t.Format(time.DateOnly)
		}
	}
	if _, err := w.stmt.ExecContext(w.ctx, vals...); err != nil {
		return eris.Wrapf(err, "export: insert episode for %s", rec.TitleNumber)
	}
	w.n++
	if w.n%sqliteBatch == 0 {
		if err := w.commit(); err != nil {
			return err
		}
		return w.begin()
	}
	return nil
}

// Close commits the pending rows and closes the database.
func (w *SQLiteWriter) Close() error {
	var err error
	if w.tx != nil {
		err = w.commit()
	}
	if cerr := w.db.Close(); err == nil && cerr != nil {
		err = eris.Wrap(cerr, "export: close sqlite")
	}
	return err
}
