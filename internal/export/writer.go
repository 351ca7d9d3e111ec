package export

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Format is an export file format.
type Format string

// Supported formats.
const (
	FormatSQLite Format = "sqlite"
	FormatXLSX   Format = "xlsx"
)

// Writer receives records and persists them on Close.
type Writer interface {
	Write(rec *Record) error
	Close() error
}

// ParseFormat accepts a format name. An empty name is inferred from the
// file extension of path.
func ParseFormat(name, path string) (Format, error) {
	if name == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".xlsx":
			return FormatXLSX, nil
		case ".sqlite", ".sqlite3", ".db":
			return FormatSQLite, nil
		}
		return "", eris.Errorf("export: cannot infer format from %q (use --format sqlite or xlsx)", path)
	}
	switch Format(strings.ToLower(name)) {
	case FormatSQLite:
		return FormatSQLite, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", eris.Errorf("export: unknown format %q (want sqlite or xlsx)", name)
}

// Create opens a writer of the given format at path.
func Create(ctx context.Context, format Format, path string) (Writer, error) {
	switch format {
	case FormatSQLite:
		return NewSQLiteWriter(ctx, path)
	case FormatXLSX:
		return NewXLSXWriter(path)
	}
	return nil, eris.Errorf("export: unknown format %q", format)
}

// Episodes streams the episodes matching f into w and closes it. The file
// is only complete when the returned error is nil.
func Episodes(ctx context.Context, q db.Querier, f Filter, w Writer) (int64, error) {
	log := zap.L().With(zap.String("component", "export"))
	start := time.Now()

	n, err := Stream(ctx, q, f, w.Write)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	log.Info("episodes exported", zap.Int64("rows", n), zap.Duration("elapsed", time.Since(start)))
	return n, nil
}
