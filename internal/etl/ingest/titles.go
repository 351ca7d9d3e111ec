package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// TitlesStage is the stage name of the Land Registry import.
const TitlesStage = "lr_import"

var filenamePattern = regexp.MustCompile(`(CCOD|OCOD)_(FULL|COU)_(\d{4})_(\d{2})`)

// FileInfo is what a snapshot's file name says about its contents.
type FileInfo struct {
	Dataset model.DatasetType
	Update  model.UpdateType
	Month   time.Time
}

// ParseFilename reads the dataset, update type and snapshot month from a
// name such as CCOD_FULL_2024_10.csv.
func ParseFilename(name string) (FileInfo, error) {
	m := filenamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return FileInfo{}, eris.Errorf("ingest: %s does not look like (CCOD|OCOD)_(FULL|COU)_YYYY_MM", filepath.Base(name))
	}
	year, _ := strconv.Atoi(m[3])
	month, _ := strconv.Atoi(m[4])
	if month < 1 || month > 12 {
		return FileInfo{}, eris.Errorf("ingest: bad month in %s", filepath.Base(name))
	}
	return FileInfo{
		Dataset: model.DatasetType(m[1]),
		Update:  model.UpdateType(m[2]),
		Month:   time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

// TitleColumns of land_registry_data written by the importer.
var TitleColumns = buildTitleColumns()

func buildTitleColumns() []string {
	cols := []string{
		"title_number",
		"tenure",
		"property_address",
		"district",
		"county",
		"region",
		"postcode",
		"multiple_address_indicator",
		"additional_proprietor_indicator",
		"price_paid",
	}
	for i := 1; i <= model.ProprietorSlots; i++ {
		cols = append(cols,
			fmt.Sprintf("proprietor_%d_name", i),
			fmt.Sprintf("company_%d_reg_no", i),
			fmt.Sprintf("proprietorship_%d_category", i),
			fmt.Sprintf("country_%d_incorporated", i),
			fmt.Sprintf("proprietor_%d_address_1", i),
			fmt.Sprintf("proprietor_%d_address_2", i),
			fmt.Sprintf("proprietor_%d_address_3", i),
		)
	}
	return append(cols,
		"date_proprietor_added",
		"change_indicator",
		"change_date",
		"dataset_type",
		"update_type",
		"file_month",
		"source_filename",
	)
}

var titleUpsert = db.UpsertConfig{
	Table:        etl.TableTitles,
	Columns:      TitleColumns,
	ConflictKeys: []string{"title_number", "file_month"},
	TouchCols:    []string{"updated_at"},
}

const (
	hdrTitleNumber     = "Title Number"
	hdrChangeIndicator = "Change Indicator"

	importedFilesSQL = "SELECT DISTINCT source_filename FROM land_registry_data WHERE source_filename IS NOT NULL"
)

// Titles imports CCOD/OCOD snapshot files into land_registry_data. Each
// file becomes one snapshot month; rows are upserted on
// (title_number, file_month) so history from earlier months is kept.
type Titles struct {
	pool    db.Pool
	opts    Options
	metrics *metrics.Metrics
}

// NewTitles creates a Titles importer. m may be nil.
func NewTitles(pool db.Pool, opts Options, m *metrics.Metrics) *Titles {
	return &Titles{pool: pool, opts: opts, metrics: m}
}

// ImportPaths imports every snapshot named by paths. Directories are
// expanded to their .csv and .zip files. Files already recorded as a
// source_filename are skipped unless force is set.
func (t *Titles) ImportPaths(ctx context.Context, paths []string, force bool) ([]*FileResult, error) {
	if err := db.RequireTables(ctx, t.pool, etl.TableTitles); err != nil {
		return nil, err
	}
	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}

	imported, err := t.importedFiles(ctx)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "ingest.titles"))
	log.Info("snapshot files found", zap.Int("files", len(files)), zap.Int("already_imported", len(imported)))

	var results []*FileResult
	for _, path := range files {
		name := filepath.Base(path)
		info, err := ParseFilename(name)
		if err != nil {
			log.Warn("skipping file with unrecognised name", zap.String("file", name))
			continue
		}
		if imported[name] && !force {
			log.Info("skipping already imported file", zap.String("file", name))
			results = append(results, &FileResult{File: name, Skipped: true})
			continue
		}
		res, err := t.importFile(ctx, path, info)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, eris.Wrapf(err, "ingest: import %s", name)
		}
	}
	return results, nil
}

func (t *Titles) importedFiles(ctx context.Context) (map[string]bool, error) {
	rows, err := t.pool.Query(ctx, importedFilesSQL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list imported files")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "ingest: scan imported file")
		}
		out[name] = true
	}
	return out, eris.Wrap(rows.Err(), "ingest: iterate imported files")
}

func (t *Titles) importFile(ctx context.Context, path string, info FileInfo) (*FileResult, error) {
	name := filepath.Base(path)
	log := zap.L().With(
		zap.String("component", "ingest.titles"),
		zap.String("file", name),
		zap.String("dataset", string(info.Dataset)),
		zap.String("update", string(info.Update)),
		zap.String("month", info.Month.Format("2006-01")),
	)
	start := time.Now()

	rc, err := OpenCSV(path, t.opts.Encoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	tbl, err := newTable(rc)
	if err != nil {
		return nil, err
	}
	if err := tbl.require(hdrTitleNumber, "Proprietor Name (1)"); err != nil {
		return nil, err
	}

	res := &FileResult{File: name}
	trunc := make(truncations)
	b := newBatcher(t.pool, titleUpsert, t.opts, TitlesStage, t.metrics)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := tbl.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		res.Rows++

		// Change-only files mark removed titles with D; the removal shows
		// up as the title's absence from later full snapshots instead.
		if info.Update == model.UpdateCOU && strings.EqualFold(clean(tbl.get(rec, hdrChangeIndicator)), "D") {
			res.Deletions++
			continue
		}

		title, row := titleRow(tbl, rec, info, name, trunc)
		if title == "" {
			res.Dropped++
			continue
		}
		if err := b.add(ctx, title, row); err != nil {
			return res, err
		}
		if res.Rows%250000 == 0 {
			log.Info("import progress", zap.Int64("rows", res.Rows))
		}
	}
	if err := b.flush(ctx); err != nil {
		return res, err
	}

	res.Written = b.written
	res.Malformed = tbl.malformed
	res.Duration = time.Since(start)
	if len(trunc) > 0 {
		res.Truncated = trunc
		log.Warn("values truncated to column width", zap.Any("columns", map[string]int64(trunc)), zap.Int64("total", trunc.total()))
	}
	log.Info("snapshot imported",
		zap.Int64("rows", res.Rows),
		zap.Int64("written", res.Written),
		zap.Int64("deletions_skipped", res.Deletions),
		zap.Int64("dropped", res.Dropped),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

// titleRow maps one CSV record to TitleColumns.
func titleRow(tbl *table, rec []string, info FileInfo, source string, trunc truncations) (string, []any) {
	titleVal := trunc.fit("title_number", tbl.get(rec, hdrTitleNumber), 50)
	if titleVal == nil {
		return "", nil
	}
	title := titleVal.(string)

	row := make([]any, 0, len(TitleColumns))
	row = append(row,
		title,
		trunc.fit("tenure", tbl.get(rec, "Tenure"), 50),
		trunc.fit("property_address", tbl.get(rec, "Property Address"), 0),
		trunc.fit("district", tbl.get(rec, "District"), 0),
		trunc.fit("county", tbl.get(rec, "County"), 0),
		trunc.fit("region", tbl.get(rec, "Region"), 0),
		trunc.fit("postcode", tbl.get(rec, "Postcode"), 20),
		trunc.fit("multiple_address_indicator", tbl.get(rec, "Multiple Address Indicator"), 1),
		trunc.fit("additional_proprietor_indicator", tbl.get(rec, "Additional Proprietor Indicator"), 1),
		parseInt64(tbl.get(rec, "Price Paid")),
	)
	for i := 1; i <= model.ProprietorSlots; i++ {
		row = append(row,
			trunc.fit(fmt.Sprintf("proprietor_%d_name", i), tbl.get(rec, fmt.Sprintf("Proprietor Name (%d)", i)), 0),
			trunc.fit(fmt.Sprintf("company_%d_reg_no", i), tbl.get(rec, fmt.Sprintf("Company Registration No. (%d)", i)), 50),
			trunc.fit(fmt.Sprintf("proprietorship_%d_category", i), tbl.get(rec, fmt.Sprintf("Proprietorship Category (%d)", i)), 100),
			trunc.fit(fmt.Sprintf("country_%d_incorporated", i), tbl.get(rec, fmt.Sprintf("Country Incorporated (%d)", i)), 0),
			trunc.fit(fmt.Sprintf("proprietor_%d_address_1", i), tbl.get(rec, fmt.Sprintf("Proprietor (%d) Address (1)", i)), 0),
			trunc.fit(fmt.Sprintf("proprietor_%d_address_2", i), tbl.get(rec, fmt.Sprintf("Proprietor (%d) Address (2)", i)), 0),
			trunc.fit(fmt.Sprintf("proprietor_%d_address_3", i), tbl.get(rec, fmt.Sprintf("Proprietor (%d) Address (3)", i)), 0),
		)
	}
	row = append(row,
		parseDate(tbl.get(rec, "Date Proprietor Added")),
		trunc.fit("change_indicator", tbl.get(rec, hdrChangeIndicator), 1),
		parseDate(tbl.get(rec, "Change Date")),
		string(info.Dataset),
		string(info.Update),
		info.Month,
		source,
	)
	return title, row
}

// expandPaths resolves directories to their snapshot files, sorted by
// file name.
func expandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: stat %s", p)
		}
		if !st.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read dir %s", p)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".csv" && ext != ".zip") {
				continue
			}
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return filepath.Base(out[i]) < filepath.Base(out[j])
	})
	return out, nil
}
