package ingest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl"
	"github.com/insideestates/estates-etl/internal/metrics"
	"github.com/insideestates/estates-etl/internal/model"
	"go.uber.org/zap"
)

// CompaniesStage is the stage name of the Companies House import.
const CompaniesStage = "ch_import"

// CompanyColumns of companies_house_data written by the importer.
var CompanyColumns = buildCompanyColumns()

func buildCompanyColumns() []string {
	cols := []string{
		"company_number",
		"company_name",
		"company_status",
		"company_category",
		"country_of_origin",
		"incorporation_date",
		"dissolution_date",
		"reg_address_postcode",
	}
	for i := 1; i <= model.MaxPreviousNames; i++ {
		cols = append(cols, fmt.Sprintf("previous_name_%d_date", i), fmt.Sprintf("previous_name_%d_name", i))
	}
	return cols
}

var companyUpsert = db.UpsertConfig{
	Table:        etl.TableCompanies,
	Columns:      CompanyColumns,
	ConflictKeys: []string{"company_number"},
	TouchCols:    []string{"imported_at"},
}

// BasicCompanyData header names.
const (
	hdrCompanyNumber = "CompanyNumber"
	hdrCompanyName   = "CompanyName"
)

// Companies imports a BasicCompanyData extract into companies_house_data.
// Re-importing updates existing companies and never deletes any.
type Companies struct {
	pool    db.Pool
	opts    Options
	metrics *metrics.Metrics
}

// NewCompanies creates a Companies importer. m may be nil.
func NewCompanies(pool db.Pool, opts Options, m *metrics.Metrics) *Companies {
	return &Companies{pool: pool, opts: opts, metrics: m}
}

// Import upserts every company in path, which may be a CSV or a zip
// holding one.
func (c *Companies) Import(ctx context.Context, path string) (*FileResult, error) {
	if err := db.RequireTables(ctx, c.pool, etl.TableCompanies); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "ingest.companies"), zap.String("file", filepath.Base(path)))
	start := time.Now()

	rc, err := OpenCSV(path, c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	t, err := newTable(rc)
	if err != nil {
		return nil, err
	}
	if err := t.require(hdrCompanyNumber, hdrCompanyName); err != nil {
		return nil, err
	}

	res := &FileResult{File: filepath.Base(path)}
	trunc := make(truncations)
	b := newBatcher(c.pool, companyUpsert, c.opts, CompaniesStage, c.metrics)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := t.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		res.Rows++

		number, row := companyRow(t, rec, trunc)
		if number == "" {
			res.Dropped++
			continue
		}
		if err := b.add(ctx, number, row); err != nil {
			return res, err
		}
		if res.Rows%500000 == 0 {
			log.Info("import progress", zap.Int64("rows", res.Rows))
		}
	}
	if err := b.flush(ctx); err != nil {
		return res, err
	}

	res.Written = b.written
	res.Malformed = t.malformed
	res.Duration = time.Since(start)
	if len(trunc) > 0 {
		res.Truncated = trunc
		log.Warn("values truncated to column width", zap.Any("columns", map[string]int64(trunc)), zap.Int64("total", trunc.total()))
	}
	log.Info("companies imported",
		zap.Int64("rows", res.Rows),
		zap.Int64("written", res.Written),
		zap.Int64("dropped", res.Dropped),
		zap.Int64("malformed", res.Malformed),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

// companyRow maps one CSV record to CompanyColumns. It returns an empty
// number for rows that cannot be keyed.
func companyRow(t *table, rec []string, trunc truncations) (string, []any) {
	numberVal := trunc.fit("company_number", t.get(rec, hdrCompanyNumber), 20)
	if numberVal == nil {
		return "", nil
	}
	number := numberVal.(string)

	row := make([]any, 0, len(CompanyColumns))
	row = append(row,
		number,
		trunc.fit("company_name", t.get(rec, hdrCompanyName), 0),
		trunc.fit("company_status", t.get(rec, "CompanyStatus"), 0),
		trunc.fit("company_category", t.get(rec, "CompanyCategory"), 0),
		trunc.fit("country_of_origin", t.get(rec, "CountryOfOrigin"), 0),
		parseDate(t.get(rec, "IncorporationDate")),
		parseDate(t.get(rec, "DissolutionDate")),
		trunc.fit("reg_address_postcode", t.get(rec, "RegAddress.PostCode"), 20),
	)
	for i := 1; i <= model.MaxPreviousNames; i++ {
		row = append(row,
			parseDate(t.get(rec, fmt.Sprintf("PreviousName_%d.CONDATE", i))),
			trunc.fit(fmt.Sprintf("previous_name_%d_name", i), t.get(rec, fmt.Sprintf("PreviousName_%d.CompanyName", i)), 0),
		)
	}
	return number, row
}
