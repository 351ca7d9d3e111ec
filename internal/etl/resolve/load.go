package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// indexQuery scans the register in company-number order; the order is the
// first-writer-wins tie-break for every lookup.
var indexQuery = buildIndexQuery()

func buildIndexQuery() string {
	cols := []string{"company_number", "COALESCE(company_name, '')", "COALESCE(company_status, '')"}
	for i := 1; i <= model.MaxPreviousNames; i++ {
		cols = append(cols, fmt.Sprintf("COALESCE(previous_name_%d_name, '')", i))
	}
	return "SELECT " + strings.Join(cols, ", ") +
		" FROM companies_house_data WHERE company_number IS NOT NULL ORDER BY company_number"
}

// LoadIndex reads the whole Companies House table into a new Index.
func LoadIndex(ctx context.Context, q db.Querier) (*Index, error) {
	log := zap.L().With(zap.String("component", "resolve.index"))
	start := time.Now()

	var total int
	if err := q.QueryRow(ctx, "SELECT count(*) FROM companies_house_data").Scan(&total); err != nil {
		return nil, eris.Wrap(err, "resolve: count companies")
	}

	rows, err := q.Query(ctx, indexQuery)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: query companies")
	}
	defer rows.Close()

	b := NewIndexBuilder(total)
	prev := make([]string, model.MaxPreviousNames)
	dest := make([]any, 0, 3+model.MaxPreviousNames)
	for rows.Next() {
		var c model.Company
		dest = append(dest[:0], &c.Number, &c.Name, &c.Status)
		for i := range prev {
			dest = append(dest, &prev[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "resolve: scan company")
		}
		for _, p := range prev {
			if p != "" {
				c.PreviousNames = append(c.PreviousNames, model.PreviousName{Name: p})
			}
		}
		b.Add(c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "resolve: iterate companies")
	}

	idx := b.Build()
	st := idx.Stats()
	log.Info("reference index built",
		zap.Int("entities", st.Entities),
		zap.Int("numbers", st.Numbers),
		zap.Int("current_names", st.CurrentNames),
		zap.Int("historical_names", st.HistoricalNames),
		zap.Int("shared_names", st.SharedNames),
		zap.Int("shadowed_historical", st.ShadowedHistorical),
		zap.Int("duplicate_numbers", st.DuplicateNumbers),
		zap.Duration("elapsed", time.Since(start)),
	)
	return idx, nil
}
