package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
)

// pageSQL selects the proprietor slots of the next page of records after a
// keyset cursor. %s is the mode predicate.
var pageSQL = buildPageSQL()

func buildPageSQL() string {
	cols := []string{"lr.id"}
	for i := 1; i <= model.ProprietorSlots; i++ {
		cols = append(cols,
			fmt.Sprintf("COALESCE(lr.proprietor_%d_name, '')", i),
			fmt.Sprintf("COALESCE(lr.company_%d_reg_no, '')", i),
			fmt.Sprintf("COALESCE(lr.proprietorship_%d_category, '')", i),
		)
	}
	return "SELECT " + strings.Join(cols, ", ") +
		" FROM land_registry_data lr WHERE lr.id > $1 AND %s ORDER BY lr.id LIMIT $2"
}

// fetchPage reads one page of records carrying only the fields resolution
// needs.
func fetchPage(ctx context.Context, q db.Querier, sql string, args []any) ([]model.TitleRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "match: query page")
	}
	defer rows.Close()

	var out []model.TitleRecord
	for rows.Next() {
		var rec model.TitleRecord
		dest := []any{&rec.ID}
		for i := range rec.Proprietors {
			p := &rec.Proprietors[i]
			dest = append(dest, &p.Name, &p.RegistrationNumber, &p.Category)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "match: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "match: iterate page")
}

// Columns of land_registry_ch_matches written for every result.
var Columns = buildColumns()

func buildColumns() []string {
	cols := []string{"id"}
	for i := 1; i <= model.ProprietorSlots; i++ {
		cols = append(cols,
			fmt.Sprintf("ch_matched_name_%d", i),
			fmt.Sprintf("ch_matched_number_%d", i),
			fmt.Sprintf("ch_match_type_%d", i),
			fmt.Sprintf("ch_match_confidence_%d", i),
		)
	}
	return cols
}

var upsertConfig = db.UpsertConfig{
	Table:        "land_registry_ch_matches",
	Columns:      Columns,
	ConflictKeys: []string{"id"},
	TouchCols:    []string{"updated_at"},
}

// resultRow lays out a result in Columns order. All four slots are always
// written so a re-run overwrites stale matches.
func resultRow(r model.MatchResult) []any {
	row := make([]any, 0, len(Columns))
	row = append(row, r.RecordID)
	for _, s := range r.Slots {
		if s.Empty() {
			row = append(row, nil, nil, nil, nil)
			continue
		}
		row = append(row, nullable(s.Name), nullable(s.Number), s.Tier.String(), s.Confidence)
	}
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// violationSQL counts stored results breaking the slot invariant: matched
// tiers without a name, or unmatched tiers carrying a name or number.
var violationSQL = buildViolationSQL()

func buildViolationSQL() string {
	var matched, unmatched []string
	for _, t := range model.Tiers {
		q := "'" + t.String() + "'"
		if t.Matched() {
			matched = append(matched, q)
		} else {
			unmatched = append(unmatched, q)
		}
	}
	in := strings.Join(matched, ", ")
	notIn := strings.Join(unmatched, ", ")

	conds := make([]string, 0, model.ProprietorSlots)
	for i := 1; i <= model.ProprietorSlots; i++ {
		conds = append(conds, fmt.Sprintf(
			"(ch_match_type_%[1]d IN (%[2]s) AND ch_matched_name_%[1]d IS NULL)"+
				" OR (ch_match_type_%[1]d IN (%[3]s) AND (ch_matched_name_%[1]d IS NOT NULL OR ch_matched_number_%[1]d IS NOT NULL))",
			i, in, notIn))
	}
	return "SELECT count(*) FROM land_registry_ch_matches WHERE " + strings.Join(conds, " OR ")
}

// CountViolations returns the number of stored results that break the slot
// invariant.
func CountViolations(ctx context.Context, q db.Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx, violationSQL).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "match: count slot violations")
	}
	return n, nil
}

// TierCounts returns stored slot counts per tier across all four slots.
func TierCounts(ctx context.Context, q db.Querier) (map[string]int64, error) {
	parts := make([]string, 0, model.ProprietorSlots)
	for i := 1; i <= model.ProprietorSlots; i++ {
		parts = append(parts, fmt.Sprintf(
			"SELECT ch_match_type_%d AS tier FROM land_registry_ch_matches WHERE ch_match_type_%d IS NOT NULL", i, i))
	}
	sql := "SELECT tier, count(*) FROM (" + strings.Join(parts, " UNION ALL ") + ") s GROUP BY tier ORDER BY tier"

	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "match: tier counts")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, eris.Wrap(err, "match: scan tier count")
		}
		out[tier] = n
	}
	return out, eris.Wrap(rows.Err(), "match: iterate tier counts")
}
