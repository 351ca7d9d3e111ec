package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
)

// latestSQL prefers the newest full snapshot. Change-only files list just
// the titles that changed, so a title's absence from one proves nothing.
const latestSQL = `SELECT COALESCE(
		MAX(file_month) FILTER (WHERE update_type = 'FULL'),
		MAX(file_month))
	FROM land_registry_data`

// LatestSnapshot returns the file_month of the newest full snapshot, or of
// the newest file when only change-only files were imported. It is nil when
// nothing has been imported.
func LatestSnapshot(ctx context.Context, q db.Querier) (*time.Time, error) {
	var latest *time.Time
	if err := q.QueryRow(ctx, latestSQL).Scan(&latest); err != nil {
		return nil, eris.Wrap(err, "history: latest snapshot")
	}
	return latest, nil
}

// titlePageSQL pages distinct titles by keyset so a title never straddles
// two chunks.
const titlePageSQL = `SELECT DISTINCT title_number FROM land_registry_data
	WHERE title_number > $1
	ORDER BY title_number
	LIMIT $2`

func fetchTitles(ctx context.Context, q db.Querier, after string, limit int) ([]string, error) {
	rows, err := q.Query(ctx, titlePageSQL, after, limit)
	if err != nil {
		return nil, eris.Wrap(err, "history: query title page")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "history: scan title")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "history: iterate title page")
}

var observationSQL = buildObservationSQL()

func buildObservationSQL() string {
	cols := []string{
		"id",
		"title_number",
		"COALESCE(property_address, '')",
		"price_paid",
	}
	for i := 1; i <= model.ProprietorSlots; i++ {
		cols = append(cols, fmt.Sprintf("COALESCE(proprietor_%d_name, '')", i))
	}
	cols = append(cols,
		"date_proprietor_added",
		"COALESCE(dataset_type, '')",
		"file_month",
		"COALESCE(source_filename, '')",
	)
	return "SELECT " + strings.Join(cols, ", ") +
		" FROM land_registry_data WHERE title_number = ANY($1) ORDER BY title_number, file_month, id"
}

// fetchObservations loads every snapshot row of the given titles, grouped
// by title in the order the titles were requested.
func fetchObservations(ctx context.Context, q db.Querier, titles []string) ([][]model.TitleRecord, error) {
	rows, err := q.Query(ctx, observationSQL, titles)
	if err != nil {
		return nil, eris.Wrap(err, "history: query observations")
	}
	defer rows.Close()

	byTitle := make(map[string][]model.TitleRecord, len(titles))
	for rows.Next() {
		var rec model.TitleRecord
		var dataset string
		dest := []any{&rec.ID, &rec.TitleNumber, &rec.PropertyAddress, &rec.PricePaid}
		for i := range rec.Proprietors {
			dest = append(dest, &rec.Proprietors[i].Name)
		}
		dest = append(dest, &rec.DateProprietorAdded, &dataset, &rec.FileMonth, &rec.SourceFilename)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "history: scan observation")
		}
		rec.DatasetType = model.DatasetType(dataset)
		byTitle[rec.TitleNumber] = append(byTitle[rec.TitleNumber], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "history: iterate observations")
	}

	out := make([][]model.TitleRecord, len(titles))
	for i, t := range titles {
		out[i] = byTitle[t]
	}
	return out, nil
}

// Columns of ownership_history written for every episode.
var Columns = buildColumns()

func buildColumns() []string {
	cols := []string{"title_number", "property_address", "ownership_start_date", "ownership_end_date"}
	for _, prefix := range []string{"owner", "seller", "buyer"} {
		for i := 1; i <= model.ProprietorSlots; i++ {
			cols = append(cols, fmt.Sprintf("%s_%d", prefix, i))
		}
	}
	return append(cols,
		"price_at_acquisition",
		"price_at_disposal",
		"ownership_status",
		"ownership_duration_days",
		"source",
		"ownership_type",
		"inferred_disposal_flag",
		"disposal_from_company",
	)
}

// episodeRow lays out an episode in Columns order.
func episodeRow(ep *model.Episode) []any {
	row := make([]any, 0, len(Columns))
	row = append(row, ep.TitleNumber, nullable(ep.PropertyAddress), ep.Start, ep.End)
	for _, n := range model.OwnersCounterparty(ep.Owners).Slots() {
		row = append(row, n)
	}
	for _, n := range ep.Seller.Slots() {
		row = append(row, n)
	}
	for _, n := range ep.Buyer.Slots() {
		row = append(row, n)
	}
	var duration *int32
	if ep.DurationDays != nil {
		d := int32(*ep.DurationDays)
		duration = &d
	}
	return append(row,
		ep.PriceAtAcquisition,
		ep.PriceAtDisposal,
		string(ep.Status),
		duration,
		nullable(ep.Source),
		ep.OwnershipType,
		flag(ep.InferredDisposal),
		flag(ep.DisposalFromCompany),
	)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func flag(b bool) int16 {
	if b {
		return 1
	}
	return 0
}

const (
	truncateSQL    = "TRUNCATE ownership_history RESTART IDENTITY"
	deleteAfterSQL = "DELETE FROM ownership_history WHERE title_number > $1"

	previousWithoutEndSQL = `SELECT count(*) FROM ownership_history
	WHERE ownership_status = 'Previous' AND ownership_end_date IS NULL AND inferred_disposal_flag = 0`

	adjacencySQL = `SELECT count(*) FROM (
		SELECT ownership_end_date,
			LEAD(ownership_start_date) OVER (PARTITION BY title_number ORDER BY ownership_start_date, id) AS next_start
		FROM ownership_history
	) s WHERE next_start IS NOT NULL AND ownership_end_date IS DISTINCT FROM next_start`

	statusSQL = `SELECT ownership_status, count(*) FROM ownership_history
	GROUP BY ownership_status ORDER BY ownership_status`

	inferredSQL = "SELECT count(*) FROM ownership_history WHERE inferred_disposal_flag = 1"
)
