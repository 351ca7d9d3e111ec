package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/insideestates/estates-etl/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var obsCols = []string{
	"id", "title_number", "property_address", "price_paid",
	"p1", "p2", "p3", "p4",
	"date_proprietor_added", "dataset_type", "file_month", "source_filename",
}

func obsRow(id int64, title string, fileMonth time.Time, owner string) []any {
	return []any{
		id, title, "", (*int64)(nil),
		owner, "", "", "",
		(*time.Time)(nil), "CCOD", fileMonth, "CCOD_FULL_" + fileMonth.Format("2006_01") + ".csv",
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func expectTables(mock pgxmock.PgxPoolIface) {
	for _, tbl := range []string{"land_registry_data", "ownership_history", "etl_watermarks"} {
		mock.ExpectQuery("to_regclass").WithArgs(tbl).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	}
}

func expectLatest(mock pgxmock.PgxPoolIface, latest *time.Time) {
	mock.ExpectQuery(`MAX\(file_month\) FILTER \(WHERE update_type = 'FULL'\)`).WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(latest))
}

func expectValidation(mock pgxmock.PgxPoolIface, prevNoEnd, breaks, inferred int64, statuses map[string]int64) {
	mock.ExpectQuery("ownership_status = 'Previous' AND ownership_end_date IS NULL").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(prevNoEnd))
	mock.ExpectQuery(`LEAD\(ownership_start_date\)`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(breaks))
	mock.ExpectQuery("WHERE inferred_disposal_flag = 1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(inferred))
	rows := pgxmock.NewRows([]string{"ownership_status", "count"})
	for _, s := range []string{"Current", "Previous"} {
		if n, ok := statuses[s]; ok {
			rows.AddRow(s, n)
		}
	}
	mock.ExpectQuery("GROUP BY ownership_status").WillReturnRows(rows)
}

func TestColumnsMatchRowWidth(t *testing.T) {
	assert.Len(t, Columns, 24)
	ep := model.Episode{
		TitleNumber: "T1",
		Start:       month(2024, 1),
		Owners:      model.OwnerSet{"X LTD"},
		Buyer:       model.PrivateSaleCounterparty,
		Status:      model.StatusPrevious,
	}
	row := episodeRow(&ep)
	require.Len(t, row, len(Columns))

	idx := func(col string) int {
		for i, c := range Columns {
			if c == col {
				return i
			}
		}
		t.Fatalf("no column %s", col)
		return -1
	}
	assert.Equal(t, "T1", row[idx("title_number")])
	assert.Nil(t, row[idx("property_address")])
	assert.Equal(t, "X LTD", *(row[idx("owner_1")].(*string)))
	assert.Nil(t, row[idx("owner_2")].(*string))
	assert.Equal(t, model.PrivateSale, *(row[idx("buyer_1")].(*string)))
	assert.Nil(t, row[idx("seller_1")].(*string))
	assert.Equal(t, "Previous", row[idx("ownership_status")])
	assert.Equal(t, int16(0), row[idx("inferred_disposal_flag")])
}

func TestRebuilder_Run(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	latest := month(2024, 7)
	expectTables(mock)
	expectLatest(mock, &latest)
	mock.ExpectExec("TRUNCATE ownership_history").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectQuery("SELECT DISTINCT title_number").WithArgs("", 100).
		WillReturnRows(pgxmock.NewRows([]string{"title_number"}).AddRow("T1").AddRow("T2"))
	mock.ExpectQuery("SELECT DISTINCT title_number").WithArgs("T2", 100).
		WillReturnRows(pgxmock.NewRows([]string{"title_number"}))

	obs := pgxmock.NewRows(obsCols)
	id := int64(1)
	for m := month(2024, 1); !m.After(month(2024, 6)); m = m.AddDate(0, 1, 0) {
		obs.AddRow(obsRow(id, "T1", m, "X LTD")...)
		id++
	}
	for m := month(2024, 1); !m.After(month(2024, 7)); m = m.AddDate(0, 1, 0) {
		owner := "X LTD"
		if m.Month() >= time.April {
			owner = "Y LTD"
		}
		obs.AddRow(obsRow(id, "T2", m, owner)...)
		id++
	}
	mock.ExpectQuery("title_number = ANY").WithArgs([]string{"T1", "T2"}).WillReturnRows(obs)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"ownership_history"}, Columns).WillReturnResult(3)
	mock.ExpectExec("INSERT INTO etl_watermarks").
		WithArgs("history", pgxmock.AnyArg(), "T2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectExec("DELETE FROM etl_watermarks").WithArgs("history").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	expectValidation(mock, 0, 0, 1, map[string]int64{"Current": 1, "Previous": 2})

	r := NewRebuilder(mock, Config{ChunkSize: 100, Workers: 2, Retry: fastRetry()}, nil)
	stats, err := r.Run(context.Background(), Options{AsOf: month(2024, 10)})
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Titles)
	assert.Equal(t, int64(1), stats.Disappeared)
	assert.Equal(t, int64(3), stats.Episodes)
	assert.Equal(t, int64(2), stats.Statuses["Previous"])
	assert.Equal(t, int64(1), stats.Statuses["Current"])
	assert.Zero(t, stats.Inconsistent)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, latest, stats.LatestSnapshot)
	assert.NotEqual(t, uuid.Nil, stats.RunID)
	require.NotNil(t, stats.Validation)
	assert.True(t, stats.Validation.Clean())
	assert.Equal(t, int64(1), stats.Validation.Inferred)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuilder_LaterChangeOnlyRowCountsAsPresent(t *testing.T) {
	r := NewRebuilder(nil, Config{}, nil)
	full := observe("T1", 1, month(2024, 1), month(2024, 5), "X LTD")
	cou := observe("T2", 10, month(2024, 6), month(2024, 6), "Y LTD")
	cou[0].UpdateType = model.UpdateCOU
	cou[0].SourceFilename = "CCOD_COU_2024_06.csv"

	b := r.build([][]model.TitleRecord{full, cou}, month(2024, 5), month(2024, 10))
	assert.Equal(t, int64(2), b.tally.titles)
	assert.Zero(t, b.tally.disappeared)
	require.Len(t, b.episodes, 2)
	for _, ep := range b.episodes {
		assert.Equal(t, model.StatusCurrent, ep.Status, ep.TitleNumber)
		assert.False(t, ep.InferredDisposal, ep.TitleNumber)
	}
}

func TestLatestSnapshot_PrefersFullFiles(t *testing.T) {
	assert.Contains(t, latestSQL, "FILTER (WHERE update_type = 'FULL')")

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	want := month(2024, 5)
	expectLatest(mock, &want)
	got, err := LatestSnapshot(context.Background(), mock)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuilder_ResumeSkipsTruncate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	latest := month(2024, 7)
	expectTables(mock)
	expectLatest(mock, &latest)
	mock.ExpectQuery("SELECT run_id, position, updated_at FROM etl_watermarks").
		WithArgs("history").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "position", "updated_at"}).AddRow(uuid.New(), "T1", time.Now()))
	mock.ExpectExec("DELETE FROM ownership_history WHERE title_number > \\$1").WithArgs("T1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("SELECT DISTINCT title_number").WithArgs("T1", 50).
		WillReturnRows(pgxmock.NewRows([]string{"title_number"}))
	mock.ExpectExec("DELETE FROM etl_watermarks").WithArgs("history").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	expectValidation(mock, 0, 0, 0, nil)

	r := NewRebuilder(mock, Config{ChunkSize: 50, Retry: fastRetry()}, nil)
	stats, err := r.Run(context.Background(), Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, "T1", stats.ResumedAt)
	assert.Zero(t, stats.Chunks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuilder_EmptySource(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectTables(mock)
	expectLatest(mock, nil)

	r := NewRebuilder(mock, Config{Retry: fastRetry()}, nil)
	_, err = r.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import titles first")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidate_ReportsViolations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectValidation(mock, 2, 1, 5, map[string]int64{"Current": 10, "Previous": 7})

	report, err := Validate(context.Background(), mock)
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, int64(2), report.PreviousWithoutEnd)
	assert.Equal(t, int64(1), report.AdjacencyBreaks)
	assert.Equal(t, map[string]int64{"Current": 10, "Previous": 7}, report.Statuses)
	assert.NoError(t, mock.ExpectationsWereMet())
}
