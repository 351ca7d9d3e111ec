package ingest

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
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

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readAll(t *testing.T, path, enc string) string {
	t.Helper()
	rc, err := OpenCSV(path, enc)
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func testOptions() Options {
	return Options{
		BatchSize: 10,
		Retry:     resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	}
}

func TestParseFilename(t *testing.T) {
	info, err := ParseFilename("/data/CCOD_FULL_2024_10.csv")
	require.NoError(t, err)
	assert.Equal(t, model.DatasetCCOD, info.Dataset)
	assert.Equal(t, model.UpdateFull, info.Update)
	assert.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), info.Month)

	info, err = ParseFilename("OCOD_COU_2023_01.zip")
	require.NoError(t, err)
	assert.Equal(t, model.DatasetOCOD, info.Dataset)
	assert.Equal(t, model.UpdateCOU, info.Update)

	_, err = ParseFilename("BasicCompanyData-2024-10-01.csv")
	assert.Error(t, err)
	_, err = ParseFilename("CCOD_FULL_2024_13.csv")
	assert.Error(t, err)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "ACME HOLDINGS LIMITED", clean("  ACME   HOLDINGS\tLIMITED "))
	assert.Equal(t, "", clean("None"))
	assert.Equal(t, "", clean(" NONE "))
	assert.Equal(t, "NONESUCH LTD", clean("NONESUCH LTD"))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2019, 5, 17, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"17/05/2019", "2019-05-17", "17-05-2019", " 17/05/2019 "} {
		got := parseDate(in)
		require.NotNil(t, got, in)
		assert.Equal(t, want, *got, in)
	}
	assert.Nil(t, parseDate(""))
	assert.Nil(t, parseDate("None"))
	assert.Nil(t, parseDate("31/02/2019"))
	assert.Nil(t, parseDate("May 2019"))
}

func TestParseInt64(t *testing.T) {
	v := parseInt64("1,250,000")
	require.NotNil(t, v)
	assert.Equal(t, int64(1250000), *v)
	assert.Nil(t, parseInt64(""))
	assert.Nil(t, parseInt64("n/a"))
}

func TestTruncationsFit(t *testing.T) {
	tr := make(truncations)
	assert.Nil(t, tr.fit("postcode", "  ", 20))
	assert.Equal(t, "AB1 2CD", tr.fit("postcode", "AB1  2CD", 20))
	assert.Equal(t, "ABCDE", tr.fit("company_1_reg_no", "ABCDEFG", 5))
	assert.Equal(t, "ÉÉ", tr.fit("tenure", "ÉÉÉ", 2))
	assert.Equal(t, int64(1), tr["company_1_reg_no"])
	assert.Equal(t, int64(2), tr.total())
}

func TestOpenCSV_PlainAndBOM(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "a,b\n", readAll(t, writeFile(t, dir, "plain.csv", "a,b\n"), ""))
	assert.Equal(t, "a,b\n", readAll(t, writeFile(t, dir, "bom.csv", "\xEF\xBB\xBFa,b\n"), "utf-8"))
}

func TestOpenCSV_Latin1(t *testing.T) {
	path := writeFile(t, t.TempDir(), "latin.csv", "NAME\nCAF\xe9 LTD\n")
	assert.Equal(t, "NAME\nCAFé LTD\n", readAll(t, path, "windows-1252"))
}

func TestOpenCSV_UnknownEncoding(t *testing.T) {
	path := writeFile(t, t.TempDir(), "x.csv", "a\n")
	_, err := OpenCSV(path, "klingon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported encoding")
}

func TestOpenCSV_Zip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CCOD_FULL_2024_10.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("LICENCE.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("licence"))
	require.NoError(t, err)
	w, err = zw.Create("CCOD_FULL_2024_10.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("Title Number\nAB1\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	assert.Equal(t, "Title Number\nAB1\n", readAll(t, path, ""))
}

func TestTable_PaddedHeaders(t *testing.T) {
	tbl, err := newTable(strings.NewReader("CompanyName, CompanyNumber\nACME LTD,00000001\nSHORT ROW\n"))
	require.NoError(t, err)
	require.NoError(t, tbl.require("CompanyNumber", "companyname"))
	assert.Error(t, tbl.require("CompanyStatus"))

	rec, err := tbl.next()
	require.NoError(t, err)
	assert.Equal(t, "00000001", tbl.get(rec, "CompanyNumber"))

	rec, err = tbl.next()
	require.NoError(t, err)
	assert.Equal(t, "", tbl.get(rec, "CompanyNumber"))

	_, err = tbl.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTable_Empty(t *testing.T) {
	_, err := newTable(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
}

const companiesCSV = `CompanyName, CompanyNumber,RegAddress.PostCode,CompanyStatus,CompanyCategory,CountryOfOrigin,IncorporationDate,DissolutionDate,PreviousName_1.CONDATE, PreviousName_1.CompanyName
ACME LIMITED,00000001,AB1 2CD,Active,Private Limited Company,United Kingdom,01/02/2003,,None,None
"NEWCO  HOLDINGS LIMITED",00000002,,Active,Private Limited Company,United Kingdom,2010-05-06,,12-03-2015,OLDCO TRADING LIMITED
NO NUMBER LTD,,,,,,,,,
ACME LIMITED,00000001,AB1 2CD,Dissolved,Private Limited Company,United Kingdom,01/02/2003,05/06/2020,,
`

func TestCompanyRow(t *testing.T) {
	tbl, err := newTable(strings.NewReader(companiesCSV))
	require.NoError(t, err)
	tr := make(truncations)

	rec, err := tbl.next()
	require.NoError(t, err)
	number, row := companyRow(tbl, rec, tr)
	assert.Equal(t, "00000001", number)
	require.Len(t, row, len(CompanyColumns))
	assert.Equal(t, "ACME LIMITED", row[1])
	assert.Equal(t, "AB1 2CD", row[7])
	inc := row[5].(*time.Time)
	require.NotNil(t, inc)
	assert.Equal(t, time.Date(2003, 2, 1, 0, 0, 0, 0, time.UTC), *inc)
	assert.Nil(t, row[8].(*time.Time))
	assert.Nil(t, row[9])

	rec, err = tbl.next()
	require.NoError(t, err)
	_, row = companyRow(tbl, rec, tr)
	assert.Equal(t, "NEWCO HOLDINGS LIMITED", row[1])
	assert.Nil(t, row[7])
	assert.Equal(t, "OLDCO TRADING LIMITED", row[9])
	assert.Equal(t, time.Date(2015, 3, 12, 0, 0, 0, 0, time.UTC), *row[8].(*time.Time))

	rec, err = tbl.next()
	require.NoError(t, err)
	number, _ = companyRow(tbl, rec, tr)
	assert.Empty(t, number)
}

func expectUpsert(mock pgxmock.PgxPoolIface, table string, cols []string, n int64) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_" + table}, cols).WillReturnResult(n)
	mock.ExpectExec(`INSERT INTO "` + table + `"`).WillReturnResult(pgxmock.NewResult("INSERT", n))
	mock.ExpectCommit()
}

func TestCompanies_Import(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeFile(t, t.TempDir(), "BasicCompanyData.csv", companiesCSV)
	mock.ExpectQuery("to_regclass").WithArgs("companies_house_data").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	expectUpsert(mock, "companies_house_data", CompanyColumns, 2)

	res, err := NewCompanies(mock, testOptions(), nil).Import(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "BasicCompanyData.csv", res.File)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, int64(1), res.Dropped)
	assert.Equal(t, int64(2), res.Written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompanies_MissingColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeFile(t, t.TempDir(), "bad.csv", "Name,Number\nA,1\n")
	mock.ExpectQuery("to_regclass").WithArgs("companies_house_data").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err = NewCompanies(mock, testOptions(), nil).Import(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing columns CompanyNumber, CompanyName")
}

const titlesHeader = "Title Number,Tenure,Property Address,District,County,Region,Postcode,Multiple Address Indicator,Price Paid," +
	"Proprietor Name (1),Company Registration No. (1),Proprietorship Category (1),Country Incorporated (1)," +
	"Proprietor (1) Address (1),Proprietor (1) Address (2),Proprietor (1) Address (3)," +
	"Proprietor Name (2),Company Registration No. (2),Proprietorship Category (2)," +
	"Date Proprietor Added,Additional Proprietor Indicator,Change Indicator,Change Date\n"

func TestTitleRow(t *testing.T) {
	csv := titlesHeader +
		`AB123,Freehold,"1 HIGH STREET, LONDON",CAMDEN,GREATER LONDON,LONDON,NW1 1AA,N,"250,000",ACME LIMITED,845344,Limited Company or Public Limited Company,,1 ROAD,,,SECOND LTD,99,Limited Company or Public Limited Company,17-05-2019,Y,A,01-07-2024` + "\n"
	tbl, err := newTable(strings.NewReader(csv))
	require.NoError(t, err)
	rec, err := tbl.next()
	require.NoError(t, err)

	info := FileInfo{Dataset: model.DatasetCCOD, Update: model.UpdateCOU, Month: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)}
	title, row := titleRow(tbl, rec, info, "CCOD_COU_2024_07.csv", make(truncations))
	assert.Equal(t, "AB123", title)
	require.Len(t, row, len(TitleColumns))

	col := func(name string) any {
		for i, c := range TitleColumns {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return nil
	}
	assert.Equal(t, "1 HIGH STREET, LONDON", col("property_address"))
	assert.Equal(t, int64(250000), *col("price_paid").(*int64))
	assert.Equal(t, "ACME LIMITED", col("proprietor_1_name"))
	assert.Equal(t, "845344", col("company_1_reg_no"))
	assert.Nil(t, col("country_1_incorporated"))
	assert.Equal(t, "SECOND LTD", col("proprietor_2_name"))
	assert.Nil(t, col("proprietor_3_name"))
	assert.Equal(t, time.Date(2019, 5, 17, 0, 0, 0, 0, time.UTC), *col("date_proprietor_added").(*time.Time))
	assert.Equal(t, "Y", col("additional_proprietor_indicator"))
	assert.Equal(t, "CCOD", col("dataset_type"))
	assert.Equal(t, "COU", col("update_type"))
	assert.Equal(t, info.Month, col("file_month"))
	assert.Equal(t, "CCOD_COU_2024_07.csv", col("source_filename"))
}

func TestTitles_ImportPaths(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := t.TempDir()
	writeFile(t, dir, "CCOD_FULL_2024_06.csv", titlesHeader+"AB1,,,,,,,,,X LTD,,,,,,,,,,,,,\n")
	writeFile(t, dir, "CCOD_COU_2024_07.csv", titlesHeader+
		"AB1,,,,,,,,,Y LTD,,,,,,,,,,,,A,\n"+
		"AB2,,,,,,,,,Z LTD,,,,,,,,,,,,D,\n"+
		",,,,,,,,,NO TITLE LTD,,,,,,,,,,,,A,\n")
	writeFile(t, dir, "notes.csv", "x\n")
	writeFile(t, dir, "readme.txt", "x\n")

	mock.ExpectQuery("to_regclass").WithArgs("land_registry_data").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT DISTINCT source_filename").
		WillReturnRows(pgxmock.NewRows([]string{"source_filename"}).AddRow("CCOD_FULL_2024_06.csv"))
	expectUpsert(mock, "land_registry_data", TitleColumns, 1)

	results, err := NewTitles(mock, testOptions(), nil).ImportPaths(context.Background(), []string{dir}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	cou := results[0]
	assert.Equal(t, "CCOD_COU_2024_07.csv", cou.File)
	assert.Equal(t, int64(3), cou.Rows)
	assert.Equal(t, int64(1), cou.Deletions)
	assert.Equal(t, int64(1), cou.Dropped)
	assert.Equal(t, int64(1), cou.Written)

	assert.Equal(t, "CCOD_FULL_2024_06.csv", results[1].File)
	assert.True(t, results[1].Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTitles_ForceReimports(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeFile(t, t.TempDir(), "OCOD_FULL_2024_06.csv", titlesHeader+"AB1,,,,,,,,,X LTD,,,,,,,,,,,,,\n")

	mock.ExpectQuery("to_regclass").WithArgs("land_registry_data").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT DISTINCT source_filename").
		WillReturnRows(pgxmock.NewRows([]string{"source_filename"}).AddRow("OCOD_FULL_2024_06.csv"))
	expectUpsert(mock, "land_registry_data", TitleColumns, 1)

	results, err := NewTitles(mock, testOptions(), nil).ImportPaths(context.Background(), []string{path}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	assert.Equal(t, int64(1), results[0].Written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatcher_LastRowPerKeyWins(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := db.UpsertConfig{Table: "widgets", Columns: []string{"k", "v"}, ConflictKeys: []string{"k"}}
	opts := testOptions()
	opts.BatchSize = 2
	b := newBatcher(mock, cfg, opts, "test", nil)

	expectUpsert(mock, "widgets", cfg.Columns, 2)

	ctx := context.Background()
	require.NoError(t, b.add(ctx, "a", []any{"a", 1}))
	require.NoError(t, b.add(ctx, "a", []any{"a", 2}))
	require.Len(t, b.rows, 1)
	assert.Equal(t, []any{"a", 2}, b.rows[0])

	require.NoError(t, b.add(ctx, "b", []any{"b", 1}))
	assert.Empty(t, b.rows)
	assert.Empty(t, b.pos)
	assert.Equal(t, int64(2), b.written)

	require.NoError(t, b.flush(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
