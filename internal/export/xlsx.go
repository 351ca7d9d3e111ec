package export

import (
	"time"

	"github.com/insideestates/estates-etl/internal/etl/history"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// MaxXLSXRows is the worksheet row limit, header included.
const MaxXLSXRows = 1 << 20

// SheetName is the worksheet the episodes are written to.
const SheetName = "ownership_history"

// XLSXWriter builds a workbook in memory and saves it on Close.
type XLSXWriter struct {
	path  string
	file  *xlsx.File
	sheet *xlsx.Sheet
	rows  int
}

// NewXLSXWriter creates a workbook with a header row.
func NewXLSXWriter(path string) (*XLSXWriter, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, col := range history.Columns {
		header.AddCell().SetString(col)
	}
	return &XLSXWriter{path: path, file: f, sheet: sheet, rows: 1}, nil
}

// Write implements Writer.
func (w *XLSXWriter) Write(rec *Record) error {
	if w.rows >= MaxXLSXRows {
		return eris.Errorf("export: more than %d episodes do not fit in a worksheet, use sqlite or --limit", MaxXLSXRows-1)
	}
	row := w.sheet.AddRow()
	for _, v := range rec.Values() {
		cell := row.AddCell()
		switch x := v.(type) {
		case nil:
		case string:
			cell.SetString(x)
		case int64:
			cell.SetInt64(x)
		case time.Time:
			cell.SetDate(x)
		}
	}
	w.rows++
	return nil
}

// Close saves the workbook.
func (w *XLSXWriter) Close() error {
	return eris.Wrapf(w.file.Save(w.path), "export: save %s", w.path)
}
