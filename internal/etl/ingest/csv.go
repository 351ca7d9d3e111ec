// Package ingest loads the Companies House register and the Land Registry
// corporate ownership snapshots from their published CSV files.
package ingest

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// OpenCSV opens a CSV file, or the first CSV entry of a zip archive, and
// decodes it from enc to UTF-8. A leading byte order mark is dropped.
func OpenCSV(path, enc string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		zr, err := openZIPEntry(path)
		if err != nil {
			return nil, err
		}
		rc = zr
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", filepath.Base(path))
		}
		rc = f
	}

	if enc == "" {
		enc = "utf-8"
	}
	e, err := htmlindex.Get(enc)
	if err != nil {
		rc.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "ingest: unsupported encoding %q", enc)
	}
	dec := unicode.BOMOverride(e.NewDecoder())
	return &decodedReader{Reader: transform.NewReader(rc, dec), closer: rc}, nil
}

type decodedReader struct {
	io.Reader
	closer io.Closer
}

func (d *decodedReader) Close() error { return d.closer.Close() }

type zipEntryReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntryReader) Close() error {
	err := z.ReadCloser.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func openZIPEntry(path string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open archive %s", filepath.Base(path))
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			zr.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "ingest: open %s in %s", f.Name, filepath.Base(path))
		}
		return &zipEntryReader{ReadCloser: rc, archive: zr}, nil
	}
	zr.Close() //nolint:errcheck
	return nil, eris.Errorf("ingest: no CSV entry in %s", filepath.Base(path))
}

// table reads a CSV with a header row and resolves columns by name.
// Header names are matched case-insensitively after trimming, since the
// Companies House file pads most of them with a leading space.
type table struct {
	r    *csv.Reader
	cols map[string]int
	// malformed counts rows the CSV reader rejected.
	malformed int64
}

func newTable(r io.Reader) (*table, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("ingest: empty file")
		}
		return nil, eris.Wrap(err, "ingest: read header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[headerKey(h)] = i
	}
	return &table{r: cr, cols: cols}, nil
}

func headerKey(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// next returns the next well-formed record, or io.EOF.
func (t *table) next() ([]string, error) {
	for {
		rec, err := t.r.Read()
		if err == nil {
			return rec, nil
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			t.malformed++
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, eris.Wrap(err, "ingest: read row")
	}
}

func (t *table) has(name string) bool {
	_, ok := t.cols[headerKey(name)]
	return ok
}

// get returns the named field, or "" when the column or field is absent.
func (t *table) get(rec []string, name string) string {
	i, ok := t.cols[headerKey(name)]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// require fails when any named column is missing from the header.
func (t *table) require(names ...string) error {
	var missing []string
	for _, n := range names {
		if !t.has(n) {
			missing = append(missing, strings.TrimSpace(n))
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("ingest: missing columns %s", strings.Join(missing, ", "))
	}
	return nil
}
