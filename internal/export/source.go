// Package export copies ownership episodes out of Postgres into files for
// offline analysis: a SQLite database or an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/etl/history"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
)

// Filter narrows the exported episodes.
type Filter struct {
	// Status keeps only Current or Previous episodes when set.
	Status model.EpisodeStatus
	// Titles keeps only these title numbers when non-empty.
	Titles []string
	// Limit caps the number of rows. Zero means no cap.
	Limit int
}

// Record is one ownership_history row as read back from the store.
type Record struct {
	TitleNumber         string
	PropertyAddress     *string
	Start               time.Time
	End                 *time.Time
	Owners              [model.ProprietorSlots]*string
	Sellers             [model.ProprietorSlots]*string
	Buyers              [model.ProprietorSlots]*string
	PriceAtAcquisition  *int64
	PriceAtDisposal     *int64
	Status              string
	DurationDays        *int32
	Source              *string
	OwnershipType       *string
	InferredDisposal    int16
	DisposalFromCompany int16
}

// dest returns scan targets in history.Columns order.
func (r *Record) dest() []any {
	d := []any{&r.TitleNumber, &r.PropertyAddress, &r.Start, &r.End}
	for _, slots := range []*[model.ProprietorSlots]*string{&r.Owners, &r.Sellers, &r.Buyers} {
		for i := range slots {
			d = append(d, &slots[i])
		}
	}
	return append(d,
		&r.PriceAtAcquisition, &r.PriceAtDisposal, &r.Status, &r.DurationDays,
		&r.Source, &r.OwnershipType, &r.InferredDisposal, &r.DisposalFromCompany,
	)
}

// Values returns the record in history.Columns order. NULLs are nil and
// dates are time.Time.
func (r *Record) Values() []any {
	v := []any{r.TitleNumber, str(r.PropertyAddress), r.Start, date(r.End)}
	for _, slots := range [][model.ProprietorSlots]*string{r.Owners, r.Sellers, r.Buyers} {
		for _, s := range slots {
			v = append(v, str(s))
		}
	}
	var duration any
	if r.DurationDays != nil {
		duration = int64(*r.DurationDays)
	}
	return append(v,
		i64(r.PriceAtAcquisition), i64(r.PriceAtDisposal), r.Status, duration,
		str(r.Source), str(r.OwnershipType), int64(r.InferredDisposal), int64(r.DisposalFromCompany),
	)
}

func str(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func date(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func i64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func selectSQL(f Filter) (string, []any) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("ownership_status = $%d", len(args)))
	}
	if len(f.Titles) > 0 {
		args = append(args, f.Titles)
		where = append(where, fmt.Sprintf("title_number = ANY($%d)", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(history.Columns, ", "))
	b.WriteString(" FROM ownership_history")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY title_number, ownership_start_date, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// Stream calls fn for every episode matching f, in title and start order.
// The record is reused between calls.
func Stream(ctx context.Context, q db.Querier, f Filter, fn func(*Record) error) (int64, error) {
	sql, args := selectSQL(f)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrap(err, "export: query ownership_history")
	}
	defer rows.Close()

	var rec Record
	dest := rec.dest()
	var n int64
	for rows.Next() {
		rec = Record{}
		if err := rows.Scan(dest...); err != nil {
			return n, eris.Wrap(err, "export: scan episode")
		}
		if err := fn(&rec); err != nil {
			return n, err
		}
		n++
	}
	return n, eris.Wrap(rows.Err(), "export: iterate episodes")
}
