// Package history rebuilds ownership_history: one row per continuous
// ownership interval of a title, reconstructed from every monthly snapshot
// the title appears in.
package history

import (
	"sort"
	"time"

	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
)

// Scope decides which episodes of a disappeared title carry the
// disposal_from_company flag.
type Scope string

const (
	// ScopeTitle flags every episode of a title missing from the latest
	// snapshot.
	ScopeTitle Scope = "title"
	// ScopeTerminal flags only the episode that ended with the title
	// leaving the snapshot.
	ScopeTerminal Scope = "terminal"
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeTitle, ScopeTerminal:
		return Scope(s), nil
	case "":
		return ScopeTitle, nil
	default:
		return "", eris.Errorf("history: unknown disposal flag scope %q (want title or terminal)", s)
	}
}

// Context carries the snapshot-wide facts a title's episodes depend on.
type Context struct {
	// LatestSnapshot is the file_month of the newest full snapshot.
	LatestSnapshot time.Time
	// InLatest reports whether the title appears in LatestSnapshot or in a
	// later change-only file.
	InLatest bool
	// AsOf bounds the duration of Current episodes. Zero means today.
	AsOf  time.Time
	Scope Scope
}

type candidate struct {
	rec    *model.TitleRecord
	owners model.OwnerSet
	start  time.Time
}

// dedupKey groups rows describing the same episode: rows sharing an
// explicit added date, or undated rows sharing an owner tuple.
func dedupKey(rec *model.TitleRecord, owners model.OwnerSet) string {
	if rec.DateProprietorAdded != nil {
		return "DATED_" + dateOf(*rec.DateProprietorAdded).Format(time.DateOnly)
	}
	return "FIRST_APPEAR_" + owners.Key()
}

// Build reconstructs the episodes of one title from all of its snapshot
// rows. Rows without a primary proprietor are ignored; a title with no
// usable rows yields no episodes.
func Build(records []model.TitleRecord, c Context) []model.Episode {
	kept := make([]*model.TitleRecord, 0, len(records))
	firstSeen := make(map[string]time.Time)
	for i := range records {
		rec := &records[i]
		if !rec.Proprietors[0].Occupied() {
			continue
		}
		kept = append(kept, rec)
		key := rec.Owners().Key()
		month := dateOf(rec.FileMonth)
		if seen, ok := firstSeen[key]; !ok || month.Before(seen) {
			firstSeen[key] = month
		}
	}
	if len(kept) == 0 {
		return nil
	}

	// The latest snapshot month wins among duplicates.
	best := make(map[string]*candidate, len(kept))
	for _, rec := range kept {
		owners := rec.Owners()
		start := firstSeen[owners.Key()]
		if rec.DateProprietorAdded != nil {
			start = dateOf(*rec.DateProprietorAdded)
		}
		key := dedupKey(rec, owners)
		cur, ok := best[key]
		if ok && !newer(rec, cur.rec) {
			continue
		}
		best[key] = &candidate{rec: rec, owners: owners, start: start}
	}

	seq := make([]*candidate, 0, len(best))
	for _, cand := range best {
		seq = append(seq, cand)
	}
	sort.Slice(seq, func(i, j int) bool {
		a, b := seq[i], seq[j]
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		if !a.rec.FileMonth.Equal(b.rec.FileMonth) {
			return a.rec.FileMonth.Before(b.rec.FileMonth)
		}
		return a.rec.ID < b.rec.ID
	})

	asOf := c.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	asOf = dateOf(asOf)
	latest := dateOf(c.LatestSnapshot)
	disappeared := !c.InLatest

	episodes := make([]model.Episode, len(seq))
	for i, cand := range seq {
		rec := cand.rec
		ep := model.Episode{
			TitleNumber:        rec.TitleNumber,
			PropertyAddress:    rec.PropertyAddress,
			Start:              cand.start,
			Owners:             cand.owners,
			PriceAtAcquisition: rec.PricePaid,
			OwnershipType:      model.OwnershipTypeFor(rec.DatasetType),
			Source:             rec.SourceFilename,
			Status:             model.StatusCurrent,
		}
		if i > 0 {
			ep.Seller = model.OwnersCounterparty(seq[i-1].owners)
		}

		terminal := i == len(seq)-1
		switch {
		case !terminal:
			next := seq[i+1]
			end := next.start
			ep.End = &end
			ep.PriceAtDisposal = next.rec.PricePaid
			if next.owners != cand.owners {
				ep.Buyer = model.OwnersCounterparty(next.owners)
			}
		case disappeared:
			end := latest
			ep.End = &end
			ep.Buyer = model.PrivateSaleCounterparty
		}

		if ep.End != nil {
			ep.Status = model.StatusPrevious
		}
		until := asOf
		if ep.End != nil {
			until = *ep.End
		}
		days := daysBetween(ep.Start, until)
		ep.DurationDays = &days

		ep.InferredDisposal = (terminal && disappeared) || ep.Buyer.Kind == model.CounterpartyPrivateSale
		if disappeared {
			ep.DisposalFromCompany = c.Scope != ScopeTerminal || terminal
		}
		episodes[i] = ep
	}
	return episodes
}

func newer(a, b *model.TitleRecord) bool {
	if !a.FileMonth.Equal(b.FileMonth) {
		return a.FileMonth.After(b.FileMonth)
	}
	return a.ID > b.ID
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(dateOf(to).Sub(dateOf(from)).Hours() / 24)
}
