package history

import (
	"context"

	"github.com/insideestates/estates-etl/internal/db"
	"github.com/insideestates/estates-etl/internal/model"
	"github.com/rotisserie/eris"
)

// Report is the post-rebuild validation of ownership_history.
type Report struct {
	// PreviousWithoutEnd counts Previous episodes with neither an end date
	// nor an inferred disposal. It should be 0.
	PreviousWithoutEnd int64 `json:"previous_without_end" yaml:"previous_without_end"`
	// AdjacencyBreaks counts consecutive episodes of a title whose end
	// date differs from the next start date. It should be 0.
	AdjacencyBreaks int64            `json:"adjacency_breaks" yaml:"adjacency_breaks"`
	Inferred        int64            `json:"inferred_disposals" yaml:"inferred_disposals"`
	Statuses        map[string]int64 `json:"statuses" yaml:"statuses"`
}

// Clean reports whether both invariants hold.
func (r *Report) Clean() bool {
	return r.PreviousWithoutEnd == 0 && r.AdjacencyBreaks == 0
}

// Validate runs the invariant checks against the stored episodes.
func Validate(ctx context.Context, q db.Querier) (*Report, error) {
	r := &Report{Statuses: make(map[string]int64)}

	if err := q.QueryRow(ctx, previousWithoutEndSQL).Scan(&r.PreviousWithoutEnd); err != nil {
		return nil, eris.Wrap(err, "history: count previous without end")
	}
	if err := q.QueryRow(ctx, adjacencySQL).Scan(&r.AdjacencyBreaks); err != nil {
		return nil, eris.Wrap(err, "history: count adjacency breaks")
	}
	if err := q.QueryRow(ctx, inferredSQL).Scan(&r.Inferred); err != nil {
		return nil, eris.Wrap(err, "history: count inferred disposals")
	}

	rows, err := q.Query(ctx, statusSQL)
	if err != nil {
		return nil, eris.Wrap(err, "history: status distribution")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "history: scan status count")
		}
		r.Statuses[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "history: iterate status counts")
	}
	return r, nil
}

// Check applies the same invariants to one title's episodes in memory.
// It returns the number of inconsistent episodes and adjacency breaks.
func Check(episodes []model.Episode) (inconsistent, breaks int) {
	for i := range episodes {
		if !episodes[i].Consistent() {
			inconsistent++
		}
		if i+1 < len(episodes) {
			end := episodes[i].End
			if end == nil || !end.Equal(episodes[i+1].Start) {
				breaks++
			}
		}
	}
	return inconsistent, breaks
}
