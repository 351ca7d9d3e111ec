// Package match resolves every proprietor slot of the land registry
// records against the Companies House index and persists the results.
package match

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Mode selects which land registry records a run resolves.
type Mode string

// Selection modes. They differ only in the WHERE clause of the page query.
const (
	ModeFull      Mode = "full"
	ModeNoMatch   Mode = "no_match"
	ModeMissing   Mode = "missing"
	ModeDateRange Mode = "date_range"
)

// Modes lists every selection mode.
var Modes = []Mode{ModeFull, ModeNoMatch, ModeMissing, ModeDateRange}

// ParseMode accepts a mode name with either '-' or '_' separators.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", eris.Errorf("match: unknown mode %q (want full, no_match, missing or date_range)", s)
}

// Options configures one matcher run.
type Options struct {
	Mode Mode
	// From and To bound file_month (inclusive) in ModeDateRange.
	From time.Time
	To   time.Time
	// Resume continues after the stored watermark for this mode.
	Resume bool
}

// Validate checks mode-specific requirements.
func (o Options) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if o.Mode == ModeDateRange {
		if o.From.IsZero() || o.To.IsZero() {
			return eris.New("match: date_range mode needs both from and to")
		}
		if o.To.Before(o.From) {
			return eris.Errorf("match: date range is reversed (%s > %s)", o.From.Format(time.DateOnly), o.To.Format(time.DateOnly))
		}
	}
	return nil
}

// predicate returns the mode's extra WHERE condition and its arguments,
// numbered from argOffset+1.
func (o Options) predicate(argOffset int) (string, []any) {
	switch o.Mode {
	case ModeNoMatch:
		return `EXISTS (SELECT 1 FROM land_registry_ch_matches m
			WHERE m.id = lr.id
			AND 'No_Match' IN (m.ch_match_type_1, m.ch_match_type_2, m.ch_match_type_3, m.ch_match_type_4))`, nil
	case ModeMissing:
		return "NOT EXISTS (SELECT 1 FROM land_registry_ch_matches m WHERE m.id = lr.id)", nil
	case ModeDateRange:
		return fmt.Sprintf("lr.file_month BETWEEN $%d AND $%d", argOffset+1, argOffset+2), []any{o.From, o.To}
	default:
		return "TRUE", nil
	}
}
