package ingest

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// clean collapses internal whitespace and maps the "None" placeholder to
// the empty string.
func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

var dateLayouts = []string{"02/01/2006", "2006-01-02", "02-01-2006"}

// parseDate accepts dd/mm/yyyy, yyyy-mm-dd and dd-mm-yyyy. Anything else
// is treated as missing.
func parseDate(s string) *time.Time {
	s = clean(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func parseInt64(s string) *int64 {
	s = strings.ReplaceAll(clean(s), ",", "")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// truncations counts over-width values per column.
type truncations map[string]int64

// fit returns the cleaned value as a nullable column value, cut to width
// runes when width > 0.
func (t truncations) fit(col, s string, width int) any {
	s = clean(s)
	if s == "" {
		return nil
	}
	if width > 0 && utf8.RuneCountInString(s) > width {
		t[col]++
		s = string([]rune(s)[:width])
	}
	return s
}

func (t truncations) total() int64 {
	var n int64
	for _, v := range t {
		n += v
	}
	return n
}
