// Package resolve matches Land Registry proprietors to Companies House
// entities through a tiered lookup against an in-memory reference index.
package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are the trailing legal-form tokens removed from names,
// longest first so that "LTD." wins over "LTD" at the same position.
var legalSuffixes = []string{
	"LIMITED LIABILITY PARTNERSHIP",
	"LIMITED",
	"COMPANY",
	"LTD.",
	"LLP",
	"LTD",
	"PLC",
	"CO.",
	"CO",
}


// NormalizeName maps a raw company name to its comparison key:
//  1. Uppercase and trim; fold Latin diacritics.
//  2. Replace " AND " and " & " with a space.
//  3. Cut the name at the first legal-form suffix token, discarding
//     whatever follows it.
//  4. Keep only ASCII letters and digits.
//
// The key is lossy: "A & K PROPERTIES LIMITED" and "AK PROPERTIES LIMITED"
// both become "AKPROPERTIES". Name-only tiers inherit that imprecision,
// which is why they can be disabled independently of number tiers.
func NormalizeName(raw string) string {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if name == "" {
		return ""
	}
	name = foldAccents(name)
	name = strings.ReplaceAll(name, " AND ", " ")
	name = strings.ReplaceAll(name, " & ", " ")
	name = stripLegalSuffix(name)

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		if c := name[i]; isASCIIAlnum(c) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NormalizeNumber canonicalizes a company registration number. Purely
// numeric values are zero-padded to eight digits; prefixed forms such as
// SC, NI and GI are returned unchanged. Typos are not corrected.
func NormalizeNumber(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if upper == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(upper))
	digits := true
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		if !isASCIIAlnum(c) {
			continue
		}
		if c < '0' || c > '9' {
			digits = false
		}
		b.WriteByte(c)
	}
	num := b.String()
	if num == "" {
		return ""
	}
	if digits && len(num) < 8 {
		return strings.Repeat("0", 8-len(num)) + num
	}
	return num
}

// stripLegalSuffix cuts s at the first whitespace-preceded suffix token
// that ends at a non-alphanumeric boundary. "ABC CO HOLDINGS LIMITED"
// becomes "ABC".
func stripLegalSuffix(s string) string {
	for i := 0; i < len(s); i++ {
		if !isSpace(s[i]) {
			continue
		}
		rest := s[i+1:]
		for _, suf := range legalSuffixes {
			if strings.HasPrefix(rest, suf) && atBoundary(rest[len(suf):]) {
				return s[:i]
			}
		}
	}
	return s
}

func atBoundary(rest string) bool {
	return rest == "" || !isASCIIAlnum(rest[0])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isASCIIAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// foldAccents removes combining marks so "CAFÉ" keys as "CAFE". The
// transformer chain is stateful, so one is built per call.
func foldAccents(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return strings.ToUpper(out)
}
