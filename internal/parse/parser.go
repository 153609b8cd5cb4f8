// Package parse extracts structured invoice fields from raw text using an
// ordered set of pattern rules per field. Parsing is best-effort: malformed
// input degrades to absent fields, never to an error.
package parse

import (
	"strings"
	"time"
)

// Fields is the structured record parsed from one invoice's text. A pointer
// field is nil when no rule matched; Parsed lists the field names that did.
type Fields struct {
	Vendor *string
	Date   *string // normalized YYYY-MM-DD
	Total  *float64
	Parsed []string
}

// Empty reports whether no field was parsed at all. An empty record is still
// a valid parse, not an error.
func (f Fields) Empty() bool {
	return len(f.Parsed) == 0
}

// Parse applies the field rules to text. Matching is case-insensitive over
// whitespace-collapsed text; the vendor value keeps its original casing.
func Parse(text string) Fields {
	var f Fields
	collapsed := collapseWhitespace(text)

	if v, ok := matchVendor(text); ok {
		f.Vendor = &v
		f.Parsed = append(f.Parsed, "vendor")
	}
	if d, ok := matchDate(collapsed); ok {
		f.Date = &d
		f.Parsed = append(f.Parsed, "date")
	}
	if t, ok := pickTotal(collapsed); ok {
		f.Total = &t
		f.Parsed = append(f.Parsed, "total")
	}
	return f
}

func matchVendor(text string) (string, bool) {
	for _, r := range vendorRules {
		if m := r.re.FindStringSubmatch(text); m != nil {
			v := strings.TrimSpace(m[1])
			if v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func matchDate(text string) (string, bool) {
	for _, r := range dateRules {
		for _, m := range r.re.FindAllStringSubmatch(text, -1) {
			if d, ok := normalizeDate(m[1]); ok {
				return d, true
			}
		}
	}
	return "", false
}

// dateLayouts fixes the interpretation of slash dates as month/day/year; a
// string that fits no layout (or has an impossible month/day) is left absent
// rather than guessed.
var dateLayouts = []string{"2006-01-02", "1/2/2006", "1/2/06"}

func normalizeDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
