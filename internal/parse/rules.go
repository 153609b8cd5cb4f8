package parse

import "regexp"

// rule is one typed matcher; rules are tried in priority order per field and
// the first match wins. Keeping them data makes each independently testable.
type rule struct {
	name string
	re   *regexp.Regexp
}

var vendorRules = []rule{
	// An explicit label anywhere in the document wins.
	{"labeled", regexp.MustCompile(`(?i)(?:vendor|company|supplier|billed\s+from|sold\s+by)\s*:?\s+([A-Za-z][A-Za-z0-9 .,&'-]*)`)},
	// Otherwise the first line containing letters, the usual letterhead spot.
	{"letterhead", regexp.MustCompile(`(?m)^[ \t]*([^\r\n]*[A-Za-z][^\r\n]*)`)},
}

var dateRules = []rule{
	{"labeled", regexp.MustCompile(`(?i)(?:invoice\s+date|issue\s+date|date)\s*:?\s*(\d{1,2}/\d{1,2}/\d{2,4}|\d{4}-\d{2}-\d{2})`)},
	{"bare-iso", regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)},
}
