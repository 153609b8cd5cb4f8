package constants

import "strings"

// AllowedExtensions holds the file extensions the watcher reacts to.
// Invoices arrive as PDFs only; images are out of scope for this pipeline.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsPDF reports whether the (raw) extension names a PDF file.
func IsPDF(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
