package extract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"invoicepipe/constants"
)

type Config struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	Lang     string // default "eng"
	DPI      int    // rasterization DPI for scanned PDFs, default 200
	MaxPages int    // OCR page cap, default 10; bounds worst-case latency
	MinChars int    // embedded text below this floor triggers the OCR fallback
}

// Result is the best-available text for one file. Immutable once produced.
type Result struct {
	Text     string
	Method   string // constants.MethodEmbedded | constants.MethodOCR
	Pages    int
	Success  bool
	Reason   string // diagnostic when Success is false
	Duration time.Duration
}

// embeddedFn reads the PDF text layer; swapped out in tests.
type embeddedFn func(path string) (text string, pages int, err error)

type Extractor struct {
	cfg      Config
	runner   Runner
	embedded embeddedFn
	logger   *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 32
	}
	return &Extractor{cfg: cfg, runner: execRunner{logger: logger}, embedded: embeddedText, logger: logger}
}

// Extract tries the embedded text layer first and falls back to rendering
// pages and running OCR. A failed extraction is an input problem and is not
// retried by callers.
func (e *Extractor) Extract(ctx context.Context, path string) Result {
	start := time.Now()

	text, pages, embErr := e.embedded(path)
	text = strings.TrimSpace(text)
	if embErr == nil && len(text) >= e.cfg.MinChars {
		e.logger.Debug("embedded text extraction ok", "path", path, "pages", pages, "chars", len(text))
		return Result{Text: text, Method: constants.MethodEmbedded, Pages: pages, Success: true, Duration: time.Since(start)}
	}
	if embErr != nil {
		e.logger.Debug("embedded text extraction failed, falling back to ocr", "path", path, "error", embErr)
	} else {
		e.logger.Debug("embedded text below floor, falling back to ocr", "path", path, "chars", len(text), "floor", e.cfg.MinChars)
	}

	ocrText, ocrPages, ocrErr := e.pdfToOCR(ctx, path)
	ocrText = strings.TrimSpace(ocrText)
	if ocrErr == nil && ocrText != "" {
		return Result{Text: ocrText, Method: constants.MethodOCR, Pages: ocrPages, Success: true, Duration: time.Since(start)}
	}

	// OCR came up empty or broke; a sub-floor text layer is still the best
	// available text.
	if text != "" {
		return Result{Text: text, Method: constants.MethodEmbedded, Pages: pages, Success: true, Duration: time.Since(start)}
	}

	reason := "no text could be extracted"
	if embErr != nil && ocrErr != nil {
		reason = "embedded: " + embErr.Error() + "; ocr: " + ocrErr.Error()
	} else if ocrErr != nil {
		reason = "ocr: " + ocrErr.Error()
	}
	e.logger.Warn("extraction failed", "path", path, "reason", reason)
	return Result{Method: constants.MethodOCR, Reason: reason, Duration: time.Since(start)}
}
