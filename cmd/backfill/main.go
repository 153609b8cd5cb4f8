// Command backfill runs one pass over a directory of PDF invoices through
// the same ledger-guarded pipeline the daemon uses, then exits. Useful for
// ingesting a backlog without starting the watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"

	"invoicepipe/constants"
	"invoicepipe/internal/common"
	"invoicepipe/internal/extract"
	"invoicepipe/internal/ledger"
	"invoicepipe/internal/pipeline"
	"invoicepipe/internal/resilience"
	"invoicepipe/internal/sheets"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		dir      = flag.String("dir", "", "directory of PDF invoices to ingest (required)")
		sheetURL = flag.String("sheet", "", "destination Google Sheet URL or ID (required)")
	)
	flag.Parse()

	if *dir == "" || *sheetURL == "" {
		printError("Error: --dir and --sheet are required\n")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		printError("Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := ledger.NewSQLiteStore(cfg.Ledger.Path, cfg.Ledger.MaxRetries, logger)
	if err != nil {
		printError("Error: open ledger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	extractor := extract.NewExtractor(extract.Config{
		Pdftoppm:  cfg.Extract.Pdftoppm,
		Tesseract: cfg.Extract.Tesseract,
		Lang:      cfg.Extract.Lang,
		DPI:       cfg.Extract.DPI,
		MaxPages:  cfg.Extract.MaxPages,
		MinChars:  cfg.Extract.MinChars,
	}, logger)

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = cfg.Ledger.MaxRetries
	inner, err := sheets.NewGoogleAppender(ctx, cfg.Sheets.CredentialsFile, *sheetURL, cfg.Sheets.Timeout, logger)
	if err != nil {
		printError("Error: configure sheet destination: %v\n", err)
		os.Exit(1)
	}
	appender := sheets.NewReliableAppender(inner, policy, logger)

	p := pipeline.New(store, extractor, appender, nil, pipeline.Options{
		Workers:          cfg.Watch.Workers,
		QueueSize:        cfg.Watch.QueueSize,
		MaxRetries:       cfg.Ledger.MaxRetries,
		StabilityPoll:    cfg.Watch.StabilityPoll,
		StabilityTimeout: cfg.Watch.StabilityTimeout,
	}, logger)

	if err := p.Resume(ctx); err != nil {
		logger.Error("resume pass failed", "error", err)
	}

	var total int
	err = filepath.WalkDir(*dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !constants.IsPDF(filepath.Ext(path)) {
			return nil
		}
		total++
		p.Process(ctx, path)
		return nil
	})
	if err != nil {
		printError("Error: walk %s: %v\n", *dir, err)
		os.Exit(1)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		printError("Error: ledger stats: %v\n", err)
		os.Exit(1)
	}
	logger.Info("backfill complete",
		"scanned", total,
		"processed", stats.Processed,
		"failed", stats.Failed,
		"pending", stats.Pending,
	)
}
