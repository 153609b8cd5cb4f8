// Package sheets pushes parsed invoice records to the remote spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"invoicepipe/internal/common"
	"invoicepipe/internal/resilience"
)

// Record is one sheet row's worth of parsed invoice data.
type Record struct {
	Fingerprint string
	Vendor      *string
	Date        *string // YYYY-MM-DD
	Total       *float64
	SourceFile  string
}

// RowValues maps a record to the sheet's fixed column order:
// vendor, date, total, source file, sync timestamp. Absent fields become
// empty cells, never omitted columns; the row shape is constant.
func (r Record) RowValues(syncedAt time.Time) []interface{} {
	vendor, date, total := "", "", ""
	if r.Vendor != nil {
		vendor = *r.Vendor
	}
	if r.Date != nil {
		date = *r.Date
	}
	if r.Total != nil {
		total = fmt.Sprintf("%.2f", *r.Total)
	}
	return []interface{}{vendor, date, total, r.SourceFile, syncedAt.UTC().Format(time.RFC3339)}
}

// Appender pushes one record to the destination. Implementations classify
// their failures with common.ErrTransient / common.ErrPermanent so the retry
// layer can tell a hiccup from a broken destination.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// ReliableAppender wraps an Appender with bounded-backoff retries and a
// circuit breaker. It reports the attempt count so the ledger records
// retry_count accurately.
type ReliableAppender struct {
	inner  Appender
	exec   *resilience.Executor
	logger *slog.Logger
}

func NewReliableAppender(inner Appender, policy resilience.Policy, logger *slog.Logger) *ReliableAppender {
	if logger == nil {
		logger = slog.Default()
	}
	classify := func(err error) resilience.Classification {
		return resilience.Classification{
			Retryable: common.IsTransient(err),
			// Only a permanent failure (auth, missing sheet) marks the
			// destination broken; rate limits and 5xx do not.
			RecordFailure: common.IsPermanent(err),
		}
	}
	return &ReliableAppender{
		inner:  inner,
		exec:   resilience.NewExecutor("sheet-append", policy, classify, logger),
		logger: logger,
	}
}

// Append pushes rec, retrying transient failures. Returns the number of
// attempts made alongside the final error, nil on success.
func (a *ReliableAppender) Append(ctx context.Context, rec Record) (int, error) {
	attempts, err := a.exec.Execute(ctx, func(ctx context.Context) error {
		return a.inner.Append(ctx, rec)
	})
	if err != nil {
		a.logger.Error("sheet append failed",
			"fingerprint", rec.Fingerprint,
			"attempts", attempts,
			"circuit_open", resilience.IsCircuitOpen(err),
			"error", err,
		)
	}
	return attempts, err
}
