// Package export renders the ledger as an XLSX workbook for offline review.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"invoicepipe/internal/ledger"
)

// Service is a tiny façade over the ledger that produces XLSX bytes for exports.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ExportLedgerXLSX returns an XLSX workbook (as bytes) with one row per
// ledger entry, oldest first.
func (s *Service) ExportLedgerXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Ledger"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		_, err := f.NewSheet(sheet)
		if err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Fingerprint",
		"Source File",
		"State",
		"Vendor",
		"Invoice Date",
		"Total",
		"Method",
		"Retries",
		"Last Error",
		"First Seen",
		"Updated",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, e := range entries {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, e.Fingerprint)
		write(2, e.SourcePath)
		write(3, string(e.State))

		if e.Vendor != nil {
			write(4, *e.Vendor)
		} else {
			write(4, "")
		}
		if e.InvoiceDate != nil {
			write(5, *e.InvoiceDate)
		} else {
			write(5, "")
		}
		if e.Total != nil {
			write(6, fmt.Sprintf("%.2f", *e.Total))
		} else {
			write(6, "")
		}

		write(7, e.Method)
		write(8, e.RetryCount)
		write(9, truncate(strings.TrimSpace(e.LastError), 140))
		write(10, e.FirstSeenAt.UTC().Format(time.RFC3339))
		write(11, e.UpdatedAt.UTC().Format(time.RFC3339))

		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 20) // fingerprint
	_ = f.SetColWidth(sheet, "B", "B", 48) // path
	_ = f.SetColWidth(sheet, "C", "C", 12) // state
	_ = f.SetColWidth(sheet, "D", "D", 28) // vendor
	_ = f.SetColWidth(sheet, "E", "F", 14) // date, total
	_ = f.SetColWidth(sheet, "I", "I", 48) // error
	_ = f.SetColWidth(sheet, "J", "K", 22) // timestamps

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
