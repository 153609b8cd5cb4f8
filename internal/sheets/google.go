package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"invoicepipe/internal/common"
)

var spreadsheetIDRe = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetIDFromURL accepts either a full Google Sheets URL or a bare
// spreadsheet ID.
func SpreadsheetIDFromURL(raw string) (string, error) {
	if m := spreadsheetIDRe.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	if raw != "" && !regexp.MustCompile(`[/\s]`).MatchString(raw) {
		return raw, nil
	}
	return "", fmt.Errorf("cannot determine spreadsheet id from %q: %w", raw, common.ErrInvalidInput)
}

// GoogleAppender appends rows to one Google Sheet via the Sheets API using
// service-account credentials.
type GoogleAppender struct {
	svc           *sheets.Service
	spreadsheetID string
	timeout       time.Duration
	logger        *slog.Logger
}

func NewGoogleAppender(ctx context.Context, credentialsFile, sheetURL string, timeout time.Duration, logger *slog.Logger) (*GoogleAppender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := SpreadsheetIDFromURL(sheetURL)
	if err != nil {
		return nil, err
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GoogleAppender{svc: svc, spreadsheetID: id, timeout: timeout, logger: logger}, nil
}

func (g *GoogleAppender) Append(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vr := &sheets.ValueRange{Values: [][]interface{}{rec.RowValues(time.Now())}}
	_, err := g.svc.Spreadsheets.Values.
		Append(g.spreadsheetID, "A1", vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return classify(err)
	}
	g.logger.Info("row appended to sheet", "fingerprint", rec.Fingerprint, "spreadsheet_id", g.spreadsheetID)
	return nil
}

// classify maps a Sheets API failure onto the error taxonomy: rate limits and
// 5xx are transient, auth/permission/missing-sheet are permanent, anything
// network-shaped is transient.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429 || gerr.Code >= 500:
			return fmt.Errorf("sheets append: %w: %w", common.ErrTransient, err)
		case gerr.Code == 401 || gerr.Code == 403 || gerr.Code == 404:
			return fmt.Errorf("sheets append: %w: %w", common.ErrPermanent, err)
		default:
			return fmt.Errorf("sheets append: %w", err)
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sheets append: %w: %w", common.ErrTransient, err)
	}
	return fmt.Errorf("sheets append: %w: %w", common.ErrTransient, err)
}
