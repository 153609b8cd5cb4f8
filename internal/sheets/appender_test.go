package sheets

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"invoicepipe/internal/common"
	"invoicepipe/internal/resilience"
)

func testPolicy(maxAttempts int) resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

type scriptedAppender struct {
	errs  []error // consumed per call; nil entry means success
	calls int
	rows  []Record
}

func (s *scriptedAppender) Append(_ context.Context, rec Record) error {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return s.errs[s.calls-1]
	}
	s.rows = append(s.rows, rec)
	return nil
}

func TestRowValuesConstantShape(t *testing.T) {
	vendor := "Acme Corp"
	total := 1234.56
	full := Record{Vendor: &vendor, Date: strPtr("2024-03-14"), Total: &total, SourceFile: "a.pdf"}
	empty := Record{SourceFile: "b.pdf"}

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	fullRow := full.RowValues(now)
	emptyRow := empty.RowValues(now)

	require.Len(t, fullRow, 5)
	require.Len(t, emptyRow, 5, "absent fields must become empty cells, not omitted columns")
	assert.Equal(t, []interface{}{"Acme Corp", "2024-03-14", "1234.56", "a.pdf", "2024-03-15T12:00:00Z"}, fullRow)
	assert.Equal(t, []interface{}{"", "", "", "b.pdf", "2024-03-15T12:00:00Z"}, emptyRow)
}

func TestReliableAppenderRetriesTransientThenSucceeds(t *testing.T) {
	transient := fmt.Errorf("append: %w", common.ErrTransient)
	inner := &scriptedAppender{errs: []error{transient, transient, nil}}
	app := NewReliableAppender(inner, testPolicy(5), nil)

	attempts, err := app.Append(context.Background(), Record{Fingerprint: "fp1", SourceFile: "a.pdf"})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, inner.rows, 1, "exactly one row must land")
}

func TestReliableAppenderDoesNotRetryPermanent(t *testing.T) {
	permanent := fmt.Errorf("append: %w", common.ErrPermanent)
	inner := &scriptedAppender{errs: []error{permanent}}
	app := NewReliableAppender(inner, testPolicy(5), nil)

	attempts, err := app.Append(context.Background(), Record{Fingerprint: "fp1"})

	require.ErrorIs(t, err, common.ErrPermanent)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, inner.calls)
}

func TestReliableAppenderExhaustsBudget(t *testing.T) {
	transient := fmt.Errorf("append: %w", common.ErrTransient)
	inner := &scriptedAppender{errs: []error{transient, transient, transient}}
	app := NewReliableAppender(inner, testPolicy(3), nil)

	attempts, err := app.Append(context.Background(), Record{Fingerprint: "fp1"})

	require.ErrorIs(t, err, common.ErrTransient)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, inner.rows)
}

func TestClassifyGoogleAPIErrors(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
		permanent bool
	}{
		{429, true, false},
		{500, true, false},
		{503, true, false},
		{401, false, true},
		{403, false, true},
		{404, false, true},
	}
	for _, tc := range cases {
		err := classify(&googleapi.Error{Code: tc.code})
		assert.Equal(t, tc.transient, common.IsTransient(err), "code %d", tc.code)
		assert.Equal(t, tc.permanent, common.IsPermanent(err), "code %d", tc.code)
	}
}

func TestClassifyNetworkErrorIsTransient(t *testing.T) {
	err := classify(errors.New("dial tcp: connection refused"))
	assert.True(t, common.IsTransient(err))
}

func TestSpreadsheetIDFromURL(t *testing.T) {
	id, err := SpreadsheetIDFromURL("https://docs.google.com/spreadsheets/d/1AbC-xyz_123/edit#gid=0")
	require.NoError(t, err)
	assert.Equal(t, "1AbC-xyz_123", id)

	id, err = SpreadsheetIDFromURL("1AbC-xyz_123")
	require.NoError(t, err)
	assert.Equal(t, "1AbC-xyz_123", id)

	_, err = SpreadsheetIDFromURL("")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func strPtr(s string) *string { return &s }
