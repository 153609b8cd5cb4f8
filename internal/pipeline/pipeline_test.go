package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicepipe/constants"
	"invoicepipe/internal/common"
	"invoicepipe/internal/extract"
	"invoicepipe/internal/ledger"
	"invoicepipe/internal/sheets"
	"invoicepipe/internal/status"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result extract.Result
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) extract.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type appendReply struct {
	attempts int
	err      error
}

type fakeAppender struct {
	mu      sync.Mutex
	replies []appendReply // consumed per call; exhausted -> success in 1 attempt
	calls   int
	rows    []sheets.Record
}

func (f *fakeAppender) Append(_ context.Context, rec sheets.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.replies) {
		r := f.replies[f.calls-1]
		if r.err != nil {
			return r.attempts, r.err
		}
		f.rows = append(f.rows, rec)
		return r.attempts, nil
	}
	f.rows = append(f.rows, rec)
	return 1, nil
}

func (f *fakeAppender) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func goodResult() extract.Result {
	return extract.Result{
		Text:    "Acme Corp\nInvoice Date: 2024-03-14\nTotal Due: $1,234.56",
		Method:  constants.MethodEmbedded,
		Pages:   1,
		Success: true,
	}
}

func newTestStore(t *testing.T, maxRetries int) *ledger.SQLiteStore {
	t.Helper()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), maxRetries, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeInvoice(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testOptions(maxRetries int) Options {
	return Options{
		Workers:          2,
		MaxRetries:       maxRetries,
		StabilityPoll:    time.Millisecond,
		StabilityTimeout: time.Second,
	}
}

func TestProcessHappyPath(t *testing.T) {
	store := newTestStore(t, 5)
	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{}
	hub := status.NewHub(100)
	p := New(store, ext, app, hub, testOptions(5), nil)

	path := writeInvoice(t, t.TempDir(), "a.pdf", "invoice-a")
	p.Process(context.Background(), path)

	fp, err := Fingerprint(path)
	require.NoError(t, err)
	entry, err := store.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, constants.StateSynced, entry.State)
	require.NotNil(t, entry.Vendor)
	assert.Equal(t, "Acme Corp", *entry.Vendor)
	require.NotNil(t, entry.Total)
	assert.InDelta(t, 1234.56, *entry.Total, 0.001)

	require.Equal(t, 1, app.rowCount())
	assert.Equal(t, fp, app.rows[0].Fingerprint)

	stages := []string{}
	for _, e := range hub.Drain() {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{"extracting", "parsed", "synced"}, stages)
}

func TestDuplicateContentUnderNewNameIsSkipped(t *testing.T) {
	store := newTestStore(t, 5)
	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{}
	hub := status.NewHub(100)
	p := New(store, ext, app, hub, testOptions(5), nil)

	dir := t.TempDir()
	first := writeInvoice(t, dir, "march.pdf", "same-bytes")
	second := writeInvoice(t, dir, "march (copy).pdf", "same-bytes")

	p.Process(context.Background(), first)
	hub.Drain()
	p.Process(context.Background(), second)

	assert.Equal(t, 1, app.rowCount(), "identical content must land exactly one row")
	assert.Equal(t, 1, ext.callCount())

	events := hub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, constants.OutcomeSkipped, events[0].Outcome)
}

func TestResumeFromParsedSkipsExtraction(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	// A prior run got as far as PARSED and crashed before the append.
	res, err := store.Claim(ctx, "fp-parsed", "/gone/inv.pdf")
	require.NoError(t, err)
	require.True(t, res.Won)
	require.NoError(t, store.Advance(ctx, "fp-parsed", constants.StateExtracting, nil))
	vendor, date, total := "Acme Corp", "2024-03-14", 99.50
	require.NoError(t, store.Advance(ctx, "fp-parsed", constants.StateParsed, &ledger.Payload{
		Vendor:       &vendor,
		InvoiceDate:  &date,
		Total:        &total,
		Method:       constants.MethodEmbedded,
		ParsedFields: []string{"vendor", "date", "total"},
	}))
	store.Release("fp-parsed")

	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{}
	p := New(store, ext, app, status.NewHub(100), testOptions(5), nil)
	require.NoError(t, p.Resume(ctx))

	assert.Equal(t, 0, ext.callCount(), "persisted payload must be reused, not re-extracted")
	require.Equal(t, 1, app.rowCount())
	require.NotNil(t, app.rows[0].Total)
	assert.InDelta(t, 99.50, *app.rows[0].Total, 0.001)

	entry, err := store.Get(ctx, "fp-parsed")
	require.NoError(t, err)
	assert.Equal(t, constants.StateSynced, entry.State)
}

func TestAppendFailureRecordsRetriesThenRecovers(t *testing.T) {
	store := newTestStore(t, 5)
	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{replies: []appendReply{
		{attempts: 3, err: fmt.Errorf("append: %w", common.ErrTransient)},
	}}
	hub := status.NewHub(100)
	p := New(store, ext, app, hub, testOptions(5), nil)

	path := writeInvoice(t, t.TempDir(), "a.pdf", "invoice-a")
	ctx := context.Background()
	p.Process(ctx, path)

	fp, err := Fingerprint(path)
	require.NoError(t, err)
	entry, err := store.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, constants.StateFailed, entry.State)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Contains(t, entry.LastError, "sheet append failed")
	assert.Equal(t, 0, app.rowCount())

	events := hub.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, constants.OutcomeRetry, events[len(events)-1].Outcome)

	// The destination recovers; the next pass resumes from the payload.
	p.Process(ctx, path)
	entry, err = store.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, constants.StateSynced, entry.State)
	assert.Equal(t, 1, app.rowCount())
	assert.Equal(t, 1, ext.callCount(), "retry must not re-extract")
}

func TestExhaustedBudgetIsTerminal(t *testing.T) {
	store := newTestStore(t, 3)
	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{replies: []appendReply{
		{attempts: 3, err: fmt.Errorf("append: %w", common.ErrTransient)},
	}}
	hub := status.NewHub(100)
	p := New(store, ext, app, hub, testOptions(3), nil)

	path := writeInvoice(t, t.TempDir(), "a.pdf", "invoice-a")
	ctx := context.Background()
	p.Process(ctx, path)

	events := hub.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, constants.OutcomeFailed, events[len(events)-1].Outcome)

	// Budget is gone; further drops of the same content are skipped.
	p.Process(ctx, path)
	assert.Equal(t, 0, app.rowCount())
	events = hub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, constants.OutcomeSkipped, events[0].Outcome)
}

func TestExtractionFailureIsTerminal(t *testing.T) {
	store := newTestStore(t, 5)
	ext := &fakeExtractor{result: extract.Result{Reason: "corrupt xref"}}
	app := &fakeAppender{}
	hub := status.NewHub(100)
	p := New(store, ext, app, hub, testOptions(5), nil)

	path := writeInvoice(t, t.TempDir(), "corrupt.pdf", "corrupt")
	ctx := context.Background()
	p.Process(ctx, path)

	fp, err := Fingerprint(path)
	require.NoError(t, err)
	entry, err := store.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, constants.StateFailed, entry.State)
	assert.Contains(t, entry.LastError, "corrupt xref")
	assert.Equal(t, 0, app.rowCount())

	events := hub.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, constants.OutcomeFailed, events[len(events)-1].Outcome,
		"an unreadable file is a terminal failure, not a retry")

	// The input itself is the problem; a later pass must skip it, not
	// re-extract it.
	p.Process(ctx, path)
	assert.Equal(t, 1, ext.callCount())
	assert.Equal(t, 0, app.rowCount())
	events = hub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, constants.OutcomeSkipped, events[0].Outcome)
}

func TestRunProcessesEnqueuedJobs(t *testing.T) {
	store := newTestStore(t, 5)
	ext := &fakeExtractor{result: goodResult()}
	app := &fakeAppender{}
	p := New(store, ext, app, status.NewHub(100), testOptions(5), nil)

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.True(t, p.Enqueue(writeInvoice(t, dir, fmt.Sprintf("inv-%d.pdf", i), fmt.Sprintf("invoice-%d", i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return app.rowCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{Processed: 3}, stats)
}

func TestFingerprintFollowsContent(t *testing.T) {
	dir := t.TempDir()
	a := writeInvoice(t, dir, "a.pdf", "identical")
	b := writeInvoice(t, dir, "b.pdf", "identical")
	c := writeInvoice(t, dir, "c.pdf", "different")

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
}

func TestWaitStable(t *testing.T) {
	path := writeInvoice(t, t.TempDir(), "a.pdf", "settled")
	err := WaitStable(context.Background(), path, time.Millisecond, time.Second)
	assert.NoError(t, err)

	err = WaitStable(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"), time.Millisecond, time.Second)
	assert.Error(t, err)
}
