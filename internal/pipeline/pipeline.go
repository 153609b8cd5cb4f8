// Package pipeline drives each invoice file through the ledger-guarded
// stages: claim, extract, parse, append, sync. Stage transitions are recorded
// in the ledger before the work they announce, so a crash at any point leaves
// a resumable entry rather than a duplicate row.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"invoicepipe/constants"
	"invoicepipe/internal/extract"
	"invoicepipe/internal/ledger"
	"invoicepipe/internal/parse"
	"invoicepipe/internal/sheets"
	"invoicepipe/internal/status"
)

// Extractor produces the best-available text for a PDF.
type Extractor interface {
	Extract(ctx context.Context, path string) extract.Result
}

// Appender pushes one record to the destination sheet, reporting how many
// attempts it made.
type Appender interface {
	Append(ctx context.Context, rec sheets.Record) (int, error)
}

type Options struct {
	Workers          int
	QueueSize        int
	MaxRetries       int // append attempts before FAILED becomes terminal
	StabilityPoll    time.Duration
	StabilityTimeout time.Duration
}

type Pipeline struct {
	store     ledger.Store
	extractor Extractor
	appender  Appender
	hub       *status.Hub
	opts      Options
	logger    *slog.Logger
	jobs      chan string
}

func New(store ledger.Store, extractor Extractor, appender Appender, hub *status.Hub, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Pipeline{
		store:     store,
		extractor: extractor,
		appender:  appender,
		hub:       hub,
		opts:      opts,
		logger:    logger,
		jobs:      make(chan string, opts.QueueSize),
	}
}

// Enqueue submits a file path for processing. It never blocks; a full queue
// drops the job and reports false (the file is picked up again by a later
// event or initial scan).
func (p *Pipeline) Enqueue(path string) bool {
	select {
	case p.jobs <- path:
		return true
	default:
		p.logger.Warn("pipeline queue full, dropping job", "path", path)
		return false
	}
}

// Run processes queued jobs with a bounded worker pool until ctx is
// cancelled. A failure on one file never stops the pool.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case path := <-p.jobs:
					p.Process(ctx, path)
				}
			}
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Resume re-drives entries a prior run left in flight. PARSED entries go
// straight to the append stage using their persisted payload; earlier states
// start over from extraction if the source file still exists.
func (p *Pipeline) Resume(ctx context.Context) error {
	entries, err := p.store.Resumable(ctx)
	if err != nil {
		return fmt.Errorf("list resumable entries: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := p.store.Claim(ctx, e.Fingerprint, e.SourcePath)
		if err != nil {
			p.logger.Error("resume claim failed", "fingerprint", e.Fingerprint, "error", err)
			continue
		}
		if !res.Won {
			continue
		}
		p.logger.Info("resuming entry", "fingerprint", e.Fingerprint, "state", res.Resume, "path", e.SourcePath)
		p.runStages(ctx, e.Fingerprint, e.SourcePath, res)
		p.store.Release(e.Fingerprint)
	}
	return nil
}

// Process takes one file through the full pipeline. Every exit path releases
// the in-process claim; persisted state is whatever stage was last recorded.
func (p *Pipeline) Process(ctx context.Context, path string) {
	if err := WaitStable(ctx, path, p.opts.StabilityPoll, p.opts.StabilityTimeout); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("file never settled, skipping", "path", path, "error", err)
		}
		return
	}

	fp, err := Fingerprint(path)
	if err != nil {
		p.logger.Warn("fingerprint failed, skipping", "path", path, "error", err)
		return
	}

	res, err := p.store.Claim(ctx, fp, path)
	if err != nil {
		p.logger.Error("claim failed", "fingerprint", fp, "path", path, "error", err)
		return
	}
	if !res.Won {
		p.publish(fp, constants.StateSeen, constants.OutcomeSkipped, "already processed or in flight")
		p.logger.Debug("claim lost, skipping", "fingerprint", fp, "path", path)
		return
	}
	defer p.store.Release(fp)

	p.runStages(ctx, fp, path, res)
}

// runStages executes the stages from the claim's resume point onward. The
// caller owns the claim and its release.
func (p *Pipeline) runStages(ctx context.Context, fp, path string, res ledger.ClaimResult) {
	var payload *ledger.Payload

	if res.Resume == constants.StateParsed {
		payload = payloadFromEntry(res.Entry)
	} else {
		if _, err := os.Stat(path); err != nil {
			p.logger.Warn("source file gone before extraction, leaving entry for a later drop",
				"fingerprint", fp, "path", path, "error", err)
			return
		}
		pl, ok := p.extractAndParse(ctx, fp, path)
		if !ok {
			return
		}
		payload = pl
	}

	p.append(ctx, fp, path, payload)
}

// extractAndParse runs the extract and parse stages, recording EXTRACTING and
// PARSED in the ledger. Returns false when the entry was failed or processing
// must stop.
func (p *Pipeline) extractAndParse(ctx context.Context, fp, path string) (*ledger.Payload, bool) {
	if err := p.store.Advance(ctx, fp, constants.StateExtracting, nil); err != nil {
		p.logger.Error("advance to extracting failed", "fingerprint", fp, "error", err)
		return nil, false
	}
	p.publish(fp, constants.StateExtracting, constants.OutcomeOK, "extracting text from "+path)

	result := p.extractor.Extract(ctx, path)
	if !result.Success {
		// The file itself is unreadable; exhaust the budget so the
		// fingerprint is never picked up again. Retry eligibility is for
		// transient append failures only.
		p.fail(ctx, fp, p.opts.MaxRetries, "extraction failed: "+result.Reason)
		return nil, false
	}
	p.logger.Info("text extracted",
		"fingerprint", fp,
		"method", result.Method,
		"pages", result.Pages,
		"chars", len(result.Text),
		"duration", result.Duration,
	)

	fields := parse.Parse(result.Text)
	payload := &ledger.Payload{
		Vendor:       fields.Vendor,
		InvoiceDate:  fields.Date,
		Total:        fields.Total,
		Method:       result.Method,
		ParsedFields: fields.Parsed,
	}
	if err := p.store.Advance(ctx, fp, constants.StateParsed, payload); err != nil {
		p.logger.Error("advance to parsed failed", "fingerprint", fp, "error", err)
		return nil, false
	}
	msg := "parsed fields: " + strings.Join(fields.Parsed, ", ")
	if fields.Empty() {
		msg = "no fields parsed, row will carry empty cells"
	}
	p.publish(fp, constants.StateParsed, constants.OutcomeOK, msg)

	return payload, true
}

// append pushes the record and records the terminal outcome. The attempt
// count from the retry layer lands in the ledger either way.
func (p *Pipeline) append(ctx context.Context, fp, path string, payload *ledger.Payload) {
	rec := sheets.Record{
		Fingerprint: fp,
		Vendor:      payload.Vendor,
		Date:        payload.InvoiceDate,
		Total:       payload.Total,
		SourceFile:  path,
	}

	attempts, err := p.appender.Append(ctx, rec)
	if err != nil {
		p.fail(ctx, fp, attempts, "sheet append failed: "+err.Error())
		return
	}
	if err := p.store.MarkSynced(ctx, fp, attempts-1); err != nil {
		p.logger.Error("mark synced failed", "fingerprint", fp, "error", err)
		return
	}
	p.publish(fp, constants.StateSynced, constants.OutcomeOK, "row appended")
	p.logger.Info("invoice synced", "fingerprint", fp, "path", path, "attempts", attempts)
}

func (p *Pipeline) fail(ctx context.Context, fp string, retries int, msg string) {
	if err := p.store.Fail(ctx, fp, retries, msg); err != nil {
		p.logger.Error("record failure failed", "fingerprint", fp, "error", err)
	}
	outcome := constants.OutcomeRetry
	if entry, err := p.store.Get(ctx, fp); err == nil && entry != nil && entry.RetryCount >= p.opts.MaxRetries {
		outcome = constants.OutcomeFailed
	}
	p.publish(fp, constants.StateFailed, outcome, msg)
	p.logger.Warn("stage failed", "fingerprint", fp, "outcome", outcome, "error", msg)
}

func payloadFromEntry(e *ledger.Entry) *ledger.Payload {
	if e == nil {
		return &ledger.Payload{}
	}
	return &ledger.Payload{
		Vendor:       e.Vendor,
		InvoiceDate:  e.InvoiceDate,
		Total:        e.Total,
		Method:       e.Method,
		ParsedFields: e.ParsedFields,
	}
}

func (p *Pipeline) publish(fp string, state constants.LedgerState, outcome, msg string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(status.Event{
		Fingerprint: fp,
		Stage:       strings.ToLower(string(state)),
		Outcome:     outcome,
		Message:     msg,
	})
}
