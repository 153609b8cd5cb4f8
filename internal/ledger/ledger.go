package ledger

import (
	"context"
	"time"

	"invoicepipe/constants"
)

// Entry is the persisted processing record for one invoice fingerprint.
// Exactly one Entry exists per fingerprint; it outlives a single run.
type Entry struct {
	Fingerprint  string
	SourcePath   string
	State        constants.LedgerState
	Vendor       *string
	InvoiceDate  *string // normalized YYYY-MM-DD
	Total        *float64
	Method       string // extraction method that produced the payload
	ParsedFields []string
	RetryCount   int
	LastError    string
	FirstSeenAt  time.Time
	UpdatedAt    time.Time
}

// Payload carries the parsed fields attached to an entry at PARSED.
type Payload struct {
	Vendor       *string
	InvoiceDate  *string
	Total        *float64
	Method       string
	ParsedFields []string
}

// Stats are derived by scanning the ledger alone, independent of the event
// stream.
type Stats struct {
	Processed int `json:"files_processed"`
	Failed    int `json:"errors"`
	Pending   int `json:"pending"`
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Won bool
	// Resume is the state the winner should resume from: StateSeen for a
	// fresh file, the persisted state for an entry left in flight by a
	// prior crash, StateParsed for a retryable failure with a payload.
	Resume constants.LedgerState
	Entry  *Entry
}

// Store is the single source of truth for at-most-once processing.
// Claim/advance operations are short, local, and transactional; long-running
// work happens outside, guarded only by the claim already recorded.
type Store interface {
	// Claim atomically takes ownership of a fingerprint. Exactly one
	// concurrent caller wins. It loses against SYNCED entries, FAILED
	// entries with no retry budget left, and fingerprints already in
	// flight in this process.
	Claim(ctx context.Context, fingerprint, sourcePath string) (ClaimResult, error)
	// Release drops the in-process claim without touching persisted state.
	// Call it when processing ends for any reason.
	Release(fingerprint string)
	// Advance moves an entry to a non-terminal state. Payload may be nil
	// except when advancing to PARSED. Regressions from SYNCED, or from
	// FAILED with an exhausted budget, are rejected.
	Advance(ctx context.Context, fingerprint string, state constants.LedgerState, payload *Payload) error
	// MarkSynced records the confirmed remote append; retries is added to
	// the entry's retry count. Idempotent: marking a SYNCED entry again is
	// a no-op.
	MarkSynced(ctx context.Context, fingerprint string, retries int) error
	// Fail records a failure with its message. A SYNCED entry is never
	// overwritten.
	Fail(ctx context.Context, fingerprint string, retries int, lastError string) error
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// Resumable returns entries left in SEEN/EXTRACTING/PARSED by a prior
	// run, oldest first.
	Resumable(ctx context.Context) ([]*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
