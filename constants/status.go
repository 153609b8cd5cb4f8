package constants

// LedgerState is the canonical processing state for a fingerprint in the ledger.
type LedgerState string

// Stable values (store these exact strings in the DB).
const (
	StateSeen       LedgerState = "SEEN"       // claimed, not yet extracting
	StateExtracting LedgerState = "EXTRACTING" // text extraction in progress
	StateParsed     LedgerState = "PARSED"     // fields parsed, awaiting sheet append
	StateSynced     LedgerState = "SYNCED"     // row confirmed on the remote sheet; terminal
	StateFailed     LedgerState = "FAILED"     // terminal once the retry budget is exhausted
)

// stateRank orders states so transitions can be checked for monotonicity.
// SYNCED and FAILED share the top rank: neither may overwrite the other.
var stateRank = map[LedgerState]int{
	StateSeen:       1,
	StateExtracting: 2,
	StateParsed:     3,
	StateSynced:     4,
	StateFailed:     4,
}

// Rank returns the monotonic rank of a state, or 0 for an unknown state.
func (s LedgerState) Rank() int {
	return stateRank[s]
}

// Terminal reports whether no further automatic transition may occur.
func (s LedgerState) Terminal() bool {
	return s == StateSynced || s == StateFailed
}

// Extraction methods recorded on extraction results.
const (
	MethodEmbedded = "embedded"
	MethodOCR      = "ocr"
)

// Outcome labels for status events.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)
