package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"invoicepipe/constants"
	"invoicepipe/internal/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	fingerprint   TEXT PRIMARY KEY,
	source_path   TEXT NOT NULL,
	state         TEXT NOT NULL,
	vendor        TEXT,
	invoice_date  TEXT,
	total         REAL,
	method        TEXT NOT NULL DEFAULT '',
	parsed_fields TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	first_seen_at TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_state ON ledger(state);
`

// SQLiteStore persists the ledger in a single local SQLite file. WAL mode
// keeps already-committed SYNCED entries readable after an unclean shutdown.
type SQLiteStore struct {
	db         *sql.DB
	lock       *os.File
	maxRetries int
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSQLiteStore opens (and migrates) the ledger database at path. The store
// holds an exclusive advisory lock on a sidecar file for its lifetime: the
// in-process inflight map is the claim serializer, so a second process
// (daemon and backfill against the same LEDGER_PATH) must be refused, not
// raced.
func NewSQLiteStore(path string, maxRetries int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// Claims serialize through a single connection; the ledger is local and
	// its transactions are short.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = lock.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLiteStore{
		db:         db,
		lock:       lock,
		maxRetries: maxRetries,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger is in use by another process (lock %s): %w", path, err)
	}
	return f, nil
}

func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		_ = unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
		_ = s.lock.Close()
	}
	return err
}

func (s *SQLiteStore) Claim(ctx context.Context, fingerprint, sourcePath string) (ClaimResult, error) {
	s.mu.Lock()
	if _, busy := s.inflight[fingerprint]; busy {
		s.mu.Unlock()
		return ClaimResult{}, nil
	}
	// Reserve before touching the DB so a concurrent claimer backs off
	// immediately; released below on every losing path.
	s.inflight[fingerprint] = struct{}{}
	s.mu.Unlock()

	res, err := s.claimTx(ctx, fingerprint, sourcePath)
	if err != nil || !res.Won {
		s.Release(fingerprint)
	}
	return res, err
}

func (s *SQLiteStore) claimTx(ctx context.Context, fingerprint, sourcePath string) (ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, selectByFingerprint, fingerprint))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger (fingerprint, source_path, state, first_seen_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			fingerprint, sourcePath, string(constants.StateSeen), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return ClaimResult{}, fmt.Errorf("insert seen: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, fmt.Errorf("commit claim: %w", err)
		}
		return ClaimResult{Won: true, Resume: constants.StateSeen}, nil
	case err != nil:
		return ClaimResult{}, fmt.Errorf("load entry: %w", err)
	}

	switch entry.State {
	case constants.StateSynced:
		return ClaimResult{Entry: entry}, nil
	case constants.StateFailed:
		if entry.RetryCount >= s.maxRetries {
			return ClaimResult{Entry: entry}, nil
		}
		// Retry-eligible failure: resume from append when a payload
		// survived, otherwise from scratch.
		resume := constants.StateSeen
		if entry.Total != nil || entry.Vendor != nil || entry.InvoiceDate != nil || len(entry.ParsedFields) > 0 {
			resume = constants.StateParsed
		}
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, fmt.Errorf("commit claim: %w", err)
		}
		return ClaimResult{Won: true, Resume: resume, Entry: entry}, nil
	default:
		// In flight from a prior crash; resume from the persisted stage.
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, fmt.Errorf("commit claim: %w", err)
		}
		return ClaimResult{Won: true, Resume: entry.State, Entry: entry}, nil
	}
}

func (s *SQLiteStore) Release(fingerprint string) {
	s.mu.Lock()
	delete(s.inflight, fingerprint)
	s.mu.Unlock()
}

func (s *SQLiteStore) Advance(ctx context.Context, fingerprint string, state constants.LedgerState, payload *Payload) error {
	if state.Terminal() {
		return fmt.Errorf("advance to %s: use MarkSynced/Fail", state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, selectByFingerprint, fingerprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		return fmt.Errorf("load entry: %w", err)
	}
	if entry.State == constants.StateSynced {
		return fmt.Errorf("advance %s -> %s: %w", entry.State, state, common.ErrAlreadyOwned)
	}
	if entry.State == constants.StateFailed && entry.RetryCount >= s.maxRetries {
		return fmt.Errorf("advance %s (budget exhausted) -> %s: %w", entry.State, state, common.ErrAlreadyOwned)
	}
	// A claimed retryable FAILED entry may move back down; otherwise the
	// rank must not decrease.
	if entry.State != constants.StateFailed && state.Rank() < entry.State.Rank() {
		return fmt.Errorf("ledger regression %s -> %s", entry.State, state)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if payload != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET state = ?, vendor = ?, invoice_date = ?, total = ?, method = ?, parsed_fields = ?, updated_at = ? WHERE fingerprint = ?`,
			string(state), payload.Vendor, payload.InvoiceDate, payload.Total,
			payload.Method, strings.Join(payload.ParsedFields, ","), now, fingerprint)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET state = ?, updated_at = ? WHERE fingerprint = ?`,
			string(state), now, fingerprint)
	}
	if err != nil {
		return fmt.Errorf("advance to %s: %w", state, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, fingerprint string, retries int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET state = ?, retry_count = retry_count + ?, last_error = '', updated_at = ?
		 WHERE fingerprint = ? AND state != ?`,
		string(constants.StateSynced), retries, now, fingerprint, string(constants.StateSynced))
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already synced or unknown; distinguish for the caller.
		if _, err := s.Get(ctx, fingerprint); err != nil {
			return err
		}
		s.logger.Debug("mark synced: already synced", "fingerprint", fingerprint)
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, fingerprint string, retries int, lastError string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET state = ?, retry_count = retry_count + ?, last_error = ?, updated_at = ?
		 WHERE fingerprint = ? AND state != ?`,
		string(constants.StateFailed), retries, lastError, now, fingerprint, string(constants.StateSynced))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, fingerprint); err != nil {
			return err
		}
		return fmt.Errorf("fail %s: entry already synced", fingerprint)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, selectByFingerprint, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return entry, err
}

func (s *SQLiteStore) Resumable(ctx context.Context) ([]*Entry, error) {
	return s.queryEntries(ctx,
		selectAll+` WHERE state IN (?, ?, ?) ORDER BY first_seen_at`,
		string(constants.StateSeen), string(constants.StateExtracting), string(constants.StateParsed))
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Entry, error) {
	return s.queryEntries(ctx, selectAll+` ORDER BY first_seen_at`)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM ledger GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch constants.LedgerState(state) {
		case constants.StateSynced:
			st.Processed += n
		case constants.StateFailed:
			st.Failed += n
		default:
			st.Pending += n
		}
	}
	return st, rows.Err()
}

const selectAll = `SELECT fingerprint, source_path, state, vendor, invoice_date, total, method, parsed_fields, retry_count, last_error, first_seen_at, updated_at FROM ledger`
const selectByFingerprint = selectAll + ` WHERE fingerprint = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var state, fields, firstSeen, updated string
	if err := row.Scan(&e.Fingerprint, &e.SourcePath, &state, &e.Vendor, &e.InvoiceDate, &e.Total,
		&e.Method, &fields, &e.RetryCount, &e.LastError, &firstSeen, &updated); err != nil {
		return nil, err
	}
	e.State = constants.LedgerState(state)
	if fields != "" {
		e.ParsedFields = strings.Split(fields, ",")
	}
	e.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &e, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
