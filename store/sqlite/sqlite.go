/*
Package sqlite provides the SQLite-backed implementation of domain.DB.

PURPOSE:

	Implements every store interface in the domain package (accounts,
	transactions, periods, locks, settlements, reconciliation, overrides,
	audit) over a single SQLite database. The same SQL shapes port to
	PostgreSQL with minor dialect changes.

IMMUTABILITY ENFORCEMENT:
  - ledger_entries has no UPDATE or DELETE statements anywhere in this
    package.
  - ledger_transactions is updated only by MarkTransactionPosted and
    MarkTransactionReversed, both of which guard on the current status
    in the WHERE clause.
  - settlement_transitions, settlement_retries, admin_overrides_log,
    audit_log, and security_events are append-only.

KEY TABLES:

	ledger_accounts:        Seeded chart of accounts
	ledger_transactions:    Posting units (pending -> posted -> reversed)
	ledger_entries:         Immutable debit/credit legs
	account_balances:       Materialized per-account totals
	accounting_periods:     Close calendar (OPEN/SOFT_CLOSED/HARD_CLOSED)
	ledger_locks:           Date-range freezes evaluated before periods
	settlements:            Payout state machine rows
	settlement_transitions: Append-only state history
	settlement_retries:     Append-only retry history
	recon_batches/items:    Gateway reconciliation results
	override_requests:      Dual-confirmation workflow
	admin_overrides_log:    Immutable approval log
	audit_log:              Before/after snapshots of every state change
	security_events:        Denied operations

UNIQUENESS:

	uq_ledger_tx_tenant_ref:   one transaction_ref per tenant
	uq_ledger_tx_idem_key:     idempotency keys are globally unique
	uq_settlements_tenant_ref: one settlement_ref per tenant
	uq_accounts_tenant_code:   one account code per tenant
	All index names stay well under 63 bytes so no backend truncates them.

TRANSACTIONS:

	WithTx hands the callback a Store view whose queries run on a single
	*sql.Tx. View methods skip the mutex; the outer WithTx holds the write
	lock for the whole unit of work. This is what lets a settlement status
	change and its ledger posting commit together.

CONCURRENCY:

	sync.RWMutex plus WAL mode. Multiple readers proceed concurrently;
	writers serialize. busy_timeout covers the WAL writer handoff.

USAGE:

	db, err := sqlite.New("./data/paycore.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer db.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - ledger/service.go: The posting engine built on this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/arthapay/paycore/domain"
)

// dateLayout is used for accounting dates (period bounds, lock ranges,
// transaction dates). Lexicographic order equals chronological order.
const dateLayout = "2006-01-02"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.DB. Outside a transaction q is the root
// *sql.DB; WithTx builds a view whose q is the *sql.Tx.
type Store struct {
	db   *sql.DB
	q    querier
	mu   *sync.RWMutex
	inTx bool
}

var _ domain.DB = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, q: db, mu: &sync.RWMutex{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Chart of accounts (seeded, not user-creatable)
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		normal_balance TEXT NOT NULL,
		category TEXT NOT NULL,
		gateway_name TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_accounts_tenant_code
		ON ledger_accounts(tenant_id, code);

	-- Posting units. Immutable once posted except posted -> reversed.
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		transaction_ref TEXT NOT NULL,
		idempotency_key TEXT,
		request_hash TEXT,
		event_type TEXT,
		source_transaction_id TEXT,
		source_order_id TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		reverses_transaction_id TEXT,
		reversed_by_transaction_id TEXT,
		metadata_json TEXT,
		created_by TEXT,
		transaction_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_tx_tenant_ref
		ON ledger_transactions(tenant_id, transaction_ref);

	-- CRITICAL: idempotency keys are globally unique. The partial index
	-- lets internal postings without a key coexist.
	CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_tx_idem_key
		ON ledger_transactions(idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_ledger_tx_tenant_date
		ON ledger_transactions(tenant_id, transaction_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_tx_tenant_order
		ON ledger_transactions(tenant_id, source_order_id)
		WHERE source_order_id IS NOT NULL;

	-- Debit/credit legs. Append-only: no UPDATE or DELETE ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL REFERENCES ledger_transactions(id),
		account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_transaction
		ON ledger_entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_entries_tenant_account
		ON ledger_entries(tenant_id, account_id);

	-- Materialized running totals, maintained in the posting transaction.
	-- ledger_entries stays the source of truth.
	CREATE TABLE IF NOT EXISTS account_balances (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		total_debits TEXT NOT NULL DEFAULT '0',
		total_credits TEXT NOT NULL DEFAULT '0',
		as_of TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	);

	-- Close calendar
	CREATE TABLE IF NOT EXISTS accounting_periods (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		closed_by TEXT,
		closed_at TEXT,
		closure_notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_periods_tenant_type_start
		ON accounting_periods(tenant_id, period_type, period_start);
	CREATE INDEX IF NOT EXISTS idx_periods_tenant_range
		ON accounting_periods(tenant_id, period_type, period_start, period_end);

	-- Date-range freezes. Evaluated before period status at post time.
	CREATE TABLE IF NOT EXISTS ledger_locks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		lock_type TEXT NOT NULL,
		lock_start_date TEXT NOT NULL,
		lock_end_date TEXT NOT NULL,
		accounting_period_id TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		reason TEXT,
		reference_number TEXT,
		locked_by TEXT,
		locked_by_role TEXT,
		released_by TEXT,
		released_at TEXT,
		release_notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_tenant_active
		ON ledger_locks(tenant_id, status, lock_start_date, lock_end_date);

	-- Payout state machine
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		settlement_ref TEXT NOT NULL,
		settlement_date TEXT NOT NULL,
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		fees_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		bank_account_number TEXT,
		bank_ifsc TEXT,
		bank_name TEXT,
		status TEXT NOT NULL,
		funds_reserved_at TEXT,
		sent_to_bank_at TEXT,
		bank_confirmed_at TEXT,
		settled_at TEXT,
		failed_at TEXT,
		bank_reference_number TEXT,
		bank_transaction_id TEXT,
		utr_number TEXT,
		settlement_batch_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at TEXT,
		failure_reason TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_settlements_tenant_ref
		ON settlements(tenant_id, settlement_ref);
	CREATE INDEX IF NOT EXISTS idx_settlements_tenant_status
		ON settlements(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_settlements_retry_due
		ON settlements(status, next_retry_at);

	-- Append-only state history
	CREATE TABLE IF NOT EXISTS settlement_transitions (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL REFERENCES settlements(id),
		tenant_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		transitioned_at TEXT NOT NULL,
		actor TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_settlement
		ON settlement_transitions(settlement_id);

	-- Append-only retry history
	CREATE TABLE IF NOT EXISTS settlement_retries (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL REFERENCES settlements(id),
		tenant_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		attempted_at TEXT NOT NULL,
		actor TEXT,
		next_retry_at TEXT,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_retries_settlement
		ON settlement_retries(settlement_id);

	-- Gateway reconciliation
	CREATE TABLE IF NOT EXISTS recon_batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		gateway_name TEXT NOT NULL,
		account_code TEXT NOT NULL,
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		status TEXT NOT NULL,
		total_external INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		missing_internal INTEGER NOT NULL DEFAULT 0,
		missing_external INTEGER NOT NULL DEFAULT 0,
		amount_mismatch INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS recon_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		batch_id TEXT NOT NULL REFERENCES recon_batches(id),
		external_order_id TEXT,
		external_ref TEXT,
		external_amount TEXT,
		external_date TEXT,
		internal_transaction_id TEXT,
		internal_amount TEXT,
		match_status TEXT NOT NULL,
		resolution_status TEXT NOT NULL DEFAULT 'unresolved',
		resolution_notes TEXT,
		resolved_by TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recon_items_batch
		ON recon_items(batch_id, match_status);

	-- Dual-confirmation overrides
	CREATE TABLE IF NOT EXISTS override_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		request_type TEXT NOT NULL,
		requestor_id TEXT NOT NULL,
		requestor_role TEXT NOT NULL,
		justification TEXT NOT NULL,
		request_data_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		approver_id TEXT,
		approver_role TEXT,
		approval_reason TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_tenant_status
		ON override_requests(tenant_id, status);

	-- Immutable approval log, one row per decision
	CREATE TABLE IF NOT EXISTS admin_overrides_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		request_type TEXT NOT NULL,
		requestor_id TEXT NOT NULL,
		requestor_role TEXT NOT NULL,
		approver_id TEXT NOT NULL,
		approver_role TEXT NOT NULL,
		justification TEXT,
		approval_reason TEXT,
		affected_ids TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_override_log_request
		ON admin_overrides_log(request_id);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		actor TEXT,
		actor_role TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant_entity
		ON audit_log(tenant_id, entity_type, entity_id);

	-- Denied operations
	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor TEXT,
		detail TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_security_events_tenant
		ON security_events(tenant_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION BOUNDARY (domain.DB)
// =============================================================================

// WithTx executes fn within a single database transaction. The view
// passed to fn skips the store mutex; WithTx holds the write lock for
// the whole unit of work.
func (s *Store) WithTx(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		// Already inside a transaction; join it.
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &Store{db: s.db, q: sqlTx, mu: s.mu, inTx: true}
	if err := fn(view); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Lock helpers. Views created by WithTx run under the outer write lock,
// so their methods must not touch the mutex again.

func (s *Store) readLock() {
	if !s.inTx {
		s.mu.RLock()
	}
}

func (s *Store) readUnlock() {
	if !s.inTx {
		s.mu.RUnlock()
	}
}

func (s *Store) writeLock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *Store) writeUnlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullTime(t *time.Time, layout string) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(layout), Valid: true}
}

func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func parseNullUUID(ns sql.NullString) *uuid.UUID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

func parseTime(s, layout string) time.Time {
	t, _ := time.Parse(layout, s)
	return t
}

func parseNullTime(ns sql.NullString, layout string) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(layout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseNullDec(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMeta(ns sql.NullString) map[string]string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]string
	json.Unmarshal([]byte(ns.String), &m)
	return m
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isIdempotencyKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "idempotency_key")
}
