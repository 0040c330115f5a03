/*
Package domain holds the entity model for the payment aggregator core.

PURPOSE:

	This package contains the shared types, error kinds, and persistence
	interface used by every subsystem: the double-entry ledger, accounting
	periods and locks, the settlement state machine, reconciliation, and the
	override approval workflow. It has no behavior beyond small pure helpers;
	services live in their own packages and the sqlite store implements the
	Store interface defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A seeded chart-of-accounts record (escrow, merchant, gateway,
    platform revenue). Accounts are never created at runtime.
  - Transaction: A posting unit. Immutable once posted, except for the single
    posted -> reversed transition.
  - Entry: One debit or credit leg of a transaction. Strictly immutable.
  - PostInput/PostResult: The posting contract, including idempotent replay.
  - AccountBalance: The derived (tenant, account) balance view.

DESIGN PRINCIPLES:
 1. Immutability: Postings are never edited; corrections are sibling
    reversal transactions.
 2. Precision: All money is decimal.Decimal. Binary floats never touch a
    balance check.
 3. Tenant isolation: Every entity carries a tenant_id and every query
    filters on it.
 4. Auditability: Every state change emits an audit record in the same
    database transaction.

SEE ALSO:
  - errors.go: Error kinds shared across subsystems
  - store.go: Persistence interface implemented by store/sqlite
  - fingerprint.go: Immutability fingerprints and idempotency hashes
*/
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS - Seeded chart of accounts
// =============================================================================

type AccountType string

const (
	AccountEscrow          AccountType = "escrow"
	AccountMerchant        AccountType = "merchant"
	AccountGateway         AccountType = "gateway"
	AccountPlatformRevenue AccountType = "platform_revenue"
)

type NormalBalance string

const (
	NormalDebit  NormalBalance = "debit"
	NormalCredit NormalBalance = "credit"
)

type AccountCategory string

const (
	CategoryAsset     AccountCategory = "asset"
	CategoryLiability AccountCategory = "liability"
	CategoryRevenue   AccountCategory = "revenue"
	CategoryExpense   AccountCategory = "expense"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Account is an immutable master record from the seeded chart of accounts.
type Account struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	Category      AccountCategory
	GatewayName   string
	Status        AccountStatus
	CreatedAt     time.Time
}

// Seeded account codes. Event handlers post against these.
const (
	AcctEscrowBank          = "ESCROW-BANK"
	AcctEscrowLiability     = "ESCROW-LIABILITY"
	AcctMerchantReceivable  = "MERCHANT-RECEIVABLE"
	AcctMerchantPayable     = "MERCHANT-PAYABLE"
	AcctMerchantSettlement  = "MERCHANT-SETTLEMENT"
	AcctPlatformReceivable  = "PLATFORM-RECEIVABLE"
	AcctPlatformMDR         = "PLATFORM-MDR"
	AcctGatewayFeeExpense   = "GATEWAY-FEE-EXPENSE"
	AcctGatewayPayable      = "GATEWAY-PAYABLE"
	AcctChargebackLiability = "CHARGEBACK-LIABILITY"
)

// =============================================================================
// TRANSACTIONS AND ENTRIES - The double-entry posting unit
// =============================================================================

type TransactionStatus string

const (
	TxPending  TransactionStatus = "pending"
	TxPosted   TransactionStatus = "posted"
	TxReversed TransactionStatus = "reversed"
)

type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Opposite returns the swapped entry type, used when building reversals.
func (t EntryType) Opposite() EntryType {
	if t == EntryDebit {
		return EntryCredit
	}
	return EntryDebit
}

// Transaction is a posting unit. Once Status is TxPosted the row is immutable
// except for the single transition to TxReversed, which also sets
// ReversedByTransactionID.
type Transaction struct {
	ID                      uuid.UUID
	TenantID                uuid.UUID
	TransactionRef          string
	IdempotencyKey          string
	RequestHash             string
	EventType               string
	SourceTransactionID     string
	SourceOrderID           string
	Amount                  decimal.Decimal
	Currency                string
	Description             string
	Status                  TransactionStatus
	ReversesTransactionID   *uuid.UUID
	ReversedByTransactionID *uuid.UUID
	Metadata                map[string]string
	CreatedBy               string
	// TransactionDate is the accounting date checked against periods and
	// locks. CreatedAt is the wall-clock insert time.
	TransactionDate time.Time
	CreatedAt       time.Time
}

// Entry is one leg of a transaction. Entries are immutable.
type Entry struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	AccountCode   string
	EntryType     EntryType
	Amount        decimal.Decimal
	Currency      string
	Description   string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// =============================================================================
// POSTING CONTRACT
// =============================================================================

// EntryInput is one requested leg of a posting.
type EntryInput struct {
	AccountCode string
	EntryType   EntryType
	Amount      decimal.Decimal
	Description string
	Metadata    map[string]string
}

// PostInput is the full posting request. TransactionDate is the accounting
// date checked against periods and locks; the zero value means "now".
type PostInput struct {
	TenantID            uuid.UUID
	TransactionRef      string
	IdempotencyKey      string
	EventType           string
	SourceTransactionID string
	SourceOrderID       string
	Amount              decimal.Decimal
	Currency            string
	Description         string
	Entries             []EntryInput
	Metadata            map[string]string
	CreatedBy           string
	TransactionDate     time.Time
	OverrideRequestID   *uuid.UUID
}

// PostValidation reports the debit/credit totals checked at post time.
type PostValidation struct {
	TotalDebits  decimal.Decimal
	TotalCredits decimal.Decimal
	Balanced     bool
}

// PostResult is returned from a post. Duplicate is true when the idempotency
// key matched an earlier transaction and the stored result was returned.
type PostResult struct {
	Transaction Transaction
	Entries     []Entry
	Duplicate   bool
	Validation  PostValidation
}

// =============================================================================
// BALANCES AND SUMMARIES - Derived views
// =============================================================================

// AccountBalance is the derived balance of one account for one tenant.
// Balance is signed by the account's normal balance: debits-credits for
// debit-normal accounts, credits-debits otherwise.
type AccountBalance struct {
	TenantID      uuid.UUID
	AccountID     uuid.UUID
	AccountCode   string
	AccountName   string
	AccountType   AccountType
	NormalBalance NormalBalance
	Debits        decimal.Decimal
	Credits       decimal.Decimal
	Balance       decimal.Decimal
	AsOf          *time.Time
}

// Signed computes the signed balance from raw debit/credit totals.
func Signed(normal NormalBalance, debits, credits decimal.Decimal) decimal.Decimal {
	if normal == NormalDebit {
		return debits.Sub(credits)
	}
	return credits.Sub(debits)
}

// LedgerSummary aggregates balances and posting activity over a window.
type LedgerSummary struct {
	TenantID         uuid.UUID
	From             time.Time
	To               time.Time
	TransactionCount int
	TotalVolume      decimal.Decimal
	Accounts         []AccountBalance
}

// =============================================================================
// ACTOR ROLES
// =============================================================================

// Roles recognized by the lock release and override approval flows.
const (
	RoleFinanceAdmin    = "finance-admin"
	RoleComplianceAdmin = "compliance-admin"
)
