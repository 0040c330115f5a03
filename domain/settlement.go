/*
settlement.go - Settlement aggregate and state history

PURPOSE:

	A settlement is the scheduled payout from the aggregator's escrow to a
	merchant's bank account. It moves through a directed state graph with
	bounded retries; the UTR number issued by the bank marks real disbursement.

FINALITY:

	A settlement is final only when Status is SETTLED and UTRNumber is
	non-empty. BANK_CONFIRMED is not final.

SEE ALSO:
  - settlement/machine.go: Transition validation and retry policy
  - events.go: The settlement posting emitted when funds are settled
*/
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementCreated       SettlementStatus = "CREATED"
	SettlementFundsReserved SettlementStatus = "FUNDS_RESERVED"
	SettlementSentToBank    SettlementStatus = "SENT_TO_BANK"
	SettlementBankConfirmed SettlementStatus = "BANK_CONFIRMED"
	SettlementSettled       SettlementStatus = "SETTLED"
	SettlementFailed        SettlementStatus = "FAILED"
	SettlementRetried       SettlementStatus = "RETRIED"
)

// Terminal reports whether no further transitions may leave the status.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementSettled
}

type Settlement struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	MerchantID          uuid.UUID
	SettlementRef       string
	SettlementDate      time.Time
	PeriodFrom          time.Time
	PeriodTo            time.Time
	GrossAmount         decimal.Decimal
	FeesAmount          decimal.Decimal
	NetAmount           decimal.Decimal
	Currency            string
	BankAccountNumber   string
	BankIFSC            string
	BankName            string
	Status              SettlementStatus
	FundsReservedAt     *time.Time
	SentToBankAt        *time.Time
	BankConfirmedAt     *time.Time
	SettledAt           *time.Time
	FailedAt            *time.Time
	BankReferenceNumber string
	BankTransactionID   string
	UTRNumber           string
	SettlementBatchID   string
	RetryCount          int
	MaxRetries          int
	NextRetryAt         *time.Time
	FailureReason       string
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Final reports settlement finality: SETTLED with a bank-issued UTR.
func (s Settlement) Final() bool {
	return s.Status == SettlementSettled && s.UTRNumber != ""
}

// StateTransition is one row of the append-only transition history.
// FromStatus is empty for the seed row written at creation.
type StateTransition struct {
	ID           uuid.UUID
	SettlementID uuid.UUID
	TenantID     uuid.UUID
	FromStatus   SettlementStatus
	ToStatus     SettlementStatus
	At           time.Time
	By           string
	Metadata     map[string]string
}

// RetryAttempt is one row of the append-only retry history.
type RetryAttempt struct {
	ID           uuid.UUID
	SettlementID uuid.UUID
	TenantID     uuid.UUID
	Attempt      int
	At           time.Time
	By           string
	NextRetryAt  time.Time
	Reason       string
}
