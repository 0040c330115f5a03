/*
recon.go - Reconciliation batches and items

Gateway reconciliation compares an external settlement report against the
internal ledger activity of the corresponding gateway account. Every external
record gets exactly one item row; internal postings left unmatched at the end
of a run become missing_external items.
*/
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReconBatchStatus string

const (
	ReconRunning   ReconBatchStatus = "running"
	ReconCompleted ReconBatchStatus = "completed"
	ReconCancelled ReconBatchStatus = "cancelled"
)

type MatchStatus string

const (
	MatchMatched         MatchStatus = "matched"
	MatchMissingInternal MatchStatus = "missing_internal"
	MatchMissingExternal MatchStatus = "missing_external"
	MatchAmountMismatch  MatchStatus = "amount_mismatch"
)

type ResolutionStatus string

const (
	ResolutionUnresolved    ResolutionStatus = "unresolved"
	ResolutionResolved      ResolutionStatus = "resolved"
	ResolutionInvestigating ResolutionStatus = "investigating"
	ResolutionWrittenOff    ResolutionStatus = "written_off"
)

// ExternalRecord is one line of a gateway's settlement report.
type ExternalRecord struct {
	OrderID     string
	ExternalRef string
	Amount      decimal.Decimal
	Date        time.Time
}

type ReconBatch struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	GatewayName     string
	AccountCode     string
	PeriodFrom      time.Time
	PeriodTo        time.Time
	Status          ReconBatchStatus
	TotalExternal   int
	Matched         int
	MissingInternal int
	MissingExternal int
	AmountMismatch  int
	CreatedBy       string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type ReconItem struct {
	ID                    uuid.UUID
	TenantID              uuid.UUID
	BatchID               uuid.UUID
	ExternalOrderID       string
	ExternalRef           string
	ExternalAmount        *decimal.Decimal
	ExternalDate          *time.Time
	InternalTransactionID *uuid.UUID
	InternalAmount        *decimal.Decimal
	MatchStatus           MatchStatus
	ResolutionStatus      ResolutionStatus
	ResolutionNotes       string
	ResolvedBy            string
	ResolvedAt            *time.Time
	CreatedAt             time.Time
}
