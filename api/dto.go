/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract: field names
  stay stable for clients while the domain model evolves, and request
  validation lives in struct tags instead of handler bodies.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Requests carry go-playground/validator tags and are checked with one
  shared *validator.Validate before any service call. Amounts travel as
  JSON strings and are parsed into decimals by the handlers, so float
  rounding never touches money.

SEE ALSO:
  - handlers.go: Uses these types
  - webhook.go: Webhook-specific payloads
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/arthapay/paycore/domain"
)

// =============================================================================
// POSTING CONTRACT
// =============================================================================

// EntryRequest is one requested leg of a posting.
type EntryRequest struct {
	AccountCode string            `json:"accountCode" validate:"required"`
	EntryType   string            `json:"entryType" validate:"required,oneof=debit credit"`
	Amount      string            `json:"amount" validate:"required"`
	Currency    string            `json:"currency,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PostTransactionRequest is the posting contract body.
type PostTransactionRequest struct {
	TenantID            string            `json:"tenantId,omitempty"`
	TransactionRef      string            `json:"transactionRef" validate:"required"`
	IdempotencyKey      string            `json:"idempotencyKey,omitempty"`
	EventType           string            `json:"eventType" validate:"required"`
	Amount              string            `json:"amount" validate:"required"`
	Currency            string            `json:"currency,omitempty"`
	Description         string            `json:"description,omitempty"`
	Entries             []EntryRequest    `json:"entries" validate:"required,min=2,dive"`
	SourceTransactionID string            `json:"sourceTransactionId,omitempty"`
	SourceOrderID       string            `json:"sourceOrderId,omitempty"`
	TransactionDate     string            `json:"transactionDate,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedBy           string            `json:"createdBy" validate:"required"`
	SourceEvent         string            `json:"sourceEvent,omitempty"`
	OverrideRequestID   string            `json:"overrideRequestId,omitempty"`
}

// ReverseTransactionRequest reverses a posted transaction.
type ReverseTransactionRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// TransactionDTO represents a journal transaction in responses.
type TransactionDTO struct {
	ID                      string            `json:"id"`
	TenantID                string            `json:"tenantId"`
	TransactionRef          string            `json:"transactionRef"`
	IdempotencyKey          string            `json:"idempotencyKey,omitempty"`
	EventType               string            `json:"eventType"`
	SourceTransactionID     string            `json:"sourceTransactionId,omitempty"`
	SourceOrderID           string            `json:"sourceOrderId,omitempty"`
	Amount                  string            `json:"amount"`
	Currency                string            `json:"currency"`
	Description             string            `json:"description,omitempty"`
	Status                  string            `json:"status"`
	ReversesTransactionID   string            `json:"reversesTransactionId,omitempty"`
	ReversedByTransactionID string            `json:"reversedByTransactionId,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	CreatedBy               string            `json:"createdBy"`
	TransactionDate         string            `json:"transactionDate"`
	CreatedAt               string            `json:"createdAt"`
}

// EntryDTO represents one leg in responses.
type EntryDTO struct {
	ID          string `json:"id"`
	AccountCode string `json:"accountCode"`
	EntryType   string `json:"entryType"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// ValidationDTO reports the debit/credit totals checked at post time.
type ValidationDTO struct {
	TotalDebits  string `json:"totalDebits"`
	TotalCredits string `json:"totalCredits"`
	Balanced     bool   `json:"balanced"`
}

// PostResultDTO is the posting contract response.
type PostResultDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Entries     []EntryDTO     `json:"entries"`
	Duplicate   bool           `json:"duplicate"`
	Validation  ValidationDTO  `json:"validation"`
}

// BalanceDTO represents one account balance.
type BalanceDTO struct {
	AccountCode string `json:"accountCode"`
	AccountName string `json:"accountName"`
	AccountType string `json:"accountType"`
	Debits      string `json:"debits"`
	Credits     string `json:"credits"`
	Balance     string `json:"balance"`
	AsOf        string `json:"asOf,omitempty"`
}

// SummaryDTO aggregates balances and posting activity over a window.
type SummaryDTO struct {
	From             string       `json:"from"`
	To               string       `json:"to"`
	TransactionCount int          `json:"transactionCount"`
	TotalVolume      string       `json:"totalVolume"`
	Accounts         []BalanceDTO `json:"accounts"`
}

// =============================================================================
// PERIODS AND LOCKS
// =============================================================================

// CreatePeriodRequest opens an accounting period.
type CreatePeriodRequest struct {
	PeriodType string `json:"periodType" validate:"required,oneof=DAILY MONTHLY"`
	Start      string `json:"start" validate:"required"`
	End        string `json:"end" validate:"required"`
}

// ClosePeriodRequest advances a period's close state.
type ClosePeriodRequest struct {
	Target string `json:"target" validate:"required,oneof=SOFT_CLOSED HARD_CLOSED"`
	Notes  string `json:"notes,omitempty"`
}

// PeriodDTO represents an accounting period.
type PeriodDTO struct {
	ID           string `json:"id"`
	PeriodType   string `json:"periodType"`
	PeriodStart  string `json:"periodStart"`
	PeriodEnd    string `json:"periodEnd"`
	Status       string `json:"status"`
	ClosedBy     string `json:"closedBy,omitempty"`
	ClosedAt     string `json:"closedAt,omitempty"`
	ClosureNotes string `json:"closureNotes,omitempty"`
}

// PostingCheckDTO is the posting-gate verdict for a date.
type PostingCheckDTO struct {
	PeriodID         string   `json:"periodId,omitempty"`
	PeriodStatus     string   `json:"periodStatus,omitempty"`
	PostingAllowed   bool     `json:"postingAllowed"`
	OverrideRequired bool     `json:"overrideRequired"`
	Locked           bool     `json:"locked"`
	Lock             *LockDTO `json:"lock,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// ApplyLockRequest freezes a date range.
type ApplyLockRequest struct {
	LockType        string `json:"lockType" validate:"required,oneof=PERIOD_LOCK AUDIT_LOCK RECONCILIATION_LOCK"`
	Start           string `json:"start" validate:"required"`
	End             string `json:"end" validate:"required"`
	Reason          string `json:"reason" validate:"required"`
	ReferenceNumber string `json:"referenceNumber,omitempty"`
}

// ReleaseLockRequest lifts a lock.
type ReleaseLockRequest struct {
	Notes string `json:"notes,omitempty"`
}

// LockDTO represents a ledger lock.
type LockDTO struct {
	ID              string `json:"id"`
	LockType        string `json:"lockType"`
	LockStartDate   string `json:"lockStartDate"`
	LockEndDate     string `json:"lockEndDate"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ReferenceNumber string `json:"referenceNumber,omitempty"`
	LockedBy        string `json:"lockedBy,omitempty"`
	ReleasedBy      string `json:"releasedBy,omitempty"`
	ReleasedAt      string `json:"releasedAt,omitempty"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// CreateSettlementRequest opens a payout.
type CreateSettlementRequest struct {
	MerchantID        string `json:"merchantId" validate:"required,uuid"`
	SettlementRef     string `json:"settlementRef" validate:"required"`
	SettlementDate    string `json:"settlementDate" validate:"required"`
	PeriodFrom        string `json:"periodFrom" validate:"required"`
	PeriodTo          string `json:"periodTo" validate:"required"`
	GrossAmount       string `json:"grossAmount" validate:"required"`
	FeesAmount        string `json:"feesAmount,omitempty"`
	Currency          string `json:"currency,omitempty"`
	BankAccountNumber string `json:"bankAccountNumber,omitempty"`
	BankIFSC          string `json:"bankIfsc,omitempty"`
	BankName          string `json:"bankName,omitempty"`
}

// TransitionSettlementRequest moves a settlement along its state graph.
type TransitionSettlementRequest struct {
	Target   string            `json:"target" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SettlementDTO represents a payout.
type SettlementDTO struct {
	ID                string `json:"id"`
	MerchantID        string `json:"merchantId"`
	SettlementRef     string `json:"settlementRef"`
	SettlementDate    string `json:"settlementDate"`
	PeriodFrom        string `json:"periodFrom"`
	PeriodTo          string `json:"periodTo"`
	GrossAmount       string `json:"grossAmount"`
	FeesAmount        string `json:"feesAmount"`
	NetAmount         string `json:"netAmount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	UTRNumber         string `json:"utrNumber,omitempty"`
	SettlementBatchID string `json:"settlementBatchId,omitempty"`
	RetryCount        int    `json:"retryCount"`
	MaxRetries        int    `json:"maxRetries"`
	NextRetryAt       string `json:"nextRetryAt,omitempty"`
	FailureReason     string `json:"failureReason,omitempty"`
	Final             bool   `json:"final"`
	CreatedAt         string `json:"createdAt"`
}

// TransitionDTO is one row of a settlement's state history.
type TransitionDTO struct {
	FromStatus string            `json:"fromStatus"`
	ToStatus   string            `json:"toStatus"`
	At         string            `json:"at"`
	By         string            `json:"by"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// OVERRIDES
// =============================================================================

// OverrideRequestBody files an override request.
type OverrideRequestBody struct {
	RequestType   string            `json:"requestType" validate:"required"`
	Justification string            `json:"justification" validate:"required,min=10"`
	RequestData   map[string]string `json:"requestData,omitempty"`
}

// OverrideDecisionRequest approves or rejects an override.
type OverrideDecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OverrideDTO represents an override request.
type OverrideDTO struct {
	ID             string            `json:"id"`
	RequestType    string            `json:"requestType"`
	RequestorID    string            `json:"requestorId"`
	RequestorRole  string            `json:"requestorRole"`
	Justification  string            `json:"justification"`
	RequestData    map[string]string `json:"requestData,omitempty"`
	Status         string            `json:"status"`
	ApproverID     string            `json:"approverId,omitempty"`
	ApproverRole   string            `json:"approverRole,omitempty"`
	ApprovalReason string            `json:"approvalReason,omitempty"`
	CreatedAt      string            `json:"createdAt"`
	DecidedAt      string            `json:"decidedAt,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ExternalRecordRequest is one row of a gateway settlement file.
type ExternalRecordRequest struct {
	OrderID     string `json:"orderId" validate:"required"`
	ExternalRef string `json:"externalRef,omitempty"`
	Amount      string `json:"amount" validate:"required"`
	Date        string `json:"date,omitempty"`
}

// RunReconRequest starts a reconciliation batch.
type RunReconRequest struct {
	GatewayName string                  `json:"gatewayName" validate:"required"`
	AccountCode string                  `json:"accountCode" validate:"required"`
	PeriodFrom  string                  `json:"periodFrom" validate:"required"`
	PeriodTo    string                  `json:"periodTo" validate:"required"`
	External    []ExternalRecordRequest `json:"external" validate:"dive"`
}

// ResolveReconItemRequest records an investigation outcome.
type ResolveReconItemRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=resolved investigating written_off"`
	Notes      string `json:"notes,omitempty"`
}

// ReconBatchDTO represents a reconciliation run.
type ReconBatchDTO struct {
	ID              string `json:"id"`
	GatewayName     string `json:"gatewayName"`
	AccountCode     string `json:"accountCode"`
	PeriodFrom      string `json:"periodFrom"`
	PeriodTo        string `json:"periodTo"`
	Status          string `json:"status"`
	TotalExternal   int    `json:"totalExternal"`
	Matched         int    `json:"matched"`
	AmountMismatch  int    `json:"amountMismatch"`
	MissingInternal int    `json:"missingInternal"`
	MissingExternal int    `json:"missingExternal"`
	CreatedAt       string `json:"createdAt"`
	CompletedAt     string `json:"completedAt,omitempty"`
}

// ReconItemDTO represents one classified row.
type ReconItemDTO struct {
	ID                    string `json:"id"`
	ExternalOrderID       string `json:"externalOrderId,omitempty"`
	ExternalRef           string `json:"externalRef,omitempty"`
	ExternalAmount        string `json:"externalAmount,omitempty"`
	InternalTransactionID string `json:"internalTransactionId,omitempty"`
	InternalAmount        string `json:"internalAmount,omitempty"`
	MatchStatus           string `json:"matchStatus"`
	ResolutionStatus      string `json:"resolutionStatus"`
	ResolutionNotes       string `json:"resolutionNotes,omitempty"`
	ResolvedBy            string `json:"resolvedBy,omitempty"`
}

// =============================================================================
// ROUTER
// =============================================================================

// GatewayHealthDTO is a read-only health snapshot.
type GatewayHealthDTO struct {
	Gateway     string  `json:"gateway"`
	SuccessRate float64 `json:"successRate"`
	AvgMs       float64 `json:"avgResponseMs"`
	P95Ms       float64 `json:"p95ResponseMs"`
	Score       float64 `json:"healthScore"`
	Status      string  `json:"status"`
}

// RoutePreviewRequest asks which gateway would take a payment.
type RoutePreviewRequest struct {
	OrderID  string   `json:"orderId" validate:"required"`
	Amount   string   `json:"amount" validate:"required"`
	Currency string   `json:"currency,omitempty"`
	Method   string   `json:"method,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

// RoutePreviewDTO is the selection verdict plus the fallback chain.
type RoutePreviewDTO struct {
	Gateway   string   `json:"gateway"`
	Strategy  string   `json:"strategy"`
	Fallbacks []string `json:"fallbacks"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toTransactionDTO(t domain.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                  t.ID.String(),
		TenantID:            t.TenantID.String(),
		TransactionRef:      t.TransactionRef,
		IdempotencyKey:      t.IdempotencyKey,
		EventType:           t.EventType,
		SourceTransactionID: t.SourceTransactionID,
		SourceOrderID:       t.SourceOrderID,
		Amount:              t.Amount.StringFixed(2),
		Currency:            t.Currency,
		Description:         t.Description,
		Status:              string(t.Status),
		Metadata:            t.Metadata,
		CreatedBy:           t.CreatedBy,
		TransactionDate:     t.TransactionDate.Format("2006-01-02"),
		CreatedAt:           t.CreatedAt.Format(time.RFC3339),
	}
	if t.ReversesTransactionID != nil {
		dto.ReversesTransactionID = t.ReversesTransactionID.String()
	}
	if t.ReversedByTransactionID != nil {
		dto.ReversedByTransactionID = t.ReversedByTransactionID.String()
	}
	return dto
}

func toEntryDTOs(entries []domain.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{
			ID:          e.ID.String(),
			AccountCode: e.AccountCode,
			EntryType:   string(e.EntryType),
			Amount:      e.Amount.StringFixed(2),
			Currency:    e.Currency,
			Description: e.Description,
		}
	}
	return out
}

func toPostResultDTO(res *domain.PostResult) PostResultDTO {
	return PostResultDTO{
		Transaction: toTransactionDTO(res.Transaction),
		Entries:     toEntryDTOs(res.Entries),
		Duplicate:   res.Duplicate,
		Validation: ValidationDTO{
			TotalDebits:  res.Validation.TotalDebits.StringFixed(2),
			TotalCredits: res.Validation.TotalCredits.StringFixed(2),
			Balanced:     res.Validation.Balanced,
		},
	}
}

func toBalanceDTO(b domain.AccountBalance) BalanceDTO {
	dto := BalanceDTO{
		AccountCode: b.AccountCode,
		AccountName: b.AccountName,
		AccountType: string(b.AccountType),
		Debits:      b.Debits.StringFixed(2),
		Credits:     b.Credits.StringFixed(2),
		Balance:     b.Balance.StringFixed(2),
	}
	if b.AsOf != nil {
		dto.AsOf = b.AsOf.Format("2006-01-02")
	}
	return dto
}

func toPeriodDTO(p domain.Period) PeriodDTO {
	dto := PeriodDTO{
		ID:           p.ID.String(),
		PeriodType:   string(p.PeriodType),
		PeriodStart:  p.PeriodStart.Format("2006-01-02"),
		PeriodEnd:    p.PeriodEnd.Format("2006-01-02"),
		Status:       string(p.Status),
		ClosedBy:     p.ClosedBy,
		ClosureNotes: p.ClosureNotes,
	}
	if p.ClosedAt != nil {
		dto.ClosedAt = p.ClosedAt.Format(time.RFC3339)
	}
	return dto
}

func toLockDTO(l domain.Lock) LockDTO {
	dto := LockDTO{
		ID:              l.ID.String(),
		LockType:        string(l.LockType),
		LockStartDate:   l.LockStartDate.Format("2006-01-02"),
		LockEndDate:     l.LockEndDate.Format("2006-01-02"),
		Status:          string(l.Status),
		Reason:          l.Reason,
		ReferenceNumber: l.ReferenceNumber,
		LockedBy:        l.LockedBy,
		ReleasedBy:      l.ReleasedBy,
	}
	if l.ReleasedAt != nil {
		dto.ReleasedAt = l.ReleasedAt.Format(time.RFC3339)
	}
	return dto
}

func toPostingCheckDTO(c domain.PostingCheck) PostingCheckDTO {
	dto := PostingCheckDTO{
		PeriodStatus:     string(c.PeriodStatus),
		PostingAllowed:   c.PostingAllowed,
		OverrideRequired: c.OverrideRequired,
		Locked:           c.Locked,
		Reason:           c.Reason,
	}
	if c.PeriodID != nil {
		dto.PeriodID = c.PeriodID.String()
	}
	if c.Lock != nil {
		lock := toLockDTO(*c.Lock)
		dto.Lock = &lock
	}
	return dto
}

func toSettlementDTO(s domain.Settlement) SettlementDTO {
	dto := SettlementDTO{
		ID:                s.ID.String(),
		MerchantID:        s.MerchantID.String(),
		SettlementRef:     s.SettlementRef,
		SettlementDate:    s.SettlementDate.Format("2006-01-02"),
		PeriodFrom:        s.PeriodFrom.Format("2006-01-02"),
		PeriodTo:          s.PeriodTo.Format("2006-01-02"),
		GrossAmount:       s.GrossAmount.StringFixed(2),
		FeesAmount:        s.FeesAmount.StringFixed(2),
		NetAmount:         s.NetAmount.StringFixed(2),
		Currency:          s.Currency,
		Status:            string(s.Status),
		UTRNumber:         s.UTRNumber,
		SettlementBatchID: s.SettlementBatchID,
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		FailureReason:     s.FailureReason,
		Final:             s.Final(),
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
	}
	if s.NextRetryAt != nil {
		dto.NextRetryAt = s.NextRetryAt.Format(time.RFC3339)
	}
	return dto
}

func toOverrideDTO(r domain.OverrideRequest) OverrideDTO {
	dto := OverrideDTO{
		ID:             r.ID.String(),
		RequestType:    r.RequestType,
		RequestorID:    r.RequestorID,
		RequestorRole:  r.RequestorRole,
		Justification:  r.Justification,
		RequestData:    r.RequestData,
		Status:         string(r.Status),
		ApproverID:     r.ApproverID,
		ApproverRole:   r.ApproverRole,
		ApprovalReason: r.ApprovalReason,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func toReconBatchDTO(b domain.ReconBatch) ReconBatchDTO {
	dto := ReconBatchDTO{
		ID:              b.ID.String(),
		GatewayName:     b.GatewayName,
		AccountCode:     b.AccountCode,
		PeriodFrom:      b.PeriodFrom.Format("2006-01-02"),
		PeriodTo:        b.PeriodTo.Format("2006-01-02"),
		Status:          string(b.Status),
		TotalExternal:   b.TotalExternal,
		Matched:         b.Matched,
		AmountMismatch:  b.AmountMismatch,
		MissingInternal: b.MissingInternal,
		MissingExternal: b.MissingExternal,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
	if b.CompletedAt != nil {
		dto.CompletedAt = b.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toReconItemDTO(it domain.ReconItem) ReconItemDTO {
	dto := ReconItemDTO{
		ID:               it.ID.String(),
		ExternalOrderID:  it.ExternalOrderID,
		ExternalRef:      it.ExternalRef,
		MatchStatus:      string(it.MatchStatus),
		ResolutionStatus: string(it.ResolutionStatus),
		ResolutionNotes:  it.ResolutionNotes,
		ResolvedBy:       it.ResolvedBy,
	}
	if it.ExternalAmount != nil {
		dto.ExternalAmount = it.ExternalAmount.StringFixed(2)
	}
	if it.InternalAmount != nil {
		dto.InternalAmount = it.InternalAmount.StringFixed(2)
	}
	if it.InternalTransactionID != nil {
		dto.InternalTransactionID = it.InternalTransactionID.String()
	}
	return dto
}

// parseAmount parses a JSON string amount into a decimal.
func parseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
