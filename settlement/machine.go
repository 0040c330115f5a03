/*
Package settlement drives merchant payouts through their state graph.

PURPOSE:

	A settlement moves escrowed funds to the merchant's bank account. The
	machine validates every transition against the directed graph below,
	appends each move to an immutable transition history, and bounds
	retries with a backoff ladder.

STATE GRAPH:

	CREATED        -> FUNDS_RESERVED
	FUNDS_RESERVED -> SENT_TO_BANK | FAILED
	SENT_TO_BANK   -> BANK_CONFIRMED | FAILED
	BANK_CONFIRMED -> SETTLED
	SETTLED        -> (terminal)
	FAILED         -> RETRIED         (iff retry_count < max_retries)
	RETRIED        -> FUNDS_RESERVED

	Anything else fails with SettlementStateError{from, to}.

FINALITY:

	BANK_CONFIRMED requires a non-empty UTR number; a settlement is final
	only at SETTLED with that UTR recorded. The SETTLED move posts the
	settlement event through the ledger in the same database transaction,
	so a closed posting gate rolls the whole move back.

SEE ALSO:
  - domain/settlement.go: Aggregate and history rows
  - events/handler.go: The settlement posting rule
  - api/worker.go: The poll-based retry worker
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
)

// transitions is the directed state graph. FAILED -> RETRIED carries
// the additional retry-budget guard checked in Retry.
var transitions = map[domain.SettlementStatus][]domain.SettlementStatus{
	domain.SettlementCreated:       {domain.SettlementFundsReserved},
	domain.SettlementFundsReserved: {domain.SettlementSentToBank, domain.SettlementFailed},
	domain.SettlementSentToBank:    {domain.SettlementBankConfirmed, domain.SettlementFailed},
	domain.SettlementBankConfirmed: {domain.SettlementSettled},
	domain.SettlementSettled:       {},
	domain.SettlementFailed:        {domain.SettlementRetried},
	domain.SettlementRetried:       {domain.SettlementFundsReserved},
}

func legal(from, to domain.SettlementStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine owns settlement lifecycle operations.
type Machine struct {
	db     domain.DB
	events *events.Handler
	cfg    config.SettlementConfig
	log    *zap.Logger
}

// NewMachine builds a Machine.
func NewMachine(db domain.DB, handler *events.Handler, cfg config.SettlementConfig, log *zap.Logger) *Machine {
	return &Machine{db: db, events: handler, cfg: cfg, log: log}
}

// =============================================================================
// CREATION
// =============================================================================

// CreateInput names everything needed to schedule a payout.
type CreateInput struct {
	TenantID          uuid.UUID
	MerchantID        uuid.UUID
	SettlementRef     string
	SettlementDate    time.Time
	PeriodFrom        time.Time
	PeriodTo          time.Time
	GrossAmount       decimal.Decimal
	FeesAmount        decimal.Decimal
	Currency          string
	BankAccountNumber string
	BankIFSC          string
	BankName          string
	Actor             string
}

// Create inserts a settlement in CREATED with a seeded transition row.
func (m *Machine) Create(ctx context.Context, in CreateInput) (*domain.Settlement, error) {
	if in.SettlementRef == "" {
		return nil, fmt.Errorf("%w: settlement ref is required", domain.ErrInvalidInput)
	}
	if !in.GrossAmount.IsPositive() {
		return nil, fmt.Errorf("%w: gross amount must be positive", domain.ErrInvalidInput)
	}
	if in.FeesAmount.IsNegative() {
		return nil, fmt.Errorf("%w: fees must not be negative", domain.ErrInvalidInput)
	}
	net := in.GrossAmount.Sub(in.FeesAmount)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: fees exceed the gross amount", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	s := domain.Settlement{
		ID:                uuid.New(),
		TenantID:          in.TenantID,
		MerchantID:        in.MerchantID,
		SettlementRef:     in.SettlementRef,
		SettlementDate:    in.SettlementDate,
		PeriodFrom:        in.PeriodFrom,
		PeriodTo:          in.PeriodTo,
		GrossAmount:       in.GrossAmount,
		FeesAmount:        in.FeesAmount,
		NetAmount:         net,
		Currency:          in.Currency,
		BankAccountNumber: in.BankAccountNumber,
		BankIFSC:          in.BankIFSC,
		BankName:          in.BankName,
		Status:            domain.SettlementCreated,
		RetryCount:        0,
		MaxRetries:        m.cfg.MaxRetries,
		CreatedBy:         in.Actor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := m.db.WithTx(ctx, func(st domain.Store) error {
		if err := st.InsertSettlement(ctx, s); err != nil {
			return err
		}
		if err := st.InsertSettlementTransition(ctx, domain.StateTransition{
			ID:           uuid.New(),
			SettlementID: s.ID,
			TenantID:     in.TenantID,
			FromStatus:   "",
			ToStatus:     domain.SettlementCreated,
			At:           now,
			By:           in.Actor,
		}); err != nil {
			return err
		}
		return st.InsertAudit(ctx, domain.NewAudit(in.TenantID, domain.AuditEntitySettlement,
			s.ID.String(), "create", in.Actor, "", "", nil, s))
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("settlement created",
		zap.String("tenant", in.TenantID.String()),
		zap.String("settlement", s.ID.String()),
		zap.String("ref", in.SettlementRef),
		zap.String("net", net.String()))
	return &s, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition moves a settlement to the target state as one atomic unit:
// load, validate the edge, append the history row, stamp the state
// timestamp, update the row, write the audit record.
func (m *Machine) Transition(ctx context.Context, tenantID, settlementID uuid.UUID, target domain.SettlementStatus, actor string, metadata map[string]string) (*domain.Settlement, error) {
	var updated domain.Settlement
	err := m.db.WithTx(ctx, func(st domain.Store) error {
		var err error
		updated, err = m.transitionWithStore(ctx, st, tenantID, settlementID, target, actor, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("settlement transitioned",
		zap.String("tenant", tenantID.String()),
		zap.String("settlement", settlementID.String()),
		zap.String("to", string(target)))
	return &updated, nil
}

func (m *Machine) transitionWithStore(ctx context.Context, st domain.Store, tenantID, settlementID uuid.UUID, target domain.SettlementStatus, actor string, metadata map[string]string) (domain.Settlement, error) {
	s, err := st.GetSettlement(ctx, tenantID, settlementID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if s == nil {
		return domain.Settlement{}, fmt.Errorf("%w: %s", domain.ErrSettlementNotFound, settlementID)
	}

	if !legal(s.Status, target) {
		return domain.Settlement{}, &domain.SettlementStateError{SettlementID: s.ID, From: s.Status, To: target}
	}

	now := time.Now().UTC()
	before := *s

	switch target {
	case domain.SettlementFundsReserved:
		s.FundsReservedAt = &now
	case domain.SettlementSentToBank:
		s.SentToBankAt = &now
		if batch := metadata["batchId"]; batch != "" {
			s.SettlementBatchID = batch
		}
		if ref := metadata["bankReferenceNumber"]; ref != "" {
			s.BankReferenceNumber = ref
		}
	case domain.SettlementBankConfirmed:
		utr := metadata["utr"]
		if utr == "" {
			return domain.Settlement{}, fmt.Errorf("%w: settlement %s", domain.ErrUTRNumberRequired, settlementID)
		}
		s.BankConfirmedAt = &now
		s.UTRNumber = utr
		if bankTxn := metadata["bankTransactionId"]; bankTxn != "" {
			s.BankTransactionID = bankTxn
		}
	case domain.SettlementSettled:
		s.SettledAt = &now
	case domain.SettlementFailed:
		s.FailedAt = &now
		if reason := metadata["reason"]; reason != "" {
			s.FailureReason = reason
		}
	}

	s.Status = target
	s.UpdatedAt = now
	if err := st.UpdateSettlement(ctx, *s); err != nil {
		return domain.Settlement{}, err
	}

	if err := st.InsertSettlementTransition(ctx, domain.StateTransition{
		ID:           uuid.New(),
		SettlementID: s.ID,
		TenantID:     tenantID,
		FromStatus:   before.Status,
		ToStatus:     target,
		At:           now,
		By:           actor,
		Metadata:     metadata,
	}); err != nil {
		return domain.Settlement{}, err
	}

	if err := st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntitySettlement,
		s.ID.String(), "transition:"+string(target), actor, "", "", before, *s)); err != nil {
		return domain.Settlement{}, err
	}

	return *s, nil
}

// ReserveFunds moves CREATED (or re-entered RETRIED) to FUNDS_RESERVED.
func (m *Machine) ReserveFunds(ctx context.Context, tenantID, settlementID uuid.UUID, actor string) (*domain.Settlement, error) {
	return m.Transition(ctx, tenantID, settlementID, domain.SettlementFundsReserved, actor, nil)
}

// SendToBank moves FUNDS_RESERVED to SENT_TO_BANK, recording the bank
// batch id.
func (m *Machine) SendToBank(ctx context.Context, tenantID, settlementID uuid.UUID, batchID, actor string) (*domain.Settlement, error) {
	return m.Transition(ctx, tenantID, settlementID, domain.SettlementSentToBank, actor,
		map[string]string{"batchId": batchID})
}

// ConfirmByBank moves SENT_TO_BANK to BANK_CONFIRMED. The UTR number is
// the bank's proof of disbursement and is mandatory.
func (m *Machine) ConfirmByBank(ctx context.Context, tenantID, settlementID uuid.UUID, utrNumber, actor string) (*domain.Settlement, error) {
	return m.Transition(ctx, tenantID, settlementID, domain.SettlementBankConfirmed, actor,
		map[string]string{"utr": utrNumber})
}

// MarkSettled moves BANK_CONFIRMED to SETTLED and posts the settlement
// event in the same database transaction. A refused posting gate rolls
// the transition back.
func (m *Machine) MarkSettled(ctx context.Context, tenantID, settlementID uuid.UUID, actor string) (*domain.Settlement, error) {
	var updated domain.Settlement
	err := m.db.WithTx(ctx, func(st domain.Store) error {
		s, err := m.transitionWithStore(ctx, st, tenantID, settlementID, domain.SettlementSettled, actor, nil)
		if err != nil {
			return err
		}

		if _, err := m.events.PostSettlementWithStore(ctx, st, domain.SettlementCompletedEvent{
			TenantID:     tenantID,
			SettlementID: s.ID.String(),
			MerchantID:   s.MerchantID.String(),
			Amount:       s.NetAmount,
			Currency:     s.Currency,
			UTRNumber:    s.UTRNumber,
			OccurredAt:   time.Now().UTC(),
			Actor:        actor,
		}); err != nil {
			return err
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("settlement settled",
		zap.String("tenant", tenantID.String()),
		zap.String("settlement", settlementID.String()),
		zap.String("utr", updated.UTRNumber))
	return &updated, nil
}

// MarkFailed moves any non-terminal settlement to FAILED with a reason.
func (m *Machine) MarkFailed(ctx context.Context, tenantID, settlementID uuid.UUID, reason, actor string) (*domain.Settlement, error) {
	var updated domain.Settlement
	err := m.db.WithTx(ctx, func(st domain.Store) error {
		s, err := st.GetSettlement(ctx, tenantID, settlementID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", domain.ErrSettlementNotFound, settlementID)
		}
		if s.Status.Terminal() || s.Status == domain.SettlementFailed {
			return &domain.SettlementStateError{SettlementID: s.ID, From: s.Status, To: domain.SettlementFailed}
		}

		now := time.Now().UTC()
		before := *s
		s.Status = domain.SettlementFailed
		s.FailedAt = &now
		s.FailureReason = reason
		s.UpdatedAt = now
		if err := st.UpdateSettlement(ctx, *s); err != nil {
			return err
		}

		if err := st.InsertSettlementTransition(ctx, domain.StateTransition{
			ID:           uuid.New(),
			SettlementID: s.ID,
			TenantID:     tenantID,
			FromStatus:   before.Status,
			ToStatus:     domain.SettlementFailed,
			At:           now,
			By:           actor,
			Metadata:     map[string]string{"reason": reason},
		}); err != nil {
			return err
		}

		updated = *s
		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntitySettlement,
			s.ID.String(), "fail", actor, "", reason, before, *s))
	})
	if err != nil {
		return nil, err
	}

	m.log.Warn("settlement failed",
		zap.String("tenant", tenantID.String()),
		zap.String("settlement", settlementID.String()),
		zap.String("reason", reason))
	return &updated, nil
}

// =============================================================================
// RETRIES
// =============================================================================

// backoff returns the wait before the next attempt, clamped to the last
// rung of the ladder.
func (m *Machine) backoff(retryCount int) time.Duration {
	steps := m.cfg.RetryBackoffMinutes
	idx := retryCount
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	return time.Duration(steps[idx]) * time.Minute
}

// Retry re-enters a FAILED settlement: budget check, backoff schedule,
// retry history row, then FAILED -> RETRIED -> FUNDS_RESERVED, all in
// one atomic unit.
func (m *Machine) Retry(ctx context.Context, tenantID, settlementID uuid.UUID, actor string) (*domain.Settlement, error) {
	var updated domain.Settlement
	err := m.db.WithTx(ctx, func(st domain.Store) error {
		s, err := st.GetSettlement(ctx, tenantID, settlementID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", domain.ErrSettlementNotFound, settlementID)
		}
		if s.Status != domain.SettlementFailed {
			return &domain.SettlementStateError{SettlementID: s.ID, From: s.Status, To: domain.SettlementRetried}
		}
		if s.RetryCount >= s.MaxRetries {
			return fmt.Errorf("%w: settlement %s used %d of %d retries",
				domain.ErrSettlementRetryExhausted, settlementID, s.RetryCount, s.MaxRetries)
		}

		now := time.Now().UTC()
		nextRetry := now.Add(m.backoff(s.RetryCount))
		s.RetryCount++
		s.NextRetryAt = &nextRetry

		if err := st.InsertRetryAttempt(ctx, domain.RetryAttempt{
			ID:           uuid.New(),
			SettlementID: s.ID,
			TenantID:     tenantID,
			Attempt:      s.RetryCount,
			At:           now,
			By:           actor,
			NextRetryAt:  nextRetry,
			Reason:       s.FailureReason,
		}); err != nil {
			return err
		}

		if err := st.UpdateSettlement(ctx, *s); err != nil {
			return err
		}

		if _, err := m.transitionWithStore(ctx, st, tenantID, settlementID,
			domain.SettlementRetried, actor, map[string]string{"attempt": fmt.Sprintf("%d", s.RetryCount)}); err != nil {
			return err
		}
		updated, err = m.transitionWithStore(ctx, st, tenantID, settlementID,
			domain.SettlementFundsReserved, actor, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("settlement retried",
		zap.String("tenant", tenantID.String()),
		zap.String("settlement", settlementID.String()),
		zap.Int("attempt", updated.RetryCount))
	return &updated, nil
}

// DueForRetry lists the tenant's FAILED settlements whose backoff has
// elapsed and whose retry budget remains.
func (m *Machine) DueForRetry(ctx context.Context, tenantID uuid.UUID) ([]domain.Settlement, error) {
	failed, err := m.db.ListSettlements(ctx, tenantID, domain.SettlementFailed)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	due := failed[:0]
	for _, s := range failed {
		if s.RetryCount >= s.MaxRetries {
			continue
		}
		if s.NextRetryAt != nil && s.NextRetryAt.After(now) {
			continue
		}
		due = append(due, s)
	}
	return due, nil
}

// ScanDueForRetry crosses tenants for the background worker.
func (m *Machine) ScanDueForRetry(ctx context.Context, limit int) ([]domain.Settlement, error) {
	return m.db.ListSettlementsDueForRetry(ctx, time.Now().UTC(), limit)
}

// =============================================================================
// READS
// =============================================================================

// Get loads one settlement.
func (m *Machine) Get(ctx context.Context, tenantID, settlementID uuid.UUID) (*domain.Settlement, error) {
	s, err := m.db.GetSettlement(ctx, tenantID, settlementID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSettlementNotFound, settlementID)
	}
	return s, nil
}

// History returns the append-only transition rows, oldest first.
func (m *Machine) History(ctx context.Context, tenantID, settlementID uuid.UUID) ([]domain.StateTransition, error) {
	return m.db.ListSettlementTransitions(ctx, tenantID, settlementID)
}

// RetryHistory returns the append-only retry rows, oldest first.
func (m *Machine) RetryHistory(ctx context.Context, tenantID, settlementID uuid.UUID) ([]domain.RetryAttempt, error) {
	return m.db.ListRetryAttempts(ctx, tenantID, settlementID)
}

// List returns settlements filtered by status; an empty status lists
// all.
func (m *Machine) List(ctx context.Context, tenantID uuid.UUID, status domain.SettlementStatus) ([]domain.Settlement, error) {
	return m.db.ListSettlements(ctx, tenantID, status)
}
