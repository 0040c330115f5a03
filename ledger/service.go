/*
Package ledger is the double-entry posting engine.

PURPOSE:

	Every financial effect in the platform lands here as a balanced set of
	debit and credit entries inside one transaction row. The engine
	enforces idempotency, tenant isolation, the posting gate (periods and
	locks), and balance within the configured tolerance. Corrections are
	sibling reversal transactions, never edits.

CRITICAL INVARIANTS:
 1. BALANCED: posted implies |sum(debits) - sum(credits)| <= tolerance.
 2. IMMUTABLE: entries are never updated or deleted; a posted
    transaction changes only on the single posted -> reversed transition.
 3. IDEMPOTENT: the same idempotency key with the same request hash
    returns the stored result; the same key with a different hash is an
    IdempotencyConflict.
 4. ATOMIC: the transaction row, its entries, the balance deltas, and
    the audit record commit or roll back as one database transaction.

POSTING GATE:

	Evaluated inside the posting transaction, strictest period type wins.
	An active lock always refuses. A SOFT_CLOSED period refuses unless the
	input presents an approved override request covering the posting date.
	A HARD_CLOSED period refuses unconditionally.

SEE ALSO:
  - domain/types.go: PostInput / PostResult contract
  - period/controller.go: The gate logic
  - events/handler.go: The business-event posting rules built on top
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/period"
)

// Service is the posting engine. All methods are safe for concurrent
// use; the store serializes writers.
type Service struct {
	db  domain.DB
	cfg config.LedgerConfig
	log *zap.Logger
}

// NewService builds a Service.
func NewService(db domain.DB, cfg config.LedgerConfig, log *zap.Logger) *Service {
	return &Service{db: db, cfg: cfg, log: log}
}

// =============================================================================
// POSTING
// =============================================================================

// PostTransaction posts a balanced transaction as one atomic unit.
func (s *Service) PostTransaction(ctx context.Context, in domain.PostInput) (*domain.PostResult, error) {
	var result *domain.PostResult
	err := s.db.WithTx(ctx, func(st domain.Store) error {
		var err error
		result, err = s.PostWithStore(ctx, st, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.log.Info("transaction posted",
			zap.String("tenant", in.TenantID.String()),
			zap.String("ref", result.Transaction.TransactionRef),
			zap.String("amount", result.Transaction.Amount.String()),
			zap.Int("entries", len(result.Entries)))
	}
	return result, nil
}

// PostWithStore runs the posting steps against an existing store view,
// letting callers (the settlement machine, event handlers) fold the post
// into their own database transaction.
func (s *Service) PostWithStore(ctx context.Context, st domain.Store, in domain.PostInput) (*domain.PostResult, error) {
	if err := s.normalize(&in); err != nil {
		return nil, err
	}

	// Idempotent replay: same key + same payload returns the stored
	// result; same key + different payload is a conflict.
	hash := domain.RequestHash(in)
	if in.IdempotencyKey != "" {
		prior, err := st.GetTransactionByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if prior.TenantID != in.TenantID {
				return nil, fmt.Errorf("%w: idempotency key %q belongs to another tenant",
					domain.ErrTenantMismatch, in.IdempotencyKey)
			}
			if prior.RequestHash != hash {
				return nil, &domain.IdempotencyConflictError{Key: in.IdempotencyKey}
			}
			return s.replay(ctx, st, prior)
		}
	}

	if err := s.checkGate(ctx, st, in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := domain.Transaction{
		ID:                  uuid.New(),
		TenantID:            in.TenantID,
		TransactionRef:      in.TransactionRef,
		IdempotencyKey:      in.IdempotencyKey,
		RequestHash:         hash,
		EventType:           in.EventType,
		SourceTransactionID: in.SourceTransactionID,
		SourceOrderID:       in.SourceOrderID,
		Amount:              in.Amount,
		Currency:            in.Currency,
		Description:         in.Description,
		Status:              domain.TxPending,
		Metadata:            in.Metadata,
		CreatedBy:           in.CreatedBy,
		TransactionDate:     in.TransactionDate,
		CreatedAt:           now,
	}
	if err := st.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	entries, totals, err := s.writeEntries(ctx, st, tx, in.Entries)
	if err != nil {
		return nil, err
	}

	diff := totals.TotalDebits.Sub(totals.TotalCredits).Abs()
	if diff.GreaterThan(s.cfg.BalanceTolerance) {
		return nil, &domain.UnbalancedError{
			TransactionRef: tx.TransactionRef,
			TotalDebits:    totals.TotalDebits,
			TotalCredits:   totals.TotalCredits,
		}
	}
	totals.Balanced = true

	if err := st.MarkTransactionPosted(ctx, tx.TenantID, tx.ID); err != nil {
		return nil, err
	}
	tx.Status = domain.TxPosted

	if err := st.InsertAudit(ctx, domain.NewAudit(tx.TenantID, domain.AuditEntityTransaction,
		tx.ID.String(), "post", in.CreatedBy, "", in.Description, nil, tx)); err != nil {
		return nil, err
	}

	return &domain.PostResult{Transaction: tx, Entries: entries, Validation: totals}, nil
}

// normalize applies defaults and rejects structurally bad input before
// anything is written.
func (s *Service) normalize(in *domain.PostInput) error {
	if in.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", domain.ErrInvalidInput)
	}
	if in.TransactionRef == "" {
		return fmt.Errorf("%w: transaction ref is required", domain.ErrInvalidInput)
	}
	if len(in.Entries) < 2 {
		return fmt.Errorf("%w: a transaction needs at least two entries", domain.ErrInvalidInput)
	}
	if in.Currency == "" {
		in.Currency = s.cfg.DefaultCurrency
	}
	if in.TransactionDate.IsZero() {
		in.TransactionDate = time.Now().UTC()
	}
	for i := range in.Entries {
		e := &in.Entries[i]
		if e.AccountCode == "" {
			return fmt.Errorf("%w: entry %d has no account code", domain.ErrInvalidInput, i)
		}
		if e.EntryType != domain.EntryDebit && e.EntryType != domain.EntryCredit {
			return fmt.Errorf("%w: entry %d has entry type %q", domain.ErrInvalidInput, i, e.EntryType)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d amount must be strictly positive", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

// checkGate evaluates periods and locks for the posting date. Locks
// always refuse; SOFT_CLOSED refuses unless an approved override covers
// the date; HARD_CLOSED refuses unconditionally.
func (s *Service) checkGate(ctx context.Context, st domain.Store, in domain.PostInput) error {
	check, err := period.CheckPostingAllowedAll(ctx, st, in.TenantID, in.TransactionDate)
	if err != nil {
		return err
	}
	if check.PostingAllowed {
		return nil
	}
	if check.Locked {
		return &domain.LockedError{Lock: *check.Lock}
	}
	if !check.OverrideRequired {
		// HARD_CLOSED: no override accepted.
		return &domain.PeriodClosedError{PeriodID: *check.PeriodID, Status: check.PeriodStatus}
	}
	if in.OverrideRequestID == nil {
		return fmt.Errorf("%w: %s", domain.ErrOverrideRequired, check.Reason)
	}
	if err := approval.Validate(ctx, st, in.TenantID, *in.OverrideRequestID, in.TransactionDate); err != nil {
		return err
	}
	return nil
}

// writeEntries resolves accounts, inserts the legs, and applies the
// materialized balance deltas.
func (s *Service) writeEntries(ctx context.Context, st domain.Store, tx domain.Transaction, inputs []domain.EntryInput) ([]domain.Entry, domain.PostValidation, error) {
	totals := domain.PostValidation{TotalDebits: decimal.Zero, TotalCredits: decimal.Zero}
	entries := make([]domain.Entry, 0, len(inputs))

	for _, in := range inputs {
		acct, err := st.GetAccountByCode(ctx, tx.TenantID, in.AccountCode)
		if err != nil {
			return nil, totals, err
		}
		if acct == nil {
			return nil, totals, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, in.AccountCode)
		}
		if acct.Status != domain.AccountActive {
			return nil, totals, fmt.Errorf("%w: %s", domain.ErrAccountInactive, in.AccountCode)
		}

		e := domain.Entry{
			ID:            uuid.New(),
			TenantID:      tx.TenantID,
			TransactionID: tx.ID,
			AccountID:     acct.ID,
			AccountCode:   acct.Code,
			EntryType:     in.EntryType,
			Amount:        in.Amount,
			Currency:      tx.Currency,
			Description:   in.Description,
			Metadata:      in.Metadata,
			CreatedAt:     tx.CreatedAt,
		}
		if err := st.InsertEntry(ctx, e); err != nil {
			return nil, totals, err
		}

		var debit, credit decimal.Decimal
		if in.EntryType == domain.EntryDebit {
			debit = in.Amount
			totals.TotalDebits = totals.TotalDebits.Add(in.Amount)
		} else {
			credit = in.Amount
			totals.TotalCredits = totals.TotalCredits.Add(in.Amount)
		}
		if err := st.ApplyBalanceDelta(ctx, tx.TenantID, acct.ID, debit, credit, tx.CreatedAt); err != nil {
			return nil, totals, err
		}

		entries = append(entries, e)
	}

	return entries, totals, nil
}

// replay rebuilds the stored result for an idempotent hit.
func (s *Service) replay(ctx context.Context, st domain.Store, prior *domain.Transaction) (*domain.PostResult, error) {
	entries, err := st.ListEntriesForTransaction(ctx, prior.TenantID, prior.ID)
	if err != nil {
		return nil, err
	}

	totals := domain.PostValidation{TotalDebits: decimal.Zero, TotalCredits: decimal.Zero}
	for _, e := range entries {
		if e.EntryType == domain.EntryDebit {
			totals.TotalDebits = totals.TotalDebits.Add(e.Amount)
		} else {
			totals.TotalCredits = totals.TotalCredits.Add(e.Amount)
		}
	}
	totals.Balanced = totals.TotalDebits.Sub(totals.TotalCredits).Abs().LessThanOrEqual(s.cfg.BalanceTolerance)

	return &domain.PostResult{Transaction: *prior, Entries: entries, Duplicate: true, Validation: totals}, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReverseTransaction creates the sibling reversal of a posted
// transaction: same legs with entry types swapped, ref "<orig>-REV".
// The original row changes only its status and back-reference. One
// atomic unit; a transaction reverses at most once.
func (s *Service) ReverseTransaction(ctx context.Context, tenantID, originalID uuid.UUID, reason, actor string) (*domain.PostResult, error) {
	var result *domain.PostResult
	err := s.db.WithTx(ctx, func(st domain.Store) error {
		var err error
		result, err = s.ReverseWithStore(ctx, st, tenantID, originalID, reason, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transaction reversed",
		zap.String("tenant", tenantID.String()),
		zap.String("original", originalID.String()),
		zap.String("reversal", result.Transaction.ID.String()))
	return result, nil
}

// ReverseWithStore runs the reversal against an existing store view.
func (s *Service) ReverseWithStore(ctx context.Context, st domain.Store, tenantID, originalID uuid.UUID, reason, actor string) (*domain.PostResult, error) {
	orig, err := st.GetTransaction(ctx, tenantID, originalID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, originalID)
	}
	if orig.Status != domain.TxPosted {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrAlreadyReversed, originalID, orig.Status)
	}

	origEntries, err := st.ListEntriesForTransaction(ctx, tenantID, originalID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rev := domain.Transaction{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		TransactionRef:        orig.TransactionRef + "-REV",
		EventType:             orig.EventType,
		SourceTransactionID:   orig.SourceTransactionID,
		SourceOrderID:         orig.SourceOrderID,
		Amount:                orig.Amount,
		Currency:              orig.Currency,
		Description:           reason,
		Status:                domain.TxPending,
		ReversesTransactionID: &orig.ID,
		CreatedBy:             actor,
		TransactionDate:       now,
		CreatedAt:             now,
	}
	if err := st.InsertTransaction(ctx, rev); err != nil {
		return nil, err
	}

	totals := domain.PostValidation{TotalDebits: decimal.Zero, TotalCredits: decimal.Zero}
	revEntries := make([]domain.Entry, 0, len(origEntries))
	for _, oe := range origEntries {
		e := domain.Entry{
			ID:            uuid.New(),
			TenantID:      tenantID,
			TransactionID: rev.ID,
			AccountID:     oe.AccountID,
			AccountCode:   oe.AccountCode,
			EntryType:     oe.EntryType.Opposite(),
			Amount:        oe.Amount,
			Currency:      oe.Currency,
			Description:   reason,
			CreatedAt:     now,
		}
		if err := st.InsertEntry(ctx, e); err != nil {
			return nil, err
		}

		var debit, credit decimal.Decimal
		if e.EntryType == domain.EntryDebit {
			debit = e.Amount
			totals.TotalDebits = totals.TotalDebits.Add(e.Amount)
		} else {
			credit = e.Amount
			totals.TotalCredits = totals.TotalCredits.Add(e.Amount)
		}
		if err := st.ApplyBalanceDelta(ctx, tenantID, e.AccountID, debit, credit, now); err != nil {
			return nil, err
		}
		revEntries = append(revEntries, e)
	}
	totals.Balanced = true

	if err := st.MarkTransactionPosted(ctx, tenantID, rev.ID); err != nil {
		return nil, err
	}
	rev.Status = domain.TxPosted

	if err := st.MarkTransactionReversed(ctx, tenantID, orig.ID, rev.ID); err != nil {
		return nil, err
	}

	if err := st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityTransaction,
		orig.ID.String(), "reverse", actor, "", reason, orig, rev)); err != nil {
		return nil, err
	}

	return &domain.PostResult{Transaction: rev, Entries: revEntries, Validation: totals}, nil
}

// =============================================================================
// READS
// =============================================================================

// GetAccountBalance returns the balance of one account. A nil asOf reads
// the materialized row; a point in time recomputes from posted entries
// with created_at <= asOf.
func (s *Service) GetAccountBalance(ctx context.Context, tenantID uuid.UUID, accountCode string, asOf *time.Time) (*domain.AccountBalance, error) {
	acct, err := s.db.GetAccountByCode(ctx, tenantID, accountCode)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountCode)
	}

	if asOf == nil {
		bal, err := s.db.GetBalance(ctx, tenantID, acct.ID)
		if err != nil {
			return nil, err
		}
		if bal == nil {
			bal = &domain.AccountBalance{TenantID: tenantID, AccountID: acct.ID,
				Debits: decimal.Zero, Credits: decimal.Zero}
		}
		bal.AccountCode = acct.Code
		bal.AccountName = acct.Name
		bal.AccountType = acct.Type
		bal.NormalBalance = acct.NormalBalance
		bal.Balance = domain.Signed(acct.NormalBalance, bal.Debits, bal.Credits)
		return bal, nil
	}

	debits, credits, err := s.db.SumEntriesAsOf(ctx, tenantID, acct.ID, *asOf)
	if err != nil {
		return nil, err
	}
	return &domain.AccountBalance{
		TenantID:      tenantID,
		AccountID:     acct.ID,
		AccountCode:   acct.Code,
		AccountName:   acct.Name,
		AccountType:   acct.Type,
		NormalBalance: acct.NormalBalance,
		Debits:        debits,
		Credits:       credits,
		Balance:       domain.Signed(acct.NormalBalance, debits, credits),
		AsOf:          asOf,
	}, nil
}

// GetTransaction returns a transaction with its entries joined to
// account metadata.
func (s *Service) GetTransaction(ctx context.Context, tenantID, txID uuid.UUID) (*domain.Transaction, []domain.Entry, error) {
	tx, err := s.db.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return nil, nil, err
	}
	if tx == nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, txID)
	}
	entries, err := s.db.ListEntriesForTransaction(ctx, tenantID, txID)
	if err != nil {
		return nil, nil, err
	}
	return tx, entries, nil
}

// GetSummary aggregates balances and posting activity over [from, to],
// optionally filtered to one account type.
func (s *Service) GetSummary(ctx context.Context, tenantID uuid.UUID, from, to time.Time, accountType domain.AccountType) (*domain.LedgerSummary, error) {
	balances, err := s.db.ListBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.db.ListAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]domain.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	kept := balances[:0]
	for _, b := range balances {
		acct, ok := byID[b.AccountID]
		if !ok {
			continue
		}
		if accountType != "" && acct.Type != accountType {
			continue
		}
		b.AccountCode = acct.Code
		b.AccountName = acct.Name
		b.AccountType = acct.Type
		b.NormalBalance = acct.NormalBalance
		b.Balance = domain.Signed(acct.NormalBalance, b.Debits, b.Credits)
		kept = append(kept, b)
	}

	txs, err := s.db.ListTransactionsInRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	volume := decimal.Zero
	count := 0
	for _, tx := range txs {
		if tx.Status != domain.TxPosted && tx.Status != domain.TxReversed {
			continue
		}
		count++
		volume = volume.Add(tx.Amount)
	}

	return &domain.LedgerSummary{
		TenantID:         tenantID,
		From:             from,
		To:               to,
		TransactionCount: count,
		TotalVolume:      volume,
		Accounts:         kept,
	}, nil
}

// VerifyFingerprint recomputes the fingerprint of a stored transaction,
// used by the integrity endpoint to detect tampering.
func (s *Service) VerifyFingerprint(ctx context.Context, tenantID, txID uuid.UUID) (string, error) {
	tx, entries, err := s.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return "", err
	}
	return domain.TransactionFingerprint(*tx, entries), nil
}

// ValidateEntryCurrencies rejects inputs whose entries declare a
// currency different from the transaction's. The API layer calls this
// before building a PostInput, since entry inputs inherit the
// transaction currency once inside the engine.
func ValidateEntryCurrencies(txCurrency string, entryCurrencies []string) error {
	for _, c := range entryCurrencies {
		if c != "" && !strings.EqualFold(c, txCurrency) {
			return fmt.Errorf("%w: entry currency %s vs transaction currency %s",
				domain.ErrCurrencyMismatch, c, txCurrency)
		}
	}
	return nil
}
