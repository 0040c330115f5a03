/*
Package recon matches gateway settlement reports against the ledger.

PURPOSE:

	A reconciliation batch takes the external report of one gateway for a
	date range and classifies every line against internal postings:

	  matched          order found, amounts within tolerance
	  amount_mismatch  order found, |delta| beyond tolerance
	  missing_internal external line with no internal posting
	  missing_external internal posting with no external line

	Every classification persists as one item with
	resolution_status=unresolved; operators walk the queue with Resolve.

CANCELLATION:

	Long runs are cancellable by marking the batch cancelled; the matcher
	re-reads the batch status periodically and stops classifying.
*/
package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/domain"
)

// amountTolerance mirrors the ledger's balance tolerance: deltas at or
// under a paisa still count as matched.
var amountTolerance = decimal.NewFromFloat(0.01)

// cancelCheckEvery is how many items the matcher classifies between
// re-reads of the batch status.
const cancelCheckEvery = 100

// Service owns reconciliation batches and their items.
type Service struct {
	db  domain.DB
	log *zap.Logger
}

// NewService builds a Service.
func NewService(db domain.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log}
}

// =============================================================================
// BATCH RUN
// =============================================================================

// RunInput names one gateway reconciliation run.
type RunInput struct {
	TenantID    uuid.UUID
	GatewayName string
	AccountCode string
	PeriodFrom  time.Time
	PeriodTo    time.Time
	External    []domain.ExternalRecord
	Actor       string
}

// Run executes a gateway reconciliation batch and returns it with its
// counters filled in. Items persist individually as they classify.
func (s *Service) Run(ctx context.Context, in RunInput) (*domain.ReconBatch, error) {
	if in.GatewayName == "" || in.AccountCode == "" {
		return nil, fmt.Errorf("%w: gateway name and account code are required", domain.ErrInvalidInput)
	}

	batch := domain.ReconBatch{
		ID:            uuid.New(),
		TenantID:      in.TenantID,
		GatewayName:   in.GatewayName,
		AccountCode:   in.AccountCode,
		PeriodFrom:    domain.DateOnly(in.PeriodFrom),
		PeriodTo:      domain.DateOnly(in.PeriodTo),
		Status:        domain.ReconRunning,
		TotalExternal: len(in.External),
		CreatedBy:     in.Actor,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.InsertReconBatch(ctx, batch); err != nil {
		return nil, err
	}

	internal, err := s.internalPostings(ctx, in)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.classify(ctx, &batch, in.External, internal)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if cancelled {
		batch.Status = domain.ReconCancelled
	} else {
		batch.Status = domain.ReconCompleted
		batch.CompletedAt = &now
	}

	err = s.db.WithTx(ctx, func(st domain.Store) error {
		if err := st.UpdateReconBatch(ctx, batch); err != nil {
			return err
		}
		return st.InsertAudit(ctx, domain.NewAudit(in.TenantID, domain.AuditEntityReconBatch,
			batch.ID.String(), "run", in.Actor, "", "", nil, batch))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("reconciliation batch finished",
		zap.String("tenant", in.TenantID.String()),
		zap.String("batch", batch.ID.String()),
		zap.String("gateway", in.GatewayName),
		zap.String("status", string(batch.Status)),
		zap.Int("matched", batch.Matched),
		zap.Int("missing_internal", batch.MissingInternal),
		zap.Int("missing_external", batch.MissingExternal),
		zap.Int("amount_mismatch", batch.AmountMismatch))
	return &batch, nil
}

// internalPostings loads the gateway's posted payment transactions in
// the batch window, keyed by order id.
func (s *Service) internalPostings(ctx context.Context, in RunInput) (map[string]domain.Transaction, error) {
	txs, err := s.db.ListTransactionsInRange(ctx, in.TenantID, in.PeriodFrom, in.PeriodTo)
	if err != nil {
		return nil, err
	}

	byOrder := make(map[string]domain.Transaction)
	for _, tx := range txs {
		if tx.Status != domain.TxPosted || tx.EventType != domain.EventPaymentSuccess {
			continue
		}
		if tx.SourceOrderID == "" || tx.Metadata["gateway"] != in.GatewayName {
			continue
		}
		// First posting per order wins; later duplicates surface as
		// missing_external items.
		if _, seen := byOrder[tx.SourceOrderID]; !seen {
			byOrder[tx.SourceOrderID] = tx
		}
	}
	return byOrder, nil
}

// classify walks the external report, consuming internal postings as
// they match. Returns true when the batch was cancelled mid-run.
func (s *Service) classify(ctx context.Context, batch *domain.ReconBatch, external []domain.ExternalRecord, internal map[string]domain.Transaction) (bool, error) {
	now := time.Now().UTC()

	for i, ext := range external {
		if i > 0 && i%cancelCheckEvery == 0 {
			fresh, err := s.db.GetReconBatch(ctx, batch.TenantID, batch.ID)
			if err != nil {
				return false, err
			}
			if fresh != nil && fresh.Status == domain.ReconCancelled {
				return true, nil
			}
		}

		item := domain.ReconItem{
			ID:               uuid.New(),
			TenantID:         batch.TenantID,
			BatchID:          batch.ID,
			ExternalOrderID:  ext.OrderID,
			ExternalRef:      ext.ExternalRef,
			ExternalAmount:   decPtr(ext.Amount),
			ExternalDate:     timePtr(ext.Date),
			ResolutionStatus: domain.ResolutionUnresolved,
			CreatedAt:        now,
		}

		tx, found := internal[ext.OrderID]
		switch {
		case !found:
			item.MatchStatus = domain.MatchMissingInternal
			batch.MissingInternal++
		case tx.Amount.Sub(ext.Amount).Abs().GreaterThan(amountTolerance):
			item.MatchStatus = domain.MatchAmountMismatch
			item.InternalTransactionID = &tx.ID
			item.InternalAmount = decPtr(tx.Amount)
			batch.AmountMismatch++
			delete(internal, ext.OrderID)
		default:
			item.MatchStatus = domain.MatchMatched
			item.InternalTransactionID = &tx.ID
			item.InternalAmount = decPtr(tx.Amount)
			item.ResolutionStatus = domain.ResolutionResolved
			batch.Matched++
			delete(internal, ext.OrderID)
		}

		if err := s.db.InsertReconItem(ctx, item); err != nil {
			return false, err
		}
	}

	// Internal postings nothing in the report claimed.
	for orderID, tx := range internal {
		item := domain.ReconItem{
			ID:                    uuid.New(),
			TenantID:              batch.TenantID,
			BatchID:               batch.ID,
			ExternalOrderID:       orderID,
			InternalTransactionID: &tx.ID,
			InternalAmount:        decPtr(tx.Amount),
			MatchStatus:           domain.MatchMissingExternal,
			ResolutionStatus:      domain.ResolutionUnresolved,
			CreatedAt:             now,
		}
		if err := s.db.InsertReconItem(ctx, item); err != nil {
			return false, err
		}
		batch.MissingExternal++
	}

	return false, nil
}

// Cancel flags a running batch so the matcher stops at its next check.
func (s *Service) Cancel(ctx context.Context, tenantID, batchID uuid.UUID) error {
	batch, err := s.db.GetReconBatch(ctx, tenantID, batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("%w: %s", domain.ErrReconBatchNotFound, batchID)
	}
	if batch.Status != domain.ReconRunning {
		return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidInput, batchID, batch.Status)
	}
	batch.Status = domain.ReconCancelled
	return s.db.UpdateReconBatch(ctx, *batch)
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve records an operator's disposition of one discrepancy.
func (s *Service) Resolve(ctx context.Context, tenantID, itemID uuid.UUID, resolution domain.ResolutionStatus, notes, actor string) (*domain.ReconItem, error) {
	switch resolution {
	case domain.ResolutionResolved, domain.ResolutionInvestigating, domain.ResolutionWrittenOff:
	default:
		return nil, fmt.Errorf("%w: resolution %q", domain.ErrInvalidInput, resolution)
	}

	var resolved domain.ReconItem
	err := s.db.WithTx(ctx, func(st domain.Store) error {
		item, err := st.GetReconItem(ctx, tenantID, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("%w: %s", domain.ErrReconItemNotFound, itemID)
		}

		now := time.Now().UTC()
		if err := st.UpdateReconItemResolution(ctx, tenantID, itemID, resolution, notes, actor, now); err != nil {
			return err
		}

		resolved = *item
		resolved.ResolutionStatus = resolution
		resolved.ResolutionNotes = notes
		resolved.ResolvedBy = actor
		resolved.ResolvedAt = &now

		return st.InsertAudit(ctx, domain.NewAudit(tenantID, domain.AuditEntityReconItem,
			itemID.String(), "resolve", actor, "", notes, item, resolved))
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// GetBatch loads one batch.
func (s *Service) GetBatch(ctx context.Context, tenantID, batchID uuid.UUID) (*domain.ReconBatch, error) {
	batch, err := s.db.GetReconBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrReconBatchNotFound, batchID)
	}
	return batch, nil
}

// ListItems returns a batch's items filtered by match status; an empty
// status lists all.
func (s *Service) ListItems(ctx context.Context, tenantID, batchID uuid.UUID, status domain.MatchStatus) ([]domain.ReconItem, error) {
	return s.db.ListReconItems(ctx, tenantID, batchID, status)
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
