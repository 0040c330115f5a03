/*
handlers.go - HTTP API handlers for the payment aggregator core

PURPOSE:
  Exposes the ledger, period, settlement, override, reconciliation, and
  router services over REST. Handles HTTP request/response, JSON
  serialization, and delegates to the services; no business rule lives
  here.

ENDPOINTS (all under /api, tenant-scoped via X-Tenant-ID):
  Ledger:
    POST /ledger/transactions                Post a balanced transaction
    POST /ledger/transactions/{id}/reverse   Reverse a posted transaction
    GET  /ledger/transactions/{id}           Transaction with entries
    GET  /ledger/balances/{code}             One account balance (?asOf=)
    GET  /ledger/balances                    All account balances
    GET  /ledger/summary                     Window summary (?from&to&type)

  Periods and locks:
    POST /periods                 Create period
    GET  /periods                 List periods (?type=)
    POST /periods/{id}/close      Soft or hard close
    GET  /periods/posting-check   Gate verdict for a date (?date&type)
    POST /locks                   Apply lock
    GET  /locks                   List locks
    POST /locks/{id}/release      Release (finance-admin)
    GET  /locks/status            Blocking lock for a date (?date)

  Settlements:
    POST /settlements                     Create
    GET  /settlements                     List (?status=)
    GET  /settlements/{id}                Get
    GET  /settlements/{id}/history        Transition history
    POST /settlements/{id}/transition     Explicit edge
    POST /settlements/{id}/retry          Retry a failed settlement

  Overrides:
    POST /overrides                 Request
    GET  /overrides                 List (?status=)
    POST /overrides/{id}/approve    Approve (compliance-admin)
    POST /overrides/{id}/reject     Reject (compliance-admin)

  Reconciliation:
    POST /recon/runs                Run batch
    GET  /recon/runs/{id}           Batch with counters
    GET  /recon/runs/{id}/items     Items (?status=)
    POST /recon/items/{id}/resolve  Resolve item
    POST /recon/runs/{id}/cancel    Cancel running batch

  Router:
    POST /payments                  Dispatch a collect (payments.go)
    GET  /gateways/health           Health snapshots
    POST /route/preview             Selection dry-run

ERROR HANDLING:
  Domain errors map to HTTP statuses through their sentinel kinds:
  - 400: invalid input, unbalanced, currency mismatch
  - 403: tenant mismatch, self-approval, missing role
  - 404: unknown entity
  - 409: idempotency conflict, illegal state transition, closed period
  - 423: ledger locked
  - 502: gateway unavailable
  Responses carry {error: kind, message}; internals are never leaked.

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Tenant and role guards
  - webhook.go: UPI QR webhook intake
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/approval"
	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/events"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/period"
	"github.com/arthapay/paycore/recon"
	"github.com/arthapay/paycore/router"
	"github.com/arthapay/paycore/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	DB          domain.DB
	Ledger      *ledger.Service
	Periods     *period.Controller
	Settlements *settlement.Machine
	Overrides   *approval.Service
	Recon       *recon.Service
	Events      *events.Handler
	Router      *router.Router
	Tracker     *router.HealthTracker
	Dispatcher  *router.Dispatcher
	Cfg         config.Config
	Log         *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over the assembled services.
func NewHandler(db domain.DB, cfg config.Config, log *zap.Logger,
	ledgerSvc *ledger.Service, periods *period.Controller, settlements *settlement.Machine,
	overrides *approval.Service, reconSvc *recon.Service, eventsH *events.Handler,
	rt *router.Router, tracker *router.HealthTracker, dispatcher *router.Dispatcher) *Handler {
	return &Handler{
		DB:          db,
		Ledger:      ledgerSvc,
		Periods:     periods,
		Settlements: settlements,
		Overrides:   overrides,
		Recon:       reconSvc,
		Events:      eventsH,
		Router:      rt,
		Tracker:     tracker,
		Dispatcher:  dispatcher,
		Cfg:         cfg,
		Log:         log,
		validate:    validator.New(),
	}
}

// decodeAndValidate decodes the JSON body into dst and runs struct
// validation. On failure it writes the error response and returns false.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// PostTransaction posts a balanced double-entry transaction.
// POST /api/ledger/transactions
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostTransactionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if !h.checkBodyTenant(w, r, req.TenantID) {
		return
	}

	in, ok := h.buildPostInput(w, req, tenantFrom(r.Context()))
	if !ok {
		return
	}

	res, err := h.Ledger.PostTransaction(r.Context(), *in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toPostResultDTO(res))
}

func (h *Handler) buildPostInput(w http.ResponseWriter, req PostTransactionRequest, tenantID uuid.UUID) (*domain.PostInput, bool) {
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a decimal string")
		return nil, false
	}

	in := domain.PostInput{
		TenantID:            tenantID,
		TransactionRef:      req.TransactionRef,
		IdempotencyKey:      req.IdempotencyKey,
		EventType:           req.EventType,
		SourceTransactionID: req.SourceTransactionID,
		SourceOrderID:       req.SourceOrderID,
		Amount:              amount,
		Currency:            req.Currency,
		Description:         req.Description,
		Metadata:            req.Metadata,
		CreatedBy:           req.CreatedBy,
	}
	if req.SourceEvent != "" {
		if in.Metadata == nil {
			in.Metadata = map[string]string{}
		}
		in.Metadata["source_event"] = req.SourceEvent
	}

	if req.TransactionDate != "" {
		d, err := time.Parse("2006-01-02", req.TransactionDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "transactionDate must be YYYY-MM-DD")
			return nil, false
		}
		in.TransactionDate = d
	}

	if req.OverrideRequestID != "" {
		id, err := uuid.Parse(req.OverrideRequestID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_override", "overrideRequestId must be a UUID")
			return nil, false
		}
		in.OverrideRequestID = &id
	}

	entryCurrencies := make([]string, len(req.Entries))
	in.Entries = make([]domain.EntryInput, len(req.Entries))
	for i, e := range req.Entries {
		amt, ok := parseAmount(e.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_amount", "entry amount must be a decimal string")
			return nil, false
		}
		in.Entries[i] = domain.EntryInput{
			AccountCode: e.AccountCode,
			EntryType:   domain.EntryType(e.EntryType),
			Amount:      amt,
			Description: e.Description,
			Metadata:    e.Metadata,
		}
		entryCurrencies[i] = e.Currency
	}

	// Entries inherit the transaction currency; a leg naming a different
	// one is refused before posting.
	txCurrency := req.Currency
	if txCurrency == "" {
		txCurrency = h.Cfg.Ledger.DefaultCurrency
	}
	if err := ledger.ValidateEntryCurrencies(txCurrency, entryCurrencies); err != nil {
		h.writeDomainErrorOnly(w, err)
		return nil, false
	}
	return &in, true
}

// ReverseTransaction posts the reversing sibling of a posted transaction.
// POST /api/ledger/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ReverseTransactionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, _ := actorFrom(r.Context())
	res, err := h.Ledger.ReverseTransaction(r.Context(), tenantFrom(r.Context()), txID, req.Reason, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostResultDTO(res))
}

// GetTransaction returns a transaction with its entries.
// GET /api/ledger/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	tx, entries, err := h.Ledger.GetTransaction(r.Context(), tenantFrom(r.Context()), txID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": toTransactionDTO(*tx),
		"entries":     toEntryDTOs(entries),
	})
}

// GetBalance returns one account balance, optionally recomputed as of a
// date.
// GET /api/ledger/balances/{code}?asOf=YYYY-MM-DD
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var asOf *time.Time
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "asOf must be YYYY-MM-DD")
			return
		}
		asOf = &d
	}

	bal, err := h.Ledger.GetAccountBalance(r.Context(), tenantFrom(r.Context()), code, asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*bal))
}

// ListBalances returns the materialized balances of every account.
// GET /api/ledger/balances
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.DB.ListBalances(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSummary aggregates balances and activity over a window.
// GET /api/ledger/summary?from=YYYY-MM-DD&to=YYYY-MM-DD&type=
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
		return
	}
	accountType := domain.AccountType(r.URL.Query().Get("type"))

	sum, err := h.Ledger.GetSummary(r.Context(), tenantFrom(r.Context()), from, to, accountType)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto := SummaryDTO{
		From:             sum.From.Format("2006-01-02"),
		To:               sum.To.Format("2006-01-02"),
		TransactionCount: sum.TransactionCount,
		TotalVolume:      sum.TotalVolume.StringFixed(2),
		Accounts:         make([]BalanceDTO, len(sum.Accounts)),
	}
	for i, b := range sum.Accounts {
		dto.Accounts[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PERIOD AND LOCK HANDLERS
// =============================================================================

// CreatePeriod opens an accounting period.
// POST /api/periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	start, end, ok := parseDateRange(w, req.Start, req.End)
	if !ok {
		return
	}

	actor, _ := actorFrom(r.Context())
	p, err := h.Periods.CreatePeriod(r.Context(), period.CreatePeriodInput{
		TenantID:   tenantFrom(r.Context()),
		PeriodType: domain.PeriodType(req.PeriodType),
		Start:      start,
		End:        end,
		Actor:      actor,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(*p))
}

// ListPeriods returns periods, newest first.
// GET /api/periods?type=
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	pt := domain.PeriodType(r.URL.Query().Get("type"))
	periods, err := h.Periods.ListPeriods(r.Context(), tenantFrom(r.Context()), pt)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ClosePeriod advances a period's close state.
// POST /api/periods/{id}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	periodID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ClosePeriodRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, _ := actorFrom(r.Context())
	p, err := h.Periods.ClosePeriod(r.Context(), tenantFrom(r.Context()), periodID,
		domain.PeriodStatus(req.Target), actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*p))
}

// CheckPosting returns the gate verdict for a date.
// GET /api/periods/posting-check?date=YYYY-MM-DD&type=
func (h *Handler) CheckPosting(w http.ResponseWriter, r *http.Request) {
	d, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	var check *domain.PostingCheck
	if pt := r.URL.Query().Get("type"); pt != "" {
		check, err = h.Periods.CheckPostingAllowed(r.Context(), tenantFrom(r.Context()), d, domain.PeriodType(pt))
	} else {
		check, err = period.CheckPostingAllowedAll(r.Context(), h.DB, tenantFrom(r.Context()), d)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostingCheckDTO(*check))
}

// ApplyLock freezes a date range.
// POST /api/locks
func (h *Handler) ApplyLock(w http.ResponseWriter, r *http.Request) {
	var req ApplyLockRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	start, end, ok := parseDateRange(w, req.Start, req.End)
	if !ok {
		return
	}

	actor, role := actorFrom(r.Context())
	l, err := h.Periods.ApplyLock(r.Context(), period.ApplyLockInput{
		TenantID:        tenantFrom(r.Context()),
		LockType:        domain.LockType(req.LockType),
		Start:           start,
		End:             end,
		Reason:          req.Reason,
		ReferenceNumber: req.ReferenceNumber,
		Actor:           actor,
		ActorRole:       role,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLockDTO(*l))
}

// ListLocks returns all locks.
// GET /api/locks
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.Periods.ListLocks(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]LockDTO, len(locks))
	for i, l := range locks {
		dtos[i] = toLockDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReleaseLock lifts a lock. Guarded by the finance-admin role.
// POST /api/locks/{id}/release
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	lockID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ReleaseLockRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, role := actorFrom(r.Context())
	if err := h.Periods.ReleaseLock(r.Context(), tenantFrom(r.Context()), lockID, actor, role, req.Notes); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

// LockStatus returns the blocking lock for a date, if any.
// GET /api/locks/status?date=YYYY-MM-DD
func (h *Handler) LockStatus(w http.ResponseWriter, r *http.Request) {
	d, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	l, err := h.Periods.CheckLockStatus(r.Context(), tenantFrom(r.Context()), d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if l == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": true, "lock": toLockDTO(*l)})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// CreateSettlement opens a payout in CREATED.
// POST /api/settlements
func (h *Handler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req CreateSettlementRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	gross, ok := parseAmount(req.GrossAmount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "grossAmount must be a decimal string")
		return
	}
	fees := decimal.Zero
	if req.FeesAmount != "" {
		if fees, ok = parseAmount(req.FeesAmount); !ok {
			writeError(w, http.StatusBadRequest, "invalid_amount", "feesAmount must be a decimal string")
			return
		}
	}

	settlementDate, err := time.Parse("2006-01-02", req.SettlementDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "settlementDate must be YYYY-MM-DD")
		return
	}
	from, to, ok := parseDateRange(w, req.PeriodFrom, req.PeriodTo)
	if !ok {
		return
	}
	merchantID, err := uuid.Parse(req.MerchantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_merchant", "merchantId must be a UUID")
		return
	}

	actor, _ := actorFrom(r.Context())
	s, err := h.Settlements.Create(r.Context(), settlement.CreateInput{
		TenantID:          tenantFrom(r.Context()),
		MerchantID:        merchantID,
		SettlementRef:     req.SettlementRef,
		SettlementDate:    settlementDate,
		PeriodFrom:        from,
		PeriodTo:          to,
		GrossAmount:       gross,
		FeesAmount:        fees,
		Currency:          req.Currency,
		BankAccountNumber: req.BankAccountNumber,
		BankIFSC:          req.BankIFSC,
		BankName:          req.BankName,
		Actor:             actor,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(*s))
}

// ListSettlements returns settlements, optionally filtered by status.
// GET /api/settlements?status=
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	status := domain.SettlementStatus(r.URL.Query().Get("status"))
	settlements, err := h.Settlements.List(r.Context(), tenantFrom(r.Context()), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]SettlementDTO, len(settlements))
	for i, s := range settlements {
		dtos[i] = toSettlementDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSettlement returns one settlement.
// GET /api/settlements/{id}
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	settlementID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Settlements.Get(r.Context(), tenantFrom(r.Context()), settlementID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// SettlementHistory returns the transition trail.
// GET /api/settlements/{id}/history
func (h *Handler) SettlementHistory(w http.ResponseWriter, r *http.Request) {
	settlementID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	transitions, err := h.Settlements.History(r.Context(), tenantFrom(r.Context()), settlementID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]TransitionDTO, len(transitions))
	for i, t := range transitions {
		dtos[i] = TransitionDTO{
			FromStatus: string(t.FromStatus),
			ToStatus:   string(t.ToStatus),
			At:         t.At.Format(time.RFC3339),
			By:         t.By,
			Metadata:   t.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TransitionSettlement moves a settlement along its state graph. The
// convenience edges (reserve, send, confirm, settle, fail) all travel
// through here via the target status.
// POST /api/settlements/{id}/transition
func (h *Handler) TransitionSettlement(w http.ResponseWriter, r *http.Request) {
	settlementID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req TransitionSettlementRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	tenantID := tenantFrom(ctx)
	actor, _ := actorFrom(ctx)

	var (
		s   *domain.Settlement
		err error
	)
	switch domain.SettlementStatus(req.Target) {
	case domain.SettlementSettled:
		// Settling posts the settlement ledger event in the same
		// database transaction.
		s, err = h.Settlements.MarkSettled(ctx, tenantID, settlementID, actor)
	case domain.SettlementFailed:
		s, err = h.Settlements.MarkFailed(ctx, tenantID, settlementID, req.Metadata["reason"], actor)
	default:
		s, err = h.Settlements.Transition(ctx, tenantID, settlementID,
			domain.SettlementStatus(req.Target), actor, req.Metadata)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// RetrySettlement schedules another attempt for a failed settlement.
// POST /api/settlements/{id}/retry
func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	settlementID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(r.Context())
	s, err := h.Settlements.Retry(r.Context(), tenantFrom(r.Context()), settlementID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

// RequestOverride files a pending override request.
// POST /api/overrides
func (h *Handler) RequestOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequestBody
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, role := actorFrom(r.Context())
	or, err := h.Overrides.Request(r.Context(), approval.RequestInput{
		TenantID:      tenantFrom(r.Context()),
		RequestType:   req.RequestType,
		RequestorID:   actor,
		RequestorRole: role,
		Justification: req.Justification,
		RequestData:   req.RequestData,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(*or))
}

// ListOverrides returns override requests.
// GET /api/overrides?status=
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	status := domain.OverrideStatus(r.URL.Query().Get("status"))
	requests, err := h.Overrides.List(r.Context(), tenantFrom(r.Context()), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]OverrideDTO, len(requests))
	for i, or := range requests {
		dtos[i] = toOverrideDTO(or)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveOverride approves a request. Guarded by the compliance-admin
// role; self-approval is refused inside the service regardless.
// POST /api/overrides/{id}/approve
func (h *Handler) ApproveOverride(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req OverrideDecisionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, role := actorFrom(r.Context())
	or, err := h.Overrides.Approve(r.Context(), tenantFrom(r.Context()), requestID, actor, role, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(*or))
}

// RejectOverride rejects a request, retaining it for audit.
// POST /api/overrides/{id}/reject
func (h *Handler) RejectOverride(w http.ResponseWriter, r *http.Request) {
	requestID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req OverrideDecisionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, role := actorFrom(r.Context())
	or, err := h.Overrides.Reject(r.Context(), tenantFrom(r.Context()), requestID, actor, role, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(*or))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunRecon executes a reconciliation batch synchronously.
// POST /api/recon/runs
func (h *Handler) RunRecon(w http.ResponseWriter, r *http.Request) {
	var req RunReconRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	from, to, ok := parseDateRange(w, req.PeriodFrom, req.PeriodTo)
	if !ok {
		return
	}

	external := make([]domain.ExternalRecord, len(req.External))
	for i, e := range req.External {
		amount, ok := parseAmount(e.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_amount", "external amount must be a decimal string")
			return
		}
		rec := domain.ExternalRecord{OrderID: e.OrderID, ExternalRef: e.ExternalRef, Amount: amount}
		if e.Date != "" {
			d, err := time.Parse("2006-01-02", e.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "external date must be YYYY-MM-DD")
				return
			}
			rec.Date = d
		}
		external[i] = rec
	}

	actor, _ := actorFrom(r.Context())
	batch, err := h.Recon.Run(r.Context(), recon.RunInput{
		TenantID:    tenantFrom(r.Context()),
		GatewayName: req.GatewayName,
		AccountCode: req.AccountCode,
		PeriodFrom:  from,
		PeriodTo:    to,
		External:    external,
		Actor:       actor,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReconBatchDTO(*batch))
}

// GetReconBatch returns a batch with its counters.
// GET /api/recon/runs/{id}
func (h *Handler) GetReconBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	batch, err := h.Recon.GetBatch(r.Context(), tenantFrom(r.Context()), batchID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconBatchDTO(*batch))
}

// ListReconItems returns classified items for a batch.
// GET /api/recon/runs/{id}/items?status=
func (h *Handler) ListReconItems(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	status := domain.MatchStatus(r.URL.Query().Get("status"))
	items, err := h.Recon.ListItems(r.Context(), tenantFrom(r.Context()), batchID, status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ReconItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toReconItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelRecon cancels a running batch; workers stop at the next item.
// POST /api/recon/runs/{id}/cancel
func (h *Handler) CancelRecon(w http.ResponseWriter, r *http.Request) {
	batchID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Recon.Cancel(r.Context(), tenantFrom(r.Context()), batchID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// ResolveReconItem records an investigation outcome for one item.
// POST /api/recon/items/{id}/resolve
func (h *Handler) ResolveReconItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ResolveReconItemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	actor, _ := actorFrom(r.Context())
	item, err := h.Recon.Resolve(r.Context(), tenantFrom(r.Context()), itemID,
		domain.ResolutionStatus(req.Resolution), req.Notes, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconItemDTO(*item))
}

// =============================================================================
// ROUTER HANDLERS
// =============================================================================

// GatewayHealth returns read-only health snapshots for every gateway.
// GET /api/gateways/health
func (h *Handler) GatewayHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := h.Tracker.All()
	dtos := make([]GatewayHealthDTO, len(snapshots))
	for i, s := range snapshots {
		dtos[i] = GatewayHealthDTO{
			Gateway:     s.Gateway,
			SuccessRate: s.SuccessRate,
			AvgMs:       s.AvgMs,
			P95Ms:       s.P95Ms,
			Score:       s.Score,
			Status:      string(s.Status),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RoutePreview dry-runs gateway selection for a payment.
// POST /api/route/preview
func (h *Handler) RoutePreview(w http.ResponseWriter, r *http.Request) {
	var req RoutePreviewRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a decimal string")
		return
	}

	payment := router.PaymentRequest{
		TenantID: tenantFrom(r.Context()).String(),
		OrderID:  req.OrderID,
		Amount:   amount,
		Currency: req.Currency,
		Method:   req.Method,
	}
	gateway, err := h.Router.Select(payment, req.Exclude)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RoutePreviewDTO{
		Gateway:   gateway,
		Strategy:  h.Cfg.Router.Strategy,
		Fallbacks: h.Router.FallbackList(gateway, req.Exclude),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDateRange(w http.ResponseWriter, startRaw, endRaw string) (start, end time.Time, ok bool) {
	var err error
	if start, err = time.Parse("2006-01-02", startRaw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "start must be YYYY-MM-DD")
		return start, end, false
	}
	if end, err = time.Parse("2006-01-02", endRaw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "end must be YYYY-MM-DD")
		return start, end, false
	}
	return start, end, true
}

// writeDomainError maps a service error to an HTTP status and logs the
// server-side ones.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if !domain.IsClientError(err) && !domain.IsNotFound(err) && !domain.IsRetryable(err) {
		h.Log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.writeDomainErrorOnly(w, err)
}

func (h *Handler) writeDomainErrorOnly(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrTenantMismatch):
		return http.StatusForbidden, "tenant_mismatch"
	case errors.Is(err, domain.ErrSelfApprovalForbidden):
		return http.StatusForbidden, "self_approval_forbidden"
	case errors.Is(err, domain.ErrLedgerLocked):
		return http.StatusLocked, "ledger_locked"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, domain.ErrPeriodClosed),
		errors.Is(err, domain.ErrPeriodOverlap),
		errors.Is(err, domain.ErrPeriodGap),
		errors.Is(err, domain.ErrAlreadyReversed),
		errors.Is(err, domain.ErrSettlementRetryExhausted),
		errors.Is(err, domain.ErrOverrideRequired),
		errors.Is(err, domain.ErrOverrideNotUsable):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	}
	var stateErr *domain.SettlementStateError
	if errors.As(err, &stateErr) {
		return http.StatusConflict, "invalid_transition"
	}
	if domain.IsClientError(err) {
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}
