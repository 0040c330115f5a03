package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arthapay/paycore/config"
	"github.com/arthapay/paycore/domain"
	"github.com/arthapay/paycore/ledger"
	"github.com/arthapay/paycore/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Service, *sqlite.Store, uuid.UUID) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenantID := uuid.New()
	ctx := context.Background()
	for _, a := range domain.SeededChart(tenantID) {
		require.NoError(t, store.InsertAccount(ctx, a))
	}

	svc := ledger.NewService(store, config.Defaults().Ledger, zap.NewNop())
	return svc, store, tenantID
}

// escrowPost builds a minimal balanced two-leg posting.
func escrowPost(tenantID uuid.UUID, ref string, amount decimal.Decimal) domain.PostInput {
	return domain.PostInput{
		TenantID:       tenantID,
		TransactionRef: ref,
		IdempotencyKey: "key-" + ref,
		EventType:      domain.EventPaymentSuccess,
		Amount:         amount,
		Description:    "test capture",
		CreatedBy:      "test",
		Entries: []domain.EntryInput{
			{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryDebit, Amount: amount},
			{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryCredit, Amount: amount},
		},
	}
}

func balanceOf(t *testing.T, svc *ledger.Service, tenantID uuid.UUID, code string) decimal.Decimal {
	t.Helper()
	bal, err := svc.GetAccountBalance(context.Background(), tenantID, code, nil)
	require.NoError(t, err)
	return bal.Balance
}

// =============================================================================
// POSTING
// =============================================================================

func TestPostTransaction_Balanced_Posts(t *testing.T) {
	// GIVEN: A balanced two-leg posting
	// WHEN: Posting it
	// THEN: The transaction is posted, balanced, and the balances move

	svc, _, tenantID := newTestLedger(t)

	res, err := svc.PostTransaction(context.Background(), escrowPost(tenantID, "TX-1", decimal.NewFromInt(500)))
	require.NoError(t, err)

	assert.Equal(t, domain.TxPosted, res.Transaction.Status)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Validation.Balanced)
	assert.Len(t, res.Entries, 2)
	assert.True(t, res.Validation.TotalDebits.Equal(decimal.NewFromInt(500)))
	assert.True(t, res.Validation.TotalCredits.Equal(decimal.NewFromInt(500)))

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).Equal(decimal.NewFromInt(500)))
	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowLiability).Equal(decimal.NewFromInt(500)))
}

func TestPostTransaction_Unbalanced_NothingPersists(t *testing.T) {
	// GIVEN: A posting with debit 100.00 and credit 99.00
	// WHEN: Posting it
	// THEN: It fails Unbalanced and no transaction row survives

	svc, store, tenantID := newTestLedger(t)

	in := domain.PostInput{
		TenantID:       tenantID,
		TransactionRef: "TX-BAD",
		EventType:      domain.EventManualAdjustment,
		Amount:         decimal.NewFromInt(100),
		CreatedBy:      "test",
		Entries: []domain.EntryInput{
			{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryDebit, Amount: decimal.NewFromInt(100)},
			{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryCredit, Amount: decimal.NewFromInt(99)},
		},
	}
	_, err := svc.PostTransaction(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnbalanced))

	var unbalanced *domain.UnbalancedError
	require.True(t, errors.As(err, &unbalanced))
	assert.True(t, unbalanced.TotalDebits.Equal(decimal.NewFromInt(100)))
	assert.True(t, unbalanced.TotalCredits.Equal(decimal.NewFromInt(99)))

	tx, err := store.GetTransactionByRef(context.Background(), tenantID, "TX-BAD")
	require.NoError(t, err)
	assert.Nil(t, tx, "rolled-back transaction must not persist")

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).IsZero())
}

func TestPostTransaction_WithinTolerance_Posts(t *testing.T) {
	// GIVEN: Debits and credits differing by exactly 0.01
	// WHEN: Posting
	// THEN: The tolerance admits it

	svc, _, tenantID := newTestLedger(t)

	in := domain.PostInput{
		TenantID:       tenantID,
		TransactionRef: "TX-TOL",
		EventType:      domain.EventManualAdjustment,
		Amount:         decimal.NewFromInt(100),
		CreatedBy:      "test",
		Entries: []domain.EntryInput{
			{AccountCode: domain.AcctEscrowBank, EntryType: domain.EntryDebit, Amount: decimal.RequireFromString("100.00")},
			{AccountCode: domain.AcctEscrowLiability, EntryType: domain.EntryCredit, Amount: decimal.RequireFromString("99.99")},
		},
	}
	res, err := svc.PostTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPosted, res.Transaction.Status)
}

func TestPostTransaction_UnknownAccount_Refused(t *testing.T) {
	svc, _, tenantID := newTestLedger(t)

	in := escrowPost(tenantID, "TX-UNK", decimal.NewFromInt(10))
	in.Entries[0].AccountCode = "NO-SUCH-ACCOUNT"

	_, err := svc.PostTransaction(context.Background(), in)
	assert.True(t, errors.Is(err, domain.ErrUnknownAccount))
}

func TestPostTransaction_SingleEntry_Refused(t *testing.T) {
	svc, _, tenantID := newTestLedger(t)

	in := escrowPost(tenantID, "TX-ONE", decimal.NewFromInt(10))
	in.Entries = in.Entries[:1]

	_, err := svc.PostTransaction(context.Background(), in)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestPostTransaction_IdempotentReplay(t *testing.T) {
	// GIVEN: A posted transaction with an idempotency key
	// WHEN: Posting the identical request again
	// THEN: The stored result returns with duplicate=true and balances
	//       do not move twice

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()
	in := escrowPost(tenantID, "TX-IDEM", decimal.NewFromInt(1000))

	first, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	second, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Len(t, second.Entries, len(first.Entries))
	assert.True(t, second.Validation.Balanced)

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).Equal(decimal.NewFromInt(1000)))
}

func TestPostTransaction_IdempotencyConflict(t *testing.T) {
	// GIVEN: A posted transaction with key K
	// WHEN: Reusing K with a different amount
	// THEN: IdempotencyConflict, nothing posted

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	in := escrowPost(tenantID, "TX-C1", decimal.NewFromInt(100))
	in.IdempotencyKey = "shared-key"
	_, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	other := escrowPost(tenantID, "TX-C2", decimal.NewFromInt(200))
	other.IdempotencyKey = "shared-key"
	_, err = svc.PostTransaction(ctx, other)
	assert.True(t, errors.Is(err, domain.ErrIdempotencyConflict))

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).Equal(decimal.NewFromInt(100)))
}

func TestPostTransaction_IdempotencyConflict_AmountOnly(t *testing.T) {
	// GIVEN: A posted transaction with key K
	// WHEN: Replaying K identical except for the top-level amount
	// THEN: IdempotencyConflict, not a benign duplicate

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	in := escrowPost(tenantID, "TX-C3", decimal.NewFromInt(100))
	in.IdempotencyKey = "amount-key"
	_, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	replay := escrowPost(tenantID, "TX-C3", decimal.NewFromInt(100))
	replay.IdempotencyKey = "amount-key"
	replay.Amount = decimal.NewFromInt(999)
	_, err = svc.PostTransaction(ctx, replay)
	assert.True(t, errors.Is(err, domain.ErrIdempotencyConflict))

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).Equal(decimal.NewFromInt(100)))
}

func TestPostTransaction_IdempotencyKey_CrossTenant(t *testing.T) {
	// GIVEN: Tenant A posted with key K
	// WHEN: Tenant B posts with the same key
	// THEN: TenantMismatch; keys are globally unique

	svc, store, tenantA := newTestLedger(t)
	ctx := context.Background()

	tenantB := uuid.New()
	for _, a := range domain.SeededChart(tenantB) {
		require.NoError(t, store.InsertAccount(ctx, a))
	}

	in := escrowPost(tenantA, "TX-A", decimal.NewFromInt(50))
	in.IdempotencyKey = "global-key"
	_, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	inB := escrowPost(tenantB, "TX-B", decimal.NewFromInt(50))
	inB.IdempotencyKey = "global-key"
	_, err = svc.PostTransaction(ctx, inB)
	assert.True(t, errors.Is(err, domain.ErrTenantMismatch))
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverseTransaction_SwappedLegs(t *testing.T) {
	// GIVEN: A posted transaction
	// WHEN: Reversing it
	// THEN: The sibling carries "<ref>-REV", swapped entry types, and
	//       the balances return to zero

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	orig, err := svc.PostTransaction(ctx, escrowPost(tenantID, "TX-R", decimal.NewFromInt(300)))
	require.NoError(t, err)

	rev, err := svc.ReverseTransaction(ctx, tenantID, orig.Transaction.ID, "operator error", "ops")
	require.NoError(t, err)

	assert.Equal(t, "TX-R-REV", rev.Transaction.TransactionRef)
	require.NotNil(t, rev.Transaction.ReversesTransactionID)
	assert.Equal(t, orig.Transaction.ID, *rev.Transaction.ReversesTransactionID)

	byAccount := map[string]domain.EntryType{}
	for _, e := range rev.Entries {
		byAccount[e.AccountCode] = e.EntryType
	}
	assert.Equal(t, domain.EntryCredit, byAccount[domain.AcctEscrowBank])
	assert.Equal(t, domain.EntryDebit, byAccount[domain.AcctEscrowLiability])

	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowBank).IsZero())
	assert.True(t, balanceOf(t, svc, tenantID, domain.AcctEscrowLiability).IsZero())

	reloaded, _, err := svc.GetTransaction(ctx, tenantID, orig.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxReversed, reloaded.Status)
	require.NotNil(t, reloaded.ReversedByTransactionID)
	assert.Equal(t, rev.Transaction.ID, *reloaded.ReversedByTransactionID)
}

func TestReverseTransaction_Twice_Refused(t *testing.T) {
	// GIVEN: A transaction already reversed
	// WHEN: Reversing it again, or reversing the reversal's original
	// THEN: AlreadyReversed

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	orig, err := svc.PostTransaction(ctx, escrowPost(tenantID, "TX-RR", decimal.NewFromInt(10)))
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, tenantID, orig.Transaction.ID, "first", "ops")
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, tenantID, orig.Transaction.ID, "second", "ops")
	assert.True(t, errors.Is(err, domain.ErrAlreadyReversed))
}

func TestReverseTransaction_NotFound(t *testing.T) {
	svc, _, tenantID := newTestLedger(t)

	_, err := svc.ReverseTransaction(context.Background(), tenantID, uuid.New(), "why", "ops")
	assert.True(t, errors.Is(err, domain.ErrTransactionNotFound))
}

// =============================================================================
// BALANCES AND FINGERPRINTS
// =============================================================================

func TestGetAccountBalance_AsOf_Recomputes(t *testing.T) {
	// GIVEN: Two postings created now
	// WHEN: Reading the balance as of yesterday and as of an hour ahead
	// THEN: The earlier cutoff sees nothing, the later one matches live

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.PostTransaction(ctx, escrowPost(tenantID, "TX-T1", decimal.NewFromInt(100)))
	require.NoError(t, err)
	_, err = svc.PostTransaction(ctx, escrowPost(tenantID, "TX-T2", decimal.NewFromInt(900)))
	require.NoError(t, err)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	bal, err := svc.GetAccountBalance(ctx, tenantID, domain.AcctEscrowBank, &yesterday)
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero(),
		"as-of balance %s should exclude postings created after the cutoff", bal.Balance)

	ahead := time.Now().UTC().Add(time.Hour)
	bal, err = svc.GetAccountBalance(ctx, tenantID, domain.AcctEscrowBank, &ahead)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(1000)))

	live, err := svc.GetAccountBalance(ctx, tenantID, domain.AcctEscrowBank, nil)
	require.NoError(t, err)
	assert.True(t, live.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestGetAccountBalance_AsOf_ExcludesBackdatedPosting(t *testing.T) {
	// GIVEN: A posting created today but dated ten days back
	// WHEN: Reading the balance as of yesterday
	// THEN: The posting does not count; it exists only from its
	//       creation time onward, not from its business date

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	in := escrowPost(tenantID, "TX-BACKDATED", decimal.NewFromInt(100))
	in.TransactionDate = time.Now().UTC().AddDate(0, 0, -10)
	_, err := svc.PostTransaction(ctx, in)
	require.NoError(t, err)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	bal, err := svc.GetAccountBalance(ctx, tenantID, domain.AcctEscrowBank, &yesterday)
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero(),
		"as-of balance %s should not include a backdated posting created after the cutoff", bal.Balance)

	ahead := time.Now().UTC().Add(time.Hour)
	bal, err = svc.GetAccountBalance(ctx, tenantID, domain.AcctEscrowBank, &ahead)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(decimal.NewFromInt(100)))
}

func TestVerifyFingerprint_StableAcrossUnrelatedActivity(t *testing.T) {
	// GIVEN: A posted transaction and its fingerprint
	// WHEN: Other transactions post afterwards
	// THEN: The fingerprint is unchanged

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	res, err := svc.PostTransaction(ctx, escrowPost(tenantID, "TX-FP", decimal.NewFromInt(42)))
	require.NoError(t, err)

	before, err := svc.VerifyFingerprint(ctx, tenantID, res.Transaction.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	_, err = svc.PostTransaction(ctx, escrowPost(tenantID, "TX-OTHER", decimal.NewFromInt(7)))
	require.NoError(t, err)

	after, err := svc.VerifyFingerprint(ctx, tenantID, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGetSummary_CountsPostedVolume(t *testing.T) {
	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.PostTransaction(ctx, escrowPost(tenantID, "TX-S1", decimal.NewFromInt(100)))
	require.NoError(t, err)
	_, err = svc.PostTransaction(ctx, escrowPost(tenantID, "TX-S2", decimal.NewFromInt(250)))
	require.NoError(t, err)

	from := time.Now().UTC().AddDate(0, 0, -1)
	to := time.Now().UTC().AddDate(0, 0, 1)
	sum, err := svc.GetSummary(ctx, tenantID, from, to, "")
	require.NoError(t, err)

	assert.Equal(t, 2, sum.TransactionCount)
	assert.True(t, sum.TotalVolume.Equal(decimal.NewFromInt(350)))
	assert.NotEmpty(t, sum.Accounts)
}

func TestValidateEntryCurrencies(t *testing.T) {
	assert.NoError(t, ledger.ValidateEntryCurrencies("INR", []string{"", "INR", "inr"}))
	err := ledger.ValidateEntryCurrencies("INR", []string{"USD"})
	assert.True(t, errors.Is(err, domain.ErrCurrencyMismatch))
}

func TestPostTransaction_RandomizedPostings_StayBalanced(t *testing.T) {
	// GIVEN: Forty random two-leg postings between random accounts,
	//       generated from a fixed seed
	// WHEN: Posting them all
	// THEN: Debits equal credits across the whole chart and every live
	//       balance matches an as-of recompute

	svc, _, tenantID := newTestLedger(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	codes := []string{
		domain.AcctEscrowBank, domain.AcctEscrowLiability,
		domain.AcctMerchantReceivable, domain.AcctMerchantPayable,
		domain.AcctPlatformReceivable, domain.AcctPlatformMDR,
	}

	for i := 0; i < 40; i++ {
		from := codes[rng.Intn(len(codes))]
		to := codes[rng.Intn(len(codes))]
		for to == from {
			to = codes[rng.Intn(len(codes))]
		}
		// Random paisa amount in (0, 1000].
		amount := decimal.NewFromInt(int64(rng.Intn(100000) + 1)).Div(decimal.NewFromInt(100))

		in := escrowPost(tenantID, fmt.Sprintf("TX-RAND-%d", i), amount)
		in.Entries = []domain.EntryInput{
			{AccountCode: from, EntryType: domain.EntryDebit, Amount: amount},
			{AccountCode: to, EntryType: domain.EntryCredit, Amount: amount},
		}
		_, err := svc.PostTransaction(ctx, in)
		require.NoError(t, err)
	}

	ahead := time.Now().UTC().Add(time.Hour)
	totalDebits, totalCredits := decimal.Zero, decimal.Zero
	for _, code := range codes {
		live, err := svc.GetAccountBalance(ctx, tenantID, code, nil)
		require.NoError(t, err)
		recomputed, err := svc.GetAccountBalance(ctx, tenantID, code, &ahead)
		require.NoError(t, err)
		assert.True(t, live.Balance.Equal(recomputed.Balance),
			"%s: live %s vs recomputed %s", code, live.Balance, recomputed.Balance)
		totalDebits = totalDebits.Add(live.Debits)
		totalCredits = totalCredits.Add(live.Credits)
	}
	assert.True(t, totalDebits.Equal(totalCredits),
		"chart-wide debits %s must equal credits %s", totalDebits, totalCredits)
}
