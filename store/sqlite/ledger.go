/*
ledger.go - Accounts, transactions, entries, and balances

Store methods return (nil, nil) for missing rows; the service layer
translates that into the matching not-found error kind.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arthapay/paycore/domain"
)

// =============================================================================
// ACCOUNTS (domain.AccountStore)
// =============================================================================

// InsertAccount adds one chart-of-accounts row. Codes are unique per
// tenant; re-seeding an existing tenant is a no-op.
func (s *Store) InsertAccount(ctx context.Context, a domain.Account) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO ledger_accounts
		(id, tenant_id, code, name, account_type, normal_balance, category, gateway_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, code) DO NOTHING
	`

	_, err := s.q.ExecContext(ctx, query,
		a.ID.String(),
		a.TenantID.String(),
		a.Code,
		a.Name,
		string(a.Type),
		string(a.NormalBalance),
		string(a.Category),
		nullString(a.GatewayName),
		string(a.Status),
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccountByCode returns the tenant's account with the given code.
func (s *Store) GetAccountByCode(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Account, error) {
	s.readLock()
	defer s.readUnlock()

	accounts, err := s.queryAccounts(ctx,
		accountColumns+" FROM ledger_accounts WHERE tenant_id = ? AND code = ? LIMIT 1",
		tenantID.String(), code)
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	return &accounts[0], nil
}

// ListAccounts returns the tenant's full chart ordered by code.
func (s *Store) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]domain.Account, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryAccounts(ctx,
		accountColumns+" FROM ledger_accounts WHERE tenant_id = ? ORDER BY code",
		tenantID.String())
}

const accountColumns = `SELECT id, tenant_id, code, name, account_type, normal_balance, category, gateway_name, status, created_at`

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]domain.Account, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var (
			a                             domain.Account
			id, tenantID, createdAt       string
			accountType, normal, category string
			gatewayName                   sql.NullString
			status                        string
		)
		if err := rows.Scan(&id, &tenantID, &a.Code, &a.Name, &accountType, &normal, &category, &gatewayName, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.ID = parseUUID(id)
		a.TenantID = parseUUID(tenantID)
		a.Type = domain.AccountType(accountType)
		a.NormalBalance = domain.NormalBalance(normal)
		a.Category = domain.AccountCategory(category)
		a.GatewayName = gatewayName.String
		a.Status = domain.AccountStatus(status)
		a.CreatedAt = parseTime(createdAt, time.RFC3339)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// TRANSACTIONS (domain.TransactionStore)
// =============================================================================

// InsertTransaction adds one posting unit. Unique violations map to the
// idempotency conflict kind when the key index fired, otherwise to
// invalid input (duplicate transaction_ref).
func (s *Store) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO ledger_transactions
		(id, tenant_id, transaction_ref, idempotency_key, request_hash, event_type,
		 source_transaction_id, source_order_id, amount, currency, description, status,
		 reverses_transaction_id, reversed_by_transaction_id, metadata_json, created_by,
		 transaction_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		tx.ID.String(),
		tx.TenantID.String(),
		tx.TransactionRef,
		nullString(tx.IdempotencyKey),
		nullString(tx.RequestHash),
		nullString(tx.EventType),
		nullString(tx.SourceTransactionID),
		nullString(tx.SourceOrderID),
		tx.Amount.String(),
		tx.Currency,
		nullString(tx.Description),
		string(tx.Status),
		nullUUID(tx.ReversesTransactionID),
		nullUUID(tx.ReversedByTransactionID),
		nullString(marshalMeta(tx.Metadata)),
		nullString(tx.CreatedBy),
		domain.DateOnly(tx.TransactionDate).Format(dateLayout),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if isIdempotencyKeyError(err) {
				return &domain.IdempotencyConflictError{Key: tx.IdempotencyKey}
			}
			return fmt.Errorf("transaction ref %q already exists: %w", tx.TransactionRef, domain.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// MarkTransactionPosted flips a pending transaction to posted. The
// WHERE guard keeps the transition one-way.
func (s *Store) MarkTransactionPosted(ctx context.Context, tenantID, txID uuid.UUID) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE ledger_transactions SET status = 'posted' WHERE tenant_id = ? AND id = ? AND status = 'pending'`,
		tenantID.String(), txID.String())
	if err != nil {
		return fmt.Errorf("failed to mark transaction posted: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// MarkTransactionReversed records the single posted -> reversed
// transition and links the reversal transaction.
func (s *Store) MarkTransactionReversed(ctx context.Context, tenantID, txID, reversalID uuid.UUID) error {
	s.writeLock()
	defer s.writeUnlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE ledger_transactions
		 SET status = 'reversed', reversed_by_transaction_id = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'posted'`,
		reversalID.String(), tenantID.String(), txID.String())
	if err != nil {
		return fmt.Errorf("failed to mark transaction reversed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrAlreadyReversed
	}
	return nil
}

// GetTransaction returns one transaction by id.
func (s *Store) GetTransaction(ctx context.Context, tenantID, txID uuid.UUID) (*domain.Transaction, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryOneTransaction(ctx,
		txColumns+" FROM ledger_transactions WHERE tenant_id = ? AND id = ? LIMIT 1",
		tenantID.String(), txID.String())
}

// GetTransactionByRef returns one transaction by its tenant-scoped ref.
func (s *Store) GetTransactionByRef(ctx context.Context, tenantID uuid.UUID, ref string) (*domain.Transaction, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryOneTransaction(ctx,
		txColumns+" FROM ledger_transactions WHERE tenant_id = ? AND transaction_ref = ? LIMIT 1",
		tenantID.String(), ref)
}

// GetTransactionByIdempotencyKey looks a transaction up by its globally
// unique idempotency key.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryOneTransaction(ctx,
		txColumns+" FROM ledger_transactions WHERE idempotency_key = ? LIMIT 1",
		key)
}

// GetPostedTransactionByOrderID returns the posted transaction that a
// gateway order produced, used by reconciliation matching.
func (s *Store) GetPostedTransactionByOrderID(ctx context.Context, tenantID uuid.UUID, orderID, eventType string) (*domain.Transaction, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryOneTransaction(ctx,
		txColumns+` FROM ledger_transactions
		 WHERE tenant_id = ? AND source_order_id = ? AND event_type = ? AND status IN ('posted', 'reversed')
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID.String(), orderID, eventType)
}

// ListTransactionsInRange returns transactions whose accounting date
// falls in [from, to], oldest first.
func (s *Store) ListTransactionsInRange(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]domain.Transaction, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryTransactions(ctx,
		txColumns+` FROM ledger_transactions
		 WHERE tenant_id = ? AND transaction_date >= ? AND transaction_date <= ?
		 ORDER BY transaction_date ASC, created_at ASC`,
		tenantID.String(),
		domain.DateOnly(from).Format(dateLayout),
		domain.DateOnly(to).Format(dateLayout))
}

const txColumns = `SELECT id, tenant_id, transaction_ref, idempotency_key, request_hash, event_type,
	source_transaction_id, source_order_id, amount, currency, description, status,
	reverses_transaction_id, reversed_by_transaction_id, metadata_json, created_by,
	transaction_date, created_at`

func (s *Store) queryOneTransaction(ctx context.Context, query string, args ...any) (*domain.Transaction, error) {
	txs, err := s.queryTransactions(ctx, query, args...)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			tx                       domain.Transaction
			id, tenantID             string
			idemKey, requestHash     sql.NullString
			eventType, sourceTxnID   sql.NullString
			sourceOrderID            sql.NullString
			amount, currency, status string
			description              sql.NullString
			reverses, reversedBy     sql.NullString
			metadataJSON, createdBy  sql.NullString
			txDate, createdAt        string
		)
		err := rows.Scan(&id, &tenantID, &tx.TransactionRef, &idemKey, &requestHash,
			&eventType, &sourceTxnID, &sourceOrderID, &amount, &currency, &description,
			&status, &reverses, &reversedBy, &metadataJSON, &createdBy, &txDate, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = parseUUID(id)
		tx.TenantID = parseUUID(tenantID)
		tx.IdempotencyKey = idemKey.String
		tx.RequestHash = requestHash.String
		tx.EventType = eventType.String
		tx.SourceTransactionID = sourceTxnID.String
		tx.SourceOrderID = sourceOrderID.String
		tx.Amount = parseDec(amount)
		tx.Currency = currency
		tx.Description = description.String
		tx.Status = domain.TransactionStatus(status)
		tx.ReversesTransactionID = parseNullUUID(reverses)
		tx.ReversedByTransactionID = parseNullUUID(reversedBy)
		tx.Metadata = unmarshalMeta(metadataJSON)
		tx.CreatedBy = createdBy.String
		tx.TransactionDate = parseTime(txDate, dateLayout)
		tx.CreatedAt = parseTime(createdAt, time.RFC3339)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// ENTRIES
// =============================================================================

// InsertEntry appends one debit/credit leg. Entries are never updated
// or deleted.
func (s *Store) InsertEntry(ctx context.Context, e domain.Entry) error {
	s.writeLock()
	defer s.writeUnlock()

	query := `
		INSERT INTO ledger_entries
		(id, tenant_id, transaction_id, account_id, entry_type, amount, currency, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		e.ID.String(),
		e.TenantID.String(),
		e.TransactionID.String(),
		e.AccountID.String(),
		string(e.EntryType),
		e.Amount.String(),
		e.Currency,
		nullString(e.Description),
		nullString(marshalMeta(e.Metadata)),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// ListEntriesForTransaction returns a transaction's legs joined with
// their account codes, insertion order preserved.
func (s *Store) ListEntriesForTransaction(ctx context.Context, tenantID, txID uuid.UUID) ([]domain.Entry, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT e.id, e.tenant_id, e.transaction_id, e.account_id, a.code, e.entry_type,
		       e.amount, e.currency, e.description, e.metadata_json, e.created_at
		FROM ledger_entries e
		JOIN ledger_accounts a ON a.id = e.account_id
		WHERE e.tenant_id = ? AND e.transaction_id = ?
		ORDER BY e.created_at ASC, e.id ASC
	`

	rows, err := s.q.QueryContext(ctx, query, tenantID.String(), txID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var (
			e                         domain.Entry
			id, tenant, txIDs, acct   string
			entryType, amount         string
			description, metadataJSON sql.NullString
			createdAt                 string
		)
		err := rows.Scan(&id, &tenant, &txIDs, &acct, &e.AccountCode, &entryType,
			&amount, &e.Currency, &description, &metadataJSON, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID = parseUUID(id)
		e.TenantID = parseUUID(tenant)
		e.TransactionID = parseUUID(txIDs)
		e.AccountID = parseUUID(acct)
		e.EntryType = domain.EntryType(entryType)
		e.Amount = parseDec(amount)
		e.Description = description.String
		e.Metadata = unmarshalMeta(metadataJSON)
		e.CreatedAt = parseTime(createdAt, time.RFC3339)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// BALANCES
// =============================================================================

// ApplyBalanceDelta adds debit/credit totals to the materialized row
// for one account, creating it on first touch. Arithmetic happens in Go
// on decimals; SQLite never does float math on money.
func (s *Store) ApplyBalanceDelta(ctx context.Context, tenantID, accountID uuid.UUID, debit, credit decimal.Decimal, asOf time.Time) error {
	s.writeLock()
	defer s.writeUnlock()

	var curDebits, curCredits string
	err := s.q.QueryRowContext(ctx,
		`SELECT total_debits, total_credits FROM account_balances WHERE tenant_id = ? AND account_id = ?`,
		tenantID.String(), accountID.String(),
	).Scan(&curDebits, &curCredits)

	asOfStr := asOf.UTC().Format(time.RFC3339)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO account_balances (tenant_id, account_id, total_debits, total_credits, as_of) VALUES (?, ?, ?, ?, ?)`,
			tenantID.String(), accountID.String(), debit.String(), credit.String(), asOfStr)
	case err != nil:
		return fmt.Errorf("failed to read balance: %w", err)
	default:
		newDebits := parseDec(curDebits).Add(debit)
		newCredits := parseDec(curCredits).Add(credit)
		_, err = s.q.ExecContext(ctx,
			`UPDATE account_balances SET total_debits = ?, total_credits = ?, as_of = ? WHERE tenant_id = ? AND account_id = ?`,
			newDebits.String(), newCredits.String(), asOfStr, tenantID.String(), accountID.String())
	}
	if err != nil {
		return fmt.Errorf("failed to apply balance delta: %w", err)
	}
	return nil
}

// GetBalance returns the materialized balance for one account, nil when
// the account has never been posted to.
func (s *Store) GetBalance(ctx context.Context, tenantID, accountID uuid.UUID) (*domain.AccountBalance, error) {
	s.readLock()
	defer s.readUnlock()

	balances, err := s.queryBalances(ctx,
		balanceQuery+" AND a.id = ?",
		tenantID.String(), accountID.String())
	if err != nil || len(balances) == 0 {
		return nil, err
	}
	return &balances[0], nil
}

// ListBalances returns one row per chart account, zero-filled for
// accounts with no postings yet.
func (s *Store) ListBalances(ctx context.Context, tenantID uuid.UUID) ([]domain.AccountBalance, error) {
	s.readLock()
	defer s.readUnlock()

	return s.queryBalances(ctx, balanceQuery+" ORDER BY a.code", tenantID.String())
}

const balanceQuery = `
	SELECT a.id, a.tenant_id, a.code, a.name, a.account_type, a.normal_balance,
	       COALESCE(b.total_debits, '0'), COALESCE(b.total_credits, '0'), b.as_of
	FROM ledger_accounts a
	LEFT JOIN account_balances b ON b.tenant_id = a.tenant_id AND b.account_id = a.id
	WHERE a.tenant_id = ?`

func (s *Store) queryBalances(ctx context.Context, query string, args ...any) ([]domain.AccountBalance, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.AccountBalance
	for rows.Next() {
		var (
			b                   domain.AccountBalance
			accountID, tenant   string
			accountType, normal string
			debits, credits     string
			asOf                sql.NullString
		)
		err := rows.Scan(&accountID, &tenant, &b.AccountCode, &b.AccountName,
			&accountType, &normal, &debits, &credits, &asOf)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.AccountID = parseUUID(accountID)
		b.TenantID = parseUUID(tenant)
		b.AccountType = domain.AccountType(accountType)
		b.NormalBalance = domain.NormalBalance(normal)
		b.Debits = parseDec(debits)
		b.Credits = parseDec(credits)
		b.Balance = domain.Signed(b.NormalBalance, b.Debits, b.Credits)
		b.AsOf = parseNullTime(asOf, time.RFC3339)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// SumEntriesAsOf derives debit and credit totals for one account from
// the entries table, counting entries of posted and reversed
// transactions created on or before asOf. The cutoff is the creation
// timestamp, not the business transaction_date: a backdated posting
// only counts once it exists. Summation happens in Go.
func (s *Store) SumEntriesAsOf(ctx context.Context, tenantID, accountID uuid.UUID, asOf time.Time) (decimal.Decimal, decimal.Decimal, error) {
	s.readLock()
	defer s.readUnlock()

	query := `
		SELECT e.entry_type, e.amount
		FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.transaction_id
		WHERE e.tenant_id = ? AND e.account_id = ?
		  AND t.status IN ('posted', 'reversed')
		  AND t.created_at <= ?
	`

	rows, err := s.q.QueryContext(ctx, query,
		tenantID.String(), accountID.String(), asOf.UTC().Format(time.RFC3339))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum entries: %w", err)
	}
	defer rows.Close()

	debits, credits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var entryType, amount string
		if err := rows.Scan(&entryType, &amount); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("failed to scan entry sum: %w", err)
		}
		if domain.EntryType(entryType) == domain.EntryDebit {
			debits = debits.Add(parseDec(amount))
		} else {
			credits = credits.Add(parseDec(amount))
		}
	}
	return debits, credits, rows.Err()
}
