/*
chart.go - Seeded chart of accounts

Accounts are not user-creatable. SeededChart returns the fixed set a new
tenant gets; cmd/server and the tests insert it through the store. Gateway
sub-accounts share the gateway codes and carry the gateway name.
*/
package domain

import (
	"time"

	"github.com/google/uuid"
)

type chartEntry struct {
	code     string
	name     string
	typ      AccountType
	category AccountCategory
	normal   NormalBalance
}

var chart = []chartEntry{
	{AcctEscrowBank, "Escrow Bank Account", AccountEscrow, CategoryAsset, NormalDebit},
	{AcctEscrowLiability, "Escrow Liability", AccountEscrow, CategoryLiability, NormalCredit},
	{AcctMerchantReceivable, "Merchant Receivable", AccountMerchant, CategoryAsset, NormalDebit},
	{AcctMerchantPayable, "Merchant Payable", AccountMerchant, CategoryLiability, NormalCredit},
	{AcctMerchantSettlement, "Merchant Settlement Clearing", AccountMerchant, CategoryLiability, NormalCredit},
	{AcctPlatformReceivable, "Platform Fee Receivable", AccountPlatformRevenue, CategoryAsset, NormalDebit},
	{AcctPlatformMDR, "Platform MDR Revenue", AccountPlatformRevenue, CategoryRevenue, NormalCredit},
	{AcctGatewayFeeExpense, "Gateway Fee Expense", AccountGateway, CategoryExpense, NormalDebit},
	{AcctGatewayPayable, "Gateway Fees Payable", AccountGateway, CategoryLiability, NormalCredit},
	{AcctChargebackLiability, "Chargeback Liability", AccountPlatformRevenue, CategoryLiability, NormalCredit},
}

// SeededChart returns the full chart of accounts for one tenant, every
// account ACTIVE with a fresh ID.
func SeededChart(tenantID uuid.UUID) []Account {
	now := time.Now().UTC()
	accounts := make([]Account, 0, len(chart))
	for _, c := range chart {
		accounts = append(accounts, Account{
			ID:            uuid.New(),
			TenantID:      tenantID,
			Code:          c.code,
			Name:          c.name,
			Type:          c.typ,
			NormalBalance: c.normal,
			Category:      c.category,
			Status:        AccountActive,
			CreatedAt:     now,
		})
	}
	return accounts
}
