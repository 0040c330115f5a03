/*
fingerprint.go - Deterministic request and transaction hashes

The request hash decides idempotency conflicts: the same key with the
same hash is a replay, the same key with a different hash is an error.
The transaction fingerprint covers the persisted row plus its entries
and is recomputed by the integrity endpoint to detect tampering.
*/
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RequestHash returns the canonical sha256 of a posting request.
// Entry order does not affect the hash.
func RequestHash(in PostInput) string {
	lines := make([]string, 0, len(in.Entries))
	for _, e := range in.Entries {
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s",
			e.AccountCode, e.EntryType, e.Amount.String(), e.Description))
	}
	sort.Strings(lines)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%s\n%s\n%s\n",
		in.TenantID, in.TransactionRef, in.EventType, in.Amount.String(),
		in.Currency, in.Description, in.TransactionDate.UTC().Format("2006-01-02"))
	fmt.Fprint(h, strings.Join(lines, "\n"))
	return hex.EncodeToString(h.Sum(nil))
}

// TransactionFingerprint returns the sha256 of a posted transaction and
// its entries. Status is included so a reversal changes the fingerprint
// of the original row, which is expected and detectable.
func TransactionFingerprint(tx Transaction, entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s",
			e.AccountID, e.EntryType, e.Amount.String(), e.Currency))
	}
	sort.Strings(lines)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%s\n%s\n%s\n",
		tx.ID, tx.TenantID, tx.TransactionRef, tx.EventType,
		tx.Amount.String(), tx.Currency, tx.Status)
	fmt.Fprint(h, strings.Join(lines, "\n"))
	return hex.EncodeToString(h.Sum(nil))
}
