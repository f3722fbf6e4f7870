// Package statement normalizes fetched bank transactions and imports
// them idempotently.
package statement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/gateway"
	"fintsbridge/internal/store"
)

type Importer struct {
	store store.Store
}

func NewImporter(st store.Store) *Importer {
	return &Importer{store: st}
}

type Summary struct {
	Total    int `json:"total"`
	Inserted int `json:"inserted"`
}

// Import hashes each entry over its canonical content and inserts only
// unseen hashes, so re-fetching an overlapping window never duplicates
// transactions.
func (i *Importer) Import(ctx context.Context, accountRef string, raw []gateway.Transaction) (Summary, error) {
	now := time.Now().UTC()
	txns := make([]domain.Transaction, 0, len(raw))
	for _, entry := range raw {
		txns = append(txns, normalize(accountRef, entry, now))
	}
	inserted, err := i.store.InsertTransactions(ctx, txns)
	if err != nil {
		return Summary{}, fmt.Errorf("insert transactions: %w", err)
	}
	return Summary{Total: len(raw), Inserted: inserted}, nil
}

func normalize(accountRef string, entry gateway.Transaction, now time.Time) domain.Transaction {
	txnType := domain.TransactionCredit
	amount := entry.Amount
	if entry.Status == "D" {
		txnType = domain.TransactionDebit
		amount = -math.Abs(entry.Amount)
	}
	return domain.Transaction{
		Hash:             ContentHash(accountRef, entry),
		AccountRef:       accountRef,
		BookingDate:      entry.BookingDate,
		EntryDate:        entry.EntryDate,
		Amount:           amount,
		Currency:         entry.Currency,
		Type:             txnType,
		Purpose:          entry.Purpose,
		CounterpartyName: entry.ApplicantName,
		CounterpartyIBAN: entry.ApplicantIBAN,
		TransactionCode:  entry.TransactionCode,
		CustomerRef:      entry.CustomerRef,
		BankRef:          entry.BankRef,
		PostingText:      entry.PostingText,
		EndToEndRef:      entry.EndToEndRef,
		ImportedAt:       now,
	}
}

// ContentHash is a SHA-256 over the sorted-key JSON encoding of the
// entry plus its account, stable across fetches of the same statement.
func ContentHash(accountRef string, entry gateway.Transaction) string {
	canonical := map[string]interface{}{
		"account_ref":      accountRef,
		"date":             entry.BookingDate,
		"entry_date":       entry.EntryDate,
		"amount":           entry.Amount,
		"currency":         entry.Currency,
		"status":           entry.Status,
		"purpose":          entry.Purpose,
		"applicant_name":   entry.ApplicantName,
		"applicant_iban":   entry.ApplicantIBAN,
		"transaction_code": entry.TransactionCode,
		"customer_ref":     entry.CustomerRef,
		"bank_ref":         entry.BankRef,
		"posting_text":     entry.PostingText,
		"end_to_end_ref":   entry.EndToEndRef,
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
