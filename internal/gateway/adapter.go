// Package gateway defines the contract with the banking backend. The
// continuation blob is bank-issued resumption state: it is carried
// through every call unmodified and never interpreted here.
package gateway

import (
	"context"
	"errors"

	"fintsbridge/internal/domain"
)

var (
	ErrInvalidCode      = errors.New("gateway: one-time code rejected")
	ErrChallengeExpired = errors.New("gateway: challenge expired")
)

// Credentials identifies the bank access for one dialog. The PIN arrives
// already decrypted.
type Credentials struct {
	BankCode    string
	UserID      string
	PIN         string
	EndpointURL string
	ProductID   string
}

// Dialog is the full call context for one protocol exchange.
type Dialog struct {
	Credentials   Credentials
	TransportMode domain.TransportMode
	Continuation  []byte
}

// Challenge reports that a step cannot complete without SCA. Data is an
// opaque handle the bank needs back together with the code.
type Challenge struct {
	Prompt    string
	Decoupled bool
	Data      []byte
}

type MechanismList struct {
	Mechanisms   []domain.Mechanism
	Continuation []byte
}

// AccountResult carries either the selected account or a challenge,
// never both.
type AccountResult struct {
	AccountRef   string
	Continuation []byte
	Challenge    *Challenge
}

type FetchResult struct {
	Transactions []Transaction
	Continuation []byte
	Challenge    *Challenge
}

// SubmitResult is the outcome of a TAN submission. Depending on which
// step was suspended the bank returns the account reference or the
// transaction batch it was withholding.
type SubmitResult struct {
	AccountRef   string
	Transactions []Transaction
	Continuation []byte
}

// Transaction is a statement entry as the bank reports it, before
// normalization and hashing.
type Transaction struct {
	BookingDate     string  `json:"date"`
	EntryDate       string  `json:"entry_date,omitempty"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"` // "C" credit, "D" debit
	Purpose         string  `json:"purpose,omitempty"`
	ApplicantName   string  `json:"applicant_name,omitempty"`
	ApplicantIBAN   string  `json:"applicant_iban,omitempty"`
	TransactionCode string  `json:"transaction_code,omitempty"`
	CustomerRef     string  `json:"customer_reference,omitempty"`
	BankRef         string  `json:"bank_reference,omitempty"`
	PostingText     string  `json:"posting_text,omitempty"`
	EndToEndRef     string  `json:"end_to_end_reference,omitempty"`
}

// Adapter performs the actual protocol exchange with the bank. Every
// method returns a fresh continuation blob that must replace the stored
// one. Implementations must not retain or mutate the dialog.
type Adapter interface {
	ListMechanisms(ctx context.Context, d Dialog) (MechanismList, error)
	ConfirmMechanism(ctx context.Context, d Dialog, mechanismID string) ([]byte, error)
	SelectAccount(ctx context.Context, d Dialog) (AccountResult, error)
	FetchTransactions(ctx context.Context, d Dialog, accountRef string, window domain.FetchWindow) (FetchResult, error)
	SubmitCode(ctx context.Context, d Dialog, challengeData []byte, code string) (SubmitResult, error)
}
