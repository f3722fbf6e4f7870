// Package store persists session records, bank profiles, imported
// transactions, and the audit trail.
package store

import (
	"context"
	"errors"

	"fintsbridge/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the stored record changed underneath the
	// caller; the whole step must be retried against fresh state.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the persistence contract used by the session state machine
// and the HTTP layer. SaveSession replaces the whole record and fails
// with ErrVersionConflict unless the stored version matches the one the
// record was loaded with, so a crash or concurrent writer can never
// commit a half-updated session.
type Store interface {
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	SaveSession(ctx context.Context, rec *domain.SessionRecord) error

	SaveProfile(ctx context.Context, profile *domain.BankProfile) error
	GetProfile(ctx context.Context, profileID string) (*domain.BankProfile, error)

	// InsertTransactions skips entries whose hash is already present and
	// reports how many were newly inserted.
	InsertTransactions(ctx context.Context, txns []domain.Transaction) (int, error)
	ListTransactions(ctx context.Context, accountRef string, limit int) ([]domain.Transaction, error)

	AppendEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload map[string]interface{}) domain.Event
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)

	Ping(ctx context.Context) error
	Close() error
}
