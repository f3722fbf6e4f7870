package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/store"
)

// Store is the in-memory fallback implementation. Records are cloned on
// the way in and out so callers never share state with the store.
type Store struct {
	mu sync.RWMutex

	sessions     map[string]*domain.SessionRecord
	profiles     map[string]*domain.BankProfile
	transactions map[string]domain.Transaction
	txnOrder     []string
	events       []domain.Event
}

func NewStore() *Store {
	return &Store{
		sessions:     make(map[string]*domain.SessionRecord),
		profiles:     make(map[string]*domain.BankProfile),
		transactions: make(map[string]domain.Transaction),
		txnOrder:     make([]string, 0, 256),
		events:       make([]domain.Event, 0, 256),
	}
}

func (s *Store) CreateSession(_ context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return store.ErrVersionConflict
	}
	rec.Version = 1
	s.sessions[rec.ID] = cloneSession(rec)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(rec), nil
}

func (s *Store) SaveSession(_ context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != rec.Version {
		return store.ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[rec.ID] = cloneSession(rec)
	return nil
}

func (s *Store) SaveProfile(_ context.Context, profile *domain.BankProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	s.profiles[profile.ID] = &cp
	return nil
}

func (s *Store) GetProfile(_ context.Context, profileID string) (*domain.BankProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[profileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *profile
	return &cp, nil
}

func (s *Store) InsertTransactions(_ context.Context, txns []domain.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, txn := range txns {
		if _, ok := s.transactions[txn.Hash]; ok {
			continue
		}
		s.transactions[txn.Hash] = txn
		s.txnOrder = append(s.txnOrder, txn.Hash)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListTransactions(_ context.Context, accountRef string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.Transaction, 0, limit)
	for i := len(s.txnOrder) - 1; i >= 0 && len(out) < limit; i-- {
		txn := s.transactions[s.txnOrder[i]]
		if accountRef != "" && txn.AccountRef != accountRef {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, eventType domain.EventType, sessionID string, payload map[string]interface{}) domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := domain.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, event)
	return event
}

func (s *Store) ListEvents(_ context.Context, sessionID string, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID != "" && s.events[i].SessionID != sessionID {
			continue
		}
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cloneSession(rec *domain.SessionRecord) *domain.SessionRecord {
	cp := *rec
	cp.OfferedMechanismIDs = slices.Clone(rec.OfferedMechanismIDs)
	cp.Continuation = slices.Clone(rec.Continuation)
	if rec.PendingChallenge != nil {
		ch := *rec.PendingChallenge
		ch.Data = slices.Clone(rec.PendingChallenge.Data)
		if rec.PendingChallenge.Window != nil {
			w := *rec.PendingChallenge.Window
			ch.Window = &w
		}
		cp.PendingChallenge = &ch
	}
	if rec.LastSyncAt != nil {
		t := *rec.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}
