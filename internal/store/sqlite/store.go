// Package sqlite implements the store on an embedded SQLite database,
// for single-node deployments without a postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/store"
)

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers from blocking the per-session writers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS bank_profiles (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		bank_code TEXT NOT NULL,
		user_id TEXT NOT NULL,
		encrypted_pin TEXT NOT NULL,
		endpoint_url TEXT NOT NULL,
		product_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		transport_mode TEXT NOT NULL,
		state TEXT NOT NULL,
		mechanism_bound INTEGER NOT NULL DEFAULT 0,
		selected_mechanism_id TEXT NOT NULL DEFAULT '',
		offered_mechanisms TEXT NOT NULL DEFAULT '[]',
		account_bound INTEGER NOT NULL DEFAULT 0,
		selected_account_ref TEXT NOT NULL DEFAULT '',
		continuation BLOB,
		challenge TEXT,
		sync_count INTEGER NOT NULL DEFAULT 0,
		last_sync_at INTEGER,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bank_transactions (
		hash TEXT PRIMARY KEY,
		account_ref TEXT NOT NULL,
		booking_date TEXT NOT NULL,
		entry_date TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		type TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		counterparty_name TEXT NOT NULL DEFAULT '',
		counterparty_iban TEXT NOT NULL DEFAULT '',
		transaction_code TEXT NOT NULL DEFAULT '',
		customer_reference TEXT NOT NULL DEFAULT '',
		bank_reference TEXT NOT NULL DEFAULT '',
		posting_text TEXT NOT NULL DEFAULT '',
		end_to_end_reference TEXT NOT NULL DEFAULT '',
		imported_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bank_transactions_account ON bank_transactions(account_ref, imported_at);
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	rec.Version = 1
	offered, challenge, err := encodeSessionJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(
			id, profile_id, transport_mode, state, mechanism_bound, selected_mechanism_id,
			offered_mechanisms, account_bound, selected_account_ref, continuation, challenge,
			sync_count, last_sync_at, version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProfileID, string(rec.TransportMode), string(rec.State),
		rec.MechanismBound, rec.SelectedMechanismID, offered, rec.AccountBound,
		rec.SelectedAccountRef, rec.Continuation, challenge, rec.SyncCount,
		nullUnix(rec.LastSyncAt), rec.Version, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, profile_id, transport_mode, state, mechanism_bound, selected_mechanism_id,
		        offered_mechanisms, account_bound, selected_account_ref, continuation, challenge,
		        sync_count, last_sync_at, version, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		sessionID,
	)

	var rec domain.SessionRecord
	var transportMode, state, offered string
	var challenge sql.NullString
	var lastSync sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.ID, &rec.ProfileID, &transportMode, &state, &rec.MechanismBound,
		&rec.SelectedMechanismID, &offered, &rec.AccountBound, &rec.SelectedAccountRef,
		&rec.Continuation, &challenge, &rec.SyncCount, &lastSync, &rec.Version,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.TransportMode = domain.TransportMode(transportMode)
	rec.State = domain.SessionState(state)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		rec.LastSyncAt = &t
	}
	if err := json.Unmarshal([]byte(offered), &rec.OfferedMechanismIDs); err != nil {
		return nil, fmt.Errorf("decode offered mechanisms: %w", err)
	}
	if challenge.Valid && challenge.String != "" {
		var ch domain.Challenge
		if err := json.Unmarshal([]byte(challenge.String), &ch); err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
		rec.PendingChallenge = &ch
	}
	return &rec, nil
}

func (s *Store) SaveSession(ctx context.Context, rec *domain.SessionRecord) error {
	offered, challenge, err := encodeSessionJSON(rec)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			transport_mode = ?, state = ?, mechanism_bound = ?, selected_mechanism_id = ?,
			offered_mechanisms = ?, account_bound = ?, selected_account_ref = ?,
			continuation = ?, challenge = ?, sync_count = ?, last_sync_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(rec.TransportMode), string(rec.State), rec.MechanismBound,
		rec.SelectedMechanismID, offered, rec.AccountBound, rec.SelectedAccountRef,
		rec.Continuation, challenge, rec.SyncCount, nullUnix(rec.LastSyncAt),
		rec.UpdatedAt.Unix(), rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session exists: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, profile *domain.BankProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bank_profiles(id, label, bank_code, user_id, encrypted_pin, endpoint_url, product_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			bank_code = excluded.bank_code,
			user_id = excluded.user_id,
			encrypted_pin = excluded.encrypted_pin,
			endpoint_url = excluded.endpoint_url,
			product_id = excluded.product_id`,
		profile.ID, profile.Label, profile.BankCode, profile.UserID,
		profile.EncryptedPIN, profile.EndpointURL, profile.ProductID, profile.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*domain.BankProfile, error) {
	var p domain.BankProfile
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, bank_code, user_id, encrypted_pin, endpoint_url, product_id, created_at
		 FROM bank_profiles WHERE id = ?`,
		profileID,
	).Scan(&p.ID, &p.Label, &p.BankCode, &p.UserID, &p.EncryptedPIN, &p.EndpointURL, &p.ProductID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

func (s *Store) InsertTransactions(ctx context.Context, txns []domain.Transaction) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert transactions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, txn := range txns {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO bank_transactions(
				hash, account_ref, booking_date, entry_date, amount, currency, type, purpose,
				counterparty_name, counterparty_iban, transaction_code, customer_reference,
				bank_reference, posting_text, end_to_end_reference, imported_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(hash) DO NOTHING`,
			txn.Hash, txn.AccountRef, txn.BookingDate, txn.EntryDate, txn.Amount,
			txn.Currency, string(txn.Type), txn.Purpose, txn.CounterpartyName,
			txn.CounterpartyIBAN, txn.TransactionCode, txn.CustomerRef, txn.BankRef,
			txn.PostingText, txn.EndToEndRef, txn.ImportedAt.Unix(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert transaction: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("transaction rows affected: %w", err)
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert transactions: %w", err)
	}
	return inserted, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountRef string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT hash, account_ref, booking_date, entry_date, amount, currency, type, purpose,
	                 counterparty_name, counterparty_iban, transaction_code, customer_reference,
	                 bank_reference, posting_text, end_to_end_reference, imported_at
	          FROM bank_transactions`
	args := []interface{}{}
	if accountRef != "" {
		query += ` WHERE account_ref = ?`
		args = append(args, accountRef)
	}
	query += ` ORDER BY imported_at DESC, hash LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var txn domain.Transaction
		var txnType string
		var importedAt int64
		if err := rows.Scan(
			&txn.Hash, &txn.AccountRef, &txn.BookingDate, &txn.EntryDate, &txn.Amount,
			&txn.Currency, &txnType, &txn.Purpose, &txn.CounterpartyName, &txn.CounterpartyIBAN,
			&txn.TransactionCode, &txn.CustomerRef, &txn.BankRef, &txn.PostingText,
			&txn.EndToEndRef, &importedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Type = domain.TransactionType(txnType)
		txn.ImportedAt = time.Unix(importedAt, 0).UTC()
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload map[string]interface{}) domain.Event {
	event := domain.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(payload)
	// Audit writes are best effort; a failed event must not fail the step.
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO session_events(id, session_id, event_type, payload, created_at)
		 VALUES (?,?,?,?,?)`,
		event.ID, sessionID, string(eventType), string(raw), event.CreatedAt.Unix(),
	)
	return event
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = ?
		 ORDER BY created_at DESC, id LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var e domain.Event
		var eventType string
		var payloadRaw sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &payloadRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		if payloadRaw.Valid {
			_ = json.Unmarshal([]byte(payloadRaw.String), &e.Payload)
		}
		if e.Payload == nil {
			e.Payload = map[string]interface{}{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeSessionJSON(rec *domain.SessionRecord) (offered string, challenge interface{}, err error) {
	rawOffered, err := json.Marshal(rec.OfferedMechanismIDs)
	if err != nil {
		return "", nil, fmt.Errorf("encode offered mechanisms: %w", err)
	}
	if rec.PendingChallenge == nil {
		return string(rawOffered), nil, nil
	}
	rawChallenge, err := json.Marshal(rec.PendingChallenge)
	if err != nil {
		return "", nil, fmt.Errorf("encode challenge: %w", err)
	}
	return string(rawOffered), string(rawChallenge), nil
}

func nullUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
