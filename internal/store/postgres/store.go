package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/store"
)

type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	create table if not exists bank_profiles (
		id text primary key,
		label text not null default '',
		bank_code text not null,
		user_id text not null,
		encrypted_pin text not null,
		endpoint_url text not null,
		product_id text not null default '',
		created_at timestamptz not null
	);
	create table if not exists sessions (
		id text primary key,
		profile_id text not null references bank_profiles(id),
		transport_mode text not null,
		state text not null,
		mechanism_bound boolean not null default false,
		selected_mechanism_id text not null default '',
		offered_mechanisms text[] not null default '{}',
		account_bound boolean not null default false,
		selected_account_ref text not null default '',
		continuation bytea,
		challenge jsonb,
		sync_count integer not null default 0,
		last_sync_at timestamptz,
		version bigint not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	);
	create table if not exists bank_transactions (
		hash text primary key,
		account_ref text not null,
		booking_date text not null,
		entry_date text not null default '',
		amount double precision not null,
		currency text not null,
		type text not null,
		purpose text not null default '',
		counterparty_name text not null default '',
		counterparty_iban text not null default '',
		transaction_code text not null default '',
		customer_reference text not null default '',
		bank_reference text not null default '',
		posting_text text not null default '',
		end_to_end_reference text not null default '',
		imported_at timestamptz not null
	);
	create index if not exists idx_bank_transactions_account on bank_transactions(account_ref, imported_at desc);
	create table if not exists session_events (
		id text primary key,
		session_id text not null,
		event_type text not null,
		payload jsonb,
		created_at timestamptz not null
	);
	create index if not exists idx_session_events_session on session_events(session_id, created_at desc);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	rec.Version = 1
	challenge, err := marshalChallenge(rec.PendingChallenge)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into sessions(
			id, profile_id, transport_mode, state, mechanism_bound, selected_mechanism_id,
			offered_mechanisms, account_bound, selected_account_ref, continuation, challenge,
			sync_count, last_sync_at, version, created_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.ProfileID, string(rec.TransportMode), string(rec.State),
		rec.MechanismBound, rec.SelectedMechanismID, pq.Array(rec.OfferedMechanismIDs),
		rec.AccountBound, rec.SelectedAccountRef, rec.Continuation, challenge,
		rec.SyncCount, rec.LastSyncAt, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, profile_id, transport_mode, state, mechanism_bound, selected_mechanism_id,
		        offered_mechanisms, account_bound, selected_account_ref, continuation, challenge,
		        sync_count, last_sync_at, version, created_at, updated_at
		 from sessions where id = $1`,
		sessionID,
	)

	var rec domain.SessionRecord
	var transportMode, state string
	var offered []string
	var challenge []byte
	var lastSync sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.ProfileID, &transportMode, &state, &rec.MechanismBound,
		&rec.SelectedMechanismID, pq.Array(&offered), &rec.AccountBound,
		&rec.SelectedAccountRef, &rec.Continuation, &challenge,
		&rec.SyncCount, &lastSync, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.TransportMode = domain.TransportMode(transportMode)
	rec.State = domain.SessionState(state)
	rec.OfferedMechanismIDs = offered
	if lastSync.Valid {
		t := lastSync.Time
		rec.LastSyncAt = &t
	}
	rec.PendingChallenge, err = unmarshalChallenge(challenge)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveSession(ctx context.Context, rec *domain.SessionRecord) error {
	challenge, err := marshalChallenge(rec.PendingChallenge)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`update sessions set
			transport_mode = $2, state = $3, mechanism_bound = $4, selected_mechanism_id = $5,
			offered_mechanisms = $6, account_bound = $7, selected_account_ref = $8,
			continuation = $9, challenge = $10, sync_count = $11, last_sync_at = $12,
			version = version + 1, updated_at = $13
		 where id = $1 and version = $14`,
		rec.ID, string(rec.TransportMode), string(rec.State), rec.MechanismBound,
		rec.SelectedMechanismID, pq.Array(rec.OfferedMechanismIDs), rec.AccountBound,
		rec.SelectedAccountRef, rec.Continuation, challenge, rec.SyncCount, rec.LastSyncAt,
		rec.UpdatedAt, rec.Version,
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
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id = $1)`, rec.ID).Scan(&exists); err != nil {
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
		`insert into bank_profiles(id, label, bank_code, user_id, encrypted_pin, endpoint_url, product_id, created_at)
		 values ($1,$2,$3,$4,$5,$6,$7,$8)
		 on conflict (id) do update
		 set label = excluded.label,
		     bank_code = excluded.bank_code,
		     user_id = excluded.user_id,
		     encrypted_pin = excluded.encrypted_pin,
		     endpoint_url = excluded.endpoint_url,
		     product_id = excluded.product_id`,
		profile.ID, profile.Label, profile.BankCode, profile.UserID,
		profile.EncryptedPIN, profile.EndpointURL, profile.ProductID, profile.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*domain.BankProfile, error) {
	var p domain.BankProfile
	err := s.db.QueryRowContext(ctx,
		`select id, label, bank_code, user_id, encrypted_pin, endpoint_url, product_id, created_at
		 from bank_profiles where id = $1`,
		profileID,
	).Scan(&p.ID, &p.Label, &p.BankCode, &p.UserID, &p.EncryptedPIN, &p.EndpointURL, &p.ProductID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
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
			`insert into bank_transactions(
				hash, account_ref, booking_date, entry_date, amount, currency, type, purpose,
				counterparty_name, counterparty_iban, transaction_code, customer_reference,
				bank_reference, posting_text, end_to_end_reference, imported_at
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			on conflict (hash) do nothing`,
			txn.Hash, txn.AccountRef, txn.BookingDate, txn.EntryDate, txn.Amount,
			txn.Currency, string(txn.Type), txn.Purpose, txn.CounterpartyName,
			txn.CounterpartyIBAN, txn.TransactionCode, txn.CustomerRef, txn.BankRef,
			txn.PostingText, txn.EndToEndRef, txn.ImportedAt,
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
	query := `select hash, account_ref, booking_date, entry_date, amount, currency, type, purpose,
	                 counterparty_name, counterparty_iban, transaction_code, customer_reference,
	                 bank_reference, posting_text, end_to_end_reference, imported_at
	          from bank_transactions`
	args := []interface{}{}
	if accountRef != "" {
		query += ` where account_ref = $1 order by imported_at desc limit $2`
		args = append(args, accountRef, limit)
	} else {
		query += ` order by imported_at desc limit $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var txn domain.Transaction
		var txnType string
		if err := rows.Scan(
			&txn.Hash, &txn.AccountRef, &txn.BookingDate, &txn.EntryDate, &txn.Amount,
			&txn.Currency, &txnType, &txn.Purpose, &txn.CounterpartyName, &txn.CounterpartyIBAN,
			&txn.TransactionCode, &txn.CustomerRef, &txn.BankRef, &txn.PostingText,
			&txn.EndToEndRef, &txn.ImportedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Type = domain.TransactionType(txnType)
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
		`insert into session_events(id, session_id, event_type, payload, created_at)
		 values ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, sessionID, string(eventType), string(raw), event.CreatedAt,
	)
	return event
}

func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, session_id, event_type, payload, created_at
		 from session_events where session_id = $1
		 order by created_at desc limit $2`,
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
		var payloadRaw []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &payloadRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		_ = json.Unmarshal(payloadRaw, &e.Payload)
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

func marshalChallenge(ch *domain.Challenge) ([]byte, error) {
	if ch == nil {
		return nil, nil
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	return raw, nil
}

func unmarshalChallenge(raw []byte) (*domain.Challenge, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ch domain.Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &ch, nil
}
