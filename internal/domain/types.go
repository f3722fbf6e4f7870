package domain

import "time"

// TransportMode selects the bank access channel. Changing it invalidates
// every downstream binding of the session.
type TransportMode string

const (
	TransportPinTan TransportMode = "pintan"
	TransportHBCI   TransportMode = "hbci"
)

func (m TransportMode) Valid() bool {
	return m == TransportPinTan || m == TransportHBCI
}

type SessionState string

const (
	StateIdle             SessionState = "idle"
	StateMechanismPending SessionState = "mechanism_pending"
	StateMechanismBound   SessionState = "mechanism_bound"
	StateAccountBound     SessionState = "account_bound"
	StateChallengeIssued  SessionState = "challenge_issued"
	StateComplete         SessionState = "complete"
	StateFailed           SessionState = "failed"
)

// ResumeTarget records which step raised an outstanding challenge, so a
// successful TAN submission can finish that step and no other.
type ResumeTarget string

const (
	ResumeBindAccount       ResumeTarget = "bind_account"
	ResumeFetchTransactions ResumeTarget = "fetch_transactions"
)

// Challenge is a suspended SCA request embedded in the session record
// while it is outstanding.
type Challenge struct {
	Prompt       string       `json:"prompt"`
	Decoupled    bool         `json:"decoupled"`
	Data         []byte       `json:"data,omitempty"`
	ResumeTarget ResumeTarget `json:"resume_target"`
	AccountRef   string       `json:"account_ref,omitempty"`
	Window       *FetchWindow `json:"window,omitempty"`
	IssuedAt     time.Time    `json:"issued_at"`
}

// ResponseRequired reports whether the caller must supply a one-time
// code. Decoupled challenges are approved out-of-band instead.
func (c *Challenge) ResponseRequired() bool {
	return !c.Decoupled
}

// SessionRecord holds everything needed to resume a banking connection
// attempt across independent calls. It is owned by the session state
// machine and persisted as a whole on every transition.
type SessionRecord struct {
	ID                  string        `json:"session_id"`
	ProfileID           string        `json:"profile_id"`
	TransportMode       TransportMode `json:"transport_mode"`
	State               SessionState  `json:"state"`
	MechanismBound      bool          `json:"mechanism_bound"`
	SelectedMechanismID string        `json:"selected_mechanism_id,omitempty"`
	OfferedMechanismIDs []string      `json:"offered_mechanism_ids,omitempty"`
	AccountBound        bool          `json:"account_bound"`
	SelectedAccountRef  string        `json:"selected_account_ref,omitempty"`
	Continuation        []byte        `json:"-"`
	PendingChallenge    *Challenge    `json:"pending_challenge,omitempty"`
	SyncCount           int           `json:"sync_count"`
	LastSyncAt          *time.Time    `json:"last_sync_at,omitempty"`
	Version             int64         `json:"-"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func NewSessionRecord(id, profileID string, mode TransportMode) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		ID:            id,
		ProfileID:     profileID,
		TransportMode: mode,
		State:         StateIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ClearProgress drops every mutable field back to its initial value.
// Identifier, profile, transport mode, and creation time survive; the
// caller decides whether the transport mode changes too.
func (r *SessionRecord) ClearProgress() {
	r.State = StateIdle
	r.MechanismBound = false
	r.SelectedMechanismID = ""
	r.OfferedMechanismIDs = nil
	r.AccountBound = false
	r.SelectedAccountRef = ""
	r.Continuation = nil
	r.PendingChallenge = nil
	r.SyncCount = 0
	r.LastSyncAt = nil
}

// Mechanism is one TAN mechanism offered by the bank.
type Mechanism struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// Transaction is one imported bank statement entry. Hash is the
// canonical content hash used for idempotent import.
type Transaction struct {
	Hash             string          `json:"hash"`
	AccountRef       string          `json:"account_ref"`
	BookingDate      string          `json:"booking_date"`
	EntryDate        string          `json:"entry_date,omitempty"`
	Amount           float64         `json:"amount"`
	Currency         string          `json:"currency"`
	Type             TransactionType `json:"type"`
	Purpose          string          `json:"purpose,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	CounterpartyIBAN string          `json:"counterparty_iban,omitempty"`
	TransactionCode  string          `json:"transaction_code,omitempty"`
	CustomerRef      string          `json:"customer_reference,omitempty"`
	BankRef          string          `json:"bank_reference,omitempty"`
	PostingText      string          `json:"posting_text,omitempty"`
	EndToEndRef      string          `json:"end_to_end_reference,omitempty"`
	ImportedAt       time.Time       `json:"imported_at"`
}

// BankProfile holds the credentials for one bank access. The PIN is
// stored encrypted and never leaves the service.
type BankProfile struct {
	ID           string    `json:"profile_id"`
	Label        string    `json:"label,omitempty"`
	BankCode     string    `json:"bank_code"`
	UserID       string    `json:"user_id"`
	EncryptedPIN string    `json:"-"`
	EndpointURL  string    `json:"endpoint_url"`
	ProductID    string    `json:"product_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FetchWindow is the date range of a statement fetch.
type FetchWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type EventType string

const (
	EventMechanismsListed  EventType = "MechanismsListed"
	EventMechanismBound    EventType = "MechanismBound"
	EventAccountBound      EventType = "AccountBound"
	EventChallengeIssued   EventType = "ChallengeIssued"
	EventChallengeResolved EventType = "ChallengeResolved"
	EventChallengeFailed   EventType = "ChallengeFailed"
	EventStatementImported EventType = "StatementImported"
	EventTransportChanged  EventType = "TransportChanged"
	EventSessionReset      EventType = "SessionReset"
	EventSessionFailed     EventType = "SessionFailed"
)

// Event is one entry of the per-session audit trail.
type Event struct {
	ID        string                 `json:"event_id"`
	SessionID string                 `json:"session_id"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
