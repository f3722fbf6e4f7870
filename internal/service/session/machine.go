// Package session implements the connection state machine that drives
// the multi-step SCA handshake. Each operation is one stateless round
// trip: it loads the stored record, checks preconditions, performs the
// gateway exchange, and persists the whole transition before returning.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/gateway"
	"fintsbridge/internal/security/secretbox"
	"fintsbridge/internal/service/statement"
	"fintsbridge/internal/store"
)

// Notifier pings the operator about events that need human attention.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Machine struct {
	store      store.Store
	gateway    gateway.Adapter
	secrets    *secretbox.Box
	importer   *statement.Importer
	notifier   Notifier
	challenges coordinator
	locks      *keyedMutex
}

func NewMachine(st store.Store, gw gateway.Adapter, secrets *secretbox.Box, importer *statement.Importer, notifier Notifier) *Machine {
	return &Machine{
		store:    st,
		gateway:  gw,
		secrets:  secrets,
		importer: importer,
		notifier: notifier,
		locks:    newKeyedMutex(),
	}
}

// AccountOutcome is the discriminated result of BindAccount: either the
// bound account reference or an outstanding challenge, never both.
type AccountOutcome struct {
	AccountRef string
	Challenge  *domain.Challenge
}

// FetchOutcome is the discriminated result of FetchTransactions.
type FetchOutcome struct {
	Challenge *domain.Challenge
	Window    domain.FetchWindow
	Import    *statement.Summary
}

func (m *Machine) CreateSession(ctx context.Context, profileID string, mode domain.TransportMode) (*domain.SessionRecord, error) {
	if mode == "" {
		mode = domain.TransportPinTan
	}
	if !mode.Valid() {
		return nil, domain.NewError(domain.ErrInvalidSelection, "unknown transport mode %q", mode)
	}
	if _, err := m.store.GetProfile(ctx, profileID); err != nil {
		if err == store.ErrNotFound {
			return nil, domain.NewError(domain.ErrNotFound, "bank profile %s not found", profileID)
		}
		return nil, persistence("load bank profile", err)
	}
	rec := domain.NewSessionRecord(uuid.NewString(), profileID, mode)
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return nil, persistence("create session", err)
	}
	return rec, nil
}

func (m *Machine) Status(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	return m.loadSession(ctx, sessionID)
}

// SelectMechanism fetches the TAN mechanisms the bank offers. It does
// not bind one; the offered ids are remembered so the later bind can be
// validated against them.
func (m *Machine) SelectMechanism(ctx context.Context, sessionID string) ([]domain.Mechanism, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(rec); err != nil {
		return nil, err
	}
	if rec.MechanismBound {
		return nil, domain.NewError(domain.ErrAlreadyBound,
			"a TAN mechanism is already bound; reset the session to choose again")
	}

	dialog, err := m.dialog(ctx, rec)
	if err != nil {
		return nil, err
	}
	list, err := m.gateway.ListMechanisms(ctx, dialog)
	if err != nil {
		return nil, gatewayFailure("list mechanisms", err)
	}

	rec.OfferedMechanismIDs = mechanismIDs(list.Mechanisms)
	rec.Continuation = list.Continuation
	rec.State = domain.StateMechanismPending
	if err := m.saveSession(ctx, rec); err != nil {
		return nil, err
	}
	m.store.AppendEvent(ctx, domain.EventMechanismsListed, rec.ID, map[string]interface{}{
		"count": len(list.Mechanisms),
	})
	return list.Mechanisms, nil
}

// BindMechanism confirms one of the previously offered mechanisms.
func (m *Machine) BindMechanism(ctx context.Context, sessionID, mechanismID string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.checkOpen(rec); err != nil {
		return err
	}
	if rec.MechanismBound {
		return domain.NewError(domain.ErrAlreadyBound,
			"a TAN mechanism is already bound; reset the session to choose again")
	}
	if len(rec.OfferedMechanismIDs) == 0 {
		return domain.NewError(domain.ErrStepOrder,
			"no mechanism list for this session; list mechanisms first")
	}
	if !contains(rec.OfferedMechanismIDs, mechanismID) {
		return domain.NewError(domain.ErrInvalidSelection,
			"mechanism %q was not offered by the bank", mechanismID)
	}

	dialog, err := m.dialog(ctx, rec)
	if err != nil {
		return err
	}
	continuation, err := m.gateway.ConfirmMechanism(ctx, dialog, mechanismID)
	if err != nil {
		return gatewayFailure("confirm mechanism", err)
	}

	rec.MechanismBound = true
	rec.SelectedMechanismID = mechanismID
	rec.Continuation = continuation
	rec.State = domain.StateMechanismBound
	if err := m.saveSession(ctx, rec); err != nil {
		return err
	}
	m.store.AppendEvent(ctx, domain.EventMechanismBound, rec.ID, map[string]interface{}{
		"mechanism_id": mechanismID,
	})
	return nil
}

// BindAccount selects the account behind the profile. The bank may
// demand SCA here; the step then suspends with an issued challenge.
func (m *Machine) BindAccount(ctx context.Context, sessionID string) (*AccountOutcome, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(rec); err != nil {
		return nil, err
	}
	if !rec.MechanismBound {
		return nil, domain.NewError(domain.ErrStepOrder,
			"no TAN mechanism bound; complete mechanism selection first")
	}
	if rec.AccountBound {
		return nil, domain.NewError(domain.ErrStepOrder,
			"an account is already bound; reset the session to rebind")
	}

	dialog, err := m.dialog(ctx, rec)
	if err != nil {
		return nil, err
	}
	res, err := m.gateway.SelectAccount(ctx, dialog)
	if err != nil {
		return nil, gatewayFailure("select account", err)
	}

	if res.Challenge != nil {
		ch := m.challenges.issue(rec, res.Challenge, domain.ResumeBindAccount, res.Continuation)
		if err := m.saveSession(ctx, rec); err != nil {
			return nil, err
		}
		m.emitChallengeIssued(ctx, rec, ch)
		return &AccountOutcome{Challenge: ch}, nil
	}

	rec.AccountBound = true
	rec.SelectedAccountRef = res.AccountRef
	rec.Continuation = res.Continuation
	rec.State = domain.StateAccountBound
	if err := m.saveSession(ctx, rec); err != nil {
		return nil, err
	}
	m.store.AppendEvent(ctx, domain.EventAccountBound, rec.ID, map[string]interface{}{
		"account_ref": res.AccountRef,
	})
	return &AccountOutcome{AccountRef: res.AccountRef}, nil
}

// FetchTransactions retrieves and imports a statement window. Repeatable
// once the account is bound; every call is a fresh fetch and any call
// may raise a new challenge. On a gateway failure the session keeps its
// prior bound state so the caller can simply retry.
func (m *Machine) FetchTransactions(ctx context.Context, sessionID, mode, startDate, endDate string) (*FetchOutcome, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(rec); err != nil {
		return nil, err
	}
	if !rec.AccountBound {
		return nil, domain.NewError(domain.ErrStepOrder,
			"no account bound; complete mechanism and account selection first")
	}
	window, err := statement.ResolveWindow(mode, startDate, endDate, nowUTC())
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidSelection, "invalid fetch window", err)
	}

	dialog, err := m.dialog(ctx, rec)
	if err != nil {
		return nil, err
	}
	res, err := m.gateway.FetchTransactions(ctx, dialog, rec.SelectedAccountRef, window)
	if err != nil {
		return nil, gatewayFailure("fetch transactions", err)
	}

	if res.Challenge != nil {
		ch := m.challenges.issue(rec, res.Challenge, domain.ResumeFetchTransactions, res.Continuation)
		ch.AccountRef = rec.SelectedAccountRef
		ch.Window = &window
		if err := m.saveSession(ctx, rec); err != nil {
			return nil, err
		}
		m.emitChallengeIssued(ctx, rec, ch)
		return &FetchOutcome{Challenge: ch, Window: window}, nil
	}

	summary, err := m.completeFetch(ctx, rec, res.Continuation, res.Transactions)
	if err != nil {
		return nil, err
	}
	return &FetchOutcome{Window: window, Import: &summary}, nil
}

// Reset returns the record to its initial empty state. The identifier
// and profile binding survive; everything else, including an
// outstanding challenge, is discarded.
func (m *Machine) Reset(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec.ClearProgress()
	if err := m.saveSession(ctx, rec); err != nil {
		return nil, err
	}
	m.store.AppendEvent(ctx, domain.EventSessionReset, rec.ID, map[string]interface{}{})
	return rec, nil
}

// SetTransportMode switches the access channel. A changed mode
// invalidates the whole handshake, so all progress is cleared in the
// same persisted write.
func (m *Machine) SetTransportMode(ctx context.Context, sessionID string, mode domain.TransportMode) (*domain.SessionRecord, error) {
	if !mode.Valid() {
		return nil, domain.NewError(domain.ErrInvalidSelection, "unknown transport mode %q", mode)
	}

	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.TransportMode == mode {
		return rec, nil
	}
	previous := rec.TransportMode
	rec.ClearProgress()
	rec.TransportMode = mode
	if err := m.saveSession(ctx, rec); err != nil {
		return nil, err
	}
	m.store.AppendEvent(ctx, domain.EventTransportChanged, rec.ID, map[string]interface{}{
		"from": string(previous),
		"to":   string(mode),
	})
	return rec, nil
}

// completeFetch applies a successful statement retrieval: import,
// sync bookkeeping, and the Complete transition, persisted as one write.
func (m *Machine) completeFetch(ctx context.Context, rec *domain.SessionRecord, continuation []byte, raw []gateway.Transaction) (statement.Summary, error) {
	summary, err := m.importer.Import(ctx, rec.SelectedAccountRef, raw)
	if err != nil {
		return statement.Summary{}, persistence("import transactions", err)
	}
	now := nowUTC()
	rec.Continuation = continuation
	rec.SyncCount++
	rec.LastSyncAt = &now
	rec.State = domain.StateComplete
	if err := m.saveSession(ctx, rec); err != nil {
		return statement.Summary{}, err
	}
	m.store.AppendEvent(ctx, domain.EventStatementImported, rec.ID, map[string]interface{}{
		"total":    summary.Total,
		"inserted": summary.Inserted,
	})
	return summary, nil
}

// checkOpen rejects steps on suspended or failed sessions. Submitting
// the pending challenge is the only way forward besides Reset.
func (m *Machine) checkOpen(rec *domain.SessionRecord) error {
	if rec.PendingChallenge != nil {
		return domain.NewError(domain.ErrChallengeOutstanding,
			"a challenge is outstanding; submit the code or reset the session")
	}
	if rec.State == domain.StateFailed {
		return domain.NewError(domain.ErrStepOrder,
			"session is in a failed state; reset it before retrying")
	}
	return nil
}

func (m *Machine) loadSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, domain.NewError(domain.ErrNotFound, "session %s not found", sessionID)
		}
		return nil, persistence("load session", err)
	}
	return rec, nil
}

func (m *Machine) saveSession(ctx context.Context, rec *domain.SessionRecord) error {
	if err := m.store.SaveSession(ctx, rec); err != nil {
		if err == store.ErrVersionConflict {
			return domain.NewError(domain.ErrConflict,
				"session %s changed concurrently; retry the step", rec.ID)
		}
		return persistence("save session", err)
	}
	return nil
}

// dialog assembles the gateway call context: profile credentials with
// the PIN decrypted, plus the continuation blob exactly as stored.
func (m *Machine) dialog(ctx context.Context, rec *domain.SessionRecord) (gateway.Dialog, error) {
	profile, err := m.store.GetProfile(ctx, rec.ProfileID)
	if err != nil {
		if err == store.ErrNotFound {
			return gateway.Dialog{}, domain.NewError(domain.ErrNotFound, "bank profile %s not found", rec.ProfileID)
		}
		return gateway.Dialog{}, persistence("load bank profile", err)
	}
	pin, err := m.secrets.Decrypt(profile.EncryptedPIN)
	if err != nil {
		return gateway.Dialog{}, persistence("decrypt bank PIN", err)
	}
	return gateway.Dialog{
		Credentials: gateway.Credentials{
			BankCode:    profile.BankCode,
			UserID:      profile.UserID,
			PIN:         pin,
			EndpointURL: profile.EndpointURL,
			ProductID:   profile.ProductID,
		},
		TransportMode: rec.TransportMode,
		Continuation:  rec.Continuation,
	}, nil
}

func (m *Machine) emitChallengeIssued(ctx context.Context, rec *domain.SessionRecord, ch *domain.Challenge) {
	m.store.AppendEvent(ctx, domain.EventChallengeIssued, rec.ID, map[string]interface{}{
		"prompt":        ch.Prompt,
		"decoupled":     ch.Decoupled,
		"resume_target": string(ch.ResumeTarget),
	})
	m.notify(ctx, fmt.Sprintf("SCA required for session %s: %s", rec.ID, ch.Prompt))
}

func (m *Machine) notify(ctx context.Context, text string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, text); err != nil {
		slog.Warn("notifier failed", "error", err)
	}
}

func persistence(op string, err error) *domain.Error {
	return domain.WrapError(domain.ErrPersistence,
		op+" failed; nothing was committed, reset the session if the problem persists", err)
}

func gatewayFailure(op string, err error) *domain.Error {
	return domain.WrapError(domain.ErrGateway,
		op+" failed at the bank gateway; the session is unchanged, retry the step", err)
}

func mechanismIDs(mechanisms []domain.Mechanism) []string {
	ids := make([]string, 0, len(mechanisms))
	for _, mech := range mechanisms {
		ids = append(ids, mech.ID)
	}
	return ids
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
