package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/gateway"
	"fintsbridge/internal/service/statement"
)

// coordinator owns the challenge half of the state machine: turning a
// gateway challenge into a persisted suspension and resuming the
// interrupted step once the code arrives.
type coordinator struct{}

// issue suspends the session on a challenge. The continuation returned
// alongside the challenge replaces the stored blob so the later submit
// resumes the exact dialog the bank expects.
func (coordinator) issue(rec *domain.SessionRecord, ch *gateway.Challenge, target domain.ResumeTarget, continuation []byte) *domain.Challenge {
	pending := &domain.Challenge{
		Prompt:       ch.Prompt,
		Decoupled:    ch.Decoupled,
		Data:         ch.Data,
		ResumeTarget: target,
		IssuedAt:     time.Now().UTC(),
	}
	rec.PendingChallenge = pending
	rec.Continuation = continuation
	rec.State = domain.StateChallengeIssued
	return pending
}

// SubmitOutcome reports what a resolved challenge resumed into.
type SubmitOutcome struct {
	Resumed    domain.ResumeTarget
	AccountRef string
	Import     *statement.Summary
}

// SubmitChallenge answers the outstanding challenge and resumes the
// suspended step. An invalid code keeps the challenge open for another
// attempt; an expired challenge fails the session; a gateway failure
// leaves everything as it was.
func (m *Machine) SubmitChallenge(ctx context.Context, sessionID, code string) (*SubmitOutcome, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	rec, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ch := rec.PendingChallenge
	if ch == nil {
		return nil, domain.NewError(domain.ErrStepOrder, "no challenge is outstanding for this session")
	}
	if ch.ResponseRequired() && strings.TrimSpace(code) == "" {
		return nil, domain.NewError(domain.ErrInvalidCode, "a one-time code is required for this challenge")
	}
	if ch.Decoupled {
		// Approval happened out of band; the code carries nothing.
		code = ""
	}

	dialog, err := m.dialog(ctx, rec)
	if err != nil {
		return nil, err
	}
	res, err := m.gateway.SubmitCode(ctx, dialog, ch.Data, code)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidCode):
			m.store.AppendEvent(ctx, domain.EventChallengeFailed, rec.ID, map[string]interface{}{
				"reason": "invalid_code",
			})
			return nil, domain.NewError(domain.ErrInvalidCode,
				"the bank rejected the code; the challenge is still open, try again")
		case errors.Is(err, gateway.ErrChallengeExpired):
			return nil, m.failExpired(ctx, rec)
		default:
			return nil, gatewayFailure("submit challenge code", err)
		}
	}

	target := ch.ResumeTarget
	rec.PendingChallenge = nil
	rec.Continuation = res.Continuation

	outcome := &SubmitOutcome{Resumed: target}
	switch target {
	case domain.ResumeBindAccount:
		rec.AccountBound = true
		rec.SelectedAccountRef = res.AccountRef
		rec.State = domain.StateAccountBound
		if err := m.saveSession(ctx, rec); err != nil {
			return nil, err
		}
		outcome.AccountRef = res.AccountRef
		m.store.AppendEvent(ctx, domain.EventAccountBound, rec.ID, map[string]interface{}{
			"account_ref": res.AccountRef,
		})
	case domain.ResumeFetchTransactions:
		summary, err := m.completeFetch(ctx, rec, res.Continuation, res.Transactions)
		if err != nil {
			return nil, err
		}
		outcome.Import = &summary
	default:
		return nil, persistence("resume challenge", errors.New("unknown resume target "+string(target)))
	}

	m.store.AppendEvent(ctx, domain.EventChallengeResolved, rec.ID, map[string]interface{}{
		"resume_target": string(target),
	})
	return outcome, nil
}

// failExpired moves the session to the failed state in the store before
// reporting the expiry, so the outcome survives a crashed caller.
func (m *Machine) failExpired(ctx context.Context, rec *domain.SessionRecord) error {
	rec.PendingChallenge = nil
	rec.State = domain.StateFailed
	if err := m.saveSession(ctx, rec); err != nil {
		return err
	}
	m.store.AppendEvent(ctx, domain.EventChallengeFailed, rec.ID, map[string]interface{}{
		"reason": "challenge_expired",
	})
	m.store.AppendEvent(ctx, domain.EventSessionFailed, rec.ID, map[string]interface{}{})
	m.notify(ctx, "SCA challenge for session "+rec.ID+" expired; the session failed and must be reset")
	return domain.NewError(domain.ErrChallengeExpired,
		"the challenge expired; the session failed, reset it to start over")
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
