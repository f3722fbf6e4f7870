package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fintsbridge/internal/config"
	"fintsbridge/internal/domain"
	"fintsbridge/internal/security/secretbox"
	"fintsbridge/internal/service/session"
	storepkg "fintsbridge/internal/store"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type Server struct {
	cfg     config.Config
	store   storepkg.Store
	machine *session.Machine
	secrets *secretbox.Box
}

func NewServer(cfg config.Config, store storepkg.Store, machine *session.Machine, secrets *secretbox.Box) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		machine: machine,
		secrets: secrets,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)

		protected.Post("/profiles", s.handleCreateProfile)
		protected.Get("/profiles/{id}", s.handleGetProfile)

		protected.Post("/sessions", s.handleCreateSession)
		protected.Get("/sessions/{id}", s.handleSessionStatus)
		protected.Post("/sessions/{id}/mechanisms", s.handleListMechanisms)
		protected.Post("/sessions/{id}/mechanism", s.handleBindMechanism)
		protected.Post("/sessions/{id}/account", s.handleBindAccount)
		protected.Post("/sessions/{id}/transactions", s.handleFetchTransactions)
		protected.Post("/sessions/{id}/tan", s.handleSubmitChallenge)
		protected.Post("/sessions/{id}/reset", s.handleReset)
		protected.Put("/sessions/{id}/transport", s.handleSetTransport)
		protected.Get("/sessions/{id}/events", s.handleListEvents)

		protected.Get("/transactions", s.handleListTransactions)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label       string `json:"label"`
		BankCode    string `json:"bank_code"`
		UserID      string `json:"user_id"`
		PIN         string `json:"pin"`
		EndpointURL string `json:"endpoint_url"`
		ProductID   string `json:"product_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BankCode == "" || req.UserID == "" || req.PIN == "" || req.EndpointURL == "" {
		writeError(w, http.StatusBadRequest, "bank_code, user_id, pin and endpoint_url are required")
		return
	}

	encrypted, err := s.secrets.Encrypt(req.PIN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encrypt pin")
		return
	}
	profile := &domain.BankProfile{
		ID:           uuid.NewString(),
		Label:        req.Label,
		BankCode:     req.BankCode,
		UserID:       req.UserID,
		EncryptedPIN: encrypted,
		EndpointURL:  req.EndpointURL,
		ProductID:    req.ProductID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storepkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID     string `json:"profile_id"`
		TransportMode string `json:"transport_mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProfileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}
	mode := domain.TransportMode(req.TransportMode)
	if req.TransportMode == "" {
		mode = domain.TransportMode(s.cfg.DefaultTransport)
	}
	rec, err := s.machine.CreateSession(r.Context(), req.ProfileID, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(rec))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.machine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(rec))
}

func (s *Server) handleListMechanisms(w http.ResponseWriter, r *http.Request) {
	mechanisms, err := s.machine.SelectMechanism(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mechanisms": mechanisms,
	})
}

func (s *Server) handleBindMechanism(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MechanismID string `json:"mechanism_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MechanismID == "" {
		writeError(w, http.StatusBadRequest, "mechanism_id is required")
		return
	}
	if err := s.machine.BindMechanism(r.Context(), chi.URLParam(r, "id"), req.MechanismID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"mechanism_id": req.MechanismID,
	})
}

func (s *Server) handleBindAccount(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.machine.BindAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if outcome.Challenge != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"ok":           false,
			"tan_required": true,
			"challenge":    challengeView(outcome.Challenge),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"tan_required": false,
		"account_ref":  outcome.AccountRef,
	})
}

func (s *Server) handleFetchTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode      string `json:"mode"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.machine.FetchTransactions(r.Context(), chi.URLParam(r, "id"), req.Mode, req.StartDate, req.EndDate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if outcome.Challenge != nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"ok":           false,
			"tan_required": true,
			"challenge":    challengeView(outcome.Challenge),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"tan_required": false,
		"window_start": outcome.Window.Start.Format("2006-01-02"),
		"window_end":   outcome.Window.End.Format("2006-01-02"),
		"total":        outcome.Import.Total,
		"inserted":     outcome.Import.Inserted,
	})
}

func (s *Server) handleSubmitChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.machine.SubmitChallenge(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body := map[string]interface{}{
		"ok":      true,
		"resumed": string(outcome.Resumed),
	}
	if outcome.AccountRef != "" {
		body["account_ref"] = outcome.AccountRef
	}
	if outcome.Import != nil {
		body["total"] = outcome.Import.Total
		body["inserted"] = outcome.Import.Inserted
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	rec, err := s.machine.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(rec))
}

func (s *Server) handleSetTransport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransportMode string `json:"transport_mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.machine.SetTransportMode(r.Context(), chi.URLParam(r, "id"), domain.TransportMode(req.TransportMode))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(rec))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountRef := r.URL.Query().Get("account_ref")
	if accountRef == "" {
		writeError(w, http.StatusBadRequest, "account_ref is required")
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), s.cfg.FetchLimit)
	transactions, err := s.store.ListTransactions(r.Context(), accountRef, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// sessionView is the wire shape of a session. The continuation blob and
// raw challenge data stay server side; clients only ever see the prompt.
func sessionView(rec *domain.SessionRecord) map[string]interface{} {
	view := map[string]interface{}{
		"id":                    rec.ID,
		"profile_id":            rec.ProfileID,
		"transport_mode":        string(rec.TransportMode),
		"state":                 string(rec.State),
		"mechanism_bound":       rec.MechanismBound,
		"selected_mechanism_id": rec.SelectedMechanismID,
		"offered_mechanism_ids": rec.OfferedMechanismIDs,
		"account_bound":         rec.AccountBound,
		"selected_account_ref":  rec.SelectedAccountRef,
		"sync_count":            rec.SyncCount,
		"created_at":            rec.CreatedAt.Format(time.RFC3339),
		"updated_at":            rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.LastSyncAt != nil {
		view["last_sync_at"] = rec.LastSyncAt.Format(time.RFC3339)
	}
	if rec.PendingChallenge != nil {
		view["challenge"] = challengeView(rec.PendingChallenge)
	}
	return view
}

func challengeView(ch *domain.Challenge) map[string]interface{} {
	return map[string]interface{}{
		"prompt":        ch.Prompt,
		"decoupled":     ch.Decoupled,
		"resume_target": string(ch.ResumeTarget),
		"issued_at":     ch.IssuedAt.Format(time.RFC3339),
	}
}

// writeDomainError translates error kinds into HTTP statuses. Anything
// without a kind is an internal failure.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrNotFound:
		status = http.StatusNotFound
	case domain.ErrStepOrder, domain.ErrAlreadyBound, domain.ErrChallengeOutstanding, domain.ErrConflict:
		status = http.StatusConflict
	case domain.ErrInvalidSelection, domain.ErrInvalidCode:
		status = http.StatusUnprocessableEntity
	case domain.ErrChallengeExpired:
		status = http.StatusGone
	case domain.ErrGateway:
		status = http.StatusBadGateway
	case domain.ErrPersistence:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(12 * time.Hour)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := contextWithSubject(r.Context(), sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, contextKeyAdminSubject, sub)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
