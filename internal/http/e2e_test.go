package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fintsbridge/internal/config"
	"fintsbridge/internal/gateway/connector"
	"fintsbridge/internal/security/secretbox"
	"fintsbridge/internal/service/session"
	"fintsbridge/internal/service/statement"
	"fintsbridge/internal/store/memory"
)

// fakeConnector scripts the FinTS connector service: account selection
// demands a TAN, the right code resumes it, and the statement fetch
// succeeds directly.
func fakeConnector(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode connector request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/dialog/mechanisms":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": true,
				"mechanisms": []map[string]string{
					{"id": "942", "name": "pushTAN"},
					{"id": "944", "name": "chipTAN"},
				},
				"continuation": []byte("cont-mechanisms"),
			})
		case "/v1/dialog/mechanism":
			if req["mechanism_id"] != "942" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "unknown mechanism"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":           true,
				"continuation": []byte("cont-mechanism"),
			})
		case "/v1/dialog/account":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"tan_required": true,
				"challenge": map[string]interface{}{
					"prompt": "Enter the TAN from your app",
					"data":   []byte("challenge-handle"),
				},
				"continuation": []byte("cont-suspended"),
			})
		case "/v1/dialog/tan":
			if req["code"] != "424242" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": "code rejected",
					"kind":  "invalid_code",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok":           true,
				"account_ref":  "DE02120300000000202051",
				"continuation": []byte("cont-account"),
			})
		case "/v1/dialog/transactions":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": true,
				"transactions": []map[string]interface{}{
					{"date": "2026-08-14", "amount": 42.50, "currency": "EUR", "status": "D", "purpose": "coffee"},
					{"date": "2026-08-15", "amount": 1200.0, "currency": "EUR", "status": "C", "purpose": "salary"},
				},
				"continuation": []byte("cont-fetched"),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	conn := fakeConnector(t)
	t.Cleanup(conn.Close)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	cfg := config.Config{
		AdminUsername:    "admin",
		AdminPassword:    "pw",
		JWTSecret:        "jwt-secret",
		PINEncryptionKey: base64.StdEncoding.EncodeToString(key),
		DefaultTransport: "pintan",
		FetchLimit:       200,
	}

	st := memory.NewStore()
	box, err := secretbox.New(cfg.PINEncryptionKey)
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	gw := connector.NewClient(conn.URL, 5*time.Second)
	machine := session.NewMachine(st, gw, box, statement.NewImporter(st), nil)

	api := httptest.NewServer(NewServer(cfg, st, machine, box).Router())
	t.Cleanup(api.Close)
	return api
}

func TestE2E_SCAHandshakeAndImport(t *testing.T) {
	api := newTestAPI(t)
	client := &http.Client{Timeout: 5 * time.Second}

	// Login.
	status, loginResp := postJSON(t, client, api.URL+"/admin/login", map[string]string{
		"username": "admin",
		"password": "pw",
	}, "")
	if status != http.StatusOK {
		t.Fatalf("login failed: %d %#v", status, loginResp)
	}
	token := strField(loginResp, "token")
	if token == "" {
		t.Fatalf("expected admin token")
	}

	// Profile creation never echoes the PIN.
	status, profileResp := postJSON(t, client, api.URL+"/profiles", map[string]string{
		"label":        "checking",
		"bank_code":    "12345678",
		"user_id":      "user-1",
		"pin":          "123456",
		"endpoint_url": "https://bank.example/fints",
	}, token)
	if status != http.StatusCreated {
		t.Fatalf("create profile failed: %d %#v", status, profileResp)
	}
	profileID := strField(profileResp, "profile_id")
	if _, leaked := profileResp["pin"]; leaked {
		t.Fatalf("pin leaked in profile response: %#v", profileResp)
	}

	// Session.
	status, sessResp := postJSON(t, client, api.URL+"/sessions", map[string]string{
		"profile_id": profileID,
	}, token)
	if status != http.StatusCreated {
		t.Fatalf("create session failed: %d %#v", status, sessResp)
	}
	sessionID := strField(sessResp, "id")
	if strField(sessResp, "state") != "idle" {
		t.Fatalf("expected idle session, got %#v", sessResp)
	}

	// Mechanisms.
	status, mechResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanisms", map[string]string{}, token)
	if status != http.StatusOK {
		t.Fatalf("list mechanisms failed: %d %#v", status, mechResp)
	}
	status, bindResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanism", map[string]string{
		"mechanism_id": "942",
	}, token)
	if status != http.StatusOK {
		t.Fatalf("bind mechanism failed: %d %#v", status, bindResp)
	}

	// Binding again conflicts.
	status, _ = postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanism", map[string]string{
		"mechanism_id": "944",
	}, token)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on double bind, got %d", status)
	}

	// Account selection suspends on a challenge.
	status, acctResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/account", map[string]string{}, token)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 with challenge, got %d %#v", status, acctResp)
	}
	if !boolField(acctResp, "tan_required") {
		t.Fatalf("expected tan_required, got %#v", acctResp)
	}

	// While suspended, other steps are refused.
	status, _ = postJSON(t, client, api.URL+"/sessions/"+sessionID+"/transactions", map[string]string{}, token)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 while challenge outstanding, got %d", status)
	}

	// Wrong code: challenge survives.
	status, _ = postJSON(t, client, api.URL+"/sessions/"+sessionID+"/tan", map[string]string{
		"code": "111111",
	}, token)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for wrong code, got %d", status)
	}

	// Right code resumes the account binding.
	status, tanResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/tan", map[string]string{
		"code": "424242",
	}, token)
	if status != http.StatusOK {
		t.Fatalf("submit tan failed: %d %#v", status, tanResp)
	}
	if strField(tanResp, "account_ref") != "DE02120300000000202051" {
		t.Fatalf("expected account_ref after resume, got %#v", tanResp)
	}

	// Fetch imports the statement.
	status, fetchResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/transactions", map[string]string{}, token)
	if status != http.StatusOK {
		t.Fatalf("fetch failed: %d %#v", status, fetchResp)
	}
	if n, _ := numField(fetchResp, "inserted"); int(n) != 2 {
		t.Fatalf("expected 2 inserted, got %#v", fetchResp)
	}

	// Session ended complete, transactions are queryable.
	statusResp := getJSON(t, client, api.URL+"/sessions/"+sessionID, token)
	if strField(statusResp, "state") != "complete" {
		t.Fatalf("expected complete session, got %#v", statusResp)
	}
	txResp := getJSON(t, client, api.URL+"/transactions?account_ref=DE02120300000000202051", token)
	if n, _ := numField(txResp, "count"); int(n) != 2 {
		t.Fatalf("expected 2 transactions, got %#v", txResp)
	}

	// The audit trail recorded the whole handshake.
	eventsResp := getJSON(t, client, api.URL+"/sessions/"+sessionID+"/events", token)
	if n, _ := numField(eventsResp, "count"); int(n) < 5 {
		t.Fatalf("expected audit events, got %#v", eventsResp)
	}
}

func TestE2E_ResetAndTransportChange(t *testing.T) {
	api := newTestAPI(t)
	client := &http.Client{Timeout: 5 * time.Second}

	_, loginResp := postJSON(t, client, api.URL+"/admin/login", map[string]string{
		"username": "admin", "password": "pw",
	}, "")
	token := strField(loginResp, "token")

	_, profileResp := postJSON(t, client, api.URL+"/profiles", map[string]string{
		"bank_code": "12345678", "user_id": "user-1", "pin": "123456",
		"endpoint_url": "https://bank.example/fints",
	}, token)
	profileID := strField(profileResp, "profile_id")

	_, sessResp := postJSON(t, client, api.URL+"/sessions", map[string]string{"profile_id": profileID}, token)
	sessionID := strField(sessResp, "id")

	status, _ := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanisms", map[string]string{}, token)
	if status != http.StatusOK {
		t.Fatalf("list mechanisms failed: %d", status)
	}
	status, _ = postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanism", map[string]string{"mechanism_id": "942"}, token)
	if status != http.StatusOK {
		t.Fatalf("bind mechanism failed: %d", status)
	}

	// Switching transport drops all bindings.
	status, putResp := putJSON(t, client, api.URL+"/sessions/"+sessionID+"/transport", map[string]string{
		"transport_mode": "hbci",
	}, token)
	if status != http.StatusOK {
		t.Fatalf("set transport failed: %d %#v", status, putResp)
	}
	if strField(putResp, "state") != "idle" || boolField(putResp, "mechanism_bound") {
		t.Fatalf("transport change did not clear progress: %#v", putResp)
	}

	// Reset works from any state and the handshake restarts.
	status, resetResp := postJSON(t, client, api.URL+"/sessions/"+sessionID+"/reset", map[string]string{}, token)
	if status != http.StatusOK {
		t.Fatalf("reset failed: %d %#v", status, resetResp)
	}
	status, _ = postJSON(t, client, api.URL+"/sessions/"+sessionID+"/mechanisms", map[string]string{}, token)
	if status != http.StatusOK {
		t.Fatalf("restart after reset failed: %d", status)
	}
}

func TestE2E_AuthRequired(t *testing.T) {
	api := newTestAPI(t)
	client := &http.Client{Timeout: 5 * time.Second}

	status, _ := postJSON(t, client, api.URL+"/sessions", map[string]string{"profile_id": "x"}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	status, _ = postJSON(t, client, api.URL+"/sessions", map[string]string{"profile_id": "x"}, "not-a-jwt")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", status)
	}
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}, bearerToken string) (int, map[string]interface{}) {
	t.Helper()
	return sendJSON(t, client, http.MethodPost, url, body, bearerToken)
}

func putJSON(t *testing.T, client *http.Client, url string, body interface{}, bearerToken string) (int, map[string]interface{}) {
	t.Helper()
	return sendJSON(t, client, http.MethodPut, url, body, bearerToken)
}

func sendJSON(t *testing.T, client *http.Client, method, url string, body interface{}, bearerToken string) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getJSON(t *testing.T, client *http.Client, url string, bearerToken string) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var data map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&data)
		t.Fatalf("non-2xx status=%d body=%#v", resp.StatusCode, data)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func strField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func numField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}
