package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/gateway"
)

func testDialog() gateway.Dialog {
	return gateway.Dialog{
		Credentials: gateway.Credentials{
			BankCode:    "12345678",
			UserID:      "user-1",
			PIN:         "123456",
			EndpointURL: "https://bank.example/fints",
		},
		TransportMode: domain.TransportPinTan,
		Continuation:  []byte{0x01, 0x02, 0x00, 0xff},
	}
}

func TestListMechanismsRoundTrip(t *testing.T) {
	var got dialogRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/dialog/mechanisms" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(dialogResponse{
			OK: true,
			Mechanisms: []domain.Mechanism{
				{ID: "942", Name: "pushTAN"},
			},
			Continuation: []byte("next-blob"),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	list, err := c.ListMechanisms(context.Background(), testDialog())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.Mechanisms) != 1 || list.Mechanisms[0].ID != "942" {
		t.Fatalf("unexpected mechanisms: %+v", list.Mechanisms)
	}
	if string(list.Continuation) != "next-blob" {
		t.Fatalf("unexpected continuation: %q", list.Continuation)
	}

	// The binary blob survives the JSON encoding byte for byte.
	if string(got.Continuation) != string([]byte{0x01, 0x02, 0x00, 0xff}) {
		t.Fatalf("continuation mangled in transit: %v", got.Continuation)
	}
	if got.BankCode != "12345678" || got.PIN != "123456" || got.TransportMode != "pintan" {
		t.Fatalf("credentials not forwarded: %+v", got)
	}
}

func TestSelectAccountChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dialogResponse{
			TANRequired: true,
			Challenge: &dialogChallenge{
				Prompt:    "Enter the TAN",
				Decoupled: false,
				Data:      []byte("challenge-handle"),
			},
			Continuation: []byte("suspended-blob"),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	res, err := c.SelectAccount(context.Background(), testDialog())
	if err != nil {
		t.Fatalf("select account failed: %v", err)
	}
	if res.Challenge == nil || res.Challenge.Prompt != "Enter the TAN" {
		t.Fatalf("expected challenge, got %+v", res)
	}
	if string(res.Challenge.Data) != "challenge-handle" {
		t.Fatalf("challenge data mangled: %q", res.Challenge.Data)
	}
	if string(res.Continuation) != "suspended-blob" {
		t.Fatalf("continuation missing: %q", res.Continuation)
	}
}

func TestFetchTransactionsSendsWindow(t *testing.T) {
	var got dialogRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(dialogResponse{
			OK: true,
			Transactions: []gateway.Transaction{
				{BookingDate: "2026-08-14", Amount: 42.50, Currency: "EUR", Status: "D"},
			},
			Continuation: []byte("done-blob"),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	window := domain.FetchWindow{
		Start: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
	}
	res, err := c.FetchTransactions(context.Background(), testDialog(), "acct-1", window)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.AccountRef != "acct-1" || got.StartDate != "2026-08-01" || got.EndDate != "2026-08-31" {
		t.Fatalf("window not forwarded: %+v", got)
	}
	if len(res.Transactions) != 1 || res.Transactions[0].Status != "D" {
		t.Fatalf("unexpected transactions: %+v", res.Transactions)
	}
}

func TestSubmitCodeErrorKinds(t *testing.T) {
	cases := []struct {
		kind string
		want error
	}{
		{"invalid_code", gateway.ErrInvalidCode},
		{"challenge_expired", gateway.ErrChallengeExpired},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(dialogResponse{
				Error: "rejected",
				Kind:  tc.kind,
			})
		}))

		c := NewClient(srv.URL, 5*time.Second)
		_, err := c.SubmitCode(context.Background(), testDialog(), []byte("handle"), "000000")
		if err != tc.want {
			t.Fatalf("kind %s: expected %v, got %v", tc.kind, tc.want, err)
		}
		srv.Close()
	}
}

func TestPlainErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(dialogResponse{Error: "bank unreachable"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.SelectAccount(context.Background(), testDialog())
	if err == nil {
		t.Fatal("expected error")
	}
	if err == gateway.ErrInvalidCode || err == gateway.ErrChallengeExpired {
		t.Fatalf("generic failure must not map to a code sentinel: %v", err)
	}
}
