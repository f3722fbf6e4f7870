// Package connector implements the gateway adapter against a FinTS
// dialog connector service speaking JSON over HTTP.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fintsbridge/internal/domain"
	"fintsbridge/internal/gateway"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type dialogRequest struct {
	BankCode      string `json:"bank_code"`
	UserID        string `json:"user_id"`
	PIN           string `json:"pin"`
	EndpointURL   string `json:"endpoint_url"`
	ProductID     string `json:"product_id,omitempty"`
	TransportMode string `json:"transport_mode"`
	Continuation  []byte `json:"continuation,omitempty"`

	MechanismID   string `json:"mechanism_id,omitempty"`
	AccountRef    string `json:"account_ref,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	ChallengeData []byte `json:"challenge_data,omitempty"`
	Code          string `json:"code,omitempty"`
}

type dialogChallenge struct {
	Prompt    string `json:"prompt"`
	Decoupled bool   `json:"decoupled"`
	Data      []byte `json:"data,omitempty"`
}

type dialogResponse struct {
	OK           bool                  `json:"ok"`
	TANRequired  bool                  `json:"tan_required"`
	Error        string                `json:"error,omitempty"`
	Kind         string                `json:"kind,omitempty"`
	Challenge    *dialogChallenge      `json:"challenge,omitempty"`
	Continuation []byte                `json:"continuation,omitempty"`
	Mechanisms   []domain.Mechanism    `json:"mechanisms,omitempty"`
	AccountRef   string                `json:"account_ref,omitempty"`
	Transactions []gateway.Transaction `json:"transactions,omitempty"`
}

func (c *Client) ListMechanisms(ctx context.Context, d gateway.Dialog) (gateway.MechanismList, error) {
	resp, err := c.post(ctx, "/v1/dialog/mechanisms", newRequest(d))
	if err != nil {
		return gateway.MechanismList{}, err
	}
	return gateway.MechanismList{
		Mechanisms:   resp.Mechanisms,
		Continuation: resp.Continuation,
	}, nil
}

func (c *Client) ConfirmMechanism(ctx context.Context, d gateway.Dialog, mechanismID string) ([]byte, error) {
	req := newRequest(d)
	req.MechanismID = mechanismID
	resp, err := c.post(ctx, "/v1/dialog/mechanism", req)
	if err != nil {
		return nil, err
	}
	return resp.Continuation, nil
}

func (c *Client) SelectAccount(ctx context.Context, d gateway.Dialog) (gateway.AccountResult, error) {
	resp, err := c.post(ctx, "/v1/dialog/account", newRequest(d))
	if err != nil {
		return gateway.AccountResult{}, err
	}
	return gateway.AccountResult{
		AccountRef:   resp.AccountRef,
		Continuation: resp.Continuation,
		Challenge:    resp.challenge(),
	}, nil
}

func (c *Client) FetchTransactions(ctx context.Context, d gateway.Dialog, accountRef string, window domain.FetchWindow) (gateway.FetchResult, error) {
	req := newRequest(d)
	req.AccountRef = accountRef
	req.StartDate = window.Start.Format("2006-01-02")
	req.EndDate = window.End.Format("2006-01-02")
	resp, err := c.post(ctx, "/v1/dialog/transactions", req)
	if err != nil {
		return gateway.FetchResult{}, err
	}
	return gateway.FetchResult{
		Transactions: resp.Transactions,
		Continuation: resp.Continuation,
		Challenge:    resp.challenge(),
	}, nil
}

func (c *Client) SubmitCode(ctx context.Context, d gateway.Dialog, challengeData []byte, code string) (gateway.SubmitResult, error) {
	req := newRequest(d)
	req.ChallengeData = challengeData
	req.Code = code
	resp, err := c.post(ctx, "/v1/dialog/tan", req)
	if err != nil {
		return gateway.SubmitResult{}, err
	}
	return gateway.SubmitResult{
		AccountRef:   resp.AccountRef,
		Transactions: resp.Transactions,
		Continuation: resp.Continuation,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body dialogRequest) (*dialogResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector request: %w", err)
	}
	defer resp.Body.Close()

	var out dialogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode connector response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, connectorError(resp.StatusCode, &out)
	}
	if !out.OK && !out.TANRequired {
		return nil, connectorError(resp.StatusCode, &out)
	}
	return &out, nil
}

func connectorError(status int, resp *dialogResponse) error {
	switch resp.Kind {
	case "invalid_code":
		return gateway.ErrInvalidCode
	case "challenge_expired":
		return gateway.ErrChallengeExpired
	}
	if resp.Error != "" {
		return fmt.Errorf("connector status %d: %s", status, resp.Error)
	}
	return fmt.Errorf("connector status %d", status)
}

func (r *dialogResponse) challenge() *gateway.Challenge {
	if !r.TANRequired || r.Challenge == nil {
		return nil
	}
	return &gateway.Challenge{
		Prompt:    r.Challenge.Prompt,
		Decoupled: r.Challenge.Decoupled,
		Data:      r.Challenge.Data,
	}
}

func newRequest(d gateway.Dialog) dialogRequest {
	return dialogRequest{
		BankCode:      d.Credentials.BankCode,
		UserID:        d.Credentials.UserID,
		PIN:           d.Credentials.PIN,
		EndpointURL:   d.Credentials.EndpointURL,
		ProductID:     d.Credentials.ProductID,
		TransportMode: string(d.TransportMode),
		Continuation:  d.Continuation,
	}
}
