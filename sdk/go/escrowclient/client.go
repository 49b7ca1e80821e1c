// Package escrowclient is a typed client for the AgentEscrow REST API.
package escrowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used when NewClient receives a nil http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrMissingToken is returned before any request is sent without a token.
var ErrMissingToken = errors.New("escrowclient: api token is not set")

// Client talks to a running escrowd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Listing mirrors the listing payload accepted by the workflow endpoint.
type Listing struct {
	ID               string            `json:"id,omitempty"`
	SellerID         string            `json:"seller_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Category         string            `json:"category,omitempty"`
	AskingPriceMinor int64             `json:"asking_price_minor"`
	FloorPriceMinor  int64             `json:"floor_price_minor,omitempty"`
	Currency         string            `json:"currency"`
	Images           []string          `json:"images,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Offers           []Offer           `json:"offers,omitempty"`
}

// Offer is a buyer bid attached to a listing.
type Offer struct {
	BuyerID    string `json:"buyer_id"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

// WorkflowRequest starts an orchestrator session.
type WorkflowRequest struct {
	WorkflowID string  `json:"workflow_id,omitempty"`
	Listing    Listing `json:"listing"`
}

// Session is the subset of session fields most callers need. The raw step
// outputs are kept as JSON so the client does not pin agent schemas.
type Session struct {
	ID              string            `json:"session_id"`
	OwnerID         string            `json:"owner_id"`
	WorkflowID      string            `json:"workflow_id"`
	Status          string            `json:"status"`
	CurrentStep     string            `json:"current_step,omitempty"`
	WorkflowState   map[string]string `json:"workflow_state"`
	AgentSequence   []string          `json:"agent_sequence"`
	CombinedOutput  json.RawMessage   `json:"combined_output,omitempty"`
	TotalDurationMS int64             `json:"total_duration_ms"`
	Success         bool              `json:"success"`
	EscrowID        string            `json:"escrow_id,omitempty"`
	FailureCode     string            `json:"failure_code,omitempty"`
	Failure         string            `json:"failure,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Terminal reports whether the session will not change any more. Cancelled
// sessions end as failed with FailureCode SESSION_CANCELLED.
func (s Session) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// Escrow is the escrow workflow view.
type Escrow struct {
	ID                    string    `json:"escrow_id"`
	SessionID             string    `json:"session_id,omitempty"`
	ListingID             string    `json:"listing_id"`
	BuyerID               string    `json:"buyer_id"`
	SellerID              string    `json:"seller_id"`
	Backend               string    `json:"backend_type"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	Verified              bool      `json:"verified"`
	TrustScore            float64   `json:"trust_score"`
	RequiredVerifications []string  `json:"required_verifications"`
	DisputeRaised         bool      `json:"dispute_raised"`
	Version               int64     `json:"version"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Verification is a verification event submitted against an escrow.
type Verification struct {
	EventID    string    `json:"event_id,omitempty"`
	EscrowID   string    `json:"escrow_id,omitempty"`
	Kind       string    `json:"kind"`
	VerifiedBy string    `json:"verified_by"`
	VerifierID string    `json:"verifier_id,omitempty"`
	Outcome    bool      `json:"outcome"`
	Evidence   string    `json:"evidence,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Funding confirms a fiat pay-in for an escrow.
type Funding struct {
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// APIError is the decoded error envelope returned by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrow api error (%d): %s", e.StatusCode, e.Message)
}

// Duplicate reports whether the server rejected an idempotent replay.
func (e *APIError) Duplicate() bool {
	return e != nil && e.Metadata["duplicate"] == "true"
}

// NewClient builds a client. A nil httpClient gets DefaultHTTPTimeout.
func NewClient(rawURL, token string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: token}, nil
}

// StartWorkflow queues a new session owned by the token's subject.
func (c *Client) StartWorkflow(ctx context.Context, req WorkflowRequest) (Session, error) {
	var out Session
	err := c.send(ctx, http.MethodPost, "/api/v1/workflows", req, &out)
	return out, err
}

// Session fetches a session by id.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CancelSession asks the runner to stop before its next step.
func (c *Client) CancelSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.send(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// WaitSession polls until the session is terminal or ctx is done.
func (c *Client) WaitSession(ctx context.Context, id string, interval time.Duration) (Session, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := c.Session(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if s.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Escrow fetches an escrow workflow.
func (c *Client) Escrow(ctx context.Context, id string) (Escrow, error) {
	var out Escrow
	err := c.send(ctx, http.MethodGet, "/api/v1/escrows/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ConfirmFunding reports a fiat pay-in.
func (c *Client) ConfirmFunding(ctx context.Context, id string, f Funding) (Escrow, error) {
	var out Escrow
	err := c.send(ctx, http.MethodPost, "/api/v1/escrows/"+url.PathEscape(id)+"/funding", f, &out)
	return out, err
}

// SubmitVerification records a verification event. Replays with the same
// EventID are rejected by the server as duplicates.
func (c *Client) SubmitVerification(ctx context.Context, escrowID string, v Verification) (Verification, error) {
	var out Verification
	err := c.send(ctx, http.MethodPost, "/api/v1/escrows/"+url.PathEscape(escrowID)+"/verifications", v, &out)
	return out, err
}

// Release requests payout to the seller.
func (c *Client) Release(ctx context.Context, id string, mutual bool) (Escrow, error) {
	var out Escrow
	body := map[string]bool{"mutual": mutual}
	err := c.send(ctx, http.MethodPost, "/api/v1/escrows/"+url.PathEscape(id)+"/release", body, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	if c.token == "" {
		return ErrMissingToken
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		envelope := struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &envelope)
		}
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
