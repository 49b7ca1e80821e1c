package escrowclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "token", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestStartWorkflowSendsBearerToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/workflows" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		var req WorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Listing.SellerID != "seller-1" {
			t.Fatalf("unexpected listing %+v", req.Listing)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Status: "created"})
	}))

	s, err := c.StartWorkflow(context.Background(), WorkflowRequest{Listing: Listing{SellerID: "seller-1", Title: "bike", AskingPriceMinor: 100, Currency: "usd"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.ID != "sess-1" || s.Terminal() {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestAPIErrorEnvelopeIsDecoded(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"already released","metadata":{"duplicate":"true"}}}`))
	}))

	_, err := c.Release(context.Background(), "esc-1", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "INVALID_TRANSITION" || !apiErr.Duplicate() {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestPlainTextErrorFallsBackToBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	_, err := c.Escrow(context.Background(), "esc-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "gateway down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSubmitVerificationPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/escrows/esc-9/verifications" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var v Verification
		_ = json.NewDecoder(r.Body).Decode(&v)
		v.EscrowID = "esc-9"
		v.EventID = "ev-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(v)
	}))
	got, err := c.SubmitVerification(context.Background(), "esc-9", Verification{Kind: "inspection", VerifiedBy: "agent", Outcome: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.EventID != "ev-1" || got.Kind != "inspection" {
		t.Fatalf("unexpected verification %+v", got)
	}
}

func TestWaitSessionPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Status: status})
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.WaitSession(ctx, "sess-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.Status != "completed" || calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", s, calls.Load())
	}
}

func TestClientRequiresToken(t *testing.T) {
	c, err := NewClient("http://localhost:8080", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Session(context.Background(), "x"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := NewClient("not a url", "t", nil); err == nil {
		t.Fatal("expected invalid url error")
	}
}
