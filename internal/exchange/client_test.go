package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"deribit-gateway/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newSessionAgainst builds a Session whose HTTPS client points at ts,
// bypassing NewSession's venue base-URL selection. A fresh rate limiter
// and breaker are wired in directly so tests don't wait on production
// pacing.
func newSessionAgainst(ts *httptest.Server) *Session {
	return &Session{
		cfg:     config.VenueConfig{APIKey: "key", APISecret: "secret"},
		http:    resty.New().SetBaseURL(ts.URL).SetHeader("Content-Type", "application/json"),
		rl:      NewTokenBucket(1000, 1000),
		breaker: newHTTPBreaker(),
		logger:  testLogger(),
		corr:    newCorrelator(),
		subs:    make(map[string]SubscriptionCallback),
	}
}

func jsonRPCHandler(t *testing.T, responses map[string]interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		result, ok := responses[req.Method]
		if !ok {
			t.Fatalf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}
}

func TestAuthenticateSetsExpiryAndAuthenticatedFlag(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(jsonRPCHandler(t, map[string]interface{}{
		"public/auth": map[string]interface{}{
			"access_token":  "tok-1",
			"refresh_token": "refresh-1",
			"expires_in":    900,
		},
	}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if !s.IsAuthenticated() {
		t.Fatal("expected session to be authenticated")
	}
	if s.creds.AccessToken != "tok-1" {
		t.Fatalf("access token = %q, want tok-1", s.creds.AccessToken)
	}
	if !s.creds.TokenExpiryInstant.After(time.Now()) {
		t.Fatal("expected token expiry to be in the future")
	}
}

func TestPrivateRequestBeforeAuthenticateFails(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(jsonRPCHandler(t, map[string]interface{}{}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	resp := s.PrivateRequest(context.Background(), "private/get_positions", nil)
	if resp.Success {
		t.Fatal("expected failure before authenticate")
	}
	if resp.ErrorMessage != ErrNotAuthenticated.Error() {
		t.Fatalf("error = %q, want %q", resp.ErrorMessage, ErrNotAuthenticated.Error())
	}
}

func TestPrivateRequestRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var authCalls, privateCalls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "public/auth":
			authCalls++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"access_token": "tok-fresh", "refresh_token": "refresh-2", "expires_in": 900,
				},
			})
		case "private/get_order_state":
			privateCalls++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{"order_id": "O1", "order_state": "open"},
			})
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	s.creds.Authenticated = true
	s.creds.RefreshToken = "refresh-stale"
	s.creds.TokenExpiryInstant = time.Now().Add(-time.Minute)

	resp := s.PrivateRequest(context.Background(), "private/get_order_state", map[string]interface{}{"order_id": "O1"})
	if !resp.Success {
		t.Fatalf("expected success after refresh, got error %q", resp.ErrorMessage)
	}
	if authCalls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", authCalls)
	}
	if privateCalls != 1 {
		t.Fatalf("expected exactly one private call, got %d", privateCalls)
	}
	if s.creds.AccessToken != "tok-fresh" {
		t.Fatalf("access token not updated after refresh: %q", s.creds.AccessToken)
	}
}

func TestRefreshFailureFlipsAuthenticatedFalse(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": 13009, "message": "invalid refresh token"},
		})
	}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	s.creds.Authenticated = true
	s.creds.RefreshToken = "refresh-stale"
	s.creds.TokenExpiryInstant = time.Now().Add(-time.Minute)

	resp := s.PrivateRequest(context.Background(), "private/get_positions", nil)
	if resp.Success {
		t.Fatal("expected failure when refresh fails")
	}
	if s.IsAuthenticated() {
		t.Fatal("expected session to flip to unauthenticated after refresh failure")
	}
}

func TestGetInstrumentsProjectsNames(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(jsonRPCHandler(t, map[string]interface{}{
		"public/get_instruments": []interface{}{
			map[string]interface{}{"instrument_name": "BTC-PERPETUAL"},
			map[string]interface{}{"instrument_name": "ETH-PERPETUAL"},
		},
	}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	names, err := s.GetInstruments(context.Background(), "BTC", "future")
	if err != nil {
		t.Fatalf("GetInstruments: %v", err)
	}
	if len(names) != 2 || names[0] != "BTC-PERPETUAL" || names[1] != "ETH-PERPETUAL" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestPublicRequestSurfacesVenueError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": 10009, "message": "not_enough_funds"},
		})
	}))
	defer ts.Close()

	s := newSessionAgainst(ts)
	resp := s.PublicRequest(context.Background(), "public/get_order_book", map[string]interface{}{"instrument_name": "BTC-PERPETUAL"})
	if resp.Success {
		t.Fatal("expected failure on venue error")
	}
	if resp.ErrorMessage != "not_enough_funds" {
		t.Fatalf("error message = %q, want not_enough_funds", resp.ErrorMessage)
	}
}
