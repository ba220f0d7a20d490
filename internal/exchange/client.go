// Package exchange implements the Deribit Test upstream session: the
// HTTPS one-shot JSON-RPC path and the persistent duplex channel, bearer-
// token lifecycle, and subscription demux described in the core's
// upstream-session component.
//
// client.go holds the Session type, authentication, and the HTTPS
// request/reply path. ws.go holds the persistent duplex channel, its
// dispatch worker, and the subscription demux.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"deribit-gateway/internal/config"
	"deribit-gateway/pkg/types"
)

// SubscriptionCallback is invoked from the dispatch worker with the
// channel name and the raw data payload of a push frame. Callbacks run
// off the caller's goroutine and must not block on the session.
type SubscriptionCallback func(channel string, data json.RawMessage)

// Session is the upstream venue connection: HTTPS one-shot requests plus
// a persistent duplex channel, owning credentials and the duplex socket
// exclusively.
type Session struct {
	cfg    config.VenueConfig
	http   *resty.Client
	rl     *TokenBucket
	breaker *gobreaker.CircuitBreaker
	logger *slog.Logger

	authMu sync.Mutex
	creds  types.Credentials

	httpReqID int64

	wsURL string
	ws    *duplexChannel
	corr  *correlator

	subsMu sync.RWMutex
	subs   map[string]SubscriptionCallback

	dispatch *dispatchWorker
}

// NewSession constructs a Session against the venue base URLs selected by
// cfg.TestMode. It does not dial anything; call Initialize then
// Authenticate and/or ConnectWebsocket.
func NewSession(cfg config.VenueConfig, logger *slog.Logger) *Session {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL()).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Session{
		cfg:     cfg,
		http:    httpClient,
		rl:      NewTokenBucket(50, 20),
		breaker: newHTTPBreaker(),
		logger:  logger.With("component", "exchange-session"),
		creds: types.Credentials{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		},
		wsURL: cfg.WSBaseURL(),
		corr:  newCorrelator(),
		subs:  make(map[string]SubscriptionCallback),
	}
}

// Initialize prepares the subscription-dispatch worker. It does not touch
// the network; ConnectWebsocket opens the duplex I/O worker separately.
func (s *Session) Initialize() {
	s.dispatch = newDispatchWorker(s.logger)
	s.dispatch.start()
}

// Shutdown stops the dispatch worker. Safe to call once after
// DisconnectWebsocket.
func (s *Session) Shutdown() {
	if s.dispatch != nil {
		s.dispatch.stop()
	}
}

// Authenticate exchanges (api_key, api_secret) for a bearer token via
// public/auth with grant_type=client_credentials.
func (s *Session) Authenticate(ctx context.Context) error {
	return s.grant(ctx, map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     s.cfg.APIKey,
		"client_secret": s.cfg.APISecret,
	})
}

// refresh exchanges the current refresh token for a new access token.
// On failure it flips authenticated=false so the next private call
// surfaces the state rather than looping.
func (s *Session) refresh(ctx context.Context) error {
	s.authMu.Lock()
	refreshToken := s.creds.RefreshToken
	s.authMu.Unlock()

	err := s.grant(ctx, map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		s.authMu.Lock()
		s.creds.Authenticated = false
		s.authMu.Unlock()
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return nil
}

func (s *Session) grant(ctx context.Context, params map[string]interface{}) error {
	resp := s.PublicRequest(ctx, "public/auth", params)
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrVenueError, resp.ErrorMessage)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	s.authMu.Lock()
	s.creds.AccessToken = result.AccessToken
	s.creds.RefreshToken = result.RefreshToken
	s.creds.TokenExpiryInstant = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	s.creds.Authenticated = true
	s.authMu.Unlock()

	return nil
}

// IsAuthenticated reports the session's current auth state.
func (s *Session) IsAuthenticated() bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.creds.Authenticated
}

// PublicRequest performs a one-shot HTTPS JSON-RPC POST. It returns
// success with the raw result if the venue reply has no error field;
// otherwise failure with error.message. Transport failures (including a
// tripped circuit breaker) surface as ApiResponse failures, never a
// panic or process abort.
func (s *Session) PublicRequest(ctx context.Context, method string, params interface{}) types.ApiResponse {
	if err := s.rl.Wait(ctx); err != nil {
		return types.ApiResponse{Success: false, ErrorMessage: err.Error()}
	}

	id := atomic.AddInt64(&s.httpReqID, 1)
	envelope := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		var raw rpcResponse
		httpResp, err := s.http.R().
			SetContext(ctx).
			SetBody(envelope).
			SetResult(&raw).
			Post("/api/v2/" + method)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		if httpResp.IsError() {
			return nil, fmt.Errorf("%w: status %d", ErrTransportFailure, httpResp.StatusCode())
		}
		return raw, nil
	})

	if err != nil {
		return types.ApiResponse{Success: false, ErrorMessage: err.Error()}
	}

	raw := result.(rpcResponse)
	if raw.Error != nil {
		return types.ApiResponse{Success: false, ErrorMessage: raw.Error.Message}
	}

	var decoded interface{}
	if len(raw.Result) > 0 {
		if err := json.Unmarshal(raw.Result, &decoded); err != nil {
			return types.ApiResponse{Success: false, ErrorMessage: fmt.Sprintf("%s: %v", ErrProtocolError, err)}
		}
	}
	return types.ApiResponse{Success: true, Result: decoded}
}

// PrivateRequest fails with NotAuthenticated if the session has never
// authenticated. If the access token has expired it refreshes first; a
// refresh failure surfaces RefreshFailed and leaves the session
// unauthenticated. On success it injects access_token into params and
// delegates to PublicRequest.
func (s *Session) PrivateRequest(ctx context.Context, method string, params map[string]interface{}) types.ApiResponse {
	s.authMu.Lock()
	authenticated := s.creds.Authenticated
	expiry := s.creds.TokenExpiryInstant
	s.authMu.Unlock()

	if !authenticated {
		return types.ApiResponse{Success: false, ErrorMessage: ErrNotAuthenticated.Error()}
	}

	if !time.Now().Before(expiry) {
		if err := s.refresh(ctx); err != nil {
			return types.ApiResponse{Success: false, ErrorMessage: err.Error()}
		}
	}

	if params == nil {
		params = make(map[string]interface{})
	}
	s.authMu.Lock()
	params["access_token"] = s.creds.AccessToken
	s.authMu.Unlock()

	return s.PublicRequest(ctx, method, params)
}

// GetInstruments wraps public/get_instruments and projects
// result[*].instrument_name.
func (s *Session) GetInstruments(ctx context.Context, currency, kind string) ([]string, error) {
	resp := s.PublicRequest(ctx, "public/get_instruments", map[string]interface{}{
		"currency": currency,
		"kind":     kind,
		"expired":  false,
	})
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrVenueError, resp.ErrorMessage)
	}

	list, ok := resp.Result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected get_instruments result shape", ErrProtocolError)
	}

	names := make([]string, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := m["instrument_name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}
