package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultHTTPTimeout = 15 * time.Second

// CredentialRequest is sent to the credential endpoint.
type CredentialRequest struct {
	JobTitle   string `json:"jobTitle"`
	ResumeText string `json:"resumeText,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// Credential is a short-lived session credential.
type Credential struct {
	SessionID string     `json:"id"`
	Token     string     `json:"token"`
	Model     string     `json:"model,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SDPRequest is sent to the SDP-exchange proxy.
type SDPRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	SDP       string `json:"sdp"`
	Model     string `json:"model,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// APIClient talks to the application backend: reachability probe,
// credential endpoint, SDP-exchange proxy and session status.
type APIClient struct {
	base   *url.URL
	bearer string
	http   *http.Client
	logger *zap.Logger
}

// NewAPIClient creates a client for baseURL authenticating with bearer.
func NewAPIClient(baseURL, bearer string, httpClient *http.Client, logger *zap.Logger) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{base: u, bearer: bearer, http: httpClient, logger: logger.With(zap.String("component", "session_api"))}, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	c.logger.Debug("backend request", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, raw, nil
}

// Probe checks the backend is reachable.
func (c *APIClient) Probe(ctx context.Context) error {
	resp, _, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return networkError(CodeProbeFailed, "the voice service is unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		return networkError(CodeProbeFailed, "the voice service is unhealthy", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// FetchCredential requests a short-lived session credential.
func (c *APIClient) FetchCredential(ctx context.Context, req CredentialRequest) (*Credential, error) {
	resp, raw, err := c.do(ctx, http.MethodPost, "/api/realtime/session", req)
	if err != nil {
		return nil, networkError(CodeUnavailable, "could not reach the credential service", err)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode != http.StatusOK {
		return nil, credentialError(resp, env)
	}
	var cred Credential
	if err := json.Unmarshal(env.Data, &cred); err != nil || cred.SessionID == "" || cred.Token == "" {
		if err == nil {
			err = errors.New("missing id or token")
		}
		return nil, newError(KindAuth, CodeCredentialInvalid, "the credential service returned an invalid credential", false, err)
	}
	return &cred, nil
}

func credentialError(resp *http.Response, env envelope) *Error {
	msg := env.Error
	cause := fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusNotFound:
		if msg == "" {
			msg = "please sign in again"
		}
		return newError(KindAuth, CodeUnauthorized, msg, false, cause)
	case http.StatusForbidden:
		if msg == "" {
			msg = "insufficient credits"
		}
		return newError(KindEntitlement, CodeInsufficient, msg, false, cause)
	case http.StatusTooManyRequests:
		if msg == "" {
			msg = "too many session requests"
		}
		e := newError(KindRateLimit, CodeRateLimited, msg, false, cause)
		e.ResetAfter = resetAfter(resp, env)
		return e
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway, http.StatusInternalServerError:
		return networkError(CodeUnavailable, "the credential service is temporarily unavailable", cause)
	}
	if msg == "" {
		msg = "the credential request was rejected"
	}
	return newError(KindProtocol, CodeBadRequest, msg, false, cause)
}

func resetAfter(resp *http.Response, env envelope) time.Duration {
	var hint struct {
		ResetAfter float64 `json:"reset_after"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &hint) == nil && hint.ResetAfter > 0 {
		return time.Duration(hint.ResetAfter * float64(time.Second))
	}
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 0
}

// ExchangeSDP sends the local offer through the backend proxy and returns
// the answer. Any non-2xx response is a retryable setup failure.
func (c *APIClient) ExchangeSDP(ctx context.Context, req SDPRequest) (string, error) {
	resp, raw, err := c.do(ctx, http.MethodPost, "/api/realtime/sdp", req)
	if err != nil {
		return "", networkError(CodeSDPExchange, "could not reach the SDP exchange", err)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", networkError(CodeSDPExchange, "the SDP exchange failed", fmt.Errorf("status %d: %s", resp.StatusCode, env.Error))
	}
	var answer struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(env.Data, &answer); err != nil || answer.SDP == "" {
		return "", networkError(CodeSDPExchange, "the SDP exchange returned no answer", err)
	}
	return answer.SDP, nil
}

// Registered reports whether the backend still knows sessionID.
func (c *APIClient) Registered(ctx context.Context, sessionID string) (bool, error) {
	resp, _, err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("session status returned %d", resp.StatusCode)
}

// EndSession tells the backend the session is over. Best effort.
func (c *APIClient) EndSession(ctx context.Context, sessionID string) error {
	resp, _, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("end session returned %d", resp.StatusCode)
	}
	return nil
}
