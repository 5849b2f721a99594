package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/internal/middleware"
	"github.com/aura-interview/voice-engine/internal/registry"
	"github.com/aura-interview/voice-engine/pkg/response"
)

type harness struct {
	router   *gin.Engine
	jwt      *auth.JWTService
	reg      *registry.Registry
	credits  *RedisCredits
	upstream *httptest.Server
	offers   chan *http.Request
}

func newHarness(t *testing.T, start int) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		jwt:     auth.NewJWTService("secret", 1),
		credits: NewRedisCredits(rdb, "", start),
		offers:  make(chan *http.Request, 4),
	}
	h.reg = registry.New(registry.Options{Metadata: registry.NewRedisMetadata(rdb, "voice:session:", zap.NewNop())}, zap.NewNop())
	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.offers <- r
		if string(body) == "bad-offer" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		_, _ = w.Write([]byte("v=0 answer"))
	}))
	t.Cleanup(h.upstream.Close)

	handler := NewHandler(Options{
		JWT:          h.jwt,
		Sessions:     h.reg,
		Entitlements: h.credits,
		Upstream:     NewHTTPUpstream(h.upstream.URL+"/v1/realtime", "sk-server"),
		Model:        "gpt-realtime",
		TokenTTL:     time.Minute,
		RatePerMin:   6,
		RateBurst:    2,
	}, zap.NewNop())

	h.router = gin.New()
	api := h.router.Group("/api")
	api.Use(middleware.JWT(h.jwt))
	api.POST("/realtime/session", handler.IssueSession)
	api.POST("/realtime/sdp", handler.ExchangeSDP)
	api.GET("/sessions/:id", handler.GetSession)
	api.DELETE("/sessions/:id", handler.EndSession)
	return h
}

func (h *harness) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := h.jwt.Generate(userID, userID+"@example.com", role)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	var env response.Body
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func issue(t *testing.T, h *harness, bearer string) CredentialResponse {
	t.Helper()
	w, env := h.do(t, http.MethodPost, "/api/realtime/session", bearer, IssueRequest{JobTitle: "Software Engineer", Difficulty: "senior"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, env.Success)
	raw, _ := json.Marshal(env.Data)
	var cred CredentialResponse
	require.NoError(t, json.Unmarshal(raw, &cred))
	return cred
}

func TestIssueSessionRegistersMetadata(t *testing.T) {
	h := newHarness(t, 5)
	cred := issue(t, h, h.token(t, "u1", auth.RoleCandidate))

	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "gpt-realtime", cred.Model)
	claims, err := h.jwt.ValidateSessionToken(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, claims.SessionID)
	assert.Equal(t, "u1", claims.UserID)

	meta, ok := h.reg.Lookup(cred.ID)
	require.True(t, ok)
	assert.Equal(t, "u1", meta.UserID)
	assert.Equal(t, "Software Engineer", meta.JobRole)
	assert.EqualValues(t, "senior", meta.Difficulty)
	assert.EqualValues(t, "idle", meta.Status)

	balance, err := h.credits.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)
}

func TestIssueSessionRequiresAuth(t *testing.T) {
	h := newHarness(t, 5)
	w, env := h.do(t, http.MethodPost, "/api/realtime/session", "", IssueRequest{JobTitle: "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", env.Code)
}

func TestIssueSessionRequiresJobTitle(t *testing.T) {
	h := newHarness(t, 5)
	w, _ := h.do(t, http.MethodPost, "/api/realtime/session", h.token(t, "u1", auth.RoleCandidate), IssueRequest{JobTitle: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueSessionInsufficientCredits(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.credits.Grant(context.Background(), "u1", 0))
	w, env := h.do(t, http.MethodPost, "/api/realtime/session", h.token(t, "u1", auth.RoleCandidate), IssueRequest{JobTitle: "Designer"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient credits", env.Error)
	assert.Equal(t, CodeInsufficient, env.Code)
}

func TestIssueSessionUnknownUser(t *testing.T) {
	h := newHarness(t, 0)
	w, _ := h.do(t, http.MethodPost, "/api/realtime/session", h.token(t, "ghost", auth.RoleCandidate), IssueRequest{JobTitle: "Designer"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIssueSessionRateLimited(t *testing.T) {
	h := newHarness(t, 10)
	bearer := h.token(t, "u1", auth.RoleCandidate)
	issue(t, h, bearer)
	issue(t, h, bearer)

	w, env := h.do(t, http.MethodPost, "/api/realtime/session", bearer, IssueRequest{JobTitle: "Designer"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, env.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	hint, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Greater(t, hint["reset_after"].(float64), 0.0)

	balance, err := h.credits.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 8, balance, "rejected request does not spend a credit")

	issue(t, h, h.token(t, "u2", auth.RoleCandidate))
}

func TestExchangeSDPProxiesOffer(t *testing.T) {
	h := newHarness(t, 5)
	bearer := h.token(t, "u1", auth.RoleCandidate)
	cred := issue(t, h, bearer)

	w, env := h.do(t, http.MethodPost, "/api/realtime/sdp", bearer, SDPRequest{SessionID: cred.ID, Token: cred.Token, SDP: "v=0 offer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "v=0 answer", env.Data.(map[string]interface{})["sdp"])

	req := <-h.offers
	assert.Equal(t, "application/sdp", req.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer sk-server", req.Header.Get("Authorization"))
	assert.Equal(t, "gpt-realtime", req.URL.Query().Get("model"))
	body, _ := io.ReadAll(req.Body)
	assert.Equal(t, "v=0 offer", string(body))
}

func TestExchangeSDPRejectsMismatchedSession(t *testing.T) {
	h := newHarness(t, 5)
	bearer := h.token(t, "u1", auth.RoleCandidate)
	cred := issue(t, h, bearer)

	w, _ := h.do(t, http.MethodPost, "/api/realtime/sdp", bearer, SDPRequest{SessionID: "other", Token: cred.Token, SDP: "v=0 offer"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/realtime/sdp", h.token(t, "u2", auth.RoleCandidate), SDPRequest{SessionID: cred.ID, Token: cred.Token, SDP: "v=0 offer"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExchangeSDPUpstreamFailure(t *testing.T) {
	h := newHarness(t, 5)
	bearer := h.token(t, "u1", auth.RoleCandidate)
	cred := issue(t, h, bearer)

	w, env := h.do(t, http.MethodPost, "/api/realtime/sdp", bearer, SDPRequest{SessionID: cred.ID, Token: cred.Token, SDP: "bad-offer"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, CodeSDPExchange, env.Code)
}

func TestSessionStatusAndEnd(t *testing.T) {
	h := newHarness(t, 5)
	owner := h.token(t, "u1", auth.RoleCandidate)
	cred := issue(t, h, owner)

	w, env := h.do(t, http.MethodGet, "/api/sessions/"+cred.ID, owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := env.Data.(map[string]interface{})
	assert.Equal(t, cred.ID, view["sessionId"])
	assert.Equal(t, "idle", view["status"])

	w, _ = h.do(t, http.MethodGet, "/api/sessions/"+cred.ID, h.token(t, "u2", auth.RoleCandidate), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot see the session")

	w, _ = h.do(t, http.MethodGet, "/api/sessions/"+cred.ID, h.token(t, "root", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = h.do(t, http.MethodDelete, "/api/sessions/"+cred.ID, owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = h.do(t, http.MethodGet, "/api/sessions/"+cred.ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLimiterReportsWait(t *testing.T) {
	l := newUserLimiter(60, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("u1")
	assert.True(t, ok)
	ok, wait := l.allow("u1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	now = now.Add(time.Second)
	ok, _ = l.allow("u1")
	assert.True(t, ok)
}
