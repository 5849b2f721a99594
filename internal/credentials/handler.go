package credentials

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/middleware"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/response"
)

const (
	CodeRateLimited  = "rate_limited"
	CodeInsufficient = "insufficient_credits"
	CodeSDPExchange  = "sdp_exchange_failed"
)

// Sessions is the part of the session registry the handlers need.
type Sessions interface {
	Announce(meta models.SessionMeta)
	Lookup(sessionID string) (models.SessionMeta, bool)
	End(sessionID string)
}

// Options configures the credential handlers.
type Options struct {
	JWT          *auth.JWTService
	Sessions     Sessions
	Entitlements Entitlements
	Upstream     SDPUpstream
	Metrics      *metrics.Collector
	Model        string
	TokenTTL     time.Duration
	RatePerMin   int
	RateBurst    int
	Now          func() time.Time
}

// Handler serves session credentials, the SDP-exchange proxy and session status.
type Handler struct {
	jwt      *auth.JWTService
	sessions Sessions
	credits  Entitlements
	upstream SDPUpstream
	metrics  *metrics.Collector
	model    string
	ttl      time.Duration
	limiter  *userLimiter
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates the credential handlers.
func NewHandler(opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limiter := newUserLimiter(opts.RatePerMin, opts.RateBurst)
	limiter.now = opts.Now
	return &Handler{
		jwt:      opts.JWT,
		sessions: opts.Sessions,
		credits:  opts.Entitlements,
		upstream: opts.Upstream,
		metrics:  opts.Metrics,
		model:    opts.Model,
		ttl:      opts.TokenTTL,
		limiter:  limiter,
		now:      opts.Now,
		logger:   logger.With(zap.String("component", "credentials")),
	}
}

// IssueRequest is the body of POST /api/realtime/session.
type IssueRequest struct {
	JobTitle   string `json:"jobTitle" binding:"required"`
	ResumeText string `json:"resumeText"`
	Difficulty string `json:"difficulty"`
}

// CredentialResponse is returned by IssueSession.
type CredentialResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Model     string    `json:"model"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitHint accompanies a 429.
type RateLimitHint struct {
	ResetAfter float64 `json:"reset_after"`
}

// IssueSession handles POST /api/realtime/session.
func (h *Handler) IssueSession(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "missing user context")
		return
	}
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.JobTitle) == "" {
		response.BadRequest(c, "jobTitle is required")
		return
	}

	if ok, wait := h.limiter.allow(userID); !ok {
		h.metrics.CredentialRequest("rate_limited")
		secs := math.Ceil(wait.Seconds())
		c.Header("Retry-After", strconv.Itoa(int(secs)))
		response.FailWith(c, http.StatusTooManyRequests, CodeRateLimited, "Too many session requests", RateLimitHint{ResetAfter: secs})
		return
	}

	ctx := c.Request.Context()
	if h.credits != nil {
		if err := h.credits.Consume(ctx, userID); err != nil {
			switch {
			case errors.Is(err, ErrInsufficientCredits):
				h.metrics.CredentialRequest("insufficient")
				response.Fail(c, http.StatusForbidden, CodeInsufficient, "Insufficient credits")
			case errors.Is(err, ErrUnknownUser):
				h.metrics.CredentialRequest("unknown_user")
				response.NotFound(c, "user not found")
			default:
				h.metrics.CredentialRequest("error")
				h.logger.Error("entitlement check failed", zap.String("user_id", userID), zap.Error(err))
				response.ServiceUnavailable(c, "entitlement check unavailable")
			}
			return
		}
	}

	sessionID := uuid.New().String()
	token, expires, err := h.jwt.IssueSessionToken(sessionID, userID, h.model, h.ttl)
	if err != nil {
		h.refund(ctx, userID)
		h.metrics.CredentialRequest("error")
		h.logger.Error("sign session token", zap.Error(err))
		response.Internal(c, "could not issue credential")
		return
	}

	now := h.now()
	h.sessions.Announce(models.SessionMeta{
		SessionID:    sessionID,
		UserID:       userID,
		JobRole:      strings.TrimSpace(req.JobTitle),
		Difficulty:   models.ParseDifficulty(req.Difficulty),
		Status:       models.StatusIdle,
		CreatedAt:    now,
		LastActivity: now,
	})
	h.metrics.CredentialRequest("issued")
	h.logger.Info("session credential issued", zap.String("session_id", sessionID), zap.String("user_id", userID))
	response.OK(c, CredentialResponse{ID: sessionID, Token: token, Model: h.model, ExpiresAt: expires})
}

func (h *Handler) refund(ctx context.Context, userID string) {
	if h.credits == nil {
		return
	}
	if err := h.credits.Refund(ctx, userID); err != nil {
		h.logger.Warn("credit refund failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// SDPRequest is the body of POST /api/realtime/sdp.
type SDPRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Token     string `json:"token" binding:"required"`
	SDP       string `json:"sdp" binding:"required"`
	Model     string `json:"model"`
}

// ExchangeSDP handles POST /api/realtime/sdp.
func (h *Handler) ExchangeSDP(c *gin.Context) {
	var req SDPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "sessionId, token and sdp are required")
		return
	}
	claims, err := h.jwt.ValidateSessionToken(req.Token)
	if err != nil || claims.SessionID != req.SessionID {
		response.Unauthorized(c, "invalid session credential")
		return
	}
	if userID := middleware.UserID(c); userID != "" && userID != claims.UserID {
		response.Forbidden(c, "session belongs to another user")
		return
	}
	model := req.Model
	if model == "" {
		model = claims.Model
	}
	answer, err := h.upstream.Exchange(c.Request.Context(), req.SDP, model)
	if err != nil {
		h.logger.Warn("sdp exchange failed", zap.String("session_id", req.SessionID), zap.Error(err))
		response.Fail(c, http.StatusBadGateway, CodeSDPExchange, "SDP exchange failed")
		return
	}
	response.OK(c, gin.H{"sdp": answer})
}

// StatusView is the public shape of mirrored session metadata.
type StatusView struct {
	SessionID    string               `json:"sessionId"`
	Status       models.SessionStatus `json:"status"`
	UserID       string               `json:"userId"`
	JobRole      string               `json:"jobRole,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	LastActivity time.Time            `json:"lastActivity"`
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	meta, ok := h.owned(c)
	if !ok {
		return
	}
	response.OK(c, StatusView{
		SessionID:    meta.SessionID,
		Status:       meta.Status,
		UserID:       meta.UserID,
		JobRole:      meta.JobRole,
		CreatedAt:    meta.CreatedAt,
		LastActivity: meta.LastActivity,
	})
}

// EndSession handles DELETE /api/sessions/:id.
func (h *Handler) EndSession(c *gin.Context) {
	meta, ok := h.owned(c)
	if !ok {
		return
	}
	h.sessions.End(meta.SessionID)
	h.logger.Info("session ended by request", zap.String("session_id", meta.SessionID))
	response.OK(c, gin.H{"ended": true})
}

// owned looks up :id and writes 404 unless the caller owns it or is an admin.
// Sessions owned by others are reported as missing.
func (h *Handler) owned(c *gin.Context) (models.SessionMeta, bool) {
	meta, ok := h.sessions.Lookup(c.Param("id"))
	if !ok {
		response.NotFound(c, "session not found")
		return meta, false
	}
	if middleware.UserRole(c) != auth.RoleAdmin && meta.UserID != middleware.UserID(c) {
		response.NotFound(c, "session not found")
		return meta, false
	}
	return meta, true
}
