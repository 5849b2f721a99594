package results

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/internal/middleware"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/pkg/response"
)

// Reader is the read side of the results store.
type Reader interface {
	GetBySession(ctx context.Context, sessionID string) (*models.InterviewResult, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.InterviewResult, error)
}

// Handler serves stored interview results.
type Handler struct {
	store  Reader
	logger *zap.Logger
}

// NewHandler creates a results handler.
func NewHandler(store Reader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// GetBySession handles GET /api/results/:sessionId.
func (h *Handler) GetBySession(c *gin.Context) {
	res, err := h.store.GetBySession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.logger.Error("get result", zap.Error(err))
		response.Internal(c, "failed to load result")
		return
	}
	if res == nil || (res.UserID != middleware.UserID(c) && middleware.UserRole(c) != auth.RoleAdmin) {
		response.NotFound(c, "result not found")
		return
	}
	response.OK(c, res)
}

// ListMine handles GET /api/results.
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit > 100 {
		limit = 100
	}
	list, err := h.store.ListByUser(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		h.logger.Error("list results", zap.Error(err))
		response.Internal(c, "failed to list results")
		return
	}
	if list == nil {
		list = []models.InterviewResult{}
	}
	response.OK(c, list)
}
