package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/pkg/response"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrame     = 512 * 1024
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator func(token string) (userID string, err error)

// Handler upgrades GET /api/stream/:sessionId to a WebSocket and pumps frames
// between the socket and an orchestrator stream.
type Handler struct {
	orch     *Orchestrator
	validate TokenValidator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the stream endpoint. allowedOrigins is the CORS list; an
// empty list or "*" accepts any origin.
func NewHandler(orch *Orchestrator, validate TokenValidator, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		orch:     orch,
		validate: validate,
		logger:   logger.With(zap.String("component", "stream_handler")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origins["*"] || origin == "" || origins[origin]
			},
		},
	}
}

// Serve is the gin handler.
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		response.BadRequest(c, "sessionId required")
		return
	}
	token := c.Query("token")
	if token == "" {
		if parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		response.Unauthorized(c, "token required")
		return
	}
	userID, err := h.validate(token)
	if err != nil {
		response.Unauthorized(c, "invalid or expired token")
		return
	}
	if h.orch.Active(sessionID) {
		response.Conflict(c, ErrStreamActive.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	stream := h.orch.Open(sessionID, userID)
	logger := h.logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID))
	logger.Info("stream opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, stream)
	}()
	h.readPump(c, conn, stream, logger)
	<-writerDone
	logger.Info("stream closed")
}

func (h *Handler) readPump(c *gin.Context, conn *websocket.Conn, stream *Stream, logger *zap.Logger) {
	// The write pump owns closing conn once the stream is done.
	defer stream.Close()

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := stream.Handle(c.Request.Context(), msg); errors.Is(err, ErrStreamActive) {
			return
		}
		select {
		case <-stream.Done():
			return
		default:
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, stream *Stream) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}
	for {
		select {
		case ev := <-stream.Events():
			if err := write(ev); err != nil {
				stream.Close()
				return
			}
		case <-stream.Done():
			for {
				select {
				case ev := <-stream.Events():
					if err := write(ev); err != nil {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
						time.Now().Add(writeWait))
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				stream.Close()
				return
			}
		}
	}
}
