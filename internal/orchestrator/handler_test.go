package orchestrator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/internal/models"
)

func newStreamServer(t *testing.T, sessions *fakeSessions) (*httptest.Server, *Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := New(Options{Sessions: sessions}, nil)
	h := NewHandler(o, func(token string) (string, error) {
		if token != "good" {
			return "", errors.New("bad token")
		}
		return "user-1", nil
	}, nil, nil)
	r := gin.New()
	r.GET("/api/stream/:sessionId", h.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(models.StreamEvent) bool) models.StreamEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev models.StreamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	srv, _ := newStreamServer(t, newFakeSessions())

	resp, err := http.Get(srv.URL + "/api/stream/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/stream/s1?token=bad")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHandlerStreamsAndStops(t *testing.T) {
	sessions := newFakeSessions()
	srv, o := newStreamServer(t, sessions)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream/s1?token=good"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageStart, JobRole: "Software Engineer"}))
	readUntil(t, conn, isControl(models.ControlConnected))
	require.Eventually(t, func() bool { return o.Active("s1") }, time.Second, 5*time.Millisecond)

	// A second socket for the same session is refused before upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTextInput, Text: "Tell me about yourself"}))
	echo := readUntil(t, conn, func(ev models.StreamEvent) bool { return ev.Type == models.EventTranscript })
	assert.Equal(t, models.SpeakerUser, echo.Speaker)
	assert.Equal(t, "Tell me about yourself", echo.Text)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageControl, Action: ActionStop}))
	readUntil(t, conn, isControl(models.ControlSessionEnded))

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, []string{"s1"}, sessions.endedIDs())
	require.Eventually(t, func() bool { return !o.Active("s1") }, time.Second, 5*time.Millisecond)
}
