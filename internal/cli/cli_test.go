package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/orchestrator"
	"github.com/aura-interview/voice-engine/internal/session"
)

func TestStreamURL(t *testing.T) {
	u, err := streamURL("https://api.example.com/", "s 1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/api/stream/s%201?token=tok", u)

	u, err = streamURL("http://localhost:8080", "abc", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/stream/abc", u)
}

func TestStreamMessage(t *testing.T) {
	_, ok := streamMessage("   ")
	assert.False(t, ok)

	msg, ok := streamMessage("/interrupt")
	require.True(t, ok)
	assert.Equal(t, orchestrator.MessageControl, msg.Type)
	assert.Equal(t, orchestrator.ActionInterrupt, msg.Action)

	msg, ok = streamMessage("/quit")
	require.True(t, ok)
	assert.Equal(t, orchestrator.ActionStop, msg.Action)

	msg, ok = streamMessage(" I have five years of Go ")
	require.True(t, ok)
	assert.Equal(t, orchestrator.MessageTextInput, msg.Type)
	assert.Equal(t, "I have five years of Go", msg.Text)
}

func TestRenderStreamFinalsAndEnd(t *testing.T) {
	var out bytes.Buffer
	assert.False(t, renderStream(&out, models.TranscriptEvent(models.SpeakerAI, "partial", false), nil))
	assert.Empty(t, out.String())

	assert.False(t, renderStream(&out, models.TranscriptEvent(models.SpeakerUser, "Hello", true), nil))
	assert.Equal(t, "You: Hello\n", out.String())

	out.Reset()
	ended := models.ControlEvent(models.ControlSessionEnded)
	ended.Data = json.RawMessage(`{"summary":"Good"}`)
	assert.True(t, renderStream(&out, ended, nil))
	assert.Contains(t, out.String(), "Interview ended.")
	assert.Contains(t, out.String(), `"summary": "Good"`)
}

func TestRenderSessionEvents(t *testing.T) {
	var out bytes.Buffer
	render(&out, session.TranscriptEvent{Speaker: models.SpeakerAI, Text: "Welcome", Final: true}, nil)
	render(&out, session.TranscriptEvent{Speaker: models.SpeakerUser, Text: "Hi", Final: false}, nil)
	render(&out, session.StatusEvent{From: models.StatusDataChannelOpen, To: models.StatusActive}, nil)
	render(&out, session.StatusEvent{From: models.StatusIdle, To: models.StatusRequestingMic}, nil)
	render(&out, session.ErrorEvent{Err: &session.Error{
		Kind: session.KindRateLimit, Code: session.CodeRateLimited, Message: "slow down", ResetAfter: 30 * time.Second,
	}}, nil)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Interviewer: Welcome", lines[0])
	assert.Contains(t, lines[1], "active")
	assert.Equal(t, "! rate_limited: slow down", lines[2])
	assert.Contains(t, lines[3], "30s")
}
