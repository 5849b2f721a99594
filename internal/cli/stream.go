package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/audio"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/orchestrator"
)

// Output audio of the streaming backend.
const streamPlaybackRate = 24000

var streamFlags struct {
	sessionID   string
	job         string
	difficulty  string
	instruction string
	device      string
	noAudio     bool
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream microphone audio through the server-side orchestrator",
	Long: `Attach to /api/stream/:sessionId, send a start frame and stream the
microphone as PCM chunks. Transcript and control events are printed.

Type a line to send it as text. Commands: /interrupt, /ping, /quit.`,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().StringVar(&streamFlags.sessionID, "session", "", "session id (from POST /api/realtime/session)")
	streamCmd.Flags().StringVar(&streamFlags.job, "job", "", "job role")
	streamCmd.Flags().StringVar(&streamFlags.difficulty, "difficulty", "mid", "entry, mid or senior")
	streamCmd.Flags().StringVar(&streamFlags.instruction, "instruction", "", "override the system instruction")
	streamCmd.Flags().StringVar(&streamFlags.device, "device", "", "Pulse source id")
	streamCmd.Flags().BoolVar(&streamFlags.noAudio, "no-audio", false, "do not play the interviewer's voice")
	_ = streamCmd.MarkFlagRequired("session")
	_ = streamCmd.MarkFlagRequired("job")
}

// streamURL maps the HTTP base URL onto the WebSocket stream endpoint.
func streamURL(base, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/api/stream/" + sessionID
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// streamConn serializes writes to the orchestrator socket.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) send(msg orchestrator.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	target, err := streamURL(cfg.Session.ServerURL, streamFlags.sessionID, bearer)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	sc := &streamConn{conn: conn}

	if err := sc.send(orchestrator.ClientMessage{
		Type:              orchestrator.MessageStart,
		JobRole:           streamFlags.job,
		Difficulty:        streamFlags.difficulty,
		SystemInstruction: streamFlags.instruction,
	}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	var speaker *audio.Speaker
	if !streamFlags.noAudio {
		if speaker, err = audio.NewSpeaker(streamPlaybackRate, logger); err != nil {
			logger.Warn("playback unavailable", zap.Error(err))
		} else {
			defer speaker.Close()
		}
	}

	device := streamFlags.device
	if device == "" {
		device = cfg.Session.AudioDevice
	}
	mic := audio.NewPipeline(audio.NewPulseSource(device, logger), audio.WithLogger(logger))
	defer mic.Close()

	out := cmd.OutOrStdout()
	events := make(chan models.StreamEvent, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			var ev models.StreamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				readErr <- err
				return
			}
			events <- ev
		}
	}()

	lines := readLines(cmd.InOrStdin())
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	micStarted := false

	for {
		select {
		case <-ctx.Done():
			_ = sc.send(orchestrator.ClientMessage{Type: orchestrator.MessageControl, Action: orchestrator.ActionStop})
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		case ev := <-events:
			if ev.Type == models.EventControl && ev.Status == models.ControlReady && !micStarted {
				if err := mic.Start(ctx); err != nil {
					fmt.Fprintf(out, "! microphone: %v (text only)\n", err)
				}
				micStarted = true
			}
			if renderStream(out, ev, speaker) {
				return nil
			}
		case <-ticker.C:
			if pcm := mic.GetBuffer(); len(pcm) > 0 {
				if err := sc.send(orchestrator.ClientMessage{
					Type: orchestrator.MessageAudioChunk,
					Data: base64.StdEncoding.EncodeToString(pcm),
				}); err != nil {
					return fmt.Errorf("send audio: %w", err)
				}
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			msg, ok := streamMessage(line)
			if !ok {
				continue
			}
			if speaker != nil && msg.Action == orchestrator.ActionInterrupt {
				speaker.Flush()
			}
			if err := sc.send(msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// streamMessage maps one stdin line onto a client frame.
func streamMessage(line string) (orchestrator.ClientMessage, bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return orchestrator.ClientMessage{}, false
	case "/interrupt":
		return orchestrator.ClientMessage{Type: orchestrator.MessageControl, Action: orchestrator.ActionInterrupt}, true
	case "/ping":
		return orchestrator.ClientMessage{Type: orchestrator.MessageControl, Action: orchestrator.ActionPing}, true
	case "/quit":
		return orchestrator.ClientMessage{Type: orchestrator.MessageControl, Action: orchestrator.ActionStop}, true
	}
	return orchestrator.ClientMessage{Type: orchestrator.MessageTextInput, Text: line}, true
}

// renderStream prints ev and reports whether the session has ended.
func renderStream(out io.Writer, ev models.StreamEvent, speaker *audio.Speaker) bool {
	switch ev.Type {
	case models.EventTranscript:
		if !ev.Final {
			return false
		}
		who := "Interviewer"
		if ev.Speaker == models.SpeakerUser {
			who = "You"
		}
		fmt.Fprintf(out, "%s: %s\n", who, ev.Text)
	case models.EventAudio:
		if speaker == nil {
			return false
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err == nil {
			speaker.Write(pcm)
		}
	case models.EventError:
		fmt.Fprintf(out, "! %s: %s\n", ev.Code, ev.Message)
	case models.EventControl:
		switch ev.Status {
		case models.ControlSessionEnded:
			fmt.Fprintln(out, "Interview ended.")
			if len(ev.Data) > 0 {
				var pretty map[string]interface{}
				if json.Unmarshal(ev.Data, &pretty) == nil {
					raw, _ := json.MarshalIndent(pretty, "", "  ")
					fmt.Fprintln(out, string(raw))
				}
			}
			return true
		case models.ControlInterrupted:
			if speaker != nil {
				speaker.Flush()
			}
		}
		if verbose {
			fmt.Fprintf(out, "[%s]\n", ev.Status)
		}
	}
	return false
}
