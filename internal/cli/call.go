package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-interview/voice-engine/internal/audio"
	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/session"
)

// PCMU decodes to 8 kHz.
const peerPlaybackRate = 8000

var callFlags struct {
	job        string
	difficulty string
	resumeFile string
	device     string
	mute       bool
	noAudio    bool
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Run one interview session over WebRTC",
	Long: `Run the session state machine: acquire the microphone, fetch a session
credential, negotiate the peer connection and hold the interview.

Type a line to send it as text. Commands: /mute, /interrupt, /pause,
/resume, /retry, /quit.`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callFlags.job, "job", "", "job title to interview for")
	callCmd.Flags().StringVar(&callFlags.difficulty, "difficulty", "mid", "entry, mid or senior")
	callCmd.Flags().StringVar(&callFlags.resumeFile, "resume", "", "path to a plain-text resume")
	callCmd.Flags().StringVar(&callFlags.device, "device", "", "Pulse source id (default SESSION_AUDIO_DEVICE)")
	callCmd.Flags().BoolVar(&callFlags.mute, "mute", false, "start with the microphone muted")
	callCmd.Flags().BoolVar(&callFlags.noAudio, "no-audio", false, "do not play the interviewer's voice")
	_ = callCmd.MarkFlagRequired("job")
}

func runCall(cmd *cobra.Command, _ []string) error {
	cfg, iv, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	var resume string
	if callFlags.resumeFile != "" {
		raw, err := os.ReadFile(callFlags.resumeFile)
		if err != nil {
			return fmt.Errorf("read resume: %w", err)
		}
		resume = string(raw)
	}
	device := callFlags.device
	if device == "" {
		device = cfg.Session.AudioDevice
	}

	api, err := session.NewAPIClient(cfg.Session.ServerURL, bearer, nil, logger)
	if err != nil {
		return err
	}
	mic := audio.NewPipeline(audio.NewPulseSource(device, logger), audio.WithLogger(logger))
	m := session.NewMachine(session.Options{
		Config:  session.ConfigFrom(cfg.Session, cfg.Realtime.Voice, iv),
		Backend: api,
		Peers:   session.NewPionFactory(cfg.WebRTC.ICEUrls, cfg.WebRTC.GatherTimeout, logger),
		Mic:     mic,
	}, logger)

	var speaker *audio.Speaker
	if !callFlags.noAudio {
		if speaker, err = audio.NewSpeaker(peerPlaybackRate, logger); err != nil {
			logger.Warn("playback unavailable", zap.Error(err))
		} else {
			defer speaker.Close()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := m.Subscribe(256)
	defer unsubscribe()

	if callFlags.mute {
		m.SetMuted(true)
	}
	if err := m.Start(session.StartRequest{
		JobTitle:   callFlags.job,
		ResumeText: resume,
		Difficulty: callFlags.difficulty,
	}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Stop(stopCtx)
			cancel()
			return nil
		case <-m.Done():
			drain(out, events, speaker)
			printTranscript(out, m.Transcript())
			return nil
		case ev := <-events:
			render(out, ev, speaker)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := handleLine(ctx, out, m, line, speaker); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, out io.Writer, m *session.Machine, line string, speaker *audio.Speaker) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/mute":
		if m.ToggleMute() {
			fmt.Fprintln(out, "(muted)")
		} else {
			fmt.Fprintln(out, "(unmuted)")
		}
		return nil
	case "/interrupt":
		if speaker != nil {
			speaker.Flush()
		}
		return m.Interrupt()
	case "/pause":
		m.Background()
		return nil
	case "/resume":
		return m.Foreground(ctx)
	case "/retry":
		return m.Retry()
	case "/quit":
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(stopCtx)
		return nil
	}
	err := m.SendText(line)
	if errors.Is(err, session.ErrNotActive) {
		return fmt.Errorf("not connected yet (status %s)", m.Status())
	}
	return err
}

func render(out io.Writer, ev session.Event, speaker *audio.Speaker) {
	switch e := ev.(type) {
	case session.StatusEvent:
		if verbose || e.To == models.StatusActive || e.To == models.StatusError || e.To == models.StatusPaused {
			fmt.Fprintf(out, "[%s → %s] %s\n", e.From, e.To, e.Reason)
		}
	case session.TranscriptEvent:
		if !e.Final {
			return
		}
		who := "Interviewer"
		if e.Speaker == models.SpeakerUser {
			who = "You"
		}
		fmt.Fprintf(out, "%s: %s\n", who, e.Text)
	case session.ThinkingEvent:
		if e.Thinking && verbose {
			fmt.Fprintln(out, "(thinking)")
		}
	case session.AudioEvent:
		if speaker != nil {
			speaker.Write(e.PCM)
		}
	case session.ErrorEvent:
		fmt.Fprintf(out, "! %s: %s\n", e.Err.Code, e.Err.Message)
		if e.Err.ResetAfter > 0 {
			fmt.Fprintf(out, "  try again in %s\n", e.Err.ResetAfter.Round(time.Second))
		} else if !e.Err.Retryable && e.Err.Kind != session.KindExhausted {
			fmt.Fprintln(out, "  type /retry to try again or /quit to leave")
		}
	case session.CompletedEvent:
		fmt.Fprintln(out, "Interview complete.")
		var pretty map[string]interface{}
		if json.Unmarshal(e.Payload.Feedback, &pretty) == nil {
			raw, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(out, string(raw))
		}
	}
}

// drain renders events already queued when the machine ended.
func drain(out io.Writer, events <-chan session.Event, speaker *audio.Speaker) {
	for {
		select {
		case ev := <-events:
			render(out, ev, speaker)
		default:
			return
		}
	}
}

func printTranscript(out io.Writer, entries []models.TranscriptEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%d transcript lines recorded.\n", len(entries))
}

// readLines delivers stdin lines until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
