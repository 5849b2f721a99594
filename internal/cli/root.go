// Package cli defines the cobra commands of interviewctl.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-interview/voice-engine/config"
)

var (
	serverURL string
	bearer    string
	verbose   bool
	version   = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "interviewctl",
	Short: "Run voice interview sessions from a terminal",
	Long: `interviewctl drives interview sessions against a voice engine server.
It captures the microphone through PulseAudio, negotiates a realtime
session and prints the transcript as the conversation goes.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "voice engine base URL (default SESSION_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&bearer, "token", os.Getenv("INTERVIEW_TOKEN"), "bearer token for the API")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine internals to stderr")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads env configuration and applies the global flags.
func loadConfig() (*config.Config, *config.Interview, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Session.ServerURL = serverURL
	}
	iv := config.DefaultInterview()
	if cfg.Interview.CataloguePath != "" {
		if iv, err = config.LoadInterview(cfg.Interview.CataloguePath); err != nil {
			return nil, nil, fmt.Errorf("interview catalogue: %w", err)
		}
	}
	return cfg, iv, nil
}

// newLogger writes to stderr so it never interleaves with the transcript on stdout.
func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stderr"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
