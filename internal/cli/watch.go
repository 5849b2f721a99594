package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-interview/voice-engine/internal/models"
	"github.com/aura-interview/voice-engine/internal/registry"
	"github.com/aura-interview/voice-engine/pkg/redis"
)

var watchSession string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a session's status from the Redis metadata mirror",
	Long: `Print the mirrored metadata of a session, then every status change
published by the server node that owns it. Requires REDIS_ADDR.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchSession, "session", "", "session id")
	_ = watchCmd.MarkFlagRequired("session")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	out := cmd.OutOrStdout()
	mirror := registry.NewRedisMetadata(rdb.Client, cfg.Registry.KeyPrefix, logger)
	meta, err := mirror.Get(ctx, watchSession)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if meta == nil {
		fmt.Fprintf(out, "session %s is not registered; waiting for updates\n", watchSession)
	} else {
		fmt.Fprintf(out, "session %s: %s (user %s, %s, node %s)\n", meta.SessionID, meta.Status, meta.UserID, meta.JobRole, meta.Node)
	}

	ended := make(chan struct{})
	cancel, err := mirror.SubscribeStatus(ctx, watchSession, func(status models.SessionStatus, at time.Time) {
		fmt.Fprintf(out, "%s  %s\n", at.Format(time.TimeOnly), status)
		if status == models.StatusEnded {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	select {
	case <-ctx.Done():
	case <-ended:
	}
	return nil
}
