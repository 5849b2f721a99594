// Package main runs the voice engine HTTP server: credentials, SDP exchange,
// orchestrator streams and session status, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-interview/voice-engine/config"
	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/internal/credentials"
	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/middleware"
	"github.com/aura-interview/voice-engine/internal/orchestrator"
	"github.com/aura-interview/voice-engine/internal/registry"
	"github.com/aura-interview/voice-engine/internal/results"
	"github.com/aura-interview/voice-engine/internal/streaming"
	"github.com/aura-interview/voice-engine/internal/worker"
	"github.com/aura-interview/voice-engine/pkg/database"
	"github.com/aura-interview/voice-engine/pkg/queue"
	"github.com/aura-interview/voice-engine/pkg/redis"
	"github.com/aura-interview/voice-engine/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	interview := config.DefaultInterview()
	if cfg.Interview.CataloguePath != "" {
		interview, err = config.LoadInterview(cfg.Interview.CataloguePath)
		if err != nil {
			logger.Fatal("interview catalogue", zap.Error(err))
		}
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Results are read-only here; the worker owns the write path.
	var resultsHandler *results.Handler
	if pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger); err != nil {
		logger.Warn("results api disabled", zap.Error(err))
	} else {
		defer pool.Close()
		resultsHandler = results.NewHandler(results.NewRepository(pool), logger)
	}

	collector := metrics.NewCollector("voice_engine")
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	node, _ := os.Hostname()

	sessions := registry.New(registry.Options{
		Factory: func(sessionID string, sc registry.SessionConfig, credential string) (registry.StreamClient, error) {
			return streaming.NewClient(streaming.Config{
				URL:               cfg.Realtime.SocketURL,
				APIKey:            credential,
				PrimaryModel:      cfg.Realtime.PrimaryModel,
				FallbackModel:     cfg.Realtime.FallbackModel,
				SystemInstruction: sc.SystemInstruction,
				Voice:             cfg.Realtime.Voice,
				Temperature:       cfg.Realtime.Temperature,
				Tools:             []streaming.FunctionDeclaration{orchestrator.CompleteInterviewTool},
				MaxReconnects:     cfg.Realtime.MaxReconnects,
				ReconnectDelay:    cfg.Realtime.ReconnectDelay,
			}, logger.With(zap.String("session_id", sessionID))), nil
		},
		Credentials: registry.CredentialFunc(func(context.Context, string) (string, error) {
			return cfg.Realtime.APIKey, nil
		}),
		Metadata:      registry.NewRedisMetadata(rdb.Client, cfg.Registry.KeyPrefix, logger),
		Metrics:       collector,
		IdleTimeout:   cfg.Registry.IdleTimeout,
		SweepInterval: cfg.Registry.SweepInterval,
		Node:          node,
	}, logger)
	sessions.Init()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	orch := orchestrator.New(orchestrator.Options{
		Sessions:    sessions,
		Interview:   interview,
		Completions: worker.NewQueueSink(jobQueue, logger),
		Metrics:     collector,
		Ceiling:     cfg.Orchestrator.StreamCeiling,
	}, logger)
	allowedOrigins := splitOrigins(cfg.Server.CORSAllowedOrigins)
	streamHandler := orchestrator.NewHandler(orch, func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}, allowedOrigins, logger)

	credentialHandler := credentials.NewHandler(credentials.Options{
		JWT:          jwtService,
		Sessions:     sessions,
		Entitlements: credentials.NewRedisCredits(rdb.Client, "", cfg.Credential.StartCredits),
		Upstream:     credentials.NewHTTPUpstream(cfg.Realtime.SDPUpstreamURL, cfg.Realtime.SDPAPIKey),
		Metrics:      collector,
		Model:        cfg.Realtime.SDPModel,
		TokenTTL:     cfg.Credential.TokenTTL,
		RatePerMin:   cfg.Credential.RatePerMin,
		RateBurst:    cfg.Credential.RateBurst,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(collector))

	// Health doubles as the client's reachability probe.
	router.GET("/health", func(c *gin.Context) {
		if !rdb.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "sessions": sessions.Count()})
	})
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	// Stream endpoint authenticates itself (token in query for browsers).
	router.GET("/api/stream/:sessionId", streamHandler.Serve)

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/realtime/session", credentialHandler.IssueSession)
		api.POST("/realtime/sdp", credentialHandler.ExchangeSDP)
		api.GET("/sessions/:id", credentialHandler.GetSession)
		api.DELETE("/sessions/:id", credentialHandler.EndSession)
		api.DELETE("/admin/sessions/:id", middleware.RequireRole(auth.RoleAdmin), credentialHandler.EndSession)

		if resultsHandler != nil {
			api.GET("/results", resultsHandler.ListMine)
			api.GET("/results/:sessionId", resultsHandler.GetBySession)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("node", node))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
