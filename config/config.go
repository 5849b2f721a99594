package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	WebRTC       WebRTCConfig
	Realtime     RealtimeConfig
	Registry     RegistryConfig
	Session      SessionConfig
	Orchestrator OrchestratorConfig
	Credential   CredentialConfig
	AWS          AWSConfig
	Interview    InterviewConfig
	Worker       WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings for interview results.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// JWTConfig holds JWT signing and validation settings for user bearer tokens
// and short-lived realtime session credentials.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs and negotiation limits.
type WebRTCConfig struct {
	ICEUrls       []string // comma-separated in env
	GatherTimeout time.Duration
}

// RealtimeConfig describes the AI backend: the persistent socket used by the
// streaming client and the upstream SDP endpoint used by the exchange proxy.
type RealtimeConfig struct {
	SocketURL      string
	APIKey         string
	PrimaryModel   string
	FallbackModel  string
	Voice          string
	Temperature    float64
	MaxReconnects  int
	ReconnectDelay time.Duration
	SDPUpstreamURL string
	SDPModel       string
	SDPAPIKey      string
}

// RegistryConfig controls idle eviction and the distributed metadata mirror.
type RegistryConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	KeyPrefix     string
}

// SessionConfig holds client-side state machine settings (used by interviewctl).
type SessionConfig struct {
	ServerURL       string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ConnectTimeout  time.Duration
	GraceDelay      time.Duration
	InterviewBudget time.Duration
	FallbackEnabled bool
	AudioDevice     string
}

// OrchestratorConfig bounds stream lifetime.
type OrchestratorConfig struct {
	StreamCeiling time.Duration
}

// CredentialConfig controls the credential endpoint.
type CredentialConfig struct {
	TokenTTL     time.Duration
	RatePerMin   int
	RateBurst    int
	StartCredits int // credits granted to users with no balance key; 0 disables
}

// AWSConfig holds credentials and the transcript archive bucket.
type AWSConfig struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	TranscriptsBucket string
}

// InterviewConfig points at the YAML question catalogue.
type InterviewConfig struct {
	CataloguePath string
}

// WorkerConfig holds completion worker settings.
type WorkerConfig struct {
	MetricsAddr string // empty disables the metrics listener
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "interviews"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:       splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			GatherTimeout: getEnvDuration("WEBRTC_GATHER_TIMEOUT", 5*time.Second),
		},
		Realtime: RealtimeConfig{
			SocketURL:      getEnv("REALTIME_SOCKET_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
			APIKey:         getEnv("REALTIME_API_KEY", ""),
			PrimaryModel:   getEnv("REALTIME_PRIMARY_MODEL", "models/gemini-2.5-flash-native-audio-preview-09-2025"),
			FallbackModel:  getEnv("REALTIME_FALLBACK_MODEL", "models/gemini-2.0-flash-live-001"),
			Voice:          getEnv("REALTIME_VOICE", "Puck"),
			Temperature:    getEnvFloat("REALTIME_TEMPERATURE", 0.7),
			MaxReconnects:  getEnvInt("REALTIME_MAX_RECONNECTS", 3),
			ReconnectDelay: getEnvDuration("REALTIME_RECONNECT_DELAY", time.Second),
			SDPUpstreamURL: getEnv("REALTIME_SDP_URL", "https://api.openai.com/v1/realtime"),
			SDPModel:       getEnv("REALTIME_SDP_MODEL", "gpt-4o-realtime-preview"),
			SDPAPIKey:      getEnv("REALTIME_SDP_API_KEY", ""),
		},
		Registry: RegistryConfig{
			IdleTimeout:   getEnvDuration("REGISTRY_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval: getEnvDuration("REGISTRY_SWEEP_INTERVAL", 60*time.Second),
			KeyPrefix:     getEnv("REGISTRY_KEY_PREFIX", "voice:session:"),
		},
		Session: SessionConfig{
			ServerURL:       getEnv("SESSION_SERVER_URL", "http://localhost:8080"),
			MaxAttempts:     getEnvInt("SESSION_MAX_ATTEMPTS", 3),
			BackoffBase:     getEnvDuration("SESSION_BACKOFF_BASE", time.Second),
			BackoffMax:      getEnvDuration("SESSION_BACKOFF_MAX", 10*time.Second),
			ConnectTimeout:  getEnvDuration("SESSION_CONNECT_TIMEOUT", 30*time.Second),
			GraceDelay:      getEnvDuration("SESSION_GRACE_DELAY", 500*time.Millisecond),
			InterviewBudget: getEnvDuration("SESSION_INTERVIEW_BUDGET", 10*time.Minute),
			FallbackEnabled: getEnvBool("SESSION_FALLBACK_ENABLED", true),
			AudioDevice:     getEnv("SESSION_AUDIO_DEVICE", "default"),
		},
		Orchestrator: OrchestratorConfig{
			StreamCeiling: getEnvDuration("STREAM_CEILING", 30*time.Minute),
		},
		Credential: CredentialConfig{
			TokenTTL:     getEnvDuration("CREDENTIAL_TOKEN_TTL", 60*time.Second),
			RatePerMin:   getEnvInt("CREDENTIAL_RATE_PER_MIN", 6),
			RateBurst:    getEnvInt("CREDENTIAL_RATE_BURST", 3),
			StartCredits: getEnvInt("CREDENTIAL_START_CREDITS", 0),
		},
		AWS: AWSConfig{
			Region:            getEnv("AWS_REGION", ""),
			AccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
			TranscriptsBucket: getEnv("AWS_S3_TRANSCRIPTS_BUCKET", "interview-transcripts"),
		},
		Interview: InterviewConfig{
			CataloguePath: getEnv("INTERVIEW_CATALOGUE", ""),
		},
		Worker: WorkerConfig{
			MetricsAddr: getEnv("WORKER_METRICS_ADDR", ":9091"),
		},
	}
	if cfg.Registry.SweepInterval <= 0 || cfg.Registry.IdleTimeout <= 0 {
		return nil, fmt.Errorf("registry idle timeout and sweep interval must be positive")
	}
	if cfg.Session.MaxAttempts < 1 {
		return nil, fmt.Errorf("SESSION_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "30m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
