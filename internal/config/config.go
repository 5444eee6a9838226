package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAddr is the default TCP address the server listens on.
	DefaultAddr = ":5456"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent observer connections. Zero disables the limit.
	DefaultMaxClients = 32
	// DefaultSendQueue bounds how many frames may wait for a slow observer.
	DefaultSendQueue = 64

	// DefaultReplayFlushWindow bounds how frequently replay flushes may be requested.
	DefaultReplayFlushWindow = time.Minute
	// DefaultReplayFlushBurst sets how many replay flush requests may be made per window.
	DefaultReplayFlushBurst = 1

	// DefaultReplayMaxSessions bounds how many replay bundles are kept on disk.
	DefaultReplayMaxSessions = 20
	// DefaultReplaySweepInterval controls how often replay retention runs.
	DefaultReplaySweepInterval = 10 * time.Minute

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "wandersync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultEnvFile is loaded before the environment is read when present.
	DefaultEnvFile = ".env"
)

// GRPCAuthMode selects how the snapshot stream authenticates subscribers.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the simulation server.
type Config struct {
	Address           string
	AllowedOrigins    []string
	MaxPayloadBytes   int64
	PingInterval      time.Duration
	MaxClients        int
	SendQueue         int
	BandwidthLimit    float64
	TLSCertPath       string
	TLSKeyPath        string
	AdminToken        string
	ReplayDir         string
	ReplayFlushWindow time.Duration
	ReplayFlushBurst  int
	Logging           LoggingConfig

	// ReplayMaxSessions and ReplayMaxAge bound retained replay bundles; zero disables a bound.
	ReplayMaxSessions   int
	ReplayMaxAge        time.Duration
	ReplaySweepInterval time.Duration

	// Seed fixes the simulation random source; zero derives one from the clock.
	Seed uint64
	// ObserverSecret enables HMAC token checks on WebSocket observers when set.
	ObserverSecret string

	GRPCAddress        string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoadEnvFile merges key/value pairs from path into the process environment.
// Variables already set win over the file, and a missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the server configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:             getString("WANDER_ADDR", DefaultAddr),
		AllowedOrigins:      parseList(os.Getenv("WANDER_ALLOWED_ORIGINS")),
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		PingInterval:        DefaultPingInterval,
		MaxClients:          DefaultMaxClients,
		SendQueue:           DefaultSendQueue,
		TLSCertPath:         strings.TrimSpace(os.Getenv("WANDER_TLS_CERT")),
		TLSKeyPath:          strings.TrimSpace(os.Getenv("WANDER_TLS_KEY")),
		AdminToken:          strings.TrimSpace(os.Getenv("WANDER_ADMIN_TOKEN")),
		ReplayDir:           strings.TrimSpace(os.Getenv("WANDER_REPLAY_DIR")),
		ReplayFlushWindow:   DefaultReplayFlushWindow,
		ReplayFlushBurst:    DefaultReplayFlushBurst,
		ReplayMaxSessions:   DefaultReplayMaxSessions,
		ReplaySweepInterval: DefaultReplaySweepInterval,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("WANDER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("WANDER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		GRPCAddress:        strings.TrimSpace(os.Getenv("WANDER_GRPC_ADDR")),
		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("WANDER_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("WANDER_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("WANDER_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("WANDER_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("WANDER_GRPC_CLIENT_CA")),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("WANDER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_SEND_QUEUE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_SEND_QUEUE must be a positive integer, got %q", raw))
		} else {
			cfg.SendQueue = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_BANDWIDTH_LIMIT")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_BANDWIDTH_LIMIT must be a non-negative number of bytes per second, got %q", raw))
		} else {
			cfg.BandwidthLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("WANDER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_REPLAY_FLUSH_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_REPLAY_FLUSH_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ReplayFlushWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_REPLAY_FLUSH_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_REPLAY_FLUSH_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ReplayFlushBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_REPLAY_MAX_SESSIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_REPLAY_MAX_SESSIONS must be a non-negative integer, got %q", raw))
		} else {
			cfg.ReplayMaxSessions = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_REPLAY_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("WANDER_REPLAY_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.ReplayMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WANDER_REPLAY_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("WANDER_REPLAY_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ReplaySweepInterval = duration
		}
	}

	cfg.ObserverSecret = strings.TrimSpace(os.Getenv("WANDER_OBSERVER_SECRET"))

	if raw := strings.TrimSpace(os.Getenv("WANDER_SEED")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("WANDER_SEED must be an unsigned integer, got %q", raw))
		} else {
			cfg.Seed = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "WANDER_TLS_CERT and WANDER_TLS_KEY must be provided together")
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "WANDER_GRPC_SHARED_SECRET is required when WANDER_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "WANDER_GRPC_TLS_CERT, WANDER_GRPC_TLS_KEY and WANDER_GRPC_CLIENT_CA are required when WANDER_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("WANDER_GRPC_AUTH_MODE must be none, shared_secret or mtls, got %q", cfg.GRPCAuthMode))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
