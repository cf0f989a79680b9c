package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/push-agent/internal/auth"
)

// Config holds all environment-based configuration for push-agent.
type Config struct {
	// Push server connection (required)
	ServerURL     string `env:"PUSH_SERVER_URL"`
	AppIdentifier string `env:"PUSH_APP_IDENTIFIER"`

	// Device identity. An empty DeviceID is generated on first start and
	// kept in the state store.
	DeviceID string `env:"PUSH_DEVICE_ID"`
	Platform string `env:"PUSH_PLATFORM" envDefault:"AOS"`

	// StreamTransport selects the event stream: "sse" or "websocket".
	StreamTransport string `env:"PUSH_STREAM_TRANSPORT" envDefault:"sse"`

	// Identity used to log in when the server's push mode needs it.
	UserID    string `env:"PUSH_USER_ID"`
	UserName  string `env:"PUSH_USER_NAME"`
	UserEmail string `env:"PUSH_USER_EMAIL"`

	ReconnectInterval time.Duration `env:"PUSH_RECONNECT_INTERVAL" envDefault:"30s"`
	ConnectTimeout    time.Duration `env:"PUSH_CONNECT_TIMEOUT" envDefault:"10s"`
	AuthRecoveryDelay time.Duration `env:"PUSH_AUTH_RECOVERY_DELAY" envDefault:"30s"`
	StreamReadTimeout time.Duration `env:"PUSH_STREAM_READ_TIMEOUT" envDefault:"60s"`
	HTTPTimeout       time.Duration `env:"PUSH_HTTP_TIMEOUT" envDefault:"60s"`
	SyncLimit         int           `env:"PUSH_SYNC_LIMIT" envDefault:"20"`
	RetrySweepDelay   time.Duration `env:"PUSH_RETRY_SWEEP_DELAY" envDefault:"30s"`

	// Retention prunes messages older than this. Zero keeps everything.
	Retention time.Duration `env:"PUSH_RETENTION" envDefault:"0s"`

	// StatePath is the bbolt file. Defaults to ~/.push-agent/state.db.
	StatePath string `env:"STATE_PATH"`

	// Wake-up channel (both optional)
	WakeupInboxDir  string `env:"WAKEUP_INBOX_DIR"`
	WakeupTokenFile string `env:"WAKEUP_TOKEN_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Control server (MCP tools, metrics, health)
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:":8090"`
	ControlAPIKeys    string `env:"CONTROL_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.StreamTransport = strings.ToLower(strings.TrimSpace(cfg.StreamTransport))
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Watched paths are compared against fsnotify event names.
	for _, p := range []*string{&cfg.WakeupInboxDir, &cfg.WakeupTokenFile, &cfg.StatePath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("PUSH_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUSH_SERVER_URL must be an http or https URL")
	}

	if c.AppIdentifier == "" {
		return fmt.Errorf("PUSH_APP_IDENTIFIER is required")
	}

	if c.StreamTransport != "sse" && c.StreamTransport != "websocket" {
		return fmt.Errorf("PUSH_STREAM_TRANSPORT must be sse or websocket, got %q", c.StreamTransport)
	}

	if c.SyncLimit <= 0 {
		return fmt.Errorf("PUSH_SYNC_LIMIT must be positive")
	}

	for name, d := range map[string]time.Duration{
		"PUSH_RECONNECT_INTERVAL":  c.ReconnectInterval,
		"PUSH_CONNECT_TIMEOUT":     c.ConnectTimeout,
		"PUSH_AUTH_RECOVERY_DELAY": c.AuthRecoveryDelay,
		"PUSH_STREAM_READ_TIMEOUT": c.StreamReadTimeout,
		"PUSH_HTTP_TIMEOUT":        c.HTTPTimeout,
		"PUSH_RETRY_SWEEP_DELAY":   c.RetrySweepDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Retention < 0 {
		return fmt.Errorf("PUSH_RETENTION must not be negative")
	}

	if c.EnableControl {
		if c.ControlAPIKeys == "" {
			return fmt.Errorf("CONTROL_API_KEYS is required when the control server is enabled")
		}

		if _, err := c.ParseControlAPIKeys(); err != nil {
			return fmt.Errorf("CONTROL_API_KEYS: %w", err)
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseControlAPIKeys parses CONTROL_API_KEYS.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
func (c *Config) ParseControlAPIKeys() ([]auth.APIKey, error) {
	return auth.ParseKeys(c.ControlAPIKeys)
}
