package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"PUSH_SERVER_URL",
		"PUSH_APP_IDENTIFIER",
		"PUSH_DEVICE_ID",
		"PUSH_PLATFORM",
		"PUSH_STREAM_TRANSPORT",
		"PUSH_USER_ID",
		"PUSH_USER_NAME",
		"PUSH_USER_EMAIL",
		"PUSH_RECONNECT_INTERVAL",
		"PUSH_CONNECT_TIMEOUT",
		"PUSH_AUTH_RECOVERY_DELAY",
		"PUSH_STREAM_READ_TIMEOUT",
		"PUSH_HTTP_TIMEOUT",
		"PUSH_SYNC_LIMIT",
		"PUSH_RETRY_SWEEP_DELAY",
		"PUSH_RETENTION",
		"STATE_PATH",
		"WAKEUP_INBOX_DIR",
		"WAKEUP_TOKEN_FILE",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"ENABLE_CONTROL",
		"CONTROL_LISTEN_ADDR",
		"CONTROL_API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PUSH_SERVER_URL", "https://push.example.com/")
	t.Setenv("PUSH_APP_IDENTIFIER", "com.example.app")
}

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pa_secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://push.example.com", cfg.ServerURL)
	assert.Equal(t, "com.example.app", cfg.AppIdentifier)
	assert.Equal(t, "AOS", cfg.Platform)
	assert.Equal(t, "sse", cfg.StreamTransport)
	assert.Empty(t, cfg.DeviceID)
	assert.Equal(t, 30*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.AuthRecoveryDelay)
	assert.Equal(t, 60*time.Second, cfg.StreamReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 20, cfg.SyncLimit)
	assert.Equal(t, 30*time.Second, cfg.RetrySweepDelay)
	assert.Zero(t, cfg.Retention)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.EnableControl)
	assert.Equal(t, ":8090", cfg.ControlListenAddr)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("PUSH_STREAM_TRANSPORT", "WebSocket")
	t.Setenv("PUSH_RECONNECT_INTERVAL", "5s")
	t.Setenv("PUSH_SYNC_LIMIT", "50")
	t.Setenv("PUSH_RETENTION", "720h")
	t.Setenv("PUSH_USER_ID", "u1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "websocket", cfg.StreamTransport)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 50, cfg.SyncLimit)
	assert.Equal(t, 720*time.Hour, cfg.Retention)
	assert.Equal(t, "u1", cfg.UserID)
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("WAKEUP_INBOX_DIR", "inbox")
	t.Setenv("STATE_PATH", "state.db")

	cfg, err := Load()
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "inbox"), cfg.WakeupInboxDir)
	assert.Equal(t, filepath.Join(wd, "state.db"), cfg.StatePath)
	assert.Empty(t, cfg.WakeupTokenFile)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing server", map[string]string{"PUSH_SERVER_URL": ""}, "PUSH_SERVER_URL"},
		{"bad scheme", map[string]string{"PUSH_SERVER_URL": "ftp://push.example.com"}, "PUSH_SERVER_URL"},
		{"missing app", map[string]string{"PUSH_APP_IDENTIFIER": ""}, "PUSH_APP_IDENTIFIER"},
		{"bad transport", map[string]string{"PUSH_STREAM_TRANSPORT": "grpc"}, "PUSH_STREAM_TRANSPORT"},
		{"zero limit", map[string]string{"PUSH_SYNC_LIMIT": "0"}, "PUSH_SYNC_LIMIT"},
		{"zero timeout", map[string]string{"PUSH_CONNECT_TIMEOUT": "0s"}, "PUSH_CONNECT_TIMEOUT"},
		{"negative retention", map[string]string{"PUSH_RETENTION": "-1h"}, "PUSH_RETENTION"},
		{"control without keys", map[string]string{"ENABLE_CONTROL": "true"}, "CONTROL_API_KEYS"},
		{"control plaintext key", map[string]string{"ENABLE_CONTROL": "true", "CONTROL_API_KEYS": "alex:secret"}, "CONTROL_API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("PUSH_RECONNECT_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_ControlEnabled(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	hash := testHash(t)
	t.Setenv("ENABLE_CONTROL", "true")
	t.Setenv("CONTROL_API_KEYS", "alex:"+hash)
	t.Setenv("CONTROL_LISTEN_ADDR", "127.0.0.1:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableControl)
	assert.Equal(t, "127.0.0.1:9000", cfg.ControlListenAddr)

	keys, err := cfg.ParseControlAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "alex", keys[0].UserID)
	assert.Equal(t, []byte(hash), keys[0].Hash)
}

// --- IsProduction ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

// --- warnInsecureEnvFile ---

func TestWarnInsecureEnvFile_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	warnInsecureEnvFile()
}
