package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "ws://localhost:8000/ws", cfg.Server.WSURL)
	assert.Equal(t, "http://localhost:8000", cfg.Server.APIURL)
	assert.Equal(t, "demo_user", cfg.Server.UserID)
	assert.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Transport.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Transport.PongTimeout)
	assert.Equal(t, 15, cfg.Confirm.Countdown)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Mock.FallEvery)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallwatch.yaml")
	yaml := `
server:
  user_id: grandma
  ws_url: ws://10.0.0.5:8000/ws
transport:
  reconnect_delay: 500ms
confirm:
  countdown: 30
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "grandma", cfg.Server.UserID)
	assert.Equal(t, "ws://10.0.0.5:8000/ws", cfg.Server.WSURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 30, cfg.Confirm.Countdown)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  user_id: from_file\n"), 0o600))
	t.Setenv("FALLWATCH_SERVER_USER_ID", "from_env")
	t.Setenv("FALLWATCH_TRANSPORT_MAX_RECONNECT_ATTEMPTS", "2")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Server.UserID)
	assert.Equal(t, 2, cfg.Transport.MaxReconnectAttempts)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("FALLWATCH_SERVER_USER_ID", "from_env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("user", "", "")
	fs.Int("countdown", 0, "")
	fs.String("log-level", "", "")
	require.NoError(t, fs.Parse([]string{"--user", "from_flag", "--countdown", "20"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "from_flag", cfg.Server.UserID)
	assert.Equal(t, 20, cfg.Confirm.Countdown)
	// An unset flag does not shadow the default.
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no user", func(c *Config) { c.Server.UserID = "" }, false},
		{"no ws url", func(c *Config) { c.Server.WSURL = "" }, false},
		{"zero countdown", func(c *Config) { c.Confirm.Countdown = 0 }, false},
		{"negative attempts", func(c *Config) { c.Transport.MaxReconnectAttempts = -1 }, false},
		{"zero attempts", func(c *Config) { c.Transport.MaxReconnectAttempts = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
