package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "board.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Store.TimeoutSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 10.0, cfg.Server.RateLimitPerSec, 0.001)
	assert.Equal(t, 20, cfg.Server.RateLimitBurst)
	assert.Equal(t, 280, cfg.Board.MaxMessageLen)
	assert.Equal(t, 60, cfg.Board.PruneIntervalSecs)
	assert.Equal(t, 3600, cfg.Board.ExpiringSoonWindow)
	assert.False(t, cfg.Dispatch.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Dispatch.Brokers)
	assert.Equal(t, "board.traces", cfg.Dispatch.TraceTopic)
	assert.Equal(t, "board.purchases", cfg.Dispatch.PurchaseTopic)
	assert.Equal(t, "loomboard", cfg.Dispatch.GroupID)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 2000, cfg.Retry.MaxBackoffMs)
	assert.Equal(t, 5, cfg.Retry.DLQMaxRetries)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/board
log:
  level: debug
  format: console
server:
  port: 9090
board:
  max_message_len: 140
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/board", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 140, cfg.Board.MaxMessageLen)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Board.PruneIntervalSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LOOM_STORE_DRIVER", "postgres")
	t.Setenv("LOOM_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("LOOM_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with enough populated to pass serve validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "board.db"
	cfg.Server.Port = 8080
	cfg.Server.RateLimitPerSec = 10
	cfg.Board.MaxMessageLen = 280
	cfg.Board.PruneIntervalSecs = 60
	cfg.Retry.MaxAttempts = 4
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateCLI_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/board"
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateCLI_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateMessageLenBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Board.MaxMessageLen = 0
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_message_len must be between 1 and 10000")

	cfg.Board.MaxMessageLen = 10001
	err = cfg.Validate("cli")
	assert.Error(t, err)

	cfg.Board.MaxMessageLen = 10000
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateDispatch(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("dispatch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.brokers is required")

	cfg.Dispatch.Brokers = []string{"localhost:9092"}
	err = cfg.Validate("dispatch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "trace_topic")

	cfg.Dispatch.TraceTopic = "board.traces"
	cfg.Dispatch.PurchaseTopic = "board.purchases"
	assert.NoError(t, cfg.Validate("dispatch"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
