package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Board    BoardConfig    `yaml:"board" mapstructure:"board"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger backend.
type StoreConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	Path           string `yaml:"path" mapstructure:"path"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port            int     `yaml:"port" mapstructure:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// BoardConfig configures board-level behavior.
type BoardConfig struct {
	MaxMessageLen      int    `yaml:"max_message_len" mapstructure:"max_message_len"`
	TiersFile          string `yaml:"tiers_file" mapstructure:"tiers_file"`
	PruneIntervalSecs  int    `yaml:"prune_interval_secs" mapstructure:"prune_interval_secs"`
	ExpiringSoonWindow int    `yaml:"expiring_soon_window_secs" mapstructure:"expiring_soon_window_secs"`
}

// DispatchConfig configures the Kafka event bridge.
type DispatchConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers        []string `yaml:"brokers" mapstructure:"brokers"`
	GroupID        string   `yaml:"group_id" mapstructure:"group_id"`
	TraceTopic     string   `yaml:"trace_topic" mapstructure:"trace_topic"`
	PurchaseTopic  string   `yaml:"purchase_topic" mapstructure:"purchase_topic"`
	MinBytes       int      `yaml:"min_bytes" mapstructure:"min_bytes"`
	MaxBytes       int      `yaml:"max_bytes" mapstructure:"max_bytes"`
	CommitInterval int      `yaml:"commit_interval_secs" mapstructure:"commit_interval_secs"`
}

// RetryConfig configures ledger write retries and dead-lettering.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	DLQMaxRetries    int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// MonitorConfig configures background health checks and webhook alerts.
type MonitorConfig struct {
	WebhookURL              string `yaml:"webhook_url" mapstructure:"webhook_url"`
	DLQDepthThreshold       int    `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	ExpiredBacklogThreshold int    `yaml:"expired_backlog_threshold" mapstructure:"expired_backlog_threshold"`
	CheckIntervalSecs       int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "board.db")
	v.SetDefault("store.timeout_secs", 5)
	v.SetDefault("store.max_connections", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_per_sec", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("board.max_message_len", 280)
	v.SetDefault("board.prune_interval_secs", 60)
	v.SetDefault("board.expiring_soon_window_secs", 3600)
	v.SetDefault("dispatch.enabled", false)
	v.SetDefault("dispatch.brokers", []string{"localhost:9092"})
	v.SetDefault("dispatch.group_id", "loomboard")
	v.SetDefault("dispatch.trace_topic", "board.traces")
	v.SetDefault("dispatch.purchase_topic", "board.purchases")
	v.SetDefault("dispatch.min_bytes", 1)
	v.SetDefault("dispatch.max_bytes", 1048576)
	v.SetDefault("dispatch.commit_interval_secs", 1)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.dlq_max_retries", 5)
	v.SetDefault("monitor.dlq_depth_threshold", 10)
	v.SetDefault("monitor.expired_backlog_threshold", 50)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present and
// in range. mode selects the subset: "serve" covers the HTTP server
// plus the store, "cli" covers store-only commands, "dispatch" adds
// the Kafka bridge requirements on top of serve.
func (c *Config) Validate(mode string) error {
	var problems []string

	storeChecks := func() {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required for the sqlite driver")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Retry.MaxAttempts < 1 {
			problems = append(problems, "retry.max_attempts must be >= 1")
		}
		if c.Board.MaxMessageLen < 1 || c.Board.MaxMessageLen > 10000 {
			problems = append(problems, "board.max_message_len must be between 1 and 10000")
		}
	}

	serveChecks := func() {
		storeChecks()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.RateLimitPerSec <= 0 {
			problems = append(problems, "server.rate_limit_per_sec must be > 0")
		}
		if c.Board.PruneIntervalSecs < 1 {
			problems = append(problems, "board.prune_interval_secs must be >= 1")
		}
	}

	switch mode {
	case "cli":
		storeChecks()
	case "serve":
		serveChecks()
	case "dispatch":
		serveChecks()
		if len(c.Dispatch.Brokers) == 0 {
			problems = append(problems, "dispatch.brokers is required")
		}
		if c.Dispatch.TraceTopic == "" || c.Dispatch.PurchaseTopic == "" {
			problems = append(problems, "dispatch.trace_topic and dispatch.purchase_topic are required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
