// Package config defines the engine configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by ARBFARM_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Consensus ConsensusConfig `toml:"consensus"`
	Exit      ExitConfig      `toml:"exit"`
	Executor  ExecutorConfig  `toml:"executor"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Feed      FeedConfig      `toml:"feed"`
	Notify    NotifyConfig    `toml:"notify"`
	Loops     LoopsConfig     `toml:"loops"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the trading wallet credentials. The private key is read
// from an encrypted keyfile at startup; plaintext keys are env-only.
type WalletConfig struct {
	Address          string `toml:"address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	PriceTTLSecs int    `toml:"price_ttl_secs"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds object storage parameters for the cold archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Enabled        bool   `toml:"enabled"`
}

// ConsensusConfig bounds the voter fan-out.
type ConsensusConfig struct {
	VoterTimeout    duration `toml:"voter_timeout"`
	OverallDeadline duration `toml:"overall_deadline"`
}

// ExitConfig tunes the durable exit signal queue.
type ExitConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	MaxAttempts      int      `toml:"max_attempts"`
	BaseBackoff      duration `toml:"base_backoff"`
	MaxBackoff       duration `toml:"max_backoff"`
	RateLimitBackoff duration `toml:"rate_limit_backoff"`
	BatchSize        int      `toml:"batch_size"`
}

// ExecutorConfig points at the trade relay and bounds calls to it.
type ExecutorConfig struct {
	RelayURL    string   `toml:"relay_url"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	CallTimeout duration `toml:"call_timeout"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// MonitorConfig tunes the position price monitor.
type MonitorConfig struct {
	Interval duration `toml:"interval"`
}

// FeedConfig points at the venue price websocket.
type FeedConfig struct {
	WsURL string `toml:"ws_url"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	DiscordWebhook string   `toml:"discord_webhook"`
	Events         []string `toml:"events"`
}

// LoopsConfig enables or disables the independent long-running loops. Each
// loop can be stopped without affecting the others; open positions keep being
// monitored while intake is off.
type LoopsConfig struct {
	Intake     bool `toml:"intake"`
	Monitor    bool `toml:"monitor"`
	Dispatcher bool `toml:"dispatcher"`
	Archiver   bool `toml:"archiver"`
}

// duration wraps time.Duration for TOML decoding of strings like "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbfarm",
			User:          "arbfarm",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			PriceTTLSecs: 30,
			StreamMaxLen: 10000,
		},
		Consensus: ConsensusConfig{
			VoterTimeout:    duration{10 * time.Second},
			OverallDeadline: duration{25 * time.Second},
		},
		Exit: ExitConfig{
			PollInterval:     duration{2 * time.Second},
			MaxAttempts:      8,
			BaseBackoff:      duration{5 * time.Second},
			MaxBackoff:       duration{10 * time.Minute},
			RateLimitBackoff: duration{30 * time.Second},
			BatchSize:        20,
		},
		Executor: ExecutorConfig{
			CallTimeout: duration{20 * time.Second},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
		},
		Monitor: MonitorConfig{Interval: duration{3 * time.Second}},
		Loops: LoopsConfig{
			Intake:     true,
			Monitor:    true,
			Dispatcher: true,
		},
	}
}

// Validate checks configuration consistency for the selected mode.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "intake", "monitor", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}
	if c.Postgres.DSN == "" && c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres host or dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if c.Exit.MaxAttempts <= 0 {
		return fmt.Errorf("config: exit.max_attempts must be > 0")
	}
	if c.Exit.BaseBackoff.Duration <= 0 || c.Exit.MaxBackoff.Duration < c.Exit.BaseBackoff.Duration {
		return fmt.Errorf("config: exit backoff bounds are inconsistent")
	}
	if c.Consensus.OverallDeadline.Duration < c.Consensus.VoterTimeout.Duration {
		return fmt.Errorf("config: consensus overall_deadline must be >= voter_timeout")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket is required when the archiver is enabled")
	}
	return nil
}
