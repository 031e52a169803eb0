package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBFARM_* environment variable overrides, and
// returns the final Config. The caller should invoke Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present; secrets are usually injected this way.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBFARM_* environment variables and
// overwrites the corresponding fields when set. This lets operators inject
// secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "ARBFARM_MODE")
	setStr(&cfg.LogLevel, "ARBFARM_LOG_LEVEL")

	setStr(&cfg.Wallet.Address, "ARBFARM_WALLET_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ARBFARM_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ARBFARM_WALLET_KEY_PASSWORD")

	setStr(&cfg.Postgres.DSN, "ARBFARM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBFARM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBFARM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBFARM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBFARM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBFARM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBFARM_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "ARBFARM_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "ARBFARM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBFARM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBFARM_REDIS_DB")

	setStr(&cfg.S3.Endpoint, "ARBFARM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBFARM_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBFARM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBFARM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBFARM_S3_SECRET_KEY")
	setBool(&cfg.S3.Enabled, "ARBFARM_S3_ENABLED")

	setStr(&cfg.Executor.RelayURL, "ARBFARM_EXECUTOR_RELAY_URL")
	setStr(&cfg.Executor.APIKey, "ARBFARM_EXECUTOR_API_KEY")
	setStr(&cfg.Executor.APISecret, "ARBFARM_EXECUTOR_API_SECRET")

	setStr(&cfg.Feed.WsURL, "ARBFARM_FEED_WS_URL")

	setStr(&cfg.Notify.TelegramToken, "ARBFARM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBFARM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhook, "ARBFARM_NOTIFY_DISCORD_WEBHOOK")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
