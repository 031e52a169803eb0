package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	s3blob "github.com/arbfarm/arbfarm/internal/blob/s3"
	"github.com/arbfarm/arbfarm/internal/cache/redis"
	"github.com/arbfarm/arbfarm/internal/config"
	"github.com/arbfarm/arbfarm/internal/crypto"
	"github.com/arbfarm/arbfarm/internal/domain"
	"github.com/arbfarm/arbfarm/internal/executor"
	"github.com/arbfarm/arbfarm/internal/notify"
	"github.com/arbfarm/arbfarm/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	StrategyStore   domain.StrategyStore
	EdgeStore       domain.EdgeStore
	ConsensusStore  domain.ConsensusStore
	PositionStore   domain.PositionStore
	CapitalStore    domain.CapitalStore
	ExitSignalStore domain.ExitSignalStore
	AuditStore      domain.AuditStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Bus         domain.EventBus

	// Cold archive. Nil unless object storage is enabled.
	Archiver *s3blob.Archiver

	// Trade relay. Nil when no relay URL is configured; modes that
	// execute refuse to start without it.
	Executor *executor.RelayClient

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to be
// called on shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	edgeStore := postgres.NewEdgeStore(pool)
	positionStore := postgres.NewPositionStore(pool)
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.EdgeStore = edgeStore
	deps.ConsensusStore = postgres.NewConsensusStore(pool)
	deps.PositionStore = positionStore
	deps.CapitalStore = postgres.NewCapitalStore(pool)
	deps.ExitSignalStore = postgres.NewExitSignalStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	priceTTL := 30 * time.Second
	if cfg.Redis.PriceTTLSecs > 0 {
		priceTTL = time.Duration(cfg.Redis.PriceTTLSecs) * time.Second
	}
	streamMaxLen := int64(10000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = int64(cfg.Redis.StreamMaxLen)
	}

	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewEventBus(redisClient, streamMaxLen)

	// --- S3 cold archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			edgeStore,
			positionStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Wallet key custody ---
	// An undecryptable keyfile must fail here, not when an exit needs it.
	rawKey := os.Getenv("ARBFARM_WALLET_PRIVATE_KEY")
	if rawKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		if _, err := crypto.LoadWalletKey(crypto.KeySource{
			RawKey:      rawKey,
			KeyfilePath: cfg.Wallet.EncryptedKeyPath,
			Password:    cfg.Wallet.KeyPassword,
		}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		logger.InfoContext(ctx, "wallet key custody verified",
			slog.String("wallet", cfg.Wallet.Address),
		)
	}

	// --- Trade relay ---
	if cfg.Executor.RelayURL != "" {
		auth := &crypto.RelayAuth{
			Key:    cfg.Executor.APIKey,
			Secret: cfg.Executor.APISecret,
		}
		deps.Executor = executor.NewRelayClient(
			cfg.Executor.RelayURL,
			cfg.Wallet.Address,
			auth,
			cfg.Executor.CallTimeout.Duration,
			logger,
		)
	}

	return deps, cleanup, nil
}
