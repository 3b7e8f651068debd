package main

import (
	"context"
	"fmt"
	"log/slog"

	"viewingflow/config"
	"viewingflow/db"
	"viewingflow/engine"
	"viewingflow/outbox"
	"viewingflow/payment"
	"viewingflow/redisbus"
	"viewingflow/store"
	"viewingflow/store/memstore"
	"viewingflow/store/pgstore"
)

func policyFrom(cfg config.Config) engine.Policy {
	return engine.Policy{
		GracePeriod:      cfg.Engine.GracePeriod.Duration,
		NoShowGrace:      cfg.Engine.NoShowGrace.Duration,
		FeeBps:           cfg.Engine.FeeBps,
		PlatformWalletID: cfg.Engine.PlatformWalletID,
	}
}

// newCollector returns the payment collector. Only the sandbox exists until a
// provider integration lands; its results arrive through the callback routes.
func newCollector() payment.Collector {
	return payment.NewSandbox()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), nil
	}

	if cfg.Database.RunMigrations {
		if err := db.MigrateUp(ctx, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("migrations applied")
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolConfig{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return pgstore.New(pool), nil
}

// bus bundles the Redis-backed pieces. Without Redis, outbox messages are
// logged and the sweeper runs without a lease.
type bus struct {
	client    *redisbus.Client
	locker    engine.Locker
	publisher outbox.Publisher
}

func openBus(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*bus, error) {
	if cfg.Addr == "" {
		logger.Warn("redis not configured, outbox messages are only logged")
		return &bus{publisher: logPublisher{logger: logger}}, nil
	}
	client, err := redisbus.New(ctx, redisbus.ClientConfig{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		TLSEnabled: cfg.TLSEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	pub := redisbus.NewPublisher(client)
	if cfg.Stream != "" {
		pub = pub.WithStream(cfg.Stream)
	}
	return &bus{
		client:    client,
		locker:    redisbus.NewLockManager(client),
		publisher: pub,
	}, nil
}

func (b *bus) Ping(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Ping(ctx)
}

func (b *bus) Close() {
	if b.client != nil {
		_ = b.client.Close()
	}
}

func healthCheck(st store.Store, b *bus) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := b.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}

type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.logger.Info("outbox message", "channel", channel, "payload", string(payload))
	return nil
}
