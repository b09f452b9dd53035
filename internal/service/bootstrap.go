package service

import (
	"context"
	"fmt"

	"github.com/mycolab/labdb/internal/config"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/transport/memory"
	"github.com/mycolab/labdb/internal/transport/postgres"
	"github.com/mycolab/labdb/internal/transport/redisfeed"
	"github.com/mycolab/labdb/internal/transport/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open builds the transport and change feed selected by cfg and returns a service
// owning them. signals may be nil.
func Open(ctx context.Context, cfg *config.Config, signals transport.Signals, m *metrics.Metrics, logger *zap.Logger) (*DataService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := Deps{Signals: signals, Metrics: m}

	closeAll := func() {
		for i := len(deps.Closers) - 1; i >= 0; i-- {
			deps.Closers[i]()
		}
	}

	var pgTransport *postgres.Transport
	var memFeed *memory.Feed

	switch cfg.Transport.Kind {
	case config.TransportPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:             cfg.Database.DSN(),
			MaxConns:        cfg.Database.MaxConnections,
			MinConns:        cfg.Database.MinConnections,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pgTransport = postgres.NewTransport(pool, logger.Named("postgres"))
		deps.Transport = pgTransport
		deps.Closers = append(deps.Closers, pgTransport.Close)
		logger.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))

	case config.TransportSQLite:
		st, err := sqlite.Open(cfg.SQLite.Path, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		deps.Transport = st
		deps.Closers = append(deps.Closers, st.Close)
		logger.Info("Opened SQLite database", zap.String("path", cfg.SQLite.Path))

	case config.TransportMemory:
		memFeed = memory.NewFeed()
		deps.Transport = memory.NewTransport(memory.WithFeed(memFeed))
		logger.Warn("Using in-memory transport, data is not persisted")

	case config.TransportNone:
		logger.Warn("No transport configured, queries will fail with NO_TRANSPORT")
	}

	switch cfg.Transport.Feed {
	case config.FeedPostgres:
		if pgTransport == nil {
			closeAll()
			return nil, fmt.Errorf("postgres feed requires the postgres transport")
		}
		feed := postgres.NewFeed(pgTransport.Pool(), cfg.Database.NotifyChannel, logger.Named("pgfeed"))
		if len(cfg.Database.WatchTables) > 0 {
			if err := feed.InstallTriggers(ctx, cfg.Database.WatchTables...); err != nil {
				closeAll()
				return nil, err
			}
		}
		deps.Feed = feed

	case config.FeedRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		feed := redisfeed.NewFeed(client, cfg.Redis.Prefix, logger.Named("redisfeed"))
		deps.Feed = feed
		if cfg.Redis.PublishWrites {
			deps.Publisher = feed
		}
		deps.Closers = append(deps.Closers, func() { _ = client.Close() })
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))

	case config.FeedMemory:
		if memFeed == nil {
			closeAll()
			return nil, fmt.Errorf("memory feed requires the memory transport")
		}
		deps.Feed = memFeed
	}

	return New(cfg, deps, logger), nil
}
