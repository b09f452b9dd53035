package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mycolab/labdb/internal/batch"
	"github.com/mycolab/labdb/internal/cache"
	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/dedup"
	"github.com/mycolab/labdb/internal/loader"
	"github.com/mycolab/labdb/internal/query"
	"github.com/mycolab/labdb/internal/realtime"
)

// Transport kinds
const (
	TransportPostgres = "postgres"
	TransportSQLite   = "sqlite"
	TransportMemory   = "memory"
	TransportNone     = "none"
)

// Change feed kinds
const (
	FeedPostgres = "postgres"
	FeedRedis    = "redis"
	FeedMemory   = "memory"
	FeedNone     = "none"
)

// Config represents the labdb service configuration
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Transport  TransportConfig   `mapstructure:"transport"`
	Database   DatabaseConfig    `mapstructure:"database"`
	SQLite     SQLiteConfig      `mapstructure:"sqlite"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Cache      cache.Config      `mapstructure:"cache"`
	Query      query.Config      `mapstructure:"query"`
	Dedup      dedup.Config      `mapstructure:"dedup"`
	Connection connection.Config `mapstructure:"connection"`
	Realtime   realtime.Config   `mapstructure:"realtime"`
	Batch      batch.Config      `mapstructure:"batch"`
	Loader     loader.Config     `mapstructure:"loader"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP and gRPC health server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// TransportConfig selects the backend and its change feed
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	Feed string `mapstructure:"feed"`
}

// DatabaseConfig represents PostgreSQL configuration. URL takes precedence over the
// individual connection fields.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	NotifyChannel   string        `mapstructure:"notify_channel"`
	// WatchTables get change notification triggers installed on startup
	WatchTables []string `mapstructure:"watch_tables"`
}

// DSN returns the connection string of the database
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
	}
	return u.String()
}

// SQLiteConfig represents the embedded database configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig represents the Redis change feed configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
	// PublishWrites republishes successful batch writes as change events
	PublishWrites bool `mapstructure:"publish_writes"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return errors.New("server.http_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.New("server.grpc_port must be between 0 and 65535")
	}

	switch c.Transport.Kind {
	case TransportPostgres:
		if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "") {
			return errors.New("database.url or database.host, database.database and database.user are required")
		}
	case TransportSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	case TransportMemory, TransportNone:
	default:
		return fmt.Errorf("transport.kind must be one of: %s, %s, %s, %s",
			TransportPostgres, TransportSQLite, TransportMemory, TransportNone)
	}

	if c.Transport.Feed == "" {
		c.Transport.Feed = defaultFeed(c.Transport.Kind)
	}
	switch c.Transport.Feed {
	case FeedPostgres:
		if c.Transport.Kind != TransportPostgres {
			return errors.New("transport.feed postgres requires transport.kind postgres")
		}
	case FeedMemory:
		if c.Transport.Kind != TransportMemory {
			return errors.New("transport.feed memory requires transport.kind memory")
		}
	case FeedRedis:
		if c.Redis.Host == "" {
			return errors.New("redis.host is required for the redis feed")
		}
	case FeedNone:
	default:
		return fmt.Errorf("transport.feed must be one of: %s, %s, %s, %s",
			FeedPostgres, FeedRedis, FeedMemory, FeedNone)
	}

	switch c.Cache.Strategy {
	case "":
		c.Cache.Strategy = cache.LRU
	case cache.LRU, cache.LFU, cache.TTL:
	default:
		return fmt.Errorf("cache.strategy must be one of: lru, lfu, ttl")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be positive")
	}
	if c.Query.RetryCount < 0 {
		return errors.New("query.retry_count must not be negative")
	}
	if c.Realtime.MaxSubscriptionsPerTable <= 0 {
		return errors.New("realtime.max_subscriptions_per_table must be positive")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return errors.New("batch.max_batch_size must be positive")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func defaultFeed(kind string) string {
	switch kind {
	case TransportPostgres:
		return FeedPostgres
	case TransportMemory:
		return FeedMemory
	default:
		return FeedNone
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        8080,
			GRPCPort:        9091,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
		Transport: TransportConfig{
			Kind: TransportPostgres,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "labdb",
			User:            "labdb",
			SSLMode:         "disable",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
			NotifyChannel:   "labdb_changes",
		},
		SQLite: SQLiteConfig{
			Path: "data/labdb.sqlite",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
			Prefix:   "labdb:changes:",
		},
		Cache:      cache.DefaultConfig(),
		Query:      query.DefaultConfig(),
		Dedup:      dedup.DefaultConfig(),
		Connection: connection.DefaultConfig(),
		Realtime:   realtime.DefaultConfig(),
		Batch:      batch.DefaultConfig(),
		Loader:     loader.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
