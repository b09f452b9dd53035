// Package postgres implements the transport over a pgx connection pool, with
// realtime change events delivered through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/transport/sqlgen"
	"go.uber.org/zap"
)

// PoolConfig holds pool settings
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// NewPool creates a pgx pool and verifies it with a ping
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Transport implements transport.Transport using PostgreSQL
type Transport struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTransport creates a new PostgreSQL transport
func NewTransport(pool *pgxpool.Pool, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{pool: pool, logger: logger}
}

// Pool exposes the underlying pool for components sharing it
func (t *Transport) Pool() *pgxpool.Pool {
	return t.pool
}

// Select implements transport.Transport
func (t *Transport) Select(ctx context.Context, q transport.SelectQuery) ([]transport.Row, error) {
	st, err := sqlgen.Postgres.Select(q)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Insert implements transport.Transport
func (t *Transport) Insert(ctx context.Context, table string, rows []transport.Row, opts transport.WriteOptions) ([]transport.Row, error) {
	st, err := sqlgen.Postgres.Insert(table, rows, opts, false)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Upsert implements transport.Transport
func (t *Transport) Upsert(ctx context.Context, table string, rows []transport.Row, opts transport.WriteOptions) ([]transport.Row, error) {
	st, err := sqlgen.Postgres.Insert(table, rows, opts, true)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Update implements transport.Transport
func (t *Transport) Update(ctx context.Context, table string, values transport.Row, filters []transport.Filter) ([]transport.Row, error) {
	st, err := sqlgen.Postgres.Update(table, values, filters)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Delete implements transport.Transport
func (t *Transport) Delete(ctx context.Context, table string, filters []transport.Filter) ([]transport.Row, error) {
	st, err := sqlgen.Postgres.Delete(table, filters)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Close releases the pool
func (t *Transport) Close() {
	t.pool.Close()
}

func (t *Transport) query(ctx context.Context, st sqlgen.Statement) ([]transport.Row, error) {
	rows, err := t.pool.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		// Errors are returned unwrapped so *pgconn.PgError reaches classification intact
		return nil, err
	}

	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("Executed statement",
		zap.String("sql", st.SQL),
		zap.Int("rows", len(out)))
	return out, nil
}
