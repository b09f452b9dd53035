// Package sqlite implements the transport over an embedded SQLite database.
// It serves offline and single-node deployments without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/transport/sqlgen"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Transport implements transport.Transport using SQLite
type Transport struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(path string, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "labdb.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; also keeps ":memory:" on one shared connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Transport{db: db, logger: logger}, nil
}

// Exec runs a raw statement, used to bootstrap schemas
func (t *Transport) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	if _, err := t.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Select implements transport.Transport
func (t *Transport) Select(ctx context.Context, q transport.SelectQuery) ([]transport.Row, error) {
	st, err := sqlgen.SQLite.Select(q)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Insert implements transport.Transport
func (t *Transport) Insert(ctx context.Context, table string, rows []transport.Row, opts transport.WriteOptions) ([]transport.Row, error) {
	st, err := sqlgen.SQLite.Insert(table, rows, opts, false)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Upsert implements transport.Transport
func (t *Transport) Upsert(ctx context.Context, table string, rows []transport.Row, opts transport.WriteOptions) ([]transport.Row, error) {
	st, err := sqlgen.SQLite.Insert(table, rows, opts, true)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Update implements transport.Transport
func (t *Transport) Update(ctx context.Context, table string, values transport.Row, filters []transport.Filter) ([]transport.Row, error) {
	st, err := sqlgen.SQLite.Update(table, values, filters)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Delete implements transport.Transport
func (t *Transport) Delete(ctx context.Context, table string, filters []transport.Filter) ([]transport.Row, error) {
	st, err := sqlgen.SQLite.Delete(table, filters)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, st)
}

// Close implements transport.Transport
func (t *Transport) Close() {
	if err := t.db.Close(); err != nil {
		t.logger.Warn("Failed to close sqlite database", zap.Error(err))
	}
}

func (t *Transport) query(ctx context.Context, st sqlgen.Statement) ([]transport.Row, error) {
	rows, err := t.db.QueryContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := make([]transport.Row, 0)
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(transport.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	t.logger.Debug("Executed statement",
		zap.String("sql", st.SQL),
		zap.Int("rows", len(out)))
	return out, nil
}
