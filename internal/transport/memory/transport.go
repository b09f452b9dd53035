// Package memory provides an in-process Transport and ChangeFeed. It backs local
// development mode and the unit tests of every component built on the transport.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mycolab/labdb/internal/transport"
)

// Call records one transport invocation
type Call struct {
	Op    string
	Table string
	Rows  int
	At    time.Time
}

// Hook runs before every operation; a non-nil error fails the operation
type Hook func(ctx context.Context, op, table string) error

// Transport is an in-memory implementation of transport.Transport
type Transport struct {
	mu      sync.Mutex
	tables  map[string][]transport.Row
	nextID  int64
	calls   []Call
	hook    Hook
	latency time.Duration
	feed    *Feed
	closed  bool
}

// Option configures a Transport
type Option func(*Transport)

// WithFeed publishes every successful write to feed
func WithFeed(feed *Feed) Option {
	return func(t *Transport) { t.feed = feed }
}

// WithLatency delays every operation by d (honoring ctx)
func WithLatency(d time.Duration) Option {
	return func(t *Transport) { t.latency = d }
}

// NewTransport creates an empty in-memory transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{tables: make(map[string][]transport.Row)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetHook installs h, replacing any previous hook
func (t *Transport) SetHook(h Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = h
}

// Seed replaces the contents of table
func (t *Transport) Seed(table string, rows ...transport.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := make([]transport.Row, 0, len(rows))
	for _, r := range rows {
		copied = append(copied, t.withID(r))
	}
	t.tables[table] = copied
}

// Calls returns a copy of the call log
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallCount returns how many times op ran against table ("" matches any table)
func (t *Transport) CallCount(op, table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op && (table == "" || c.Table == table) {
			n++
		}
	}
	return n
}

// Rows returns a copy of every row in table
func (t *Transport) Rows(table string) []transport.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Row, 0, len(t.tables[table]))
	for _, r := range t.tables[table] {
		out = append(out, copyRow(r))
	}
	return out
}

// Close implements transport.Transport
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *Transport) begin(ctx context.Context, op, table string, rows int) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: op, Table: table, Rows: rows, At: time.Now()})
	hook := t.hook
	latency := t.latency
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("transport closed")
	}
	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if hook != nil {
		if err := hook(ctx, op, table); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Select implements transport.Transport
func (t *Transport) Select(ctx context.Context, q transport.SelectQuery) ([]transport.Row, error) {
	if err := t.begin(ctx, "select", q.Table, 0); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist: no such table", q.Table)
	}

	out := make([]transport.Row, 0, len(rows))
	for _, r := range rows {
		if transport.MatchesAll(q.Filters, r) {
			out = append(out, project(r, q.Columns))
		}
	}

	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				c := compareValues(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert implements transport.Transport
func (t *Transport) Insert(ctx context.Context, table string, rows []transport.Row, _ transport.WriteOptions) ([]transport.Row, error) {
	if err := t.begin(ctx, "insert", table, len(rows)); err != nil {
		return nil, err
	}

	t.mu.Lock()
	out := make([]transport.Row, 0, len(rows))
	for _, r := range rows {
		stored := t.withID(r)
		t.tables[table] = append(t.tables[table], stored)
		out = append(out, copyRow(stored))
	}
	t.mu.Unlock()

	t.publish(table, transport.EventInsert, out, nil)
	return out, nil
}

// Upsert implements transport.Transport
func (t *Transport) Upsert(ctx context.Context, table string, rows []transport.Row, opts transport.WriteOptions) ([]transport.Row, error) {
	if err := t.begin(ctx, "upsert", table, len(rows)); err != nil {
		return nil, err
	}

	conflict := opts.OnConflict
	if len(conflict) == 0 {
		conflict = []string{"id"}
	}

	t.mu.Lock()
	var inserted, updated, olds []transport.Row
	out := make([]transport.Row, 0, len(rows))
	for _, r := range rows {
		idx := t.indexOf(table, conflict, r)
		if idx < 0 {
			stored := t.withID(r)
			t.tables[table] = append(t.tables[table], stored)
			inserted = append(inserted, copyRow(stored))
			out = append(out, copyRow(stored))
			continue
		}
		if opts.IgnoreDuplicates {
			continue
		}
		old := copyRow(t.tables[table][idx])
		for k, v := range r {
			t.tables[table][idx][k] = v
		}
		olds = append(olds, old)
		updated = append(updated, copyRow(t.tables[table][idx]))
		out = append(out, copyRow(t.tables[table][idx]))
	}
	t.mu.Unlock()

	t.publish(table, transport.EventInsert, inserted, nil)
	t.publish(table, transport.EventUpdate, updated, olds)
	return out, nil
}

// Update implements transport.Transport
func (t *Transport) Update(ctx context.Context, table string, values transport.Row, filters []transport.Filter) ([]transport.Row, error) {
	if err := t.begin(ctx, "update", table, 1); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var out, olds []transport.Row
	for _, r := range t.tables[table] {
		if !transport.MatchesAll(filters, r) {
			continue
		}
		olds = append(olds, copyRow(r))
		for k, v := range values {
			r[k] = v
		}
		out = append(out, copyRow(r))
	}
	t.mu.Unlock()

	t.publish(table, transport.EventUpdate, out, olds)
	return out, nil
}

// Delete implements transport.Transport
func (t *Transport) Delete(ctx context.Context, table string, filters []transport.Filter) ([]transport.Row, error) {
	if err := t.begin(ctx, "delete", table, 0); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var kept, removed []transport.Row
	for _, r := range t.tables[table] {
		if transport.MatchesAll(filters, r) {
			removed = append(removed, copyRow(r))
			continue
		}
		kept = append(kept, r)
	}
	if _, ok := t.tables[table]; ok {
		t.tables[table] = kept
	}
	t.mu.Unlock()

	t.publish(table, transport.EventDelete, nil, removed)
	return removed, nil
}

func (t *Transport) publish(table string, typ transport.EventType, news, olds []transport.Row) {
	if t.feed == nil {
		return
	}
	n := len(news)
	if len(olds) > n {
		n = len(olds)
	}
	for i := 0; i < n; i++ {
		ev := transport.ChangeEvent{
			Type:            typ,
			Table:           table,
			Schema:          "public",
			CommitTimestamp: time.Now().UTC(),
		}
		if i < len(news) {
			ev.New = news[i]
		}
		if i < len(olds) {
			ev.Old = olds[i]
		}
		t.feed.Emit(ev)
	}
}

// withID copies r and assigns a sequential id when it has none. Caller holds t.mu.
func (t *Transport) withID(r transport.Row) transport.Row {
	stored := copyRow(r)
	if _, ok := stored["id"]; !ok {
		t.nextID++
		stored["id"] = t.nextID
	}
	return stored
}

// indexOf finds the row in table matching r on every conflict column. Caller holds t.mu.
func (t *Transport) indexOf(table string, conflict []string, r transport.Row) int {
	for i, existing := range t.tables[table] {
		match := true
		for _, col := range conflict {
			v, ok := r[col]
			if !ok || compareValues(existing[col], v) != 0 {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func project(r transport.Row, columns string) transport.Row {
	columns = strings.TrimSpace(columns)
	if columns == "" || columns == "*" {
		return copyRow(r)
	}
	out := make(transport.Row)
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

func copyRow(r transport.Row) transport.Row {
	out := make(transport.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func compareValues(a, b interface{}) int {
	return transport.Compare(a, b)
}
