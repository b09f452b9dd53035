// Package transport defines the collaborator the data layer runs against: row-oriented
// query execution, change-event feeds and host environment signals.
package transport

import (
	"context"
	"time"
)

// Row is a single record keyed by column name
type Row = map[string]interface{}

// SelectQuery describes a read against a named table
type SelectQuery struct {
	Table   string
	Columns string // projection, "*" when empty
	Filters []Filter
	Order   []Order
	Limit   int
}

// Order is a single ORDER BY term
type Order struct {
	Column    string
	Ascending bool
}

// WriteOptions tunes insert and upsert statements
type WriteOptions struct {
	// OnConflict lists the conflict target columns for upserts
	OnConflict []string
	// IgnoreDuplicates turns an upsert into insert-or-skip
	IgnoreDuplicates bool
}

// Transport executes row-oriented queries. Every method returns the affected rows.
type Transport interface {
	Select(ctx context.Context, q SelectQuery) ([]Row, error)
	Insert(ctx context.Context, table string, rows []Row, opts WriteOptions) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, opts WriteOptions) ([]Row, error)
	Update(ctx context.Context, table string, values Row, filters []Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filters []Filter) ([]Row, error)
	Close()
}

// EventType is the kind of row change
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Matches reports whether an event of type other satisfies this filter
func (e EventType) Matches(other EventType) bool {
	return e == EventAll || e == other
}

// ChangeEvent is a single row change delivered by a ChangeFeed
type ChangeEvent struct {
	Type            EventType `json:"type"`
	Table           string    `json:"table"`
	Schema          string    `json:"schema"`
	New             Row       `json:"record,omitempty"`
	Old             Row       `json:"old_record,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// ChannelStatus is the lifecycle state reported by a feed channel
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)

// ChannelSpec selects the change stream of one table, optionally narrowed by a row filter
type ChannelSpec struct {
	Schema string
	Table  string
	Filter string
}

// ChannelHandlers receives events and status transitions of one channel.
// Feeds call them from their own goroutine.
type ChannelHandlers struct {
	OnEvent  func(ChangeEvent)
	OnStatus func(ChannelStatus, error)
}

// Channel is an open change stream
type Channel interface {
	Close() error
}

// ChangeFeed opens change streams
type ChangeFeed interface {
	Open(ctx context.Context, spec ChannelSpec, h ChannelHandlers) (Channel, error)
}
