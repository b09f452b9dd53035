// Package realtime multiplexes change subscriptions onto shared feed channels
// and debounces event bursts.
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/util/observer"
	"go.uber.org/zap"
)

// Config holds dispatcher configuration
type Config struct {
	Schema                   string        `mapstructure:"schema"`
	MaxSubscriptionsPerTable int           `mapstructure:"max_subscriptions_per_table"`
	EventDebounce            time.Duration `mapstructure:"event_debounce"`
	AutoReconnect            bool          `mapstructure:"auto_reconnect"`
	ReconnectDelay           time.Duration `mapstructure:"reconnect_delay"`
	OpenTimeout              time.Duration `mapstructure:"open_timeout"`
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Schema:                   "public",
		MaxSubscriptionsPerTable: 10,
		EventDebounce:            100 * time.Millisecond,
		AutoReconnect:            true,
		ReconnectDelay:           5 * time.Second,
		OpenTimeout:              10 * time.Second,
	}
}

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusClosed  Status = "closed"
)

// Callback receives change events
type Callback func(transport.ChangeEvent)

// Subscription describes one registered listener
type Subscription struct {
	ID        string              `json:"id"`
	Table     string              `json:"table"`
	Event     transport.EventType `json:"event"`
	Filter    string              `json:"filter,omitempty"`
	Status    Status              `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

type subscription struct {
	Subscription
	channel  *sharedChannel
	callback Callback
}

type sharedChannel struct {
	key       string
	spec      transport.ChannelSpec
	ch        transport.Channel
	subs      map[string]*subscription
	reconnect *time.Timer
}

type pendingEvent struct {
	event transport.ChangeEvent
	timer *time.Timer
}

// Dispatcher fans change events out to subscriptions
type Dispatcher struct {
	cfg     Config
	feed    transport.ChangeFeed
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	subs     map[string]*subscription
	channels map[string]*sharedChannel
	pending  map[string]*pendingEvent
	closed   bool
}

// NewDispatcher creates a new dispatcher. feed may be nil, in which case every
// Subscribe fails with NO_TRANSPORT.
func NewDispatcher(cfg Config, feed transport.ChangeFeed, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxSubscriptionsPerTable <= 0 {
		cfg.MaxSubscriptionsPerTable = def.MaxSubscriptionsPerTable
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		feed:     feed,
		logger:   logger,
		metrics:  m,
		subs:     make(map[string]*subscription),
		channels: make(map[string]*sharedChannel),
		pending:  make(map[string]*pendingEvent),
	}
}

func channelKey(table, filter string) string {
	return table + "|" + filter
}

// Subscribe registers cb for events of type event on table, optionally narrowed by a
// row filter ("column=op.value"). Subscriptions with the same table and filter share
// one feed channel. It returns the subscription id.
func (d *Dispatcher) Subscribe(ctx context.Context, table string, event transport.EventType, cb Callback, filter string) (string, error) {
	if d.feed == nil {
		return "", errors.NoTransport()
	}
	if event == "" {
		event = transport.EventAll
	}
	if _, _, err := transport.ParseRowFilter(filter); err != nil {
		return "", errors.InvalidArgument("invalid row filter", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", errors.NewQueryError(errors.CodeCancelled, "dispatcher closed", false, nil)
	}
	if d.countForTable(table) >= d.cfg.MaxSubscriptionsPerTable {
		d.mu.Unlock()
		d.logger.Warn("Subscription limit reached",
			zap.String("table", table),
			zap.Int("limit", d.cfg.MaxSubscriptionsPerTable))
		return "", errors.SubscriptionLimit(table, d.cfg.MaxSubscriptionsPerTable)
	}

	key := channelKey(table, filter)
	sc, exists := d.channels[key]
	if !exists {
		sc = &sharedChannel{
			key:  key,
			spec: transport.ChannelSpec{Schema: d.cfg.Schema, Table: table, Filter: filter},
			subs: make(map[string]*subscription),
		}
		d.channels[key] = sc
	}

	sub := &subscription{
		Subscription: Subscription{
			ID:        uuid.NewString(),
			Table:     table,
			Event:     event,
			Filter:    filter,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		channel:  sc,
		callback: cb,
	}
	if exists {
		sub.Status = d.channelStatus(sc)
	}
	sc.subs[sub.ID] = sub
	d.subs[sub.ID] = sub
	d.updateGauges()
	d.mu.Unlock()

	d.logger.Debug("Subscribed",
		zap.String("subscription_id", sub.ID),
		zap.String("table", table),
		zap.String("event", string(event)),
		zap.String("filter", filter))

	if !exists {
		d.open(ctx, sc)
	}
	return sub.ID, nil
}

// channelStatus returns the status shared by the existing subscriptions of sc. Caller holds d.mu.
func (d *Dispatcher) channelStatus(sc *sharedChannel) Status {
	for _, s := range sc.subs {
		return s.Status
	}
	return StatusPending
}

// countForTable counts subscriptions on table. Caller holds d.mu.
func (d *Dispatcher) countForTable(table string) int {
	n := 0
	for _, s := range d.subs {
		if s.Table == table {
			n++
		}
	}
	return n
}

// open opens the feed channel for sc
func (d *Dispatcher) open(ctx context.Context, sc *sharedChannel) {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.OpenTimeout)
	defer cancel()

	ch, err := d.feed.Open(octx, sc.spec, transport.ChannelHandlers{
		OnEvent:  func(ev transport.ChangeEvent) { d.handleEvent(sc, ev) },
		OnStatus: func(s transport.ChannelStatus, err error) { d.handleStatus(sc, s, err) },
	})
	if err != nil {
		d.logger.Warn("Failed to open change channel",
			zap.String("table", sc.spec.Table),
			zap.String("filter", sc.spec.Filter),
			zap.Error(err))
		d.handleStatus(sc, transport.ChannelError, err)
		return
	}

	d.mu.Lock()
	if d.channels[sc.key] != sc {
		// Last subscriber left while opening
		d.mu.Unlock()
		_ = ch.Close()
		return
	}
	sc.ch = ch
	d.mu.Unlock()
}

func (d *Dispatcher) handleStatus(sc *sharedChannel, s transport.ChannelStatus, err error) {
	var status Status
	switch s {
	case transport.ChannelSubscribed:
		status = StatusActive
	case transport.ChannelError, transport.ChannelTimedOut:
		status = StatusError
	case transport.ChannelClosed:
		status = StatusClosed
	default:
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[sc.key] != sc {
		return
	}
	for _, sub := range sc.subs {
		sub.Status = status
	}

	if status == StatusActive {
		d.logger.Debug("Change channel subscribed", zap.String("table", sc.spec.Table))
		return
	}

	d.logger.Warn("Change channel status changed",
		zap.String("table", sc.spec.Table),
		zap.String("status", string(s)),
		zap.Error(err))

	// Feeds only report CLOSED for connections they lost, never for our own Close
	if d.cfg.AutoReconnect && sc.reconnect == nil && !d.closed {
		sc.reconnect = time.AfterFunc(d.cfg.ReconnectDelay, func() { d.reopen(sc) })
	}
}

func (d *Dispatcher) reopen(sc *sharedChannel) {
	d.mu.Lock()
	sc.reconnect = nil
	if d.channels[sc.key] != sc || d.closed {
		d.mu.Unlock()
		return
	}
	old := sc.ch
	sc.ch = nil
	d.mu.Unlock()

	d.logger.Info("Reopening change channel",
		zap.String("table", sc.spec.Table),
		zap.String("filter", sc.spec.Filter))

	if old != nil {
		_ = old.Close()
	}
	d.open(context.Background(), sc)
}

func (d *Dispatcher) handleEvent(sc *sharedChannel, ev transport.ChangeEvent) {
	d.metrics.RecordRealtimeEvent(ev.Table, string(ev.Type))

	if d.cfg.EventDebounce <= 0 {
		d.dispatch(sc, ev)
		return
	}

	dkey := sc.key + "|" + string(ev.Type)
	pe := &pendingEvent{event: ev}

	d.mu.Lock()
	if d.channels[sc.key] != sc {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.pending[dkey]; ok {
		prev.timer.Stop()
		d.metrics.RecordRealtimeCoalesced()
	}
	d.pending[dkey] = pe
	pe.timer = time.AfterFunc(d.cfg.EventDebounce, func() {
		d.mu.Lock()
		if d.pending[dkey] != pe {
			d.mu.Unlock()
			return
		}
		delete(d.pending, dkey)
		d.mu.Unlock()
		d.dispatch(sc, pe.event)
	})
	d.mu.Unlock()
}

// dispatch delivers ev to every active subscription of sc whose event filter matches.
// An event on a pending channel proves the feed subscribed, so pending subscriptions
// become active first; errored and closed ones receive nothing.
func (d *Dispatcher) dispatch(sc *sharedChannel, ev transport.ChangeEvent) {
	d.mu.Lock()
	if d.channels[sc.key] != sc {
		d.mu.Unlock()
		return
	}
	targets := make([]*subscription, 0, len(sc.subs))
	for _, sub := range sc.subs {
		if sub.Status == StatusPending {
			sub.Status = StatusActive
		}
		if sub.Status == StatusActive && sub.Event.Matches(ev.Type) {
			targets = append(targets, sub)
		}
	}
	d.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].CreatedAt.Before(targets[j].CreatedAt)
	})
	for _, sub := range targets {
		if err := observer.SafeCall(d.logger, "realtime subscriber", func() { sub.callback(ev) }); err != nil {
			d.logger.Error("Subscriber callback failed",
				zap.String("subscription_id", sub.ID),
				zap.String("table", sub.Table),
				zap.Error(err))
		}
	}
}

// Unsubscribe removes the subscription and closes its channel when it was the last one
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	closing := d.removeLocked(sub)
	d.updateGauges()
	d.mu.Unlock()

	d.closeChannels(closing)
	return true
}

// UnsubscribeAll removes every subscription on table, or every subscription when
// table is empty. It returns the number removed.
func (d *Dispatcher) UnsubscribeAll(table string) int {
	d.mu.Lock()
	var closing []transport.Channel
	removed := 0
	for _, sub := range d.subs {
		if table == "" || sub.Table == table {
			closing = append(closing, d.removeLocked(sub)...)
			removed++
		}
	}
	d.updateGauges()
	d.mu.Unlock()

	d.closeChannels(closing)
	return removed
}

// removeLocked drops sub and, when its channel becomes empty, the channel and its
// pending debounced events. It returns feed channels to close. Caller holds d.mu.
func (d *Dispatcher) removeLocked(sub *subscription) []transport.Channel {
	delete(d.subs, sub.ID)
	sub.Status = StatusClosed

	sc := sub.channel
	delete(sc.subs, sub.ID)
	if len(sc.subs) > 0 {
		return nil
	}

	delete(d.channels, sc.key)
	if sc.reconnect != nil {
		sc.reconnect.Stop()
		sc.reconnect = nil
	}
	prefix := sc.key + "|"
	for k, pe := range d.pending {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			pe.timer.Stop()
			delete(d.pending, k)
		}
	}
	if sc.ch == nil {
		return nil
	}
	ch := sc.ch
	sc.ch = nil
	return []transport.Channel{ch}
}

func (d *Dispatcher) closeChannels(chs []transport.Channel) {
	for _, ch := range chs {
		if err := ch.Close(); err != nil {
			d.logger.Warn("Failed to close change channel", zap.Error(err))
		}
	}
}

// Subscriptions returns a snapshot of every subscription
func (d *Dispatcher) Subscriptions() []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s.Subscription)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscription returns a snapshot of one subscription
func (d *Dispatcher) Subscription(id string) (Subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return s.Subscription, true
}

// ChannelCount returns the number of shared channels
func (d *Dispatcher) ChannelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// Close removes every subscription and rejects new ones
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.UnsubscribeAll("")
}

// updateGauges publishes subscription and channel counts. Caller holds d.mu.
func (d *Dispatcher) updateGauges() {
	d.metrics.SetRealtimeCounts(len(d.subs), len(d.channels))
}
