// Package redisfeed carries change events over Redis pub/sub so several
// processes sharing one backend see each other's writes.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mycolab/labdb/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces the per-table pub/sub channels
const DefaultPrefix = "labdb:changes:"

// Feed implements transport.ChangeFeed over Redis SUBSCRIBE and publishes events with PUBLISH
type Feed struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewFeed creates a new redis change feed
func NewFeed(client *redis.Client, prefix string, logger *zap.Logger) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, prefix: prefix, logger: logger}
}

// ChannelName returns the pub/sub channel carrying table's events
func (f *Feed) ChannelName(table string) string {
	return f.prefix + table
}

// Publish sends ev to every subscriber of its table
func (f *Feed) Publish(ctx context.Context, ev transport.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.ChannelName(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Open implements transport.ChangeFeed
func (f *Feed) Open(ctx context.Context, spec transport.ChannelSpec, h transport.ChannelHandlers) (transport.Channel, error) {
	match, err := transport.SpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	pubsub := f.client.Subscribe(ctx, f.ChannelName(spec.Table))
	// Wait for the subscription confirmation so failures surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", f.ChannelName(spec.Table), err)
	}

	ch := &subChannel{pubsub: pubsub, done: make(chan struct{})}
	go f.consume(ch, match, h)

	if h.OnStatus != nil {
		h.OnStatus(transport.ChannelSubscribed, nil)
	}
	return ch, nil
}

func (f *Feed) consume(ch *subChannel, match func(transport.ChangeEvent) bool, h transport.ChannelHandlers) {
	defer close(ch.done)

	for msg := range ch.pubsub.Channel() {
		var ev transport.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.logger.Warn("Dropping malformed change message",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		if match(ev) && h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}

	// The message channel only closes when the subscription is torn down
	if !ch.closing() && h.OnStatus != nil {
		h.OnStatus(transport.ChannelClosed, nil)
	}
}

type subChannel struct {
	pubsub *redis.PubSub
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *subChannel) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements transport.Channel
func (c *subChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.pubsub.Close()
	<-c.done
	return err
}
