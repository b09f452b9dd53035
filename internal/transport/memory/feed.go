package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mycolab/labdb/internal/transport"
)

// Feed is an in-process transport.ChangeFeed
type Feed struct {
	mu       sync.Mutex
	channels map[*channel]struct{}
	opens    int
	openErr  error
}

type channel struct {
	feed  *Feed
	spec  transport.ChannelSpec
	match func(transport.ChangeEvent) bool
	h     transport.ChannelHandlers
	once  sync.Once
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{channels: make(map[*channel]struct{})}
}

// FailOpens makes subsequent Open calls fail with err (nil restores normal behaviour)
func (f *Feed) FailOpens(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Open implements transport.ChangeFeed. The SUBSCRIBED status is reported asynchronously.
func (f *Feed) Open(_ context.Context, spec transport.ChannelSpec, h transport.ChannelHandlers) (transport.Channel, error) {
	match, err := transport.SpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.opens++
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, fmt.Errorf("open channel %s: %w", spec.Table, err)
	}
	ch := &channel{feed: f, spec: spec, match: match, h: h}
	f.channels[ch] = struct{}{}
	f.mu.Unlock()

	if h.OnStatus != nil {
		go h.OnStatus(transport.ChannelSubscribed, nil)
	}
	return ch, nil
}

// Emit delivers ev synchronously to every open channel on ev.Table whose row filter matches
func (f *Feed) Emit(ev transport.ChangeEvent) {
	for _, ch := range f.snapshot() {
		if ch.match(ev) && ch.h.OnEvent != nil {
			ch.h.OnEvent(ev)
		}
	}
}

// Fail reports status with err to every open channel on table
func (f *Feed) Fail(table string, status transport.ChannelStatus, err error) {
	for _, ch := range f.snapshot() {
		if ch.spec.Table == table && ch.h.OnStatus != nil {
			ch.h.OnStatus(status, err)
		}
	}
}

// OpenCount returns the number of Open calls so far
func (f *Feed) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// ChannelCount returns the number of currently open channels
func (f *Feed) ChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *Feed) snapshot() []*channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*channel, 0, len(f.channels))
	for ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

// Close implements transport.Channel
func (c *channel) Close() error {
	c.once.Do(func() {
		c.feed.mu.Lock()
		delete(c.feed.channels, c)
		c.feed.mu.Unlock()
	})
	return nil
}
