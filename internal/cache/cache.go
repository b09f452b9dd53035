// Package cache implements the bounded query result cache with TTL expiry and
// pluggable eviction.
package cache

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mycolab/labdb/internal/metrics"
	"go.uber.org/zap"
)

// Strategy selects which entry is evicted when the cache is full
type Strategy string

const (
	// LRU evicts the entry with the oldest last access
	LRU Strategy = "lru"
	// LFU evicts the entry with the fewest hits
	LFU Strategy = "lfu"
	// TTL evicts the entry closest to expiry
	TTL Strategy = "ttl"
)

// Config holds cache configuration
type Config struct {
	MaxSize         int           `mapstructure:"max_size"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	Strategy        Strategy      `mapstructure:"strategy"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	EstimateMemory  bool          `mapstructure:"estimate_memory"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxSize:         100,
		DefaultTTL:      5 * time.Minute,
		Strategy:        LRU,
		JanitorInterval: time.Minute,
		EstimateMemory:  true,
	}
}

type entry struct {
	value      interface{}
	createdAt  time.Time
	expiresAt  time.Time
	hits       uint64
	lastAccess time.Time
	seq        uint64
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   uint64  `json:"evictions"`
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
}

// Cache is a key/value store with per-entry TTL and bounded size
type Cache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	seq       uint64
	hits      uint64
	misses    uint64
	evictions uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits, misses and evictions
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a new cache
func New(cfg Config, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = LRU
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key. Expired entries are removed and reported as a miss.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		c.metrics.SetCacheEntries(len(c.entries))
		ok = false
	}
	if !ok {
		c.misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	c.hits++
	e.hits++
	e.lastAccess = now
	c.metrics.RecordCacheHit()
	return e.value, true
}

// Set stores value under key. A ttl <= 0 uses the default TTL.
// At capacity, exactly one entry is evicted before a new key is inserted.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.evictOne()
	}

	c.seq++
	c.entries[key] = &entry{
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
		seq:        c.seq,
	}
	c.metrics.SetCacheEntries(len(c.entries))
}

// Has reports whether an unexpired entry exists without touching statistics
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.now().Before(e.expiresAt)
}

// Delete removes key
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	c.metrics.SetCacheEntries(len(c.entries))
	return ok
}

// Invalidate removes every key matching pattern and returns how many were removed.
// An empty pattern clears the cache. The pattern is a regular expression; if it does
// not compile it is matched as a plain substring.
func (c *Cache) Invalidate(pattern string) int {
	if pattern == "" {
		return c.invalidate(func(string) bool { return true })
	}
	if re, err := regexp.Compile(pattern); err == nil {
		return c.InvalidateRegexp(re)
	}
	return c.invalidate(func(k string) bool { return strings.Contains(k, pattern) })
}

// InvalidateRegexp removes every key matching re
func (c *Cache) InvalidateRegexp(re *regexp.Regexp) int {
	return c.invalidate(re.MatchString)
}

func (c *Cache) invalidate(match func(string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			removed++
		}
	}
	c.metrics.SetCacheEntries(len(c.entries))

	if removed > 0 {
		c.logger.Debug("Invalidated cache entries", zap.Int("count", removed))
	}
	return removed
}

// Prune removes every expired entry and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.metrics.SetCacheEntries(len(c.entries))
	return removed
}

// Keys returns the keys currently stored, expired or not
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.entries),
		MaxSize:   c.cfg.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.cfg.EstimateMemory {
		for k, e := range c.entries {
			s.MemoryBytes += estimateSize(k) + estimateSize(e.value)
		}
	}
	return s
}

// ResetStats zeroes hit, miss and eviction counters
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// StartJanitor prunes expired entries every interval until ctx is done
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.JanitorInterval
	}
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Prune(); n > 0 {
					c.logger.Debug("Pruned expired cache entries", zap.Int("count", n))
				}
			}
		}
	}()
}

// evictOne removes the victim chosen by the configured strategy. Caller holds c.mu.
func (c *Cache) evictOne() {
	var victimKey string
	var victim *entry

	for k, e := range c.entries {
		if victim == nil || c.before(e, victim) {
			victimKey, victim = k, e
		}
	}
	if victim == nil {
		return
	}

	delete(c.entries, victimKey)
	c.evictions++
	c.metrics.RecordCacheEviction(string(c.cfg.Strategy))
	c.logger.Debug("Evicted cache entry",
		zap.String("key", victimKey),
		zap.String("strategy", string(c.cfg.Strategy)))
}

// before reports whether a should be evicted ahead of b. Ties fall back to insertion order.
func (c *Cache) before(a, b *entry) bool {
	switch c.cfg.Strategy {
	case LFU:
		if a.hits != b.hits {
			return a.hits < b.hits
		}
	case TTL:
		if !a.expiresAt.Equal(b.expiresAt) {
			return a.expiresAt.Before(b.expiresAt)
		}
	default:
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.Before(b.lastAccess)
		}
	}
	return a.seq < b.seq
}
