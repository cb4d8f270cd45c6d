package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// Package cache provides the response cache that maps context fingerprints
// to previously produced analyses.
//
// Tiers:
//
//   1. Memory (always on)
//      - Bounded LRU (default 1000 entries)
//      - Per-entry expiry checked on read; expired entries are removed lazily
//
//   2. Remote (optional, Redis)
//      - Shared across replicas
//      - JSON values, server-side TTL equal to the cache TTL
//      - Hits are promoted into memory with their original expiry
//
// Failure policy:
//   - Remote errors and undecodable payloads are misses, never request errors
//   - An entry whose fingerprint does not match its key is dropped as a miss

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

// RemoteStore is a shared byte store with server-side expiry.
// Get returns nil data and a nil error when the key is absent.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Options configures a ResponseCache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Remote     RemoteStore
	Logger     *zap.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type entry struct {
	Result    models.AnalysisResult `json:"result"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// ResponseCache is safe for concurrent use.
type ResponseCache struct {
	mu     sync.Mutex
	items  *lru.Cache[string, entry]
	ttl    time.Duration
	remote RemoteStore
	log    *zap.Logger
	now    func() time.Time

	hits   uint64
	misses uint64
}

// New creates a ResponseCache. Zero TTL and MaxEntries select the defaults.
func New(opts Options) (*ResponseCache, error) {
	if opts.TTL < 0 {
		return nil, fmt.Errorf("cache ttl cannot be negative, got %s", opts.TTL)
	}
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("cache max entries cannot be negative, got %d", opts.MaxEntries)
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	items, err := lru.NewWithEvict[string, entry](opts.MaxEntries, func(string, entry) {
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	return &ResponseCache{
		items:  items,
		ttl:    opts.TTL,
		remote: opts.Remote,
		log:    opts.Logger,
		now:    opts.Now,
	}, nil
}

// TTL returns the configured entry lifetime.
func (c *ResponseCache) TTL() time.Duration { return c.ttl }

// Get returns the cached result for a fingerprint, or false when absent
// or expired.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (*models.AnalysisResult, bool) {
	if res, ok := c.getLocal(fingerprint); ok {
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return res, true
	}

	if c.remote != nil {
		if res, ok := c.getRemote(ctx, fingerprint); ok {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			return res, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.Inc()
	return nil, false
}

func (c *ResponseCache) getLocal(fingerprint string) (*models.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.ExpiresAt) || e.Result.Fingerprint != fingerprint {
		c.items.Remove(fingerprint)
		return nil, false
	}
	c.hits++
	res := e.Result
	return &res, true
}

func (c *ResponseCache) getRemote(ctx context.Context, fingerprint string) (*models.AnalysisResult, bool) {
	data, err := c.remote.Get(ctx, remoteKey(fingerprint))
	if err != nil {
		c.log.Warn("remote cache lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Warn("discarding undecodable remote cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}
	if e.Result.Fingerprint != fingerprint || !c.now().Before(e.ExpiresAt) {
		return nil, false
	}

	c.mu.Lock()
	c.items.Add(fingerprint, e)
	c.hits++
	c.mu.Unlock()

	res := e.Result
	return &res, true
}

// Put stores a result under its fingerprint, replacing any previous entry.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, result models.AnalysisResult) {
	result.Fingerprint = fingerprint
	e := entry{Result: result, ExpiresAt: c.now().Add(c.ttl)}

	c.mu.Lock()
	c.items.Add(fingerprint, e)
	c.mu.Unlock()

	if c.remote == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.log.Warn("encode cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}
	if err := c.remote.Set(ctx, remoteKey(fingerprint), data, c.ttl); err != nil {
		c.log.Warn("remote cache store failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// Stats returns hit/miss counters and the in-memory entry count.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: c.items.Len()}
}

// Purge drops every in-memory entry. The remote tier is left to expire.
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

func remoteKey(fingerprint string) string {
	return "anomalyd:analysis:" + fingerprint
}
