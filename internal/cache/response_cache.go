// Package cache memoizes finalized responses per query fingerprint and
// enforces single-flight: at most one workflow runs per fingerprint, and
// concurrent identical requests share its outcome.
//
// The in-memory tier is authoritative for single-flight and TTL. An optional
// redis tier shares finalized responses across replicas, following the same
// local-cache-over-redis layering as the rest of the service's state.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/circuitbreaker"
	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

type entry struct {
	response  *models.FinalResponse
	expiresAt time.Time
}

// ResponseCache is the process-wide response memo with in-flight tracking.
type ResponseCache struct {
	logger     *zap.Logger
	defaultTTL time.Duration
	redis      *circuitbreaker.RedisWrapper // nil when no redis tier is configured

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*Flight

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a cache. redis may be nil.
func New(defaultTTL time.Duration, redis *circuitbreaker.RedisWrapper, logger *zap.Logger) *ResponseCache {
	return &ResponseCache{
		logger:     logger,
		defaultTTL: defaultTTL,
		redis:      redis,
		entries:    make(map[string]*entry),
		inflight:   make(map[string]*Flight),
		sweepStop:  make(chan struct{}),
	}
}

// Lookup returns a copy of the cached response for a fingerprint. Expired
// entries are evicted lazily and never returned.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*models.FinalResponse, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		if now.Before(e.expiresAt) {
			resp := e.response.Clone()
			c.mu.Unlock()
			metrics.CacheHits.Inc()
			resp.FromCache = true
			return resp, true
		}
		delete(c.entries, fingerprint)
		metrics.CacheEvictions.Inc()
		metrics.CacheSize.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	if resp, ok := c.lookupRedis(ctx, fingerprint); ok {
		metrics.CacheHits.Inc()
		return resp, true
	}

	metrics.CacheMisses.Inc()
	return nil, false
}

// Put memoizes a finalized response. Only APPROVED and REFORMED_APPROVED
// responses are cacheable; anything else is ignored.
func (c *ResponseCache) Put(ctx context.Context, fingerprint string, resp *models.FinalResponse, ttl time.Duration) {
	if resp == nil || !resp.Consensus.Cacheable() {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := resp.Clone()
	c.mu.Lock()
	c.entries[fingerprint] = &entry{response: stored, expiresAt: time.Now().Add(ttl)}
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if c.redis != nil {
		if data, err := json.Marshal(stored); err == nil {
			if err := c.redis.Set(ctx, redisKey(fingerprint), string(data), ttl); err != nil {
				c.logger.Warn("Redis cache write failed", zap.Error(err))
			}
		}
	}
}

// StartSweep launches the background reaper for expired entries. Lookup
// already evicts lazily; the sweep bounds memory for fingerprints that are
// never asked again.
func (c *ResponseCache) StartSweep(interval time.Duration) {
	c.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweep()
				case <-c.sweepStop:
					return
				}
			}
		}()
	})
}

// Close stops the background sweep.
func (c *ResponseCache) Close() {
	select {
	case <-c.sweepStop:
	default:
		close(c.sweepStop)
	}
}

// Healthy probes the redis tier, if configured.
func (c *ResponseCache) Healthy(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx)
}

func (c *ResponseCache) sweep() {
	now := time.Now()
	evicted := 0

	c.mu.Lock()
	for fp, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, fp)
			evicted++
		}
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if evicted > 0 {
		for i := 0; i < evicted; i++ {
			metrics.CacheEvictions.Inc()
		}
		c.logger.Debug("Swept expired cache entries", zap.Int("count", evicted))
	}
}

func (c *ResponseCache) lookupRedis(ctx context.Context, fingerprint string) (*models.FinalResponse, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, redisKey(fingerprint))
	if err != nil || data == "" {
		return nil, false
	}
	var resp models.FinalResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		c.logger.Warn("Corrupt redis cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}

	// Re-populate the local tier; redis owns the remaining TTL, so give the
	// local copy a short lease rather than a full default TTL.
	c.mu.Lock()
	c.entries[fingerprint] = &entry{response: resp.Clone(), expiresAt: time.Now().Add(time.Minute)}
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	resp.FromCache = true
	return &resp, true
}

func redisKey(fingerprint string) string {
	return "mirage:response:" + fingerprint
}
