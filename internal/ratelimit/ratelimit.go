// Package ratelimit implements token bucket rate limiting per agent
// identity, applied at the daemon's HTTP intake before any pipeline work
// happens.
package ratelimit

import (
	"sync"
	"time"
)

// Config defines rate limit settings for one agent, or the default.
type Config struct {
	RequestsPerSecond int
	BurstSize         int
}

// Limiter implements token bucket rate limiting keyed by agent ID. Agents
// without their own configuration share the default config; a zero default
// disables limiting for them.
type Limiter struct {
	mu           sync.RWMutex
	buckets      map[string]*tokenBucket
	config       map[string]Config
	defaultLimit Config
}

// New creates a limiter with per-agent limits and a default for agents not
// listed. A zero-valued defaultLimit admits unlisted agents unconditionally.
func New(config map[string]Config, defaultLimit Config) *Limiter {
	l := &Limiter{
		buckets:      make(map[string]*tokenBucket),
		defaultLimit: defaultLimit,
	}
	l.Configure(config)
	return l
}

// Configure replaces the per-agent limits. Existing buckets keep their
// accumulated state so a reload never grants a free burst.
func (l *Limiter) Configure(config map[string]Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = make(map[string]Config, len(config))
	for agentID, cfg := range config {
		l.config[agentID] = cfg
	}

	newBuckets := make(map[string]*tokenBucket, len(config))
	for agentID, cfg := range config {
		if bucket, exists := l.buckets[agentID]; exists {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			newBuckets[agentID] = bucket
		} else {
			newBuckets[agentID] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
		}
	}
	l.buckets = newBuckets
}

// Allow reports whether a request for the given agent should be admitted.
func (l *Limiter) Allow(agentID string) bool {
	l.mu.RLock()
	bucket, exists := l.buckets[agentID]
	l.mu.RUnlock()

	if exists {
		return bucket.take()
	}
	if l.defaultLimit.RequestsPerSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, exists = l.buckets[agentID]
	if !exists {
		bucket = newTokenBucket(l.defaultLimit.RequestsPerSecond, l.defaultLimit.BurstSize)
		l.buckets[agentID] = bucket
	}
	return bucket.take()
}

// Stats exposes current bucket state per agent.
type Stats struct {
	Limit     int     `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// Snapshot returns current statistics for all tracked agents.
func (l *Limiter) Snapshot() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.buckets))
	for agentID, bucket := range l.buckets {
		stats[agentID] = bucket.stats()
	}
	return stats
}

// tokenBucket implements a token bucket refilled on demand.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burstSize int) *tokenBucket {
	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats() Stats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return Stats{
		Limit:     int(tb.rate),
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}
