// Package ratelimit implements a sharded token-bucket limiter keyed on
// client IP address. Each shard is an independently-locked map, so
// unrelated IPs never contend on the same mutex; shard assignment is a
// stable hash of the IP so a bucket never moves once created.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Config controls bucket capacity, refill rate, shard count, and idle
// eviction.
type Config struct {
	// Capacity is the maximum number of tokens a bucket can hold.
	Capacity float64
	// RatePerSecond is how many tokens are added to a bucket per second
	// of elapsed time.
	RatePerSecond float64
	// Shards is the number of independently-locked buckets maps. A
	// bucket's shard is its IP's hash modulo Shards; values <= 0 fall
	// back to 16.
	Shards int
	// IdleTTL is how long a bucket may sit untouched before the
	// background sweeper reclaims it.
	IdleTTL time.Duration
}

// bucket is one client's token-bucket state.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a sharded IP-keyed token-bucket rate limiter. The zero
// value is not usable; construct with New.
type Limiter struct {
	cfg    Config
	shards []*shard

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Limiter with cfg.Shards independently-locked shards
// and starts its background idle-bucket sweeper.
func New(cfg Config) *Limiter {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	l := &Limiter{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		stopCh: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request from ip may proceed right now,
// consuming one token from its bucket if so. now should be a
// monotonic-safe timestamp (time.Now()); it is accepted as a parameter
// so tests can drive refill deterministically.
func (l *Limiter) Allow(ip string, now time.Time) bool {
	s := l.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		s.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RatePerSecond
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// SetRates atomically updates capacity and refill rate for every future
// Allow call, without disturbing existing bucket token counts. This is
// the one piece of runtime-tunable state, exposed via the management
// API.
func (l *Limiter) SetRates(capacity, ratePerSecond float64) {
	for _, s := range l.shards {
		s.mu.Lock()
	}
	l.cfg.Capacity = capacity
	l.cfg.RatePerSecond = ratePerSecond
	for _, s := range l.shards {
		s.mu.Unlock()
	}
}

// Rates returns the currently configured capacity and refill rate.
func (l *Limiter) Rates() (capacity, ratePerSecond float64) {
	s := l.shards[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.cfg.Capacity, l.cfg.RatePerSecond
}

// Stop halts the background sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) shardFor(ip string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// sweepInterval is how often the background sweeper wakes to check for
// idle buckets. It is fixed, independent of cfg.IdleTTL: the wake
// cadence and the idle threshold are two separate knobs, and tuning
// IdleTTL must never silently change how often the sweeper runs.
const sweepInterval = 60 * time.Second

// sweepLoop wakes every sweepInterval and removes buckets that have
// been idle for more than cfg.IdleTTL, one shard at a time so no
// single sweep pass holds more than one shard's lock at once.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.sweepOnce(now)
		}
	}
}

func (l *Limiter) sweepOnce(now time.Time) {
	ttl := l.cfg.IdleTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	for _, s := range l.shards {
		s.mu.Lock()
		for ip, b := range s.buckets {
			if now.Sub(b.lastRefill) > ttl {
				delete(s.buckets, ip)
			}
		}
		s.mu.Unlock()
	}
}
