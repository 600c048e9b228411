package recvr

import (
	"net/netip"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

const (
	defaultSourceRateLimit = 200
	defaultRateWindow      = time.Second
	limiterShards          = 16
)

// rateLimiter is a fixed-window datagram budget per source address.
type rateLimiter struct {
	limit  int
	window time.Duration
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[netip.Addr]*rateBucket
	sweep   time.Time
}

type rateBucket struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	r := &rateLimiter{limit: limit, window: window}
	for i := range r.shards {
		r.shards[i].buckets = make(map[netip.Addr]*rateBucket)
	}
	return r
}

func (r *rateLimiter) shard(a netip.Addr) *limiterShard {
	b := a.As16()
	return &r.shards[xxhash.Checksum64(b[:])%limiterShards]
}

func (r *rateLimiter) Allow(a netip.Addr) bool {
	if r == nil || r.limit <= 0 || !a.IsValid() {
		return true
	}
	now := time.Now()
	sh := r.shard(a)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if now.Sub(sh.sweep) > 4*r.window {
		for k, b := range sh.buckets {
			if now.After(b.reset) {
				delete(sh.buckets, k)
			}
		}
		sh.sweep = now
	}
	b, ok := sh.buckets[a]
	if !ok || now.After(b.reset) {
		sh.buckets[a] = &rateBucket{count: 1, reset: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}
