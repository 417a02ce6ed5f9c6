package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks a per-identifier limiter and its last access time.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting with LRU
// eviction so the tracked set cannot grow without bound.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// DefaultMaxRateLimitEntries bounds the number of identifiers tracked
// simultaneously before least-recently-used entries are evicted.
const DefaultMaxRateLimitEntries = 10000

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier. Callers must Stop() it to release the cleanup
// goroutine.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lru:             list.New(),
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      DefaultMaxRateLimitEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	elem, ok := rl.limiters[identifier]
	if !ok {
		if rl.maxEntries > 0 && rl.lru.Len() >= rl.maxEntries {
			rl.evictOldestLocked()
		}
		entry := &limiterEntry{
			identifier: identifier,
			limiter:    rate.NewLimiter(rl.rate, rl.burst),
			lastAccess: now,
		}
		elem = rl.lru.PushFront(entry)
		rl.limiters[identifier] = elem
	} else {
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		rl.lru.MoveToFront(elem)
	}
	limiter := elem.Value.(*limiterEntry).limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// evictOldestLocked removes the least recently used entry. Caller holds mu.
func (rl *RateLimiter) evictOldestLocked() {
	oldest := rl.lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*limiterEntry)
	rl.lru.Remove(oldest)
	delete(rl.limiters, entry.identifier)
	rl.logger.Debug("Rate limiter entry evicted", "identifier_count", rl.lru.Len())
}

// cleanupLoop periodically drops identifiers that have been idle for longer
// than twice the cleanup interval.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rl.cleanupInterval)
			rl.mu.Lock()
			for elem := rl.lru.Back(); elem != nil; {
				entry := elem.Value.(*limiterEntry)
				if entry.lastAccess.After(cutoff) {
					break
				}
				prev := elem.Prev()
				rl.lru.Remove(elem)
				delete(rl.limiters, entry.identifier)
				elem = prev
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
