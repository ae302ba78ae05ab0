package push

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval is how long a bucket may sit idle before the
// garbage pass reclaims it.
const DefaultCleanupInterval = 300 * time.Second

// rateLogWindow suppresses repeat rate-limit log lines per connection.
const rateLogWindow = time.Second

// bucket tracks one connection's limiter plus the bookkeeping the garbage
// pass and log suppression need.
type bucket struct {
	lim       *rate.Limiter
	lastSeen  time.Time
	lastLogAt time.Time
}

// Limiter owns one token bucket per connection. Buckets refill continuously
// at Rate tokens per second up to Burst; every inbound message costs one
// token. Idle buckets are garbage-collected to bound memory.
type Limiter struct {
	rps     float64
	burst   int
	cleanup time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter builds a limiter. Burst defaults to 1.5× the rate; the cleanup
// interval defaults to DefaultCleanupInterval.
func NewLimiter(rps float64, burst int, cleanup time.Duration) *Limiter {
	if burst <= 0 {
		burst = int(rps * 1.5)
		if burst < 1 {
			burst = 1
		}
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	l := &Limiter{
		rps:     rps,
		burst:   burst,
		cleanup: cleanup,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Allow consumes one token for the connection. When the bucket is empty it
// returns false and the seconds until a token is available; the message is
// dropped, never queued.
func (l *Limiter) Allow(connID string) (bool, float64) {
	l.mu.Lock()
	b, ok := l.buckets[connID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.buckets[connID] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	r := b.lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay.Seconds()
	}
	return true, 0
}

// ShouldLog reports whether a rate-limit event for the connection should be
// logged: at most one line per connection per second.
func (l *Limiter) ShouldLog(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[connID]
	if !ok {
		return true
	}
	now := time.Now()
	if now.Sub(b.lastLogAt) < rateLogWindow {
		return false
	}
	b.lastLogAt = now
	return true
}

// Remove drops the connection's bucket immediately, on disconnect.
func (l *Limiter) Remove(connID string) {
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}

// Close stops the garbage pass.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) gcLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for id, b := range l.buckets {
				if now.Sub(b.lastSeen) >= l.cleanup {
					delete(l.buckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

// size reports the live bucket count, for tests.
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
