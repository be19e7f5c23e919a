package transport

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// limiterCacheSize bounds how many remote addresses a limiter tracks at
// once. Addresses evicted by newer ones simply start a fresh window.
const limiterCacheSize = 1024

// AcceptLimiter bounds how often a single remote address may open new
// links: at most limit accepts per window, tracked per IP. Engines consult
// it in their accept paths; a refused link never reaches the host.
type AcceptLimiter struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, *acceptWindow]
	clock  clock.Clock
	limit  int
	window time.Duration
}

type acceptWindow struct {
	start time.Time
	count int
}

// NewAcceptLimiter allows limit accepts per remote address within each
// window. clk may be nil for the wall clock.
func NewAcceptLimiter(limit int, window time.Duration, clk clock.Clock) (*AcceptLimiter, error) {
	if clk == nil {
		clk = clock.New()
	}
	cache, err := lru.New[string, *acceptWindow](limiterCacheSize)
	if err != nil {
		return nil, err
	}
	return &AcceptLimiter{cache: cache, clock: clk, limit: limit, window: window}, nil
}

// Allow reports whether addr may open another link right now. addr may
// carry a port; limiting is per host.
func (l *AcceptLimiter) Allow(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.cache.Get(addr)
	if !ok || now.Sub(w.start) >= l.window {
		l.cache.Add(addr, &acceptWindow{start: now, count: 1})
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
