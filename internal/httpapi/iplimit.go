package httpapi

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter map; beyond it the oldest tracked
// address is dropped, which at worst resets one client's budget.
const maxTrackedIPs = 10000

// ipLimiter applies an independent token bucket per client address.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string
	rps      rate.Limit
	burst    int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether one request from addr may proceed now.
func (l *ipLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			oldest := l.order[0]
			l.order = l.order[1:]
			delete(l.limiters, oldest)
		}
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[host] = lim
		l.order = append(l.order, host)
	}
	l.mu.Unlock()

	return lim.Allow()
}
