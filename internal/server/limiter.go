package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token-bucket limiter per remote host for
// throttling WebSocket upgrades.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = l
	return l
}

// Allow reports whether key may perform another upgrade right now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
