package daemon

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool is a per-client token-bucket pool for the generate endpoint.
// A limiter is created on first use for a key and dropped after ttl without
// requests. Changing the limits resets every bucket.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int

	ttl           time.Duration
	cleanupPeriod time.Duration
	startCleanup  sync.Once
	stop          chan struct{}
	stopOnce      sync.Once
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	p := &limiterPool{
		m:             make(map[string]*limiterEntry),
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		stop:          make(chan struct{}),
	}
	p.configure(rps, burst)
	return p
}

// configure sets the limits. Non-positive values fall back to 5 rps and a
// burst of 10.
func (p *limiterPool) configure(rps float64, burst int) {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rps == p.rps && burst == p.burst {
		return
	}
	p.rps, p.burst = rps, burst
	p.m = make(map[string]*limiterEntry)
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = time.Now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: time.Now()}
	return l
}

// reserve takes a token for key. When none is available it returns false
// and how long until one is.
func (p *limiterPool) reserve(key string) (bool, time.Duration) {
	l := p.get(key)
	if l.Allow() {
		return true, 0
	}
	r := l.Reserve()
	wait := r.Delay()
	r.Cancel()
	return false, wait
}

func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evict(time.Now().Add(-p.ttl))
		}
	}
}

func (p *limiterPool) evict(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) close() {
	p.stopOnce.Do(func() { close(p.stop) })
}
