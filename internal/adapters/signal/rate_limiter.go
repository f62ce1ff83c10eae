package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 1024
)

type clientLimit struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a token bucket per client token. A nil limiter allows
// everything.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter allows perSecond offers with the given burst. A
// non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(client string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.clients[client]
	if !ok {
		if len(rl.clients) >= limiterSweep {
			rl.sweep(now)
		}
		cl = &clientLimit{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = cl
	}
	cl.seen = now
	return cl.lim.AllowN(now, 1)
}

// sweep forgets clients idle for longer than limiterIdle.
func (rl *RateLimiter) sweep(now time.Time) {
	for id, cl := range rl.clients {
		if now.Sub(cl.seen) > limiterIdle {
			delete(rl.clients, id)
		}
	}
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
