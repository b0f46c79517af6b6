package ephemeralvc

import (
	"golang.org/x/time/rate"
	"sync"
	"time"
)

// limiterSet holds one token bucket per key (user ID, client IP).
// Keys idle for longer than it takes to refill are dropped on access.
type limiterSet struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newLimiterSet allows burst events per key, refilled evenly over per
func newLimiterSet(burst int, per time.Duration) *limiterSet {
	return &limiterSet{
		limit:    rate.Every(per / time.Duration(burst)),
		burst:    burst,
		idle:     per,
		limiters: map[string]*keyedLimiter{},
	}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	for k, l := range s.limiters {
		if now.Sub(l.lastSeen) > s.idle {
			delete(s.limiters, k)
		}
	}

	l, exists := s.limiters[key]
	if !exists {
		l = &keyedLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter
}

// Allow consumes a token for key at now. When none is available,
// nothing is consumed, and retryAfter is how long until one will be.
func (s *limiterSet) Allow(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(key, now).ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Limited reports whether key has no tokens left at now, without
// consuming one
func (s *limiterSet) Limited(key string, now time.Time) (limited bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := s.get(key, now).TokensAt(now)
	if tokens >= 1 {
		return false, 0
	}
	wait := (1 - tokens) / float64(s.limit)
	return true, time.Duration(wait * float64(time.Second))
}

// Reset forgets the key, ex: after a successful login
func (s *limiterSet) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, key)
}
