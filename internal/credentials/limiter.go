package credentials

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter is a token bucket per user. Buckets are never evicted; the
// user population of one server is small.
type userLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{limit: limit, burst: burst, now: time.Now, buckets: make(map[string]*rate.Limiter)}
}

// allow takes a token for userID. When none is available it reports how long
// until one is.
func (l *userLimiter) allow(userID string) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[userID] = b
	}
	l.mu.Unlock()

	now := l.now()
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}
