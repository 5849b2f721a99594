package session

import "time"

// ConnectionAttempt is the retry bookkeeping for one machine. Count never
// exceeds Max.
type ConnectionAttempt struct {
	Count int
	Max   int
	Base  time.Duration
	Cap   time.Duration
}

// Next starts another attempt. It reports false once the ceiling is reached.
func (a *ConnectionAttempt) Next() bool {
	if a.Count >= a.Max {
		return false
	}
	a.Count++
	return true
}

// Exhausted reports whether no attempts remain.
func (a *ConnectionAttempt) Exhausted() bool {
	return a.Count >= a.Max
}

// Backoff returns the delay before the attempt after Count: Base doubled per
// failed attempt, capped at Cap.
func (a *ConnectionAttempt) Backoff() time.Duration {
	if a.Count <= 0 {
		return 0
	}
	d := a.Base
	for i := 1; i < a.Count; i++ {
		d *= 2
		if a.Cap > 0 && d >= a.Cap {
			return a.Cap
		}
	}
	if a.Cap > 0 && d > a.Cap {
		return a.Cap
	}
	return d
}

// Reset clears the count after a successful connection.
func (a *ConnectionAttempt) Reset() {
	a.Count = 0
}
