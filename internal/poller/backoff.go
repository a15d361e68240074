package poller

import "time"

// Backoff computes the delay before the next fetch after consecutive
// failures: exponential doubling from the nominal interval up to a ceiling.
// Rate-limited failures never retry sooner than the rate-limit floor, which
// sits above the normal ceiling so a throttling controller gets real quiet
// time.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	RateLimitFloor time.Duration
}

// Delay returns the wait before the next attempt. failures is the count of
// consecutive failures including the one that just happened; zero failures
// returns the nominal base interval.
func (b Backoff) Delay(failures int, rateLimited bool) time.Duration {
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if failures > 0 && d > b.Max {
		d = b.Max
	}
	if rateLimited && d < b.RateLimitFloor {
		d = b.RateLimitFloor
	}
	return d
}
