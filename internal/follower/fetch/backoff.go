package fetch

import (
	"math/rand"
	"time"
)

// backoffFactor matches the teacher's i10rnet.Backoff growth rate.
const backoffFactor = 1.2

// Backoff assists the fetcher stage's retry loop with exponential
// backoff and jitter, capped per spec.md §5 ("exponential with a cap,
// e.g. 60s"). Grounded on the teacher's
// vendor/github.com/interstellar/starlight/net.Backoff (dropped as a
// dependency, see DESIGN.md, but its shape is worth keeping).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	last time.Duration
}

// Next returns the duration to wait before the next retry.
func (b *Backoff) Next() time.Duration {
	var dur time.Duration
	if b.last > 0 {
		dur = time.Duration(float64(b.last) * backoffFactor)
		if dur == b.last {
			dur++
		}
	} else {
		dur = b.Base
	}
	if b.Cap > 0 && dur > b.Cap {
		dur = b.Cap
	}
	b.last = dur
	return jitter(dur)
}

// jitter returns a random duration in the range dur ±25%.
func jitter(dur time.Duration) time.Duration {
	h := int64(dur / 2)
	if h <= 0 {
		return dur
	}
	delta := rand.Int63n(h) - h/2
	return dur + time.Duration(delta)
}
