package broker

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth from Base,
// capped at Cap, with jitter over the upper half of the window so
// simultaneous failures do not herd back onto the workers at once.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made (>= 1).
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	half := d / 2
	if half <= 0 {
		return d
	}

	return half + rand.N(half)
}
