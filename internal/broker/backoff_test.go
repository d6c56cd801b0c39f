package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayWithinJitterWindow(t *testing.T) {
	p := BackoffPolicy{Base: 2 * time.Second, Cap: 5 * time.Minute}

	for attempts := 1; attempts <= 10; attempts++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempts)
			assert.GreaterOrEqual(t, d, time.Second,
				"attempt %d produced a delay below half of base", attempts)
			assert.LessOrEqual(t, d, 5*time.Minute)
		}
	}
}

func TestBackoffDelayGrowsUntilCap(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Cap: 30 * time.Second}

	// upper bound of the jitter window doubles per attempt until capped
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, p.Delay(1), time.Second)
		assert.LessOrEqual(t, p.Delay(2), 2*time.Second)
		assert.LessOrEqual(t, p.Delay(3), 4*time.Second)
		assert.LessOrEqual(t, p.Delay(10), 30*time.Second)
	}
}

func TestBackoffDelayZeroAttemptsTreatedAsFirst(t *testing.T) {
	p := BackoffPolicy{Base: 4 * time.Second, Cap: time.Minute}

	d := p.Delay(0)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 4*time.Second)
}

func TestBackoffDelayZeroBase(t *testing.T) {
	p := BackoffPolicy{Base: 0, Cap: time.Minute}
	assert.Equal(t, time.Duration(0), p.Delay(1))
}
