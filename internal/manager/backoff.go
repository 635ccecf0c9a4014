package manager

import (
	"crypto/rand"
	"math/big"
	"time"
)

// backoff produces jittered exponential delays for riding out backend
// outages. Not safe for concurrent use; each loop owns its own.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

// Next returns the delay before the next attempt and advances the
// schedule.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return jitter(b.current)
}

// Reset restarts the schedule after a success.
func (b *backoff) Reset() {
	b.current = 0
}

// jitter keeps half the delay fixed and randomizes the rest so workers
// do not hammer a recovering backend in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	n, err := rand.Int(rand.Reader, big.NewInt(int64(half)+1))
	if err != nil {
		return d
	}
	return half + time.Duration(n.Int64())
}
