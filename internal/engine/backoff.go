package engine

import (
	"math/rand/v2"
	"time"
)

type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter time.Duration `yaml:"jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: time.Minute, Jitter: 500 * time.Millisecond}
}

// Duration is min(Base*2^n, Cap) without jitter.
func (b Backoff) Duration(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		next := d * 2
		if next < d {
			// overflow, only reachable without a cap
			return d
		}
		d = next
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Delay adds jitter in [0, Jitter) on top of Duration(n).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Duration(n)
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}
