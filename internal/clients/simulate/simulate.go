// Package simulate provides the latency/failure envelope shared by the
// stand-in backends (conversion, search, generation). The real services they
// stand in for are async and fallible in the same shape.
package simulate

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Rand is a seedable PRNG safe for concurrent use. math/rand's global source
// is avoided so a test can pin a seed and get reproducible behavior.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRand(seed int64) *Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *Rand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Int63n(n)
}

// Sleep blocks for a uniformly random duration in [min, max], or until the
// context is done. Zero bounds return immediately.
func Sleep(ctx context.Context, r *Rand, min, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(r.Int63n(int64(span)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fails rolls the failure dice once.
func Fails(r *Rand, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return r.Float64() < rate
}
