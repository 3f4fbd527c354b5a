package engine

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// backoff computes exponential-with-full-jitter retry delays: base 200ms,
// doubling per attempt, capped at 3s. Full jitter only; a configurable
// jitter toggle buys nothing here.
type backoff struct {
	base time.Duration
	cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func defaultBackoff() *backoff {
	return newBackoff(200*time.Millisecond, 3*time.Second)
}

// delay returns the jittered wait before retry attempt n (1-indexed: the
// first retry is attempt 1).
func (b *backoff) delay(attempt int) time.Duration {
	exp := float64(b.base) * math.Pow(2, float64(attempt-1))
	if exp > float64(b.cap) {
		exp = float64(b.cap)
	}
	b.mu.Lock()
	jittered := b.rng.Float64() * exp
	b.mu.Unlock()
	return time.Duration(jittered)
}
