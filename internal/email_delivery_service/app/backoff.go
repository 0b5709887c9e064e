package app

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry times with exponential growth and full jitter.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{BaseDelay: base, MaxDelay: max, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Delay returns the upper bound for the given 1-based attempt: base * 2^(attempt-1), capped.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.BaseDelay
	for i := 1; i < attempt && delay < b.MaxDelay; i++ {
		delay *= 2
	}
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// Jittered picks a uniformly random duration in [0, Delay(attempt)].
func (b *Backoff) Jittered(attempt int) time.Duration {
	delay := b.Delay(attempt)
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(int64(delay) + 1))
}

// NextAttemptAt picks a uniformly random time in [now, now+Delay(attempt)].
func (b *Backoff) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Jittered(attempt)).UTC()
}
