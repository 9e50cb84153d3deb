package listener

import (
	"math/rand"
	"sync"
	"time"
)

// pollBackoff spaces out queue polls: after a productive poll the next one
// comes at min, after each idle or failed poll the delay doubles up to max
// with the actual wait drawn from [d/2, d].
type pollBackoff struct {
	min, max time.Duration

	mu      sync.Mutex
	current time.Duration
	rnd     *rand.Rand
}

func newPollBackoff(min, max time.Duration) *pollBackoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &pollBackoff{
		min: min,
		max: max,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *pollBackoff) next(productive bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if productive {
		b.current = b.min
		return b.min
	}
	switch {
	case b.current == 0:
		b.current = b.min
	case b.current < b.max:
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}

	half := b.current / 2
	return half + time.Duration(b.rnd.Int63n(int64(b.current-half)+1))
}
