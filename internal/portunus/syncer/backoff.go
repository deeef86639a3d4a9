package syncer

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// backoff is a resettable capped exponential delay: base, 2*base, 4*base
// and so on, never above max.
type backoff struct {
	base, max time.Duration
	next      retry.Backoff
}

func newBackoff(base, max time.Duration) *backoff {
	b := &backoff{base: base, max: max}
	b.Reset()
	return b
}

func (b *backoff) Next() time.Duration {
	d, _ := b.next.Next()
	return d
}

func (b *backoff) Reset() {
	b.next = retry.WithCappedDuration(b.max, retry.NewExponential(b.base))
}
