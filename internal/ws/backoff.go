package ws

import "time"

// Backoff doubles a delay from Base up to Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		return b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
