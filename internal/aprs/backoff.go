package aprs

import "time"

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// backoff produces exponentially growing reconnect delays. It is only used
// from the connection loop goroutine and is not safe for concurrent use.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay to wait now and doubles the following one
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset starts the sequence over after a successful connection
func (b *backoff) Reset() {
	b.next = b.initial
}
