package signalr

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IntervalRetry returns a reconnect policy that sleeps for each delay in
// order and gives up when the sequence is exhausted. The policy is reset
// after every successful handshake, so each outage gets the full schedule.
func IntervalRetry(delays ...time.Duration) backoff.BackOff {
	return &intervalBackOff{delays: delays}
}

// RawRetry returns a reconnect policy with no delay and no attempt bound.
func RawRetry() backoff.BackOff {
	return &rawBackOff{}
}

// DefaultRetry is the stock policy: 1s, 2s, 4s, 8s, 16s, then give up.
func DefaultRetry() backoff.BackOff {
	return IntervalRetry(1*time.Second, 2*time.Second, 4*time.Second, 8*time.Second, 16*time.Second)
}

type intervalBackOff struct {
	delays []time.Duration
	next   int
}

func (b *intervalBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *intervalBackOff) Reset() { b.next = 0 }

type rawBackOff struct{}

func (*rawBackOff) NextBackOff() time.Duration { return 0 }
func (*rawBackOff) Reset()                     {}
