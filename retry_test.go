package signalr

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestIntervalRetry(t *testing.T) {
	b := IntervalRetry(time.Second, 2*time.Second, 4*time.Second)

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestIntervalRetryEmpty(t *testing.T) {
	b := IntervalRetry()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestRawRetry(t *testing.T) {
	b := RawRetry()
	for i := 0; i < 100; i++ {
		assert.Equal(t, time.Duration(0), b.NextBackOff())
	}
	b.Reset()
	assert.Equal(t, time.Duration(0), b.NextBackOff())
}

func TestDefaultRetry(t *testing.T) {
	b := DefaultRetry()

	var total time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		total += d
	}
	assert.Equal(t, 31*time.Second, total)
}
