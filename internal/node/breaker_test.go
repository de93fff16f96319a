package node

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAgent = errors.New("agent exploded")

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(errAgent)
	}
	assert.Equal(t, "closed", b.State())

	require.NoError(t, b.Allow())
	b.Record(errAgent)
	assert.Equal(t, "open", b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute)

	b.Record(errAgent)
	b.Record(errAgent)
	b.Record(nil)
	b.Record(errAgent)
	b.Record(errAgent)

	// Never three in a row, so the breaker stays closed.
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond)

	b.Record(errAgent)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow(), "probe admitted after cool-down")
	assert.Equal(t, "half-open", b.State())
}

func TestBreaker_ClosesAfterEnoughProbes(t *testing.T) {
	b := NewBreaker(1, 2, 5*time.Millisecond)

	b.Record(errAgent)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, "half-open", b.State(), "one probe is not enough")

	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(1, 2, 5*time.Millisecond)

	b.Record(errAgent)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Record(errAgent)

	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "failed probe reopens immediately")
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(errAgent))

	wrapped := Transient(errAgent)
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, errAgent)

	// Transience survives further wrapping.
	assert.True(t, IsTransient(errors.Join(errors.New("outer"), wrapped)))
}
