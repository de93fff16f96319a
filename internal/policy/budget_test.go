package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func TestBudget_ReserveWithinCaps(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 4))
	require.NoError(t, b.Reserve("case-1", 6))

	caseUSD, dayUSD := b.Spent("case-1")
	assert.Equal(t, 10.0, caseUSD)
	assert.Equal(t, 10.0, dayUSD)
}

func TestBudget_PerCaseCap(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 9))
	err := b.Reserve("case-1", 2)
	require.Error(t, err)

	envelope, ok := err.(*model.ErrorEnvelope)
	require.True(t, ok)
	assert.Equal(t, model.ErrBudgetExceeded, envelope.Code)

	// A failed reserve must not consume anything.
	caseUSD, _ := b.Spent("case-1")
	assert.Equal(t, 9.0, caseUSD)

	// Other cases are unaffected by one case hitting its cap.
	require.NoError(t, b.Reserve("case-2", 2))
}

func TestBudget_DailyCap(t *testing.T) {
	b := NewBudget(0, 5)

	require.NoError(t, b.Reserve("case-1", 3))
	err := b.Reserve("case-2", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily budget")
}

func TestBudget_SettleAdjustsReservation(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 5))
	b.Settle("case-1", 5, 2)

	caseUSD, dayUSD := b.Spent("case-1")
	assert.Equal(t, 2.0, caseUSD)
	assert.Equal(t, 2.0, dayUSD)
}

func TestBudget_SettleAboveEstimate(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 9))
	// Actual spend past the cap is still recorded; only new dispatches are
	// guarded by the cap.
	b.Settle("case-1", 9, 12)

	caseUSD, _ := b.Spent("case-1")
	assert.Equal(t, 12.0, caseUSD)
	require.Error(t, b.Reserve("case-1", 0.01))
}

func TestBudget_Release(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 5))
	b.Release("case-1", 5)

	caseUSD, dayUSD := b.Spent("case-1")
	assert.Equal(t, 0.0, caseUSD)
	assert.Equal(t, 0.0, dayUSD)
}

func TestBudget_Forget(t *testing.T) {
	b := NewBudget(10, 300)

	require.NoError(t, b.Reserve("case-1", 5))
	b.Forget("case-1")

	caseUSD, dayUSD := b.Spent("case-1")
	assert.Equal(t, 0.0, caseUSD)
	assert.Equal(t, 5.0, dayUSD, "daily spend survives case cleanup")
}

func TestBudget_DailyRollover(t *testing.T) {
	b := NewBudget(0, 5)

	current := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	var mu sync.Mutex
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	require.NoError(t, b.Reserve("case-1", 5))
	require.Error(t, b.Reserve("case-2", 1))

	// Cross UTC midnight; the daily counter resets lazily on next use.
	mu.Lock()
	current = time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)
	mu.Unlock()

	require.NoError(t, b.Reserve("case-2", 5))
	_, dayUSD := b.Spent("case-2")
	assert.Equal(t, 5.0, dayUSD)
}

func TestBudget_ZeroCapsDisabled(t *testing.T) {
	b := NewBudget(0, 0)

	require.NoError(t, b.Reserve("case-1", 1_000_000))
}

func TestBudget_ConcurrentReserves(t *testing.T) {
	b := NewBudget(0, 100)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Reserve("case-1", 1) == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	assert.Equal(t, 100, len(granted), "exactly the cap's worth of reservations succeed")
	_, dayUSD := b.Spent("case-1")
	assert.Equal(t, 100.0, dayUSD)
}
