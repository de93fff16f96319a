package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/agi-run/missionctl/model"
)

// Budget enforces per-case and daily spend caps. Reservations happen before
// dispatch so two concurrent nodes cannot both squeeze under the cap; the
// settle step adjusts the reservation to the actual cost afterwards. The daily
// counter resets lazily at UTC midnight.
type Budget struct {
	mu         sync.Mutex
	perCaseUSD float64
	dailyUSD   float64

	day       time.Time
	daySpent  float64
	caseSpent map[string]float64

	now func() time.Time
}

// NewBudget creates a Budget with the given caps. Non-positive caps disable
// the corresponding check.
func NewBudget(perCaseUSD, dailyUSD float64) *Budget {
	return &Budget{
		perCaseUSD: perCaseUSD,
		dailyUSD:   dailyUSD,
		caseSpent:  make(map[string]float64),
		now:        time.Now,
	}
}

// Reserve atomically checks both caps and reserves the estimated amount.
// Returns BUDGET_EXCEEDED without reserving anything if either cap would be
// crossed.
func (b *Budget) Reserve(caseID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	if b.perCaseUSD > 0 && b.caseSpent[caseID]+amountUSD > b.perCaseUSD {
		return model.NewBudgetExceededError(fmt.Sprintf(
			"case %s would exceed its $%.2f budget (spent $%.2f, requested $%.2f)",
			caseID, b.perCaseUSD, b.caseSpent[caseID], amountUSD))
	}
	if b.dailyUSD > 0 && b.daySpent+amountUSD > b.dailyUSD {
		return model.NewBudgetExceededError(fmt.Sprintf(
			"daily budget of $%.2f would be exceeded (spent $%.2f, requested $%.2f)",
			b.dailyUSD, b.daySpent, amountUSD))
	}

	b.caseSpent[caseID] += amountUSD
	b.daySpent += amountUSD
	return nil
}

// Settle replaces a reservation with the actual cost. Actual spend above the
// estimate is recorded even if it pushes past a cap; the cap only guards new
// dispatches.
func (b *Budget) Settle(caseID string, reservedUSD, actualUSD float64) {
	delta := actualUSD - reservedUSD
	if delta == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	b.caseSpent[caseID] += delta
	if b.caseSpent[caseID] < 0 {
		b.caseSpent[caseID] = 0
	}
	b.daySpent += delta
	if b.daySpent < 0 {
		b.daySpent = 0
	}
}

// Release returns an unused reservation, e.g. when a dispatch fails before
// the agent charges anything.
func (b *Budget) Release(caseID string, amountUSD float64) {
	b.Settle(caseID, amountUSD, 0)
}

// Forget drops a finished case's counter. Daily spend is unaffected.
func (b *Budget) Forget(caseID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.caseSpent, caseID)
}

// Spent returns the current case and daily totals.
func (b *Budget) Spent(caseID string) (caseUSD, dayUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()
	return b.caseSpent[caseID], b.daySpent
}

// rollDay resets the daily counter when the UTC date changes. Must be called
// with the lock held.
func (b *Budget) rollDay() {
	today := b.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(b.day) {
		b.day = today
		b.daySpent = 0
	}
}
