// Package casestate persists cases, the running instances of workflow
// definitions. Writers use optimistic locking; the scheduler serializes
// mutation per case on top of it, so version conflicts indicate a bug or an
// out-of-band writer rather than routine contention.
package casestate

import (
	"context"

	"github.com/agi-run/missionctl/model"
)

// Store persists cases.
type Store interface {
	// Create persists a new case. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, c model.Case) error

	// Get retrieves a case by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, caseID string) (model.Case, error)

	// Update persists a case with optimistic locking. The Version must match
	// the stored version; CONFLICT otherwise. The stored version is bumped.
	Update(ctx context.Context, c model.Case) error

	// List returns case summaries matching the filters, newest first.
	List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, error)

	// FindByStatus returns full cases in the given status, used on startup to
	// recover non-terminal cases.
	FindByStatus(ctx context.Context, status string) ([]model.Case, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
