// Package gate implements the governance gate controller: approval requests
// created when a case reaches a gate node, resolved exactly once by a human,
// and expired by a background sweep when the deadline passes.
package gate

import (
	"context"
	"time"

	"github.com/agi-run/missionctl/model"
)

// Store persists approval requests. Resolution must be atomic: of any number
// of concurrent Resolve calls for one request, exactly one succeeds.
type Store interface {
	// Create persists a new approval request.
	Create(ctx context.Context, req model.ApprovalRequest) error

	// Get retrieves an approval request by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.ApprovalRequest, error)

	// Resolve transitions a Waiting request to the given terminal status.
	// Returns ALREADY_RESOLVED if the request is no longer Waiting, with the
	// stored request so callers can report who won.
	Resolve(ctx context.Context, id, status, resolvedBy, comment string, at time.Time) (model.ApprovalRequest, error)

	// List returns requests matching the filters, oldest deadline first.
	List(ctx context.Context, filters model.ApprovalFilters) ([]model.ApprovalRequest, error)

	// FindExpired returns Waiting requests whose deadline is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.ApprovalRequest, error)
}
