package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agi-run/missionctl/model"
)

// MemStore is an in-memory Store for development and tests.
type MemStore struct {
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest
}

// NewMemStore creates an empty in-memory approval store.
func NewMemStore() *MemStore {
	return &MemStore{requests: make(map[string]model.ApprovalRequest)}
}

// Create persists a new approval request.
func (s *MemStore) Create(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("approval request %q already exists", req.ID))
	}
	s.requests[req.ID] = req
	return nil
}

// Get retrieves an approval request by ID.
func (s *MemStore) Get(_ context.Context, id string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
	}
	return req, nil
}

// Resolve transitions a Waiting request to a terminal status, exactly once.
func (s *MemStore) Resolve(_ context.Context, id, status, resolvedBy, comment string, at time.Time) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
	}
	if req.Resolved() {
		return req, model.NewAlreadyResolvedError(
			fmt.Sprintf("approval request %q was already %s by %s", id, req.Status, req.ResolvedBy))
	}

	req.Status = status
	req.ResolvedBy = resolvedBy
	req.Comment = comment
	req.ResolvedAt = &at
	s.requests[id] = req
	return req, nil
}

// List returns requests matching the filters, oldest deadline first.
func (s *MemStore) List(_ context.Context, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ApprovalRequest
	for _, req := range s.requests {
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.Type != "" && req.Type != filters.Type {
			continue
		}
		if filters.CaseID != "" && req.CaseID != filters.CaseID {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out, nil
}

// FindExpired returns Waiting requests whose deadline has passed.
func (s *MemStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == model.ApprovalStatusWaiting && req.Deadline.Before(cutoff) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out, nil
}
