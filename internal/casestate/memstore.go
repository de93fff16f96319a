package casestate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agi-run/missionctl/model"
)

// MemStore is an in-memory Store for development and tests. Reads return deep
// copies so callers never observe in-place mutation.
type MemStore struct {
	mu    sync.RWMutex
	cases map[string]model.Case
}

// NewMemStore creates an empty in-memory case store.
func NewMemStore() *MemStore {
	return &MemStore{cases: make(map[string]model.Case)}
}

// Create persists a new case.
func (s *MemStore) Create(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

// Get retrieves a case by ID.
func (s *MemStore) Get(_ context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[caseID]
	if !ok {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return cloneCase(c), nil
}

// Update persists a case with optimistic locking.
func (s *MemStore) Update(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cases[c.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", c.ID))
	}
	if stored.Version != c.Version {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d, stored %d)", c.ID, c.Version, stored.Version))
	}

	next := cloneCase(c)
	next.Version++
	s.cases[c.ID] = next
	return nil
}

// List returns case summaries matching the filters, newest first.
func (s *MemStore) List(_ context.Context, filters model.CaseFilters) ([]model.CaseSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Case
	for _, c := range s.cases {
		if filters.DefinitionID != "" && c.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		all = append(all, c)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	page, size := filters.Page, filters.PageSize
	if size <= 0 {
		size = 50
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(all) {
		return nil, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	summaries := make([]model.CaseSummary, 0, end-start)
	for _, c := range all[start:end] {
		summaries = append(summaries, summarize(c))
	}
	return summaries, nil
}

// FindByStatus returns full cases in the given status.
func (s *MemStore) FindByStatus(_ context.Context, status string) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Case
	for _, c := range s.cases {
		if c.Status == status {
			out = append(out, cloneCase(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemStore) HealthCheck(_ context.Context) error {
	return nil
}

func summarize(c model.Case) model.CaseSummary {
	return model.CaseSummary{
		ID:                c.ID,
		DefinitionID:      c.DefinitionID,
		DefinitionVersion: c.DefinitionVersion,
		Status:            c.Status,
		ActiveNodes:       c.ActiveNodes(),
		Metrics:           c.Metrics,
		CreatedAt:         c.CreatedAt,
	}
}

func cloneCase(c model.Case) model.Case {
	out := c
	out.Nodes = make(map[string]*model.NodeRun, len(c.Nodes))
	for id, run := range c.Nodes {
		r := *run
		if run.Output != nil {
			r.Output = make(map[string]any, len(run.Output))
			for k, v := range run.Output {
				r.Output[k] = v
			}
		}
		if run.StartedAt != nil {
			t := *run.StartedAt
			r.StartedAt = &t
		}
		if run.CompletedAt != nil {
			t := *run.CompletedAt
			r.CompletedAt = &t
		}
		out.Nodes[id] = &r
	}
	if c.State != nil {
		out.State = make(map[string]any, len(c.State))
		for k, v := range c.State {
			out.State[k] = v
		}
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
