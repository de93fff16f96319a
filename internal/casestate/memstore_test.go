package casestate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func testCase(id string) model.Case {
	now := time.Now().UTC()
	return model.Case{
		ID:                id,
		DefinitionID:      "lead-outreach",
		DefinitionVersion: "1.0.0",
		Trigger:           model.TriggerManual,
		Status:            model.CaseStatusRunning,
		Nodes: map[string]*model.NodeRun{
			"draft": {NodeID: "draft", Status: model.NodeStatusPending},
		},
		State:     map[string]any{"lead_id": "L-42"},
		Version:   1,
		CreatedAt: now,
		StartedAt: &now,
	}
}

func TestMemStore_CreateAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testCase("case-1")))

	c, err := s.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusRunning, c.Status)
	assert.Equal(t, "L-42", c.State["lead_id"])

	err = s.Create(ctx, testCase("case-1"))
	require.Error(t, err)
	assert.Equal(t, model.ErrConflict, err.(*model.ErrorEnvelope).Code)

	_, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, model.ErrNotFound, err.(*model.ErrorEnvelope).Code)
}

func TestMemStore_OptimisticLocking(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testCase("case-1")))

	c, err := s.Get(ctx, "case-1")
	require.NoError(t, err)

	c.Status = model.CaseStatusPaused
	require.NoError(t, s.Update(ctx, c))

	// The stale copy still carries the old version and must be rejected.
	err = s.Update(ctx, c)
	require.Error(t, err)
	assert.Equal(t, model.ErrConflict, err.(*model.ErrorEnvelope).Code)

	fresh, err := s.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusPaused, fresh.Status)
	assert.Equal(t, c.Version+1, fresh.Version)
	require.NoError(t, s.Update(ctx, fresh))
}

func TestMemStore_ReadsAreIsolated(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testCase("case-1")))

	c, err := s.Get(ctx, "case-1")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	c.Nodes["draft"].Status = model.NodeStatusFailed
	c.State["lead_id"] = "tampered"

	fresh, err := s.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusPending, fresh.Nodes["draft"].Status)
	assert.Equal(t, "L-42", fresh.State["lead_id"])
}

func TestMemStore_List(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		c := testCase(fmt.Sprintf("case-%d", i))
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			c.Status = model.CaseStatusCompleted
		}
		require.NoError(t, s.Create(ctx, c))
	}

	all, err := s.List(ctx, model.CaseFilters{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "case-4", all[0].ID, "newest first")

	completed, err := s.List(ctx, model.CaseFilters{Status: model.CaseStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	none, err := s.List(ctx, model.CaseFilters{DefinitionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemStore_ListPagination(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		c := testCase(fmt.Sprintf("case-%d", i))
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, c))
	}

	page1, err := s.List(ctx, model.CaseFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "case-4", page1[0].ID)

	page3, err := s.List(ctx, model.CaseFilters{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "case-0", page3[0].ID)

	beyond, err := s.List(ctx, model.CaseFilters{Page: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemStore_FindByStatus(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []string{
		model.CaseStatusRunning, model.CaseStatusFailed, model.CaseStatusRunning,
	} {
		c := testCase(fmt.Sprintf("case-%d", i))
		c.Status = status
		c.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, c))
	}

	running, err := s.FindByStatus(ctx, model.CaseStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "case-0", running[0].ID, "oldest first for recovery ordering")
	assert.Equal(t, "case-2", running[1].ID)
}
