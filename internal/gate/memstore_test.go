package gate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func waitingRequest(id string, deadline time.Time) model.ApprovalRequest {
	return model.ApprovalRequest{
		ID:           id,
		CaseID:       "case-1",
		DefinitionID: "wf",
		NodeID:       "approve",
		Type:         "Outreach",
		Status:       model.ApprovalStatusWaiting,
		Deadline:     deadline,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemStore_CreateAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	require.NoError(t, s.Create(ctx, waitingRequest("a1", deadline)))

	req, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusWaiting, req.Status)

	err = s.Create(ctx, waitingRequest("a1", deadline))
	require.Error(t, err)

	_, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, model.ErrNotFound, err.(*model.ErrorEnvelope).Code)
}

func TestMemStore_ResolveExactlyOnce(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, waitingRequest("a1", time.Now().Add(time.Hour))))

	now := time.Now().UTC()
	resolved, err := s.Resolve(ctx, "a1", model.ApprovalStatusApproved, "alice", "lgtm", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	// The second decision loses, and the error carries the winner.
	stored, err := s.Resolve(ctx, "a1", model.ApprovalStatusRejected, "bob", "no", now)
	require.Error(t, err)
	assert.Equal(t, model.ErrAlreadyResolved, err.(*model.ErrorEnvelope).Code)
	assert.Equal(t, "alice", stored.ResolvedBy)
}

func TestMemStore_ConcurrentResolvesOneWinner(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, waitingRequest("a1", time.Now().Add(time.Hour))))

	var wg sync.WaitGroup
	wins := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := fmt.Sprintf("approver-%d", i)
			if _, err := s.Resolve(ctx, "a1", model.ApprovalStatusApproved, who, "", time.Now().UTC()); err == nil {
				wins <- who
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	req, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], req.ResolvedBy)
}

func TestMemStore_ListFilters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	first := waitingRequest("a1", base)
	second := waitingRequest("a2", base.Add(time.Minute))
	second.Type = "Deploy"
	third := waitingRequest("a3", base.Add(-time.Minute))
	third.CaseID = "case-2"
	for _, req := range []model.ApprovalRequest{first, second, third} {
		require.NoError(t, s.Create(ctx, req))
	}

	all, err := s.List(ctx, model.ApprovalFilters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID, "oldest deadline first")

	byType, err := s.List(ctx, model.ApprovalFilters{Type: "Deploy"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "a2", byType[0].ID)

	byCase, err := s.List(ctx, model.ApprovalFilters{CaseID: "case-2"})
	require.NoError(t, err)
	assert.Len(t, byCase, 1)

	waiting, err := s.List(ctx, model.ApprovalFilters{Status: model.ApprovalStatusWaiting})
	require.NoError(t, err)
	assert.Len(t, waiting, 3)
}

func TestMemStore_FindExpired(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := waitingRequest("a1", now.Add(-time.Minute))
	pending := waitingRequest("a2", now.Add(time.Hour))
	done := waitingRequest("a3", now.Add(-time.Hour))
	done.Status = model.ApprovalStatusApproved
	for _, req := range []model.ApprovalRequest{overdue, pending, done} {
		require.NoError(t, s.Create(ctx, req))
	}

	expired, err := s.FindExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1, "only Waiting requests past deadline expire")
	assert.Equal(t, "a1", expired[0].ID)
}
