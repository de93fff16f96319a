package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func TestMemStore_AppendAssignsSequence(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := s.Append(ctx, model.LedgerRecord{
			CaseID: "case-1", Kind: model.RecordNodeDispatched, Actor: "system",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), r.Seq)
		assert.False(t, r.Timestamp.IsZero())
	}

	// Sequences are per case.
	r, err := s.Append(ctx, model.LedgerRecord{CaseID: "case-2", Kind: model.RecordCaseStarted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Seq)
}

func TestMemStore_GaplessUnderConcurrency(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, model.LedgerRecord{CaseID: "case-1", Kind: model.RecordNodeCompleted})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := s.Records(ctx, "case-1", RecordFilters{})
	require.NoError(t, err)
	require.Len(t, records, 100)

	seen := make(map[int64]bool, len(records))
	for _, r := range records {
		seen[r.Seq] = true
	}
	for seq := int64(1); seq <= 100; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}
}

func TestMemStore_RecordFilters(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	kinds := []string{
		model.RecordCaseStarted,
		model.RecordNodeDispatched,
		model.RecordNodeCompleted,
		model.RecordNodeDispatched,
		model.RecordNodeFailed,
	}
	for i, kind := range kinds {
		_, err := s.Append(ctx, model.LedgerRecord{
			CaseID: "case-1", Kind: kind, NodeID: fmt.Sprintf("n%d", i),
		})
		require.NoError(t, err)
	}

	byKind, err := s.Records(ctx, "case-1", RecordFilters{Kind: model.RecordNodeDispatched})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byNode, err := s.Records(ctx, "case-1", RecordFilters{NodeID: "n2"})
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	assert.Equal(t, model.RecordNodeCompleted, byNode[0].Kind)

	afterSeq, err := s.Records(ctx, "case-1", RecordFilters{AfterSeq: 3})
	require.NoError(t, err)
	require.Len(t, afterSeq, 2)
	assert.Equal(t, int64(4), afterSeq[0].Seq)

	limited, err := s.Records(ctx, "case-1", RecordFilters{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	empty, err := s.Records(ctx, "no-such-case", RecordFilters{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemStore_Evidence(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.AppendEvidence(ctx, model.EvidenceRecord{
		ID: "e1", CaseID: "case-1", NodeID: "research", SourceRef: "https://example.com/report", Trust: 0.9,
	}))
	require.NoError(t, s.AppendEvidence(ctx, model.EvidenceRecord{
		ID: "e2", CaseID: "case-1", NodeID: "research", SourceRef: "https://example.com/filing", Trust: 0.5,
		MaskDiff: map[string]string{"[PII:email:abcd1234]": "x@example.com"},
	}))

	items, err := s.Evidence(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "e1", items[0].ID)
	assert.False(t, items[0].CapturedAt.IsZero())
	assert.Equal(t, "x@example.com", items[1].MaskDiff["[PII:email:abcd1234]"])

	badge, err := s.EvidenceBadge(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 2, badge.Count)
	assert.InDelta(t, 0.7, badge.TrustAvg, 1e-9)

	badge, err = s.EvidenceBadge(ctx, "case-2")
	require.NoError(t, err)
	assert.Equal(t, 0, badge.Count)
	assert.Zero(t, badge.TrustAvg)
}
