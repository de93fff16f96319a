package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/agi-run/missionctl/model"
)

// MemStore is an in-memory Store for development and tests. Appends for all
// cases funnel through one mutex, which also serializes sequence assignment.
type MemStore struct {
	mu       sync.RWMutex
	records  map[string][]model.LedgerRecord
	evidence map[string][]model.EvidenceRecord
	nextSeq  map[string]int64
}

// NewMemStore creates an empty in-memory ledger store.
func NewMemStore() *MemStore {
	return &MemStore{
		records:  make(map[string][]model.LedgerRecord),
		evidence: make(map[string][]model.EvidenceRecord),
		nextSeq:  make(map[string]int64),
	}
}

// Append adds a record, assigning the case's next sequence number.
func (s *MemStore) Append(_ context.Context, record model.LedgerRecord) (model.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq[record.CaseID]++
	record.Seq = s.nextSeq[record.CaseID]
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	s.records[record.CaseID] = append(s.records[record.CaseID], record)
	return record, nil
}

// Records returns a case's trail in sequence order.
func (s *MemStore) Records(_ context.Context, caseID string, filters RecordFilters) ([]model.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerRecord
	for _, r := range s.records[caseID] {
		if filters.Kind != "" && r.Kind != filters.Kind {
			continue
		}
		if filters.NodeID != "" && r.NodeID != filters.NodeID {
			continue
		}
		if filters.AfterSeq > 0 && r.Seq <= filters.AfterSeq {
			continue
		}
		out = append(out, r)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

// AppendEvidence adds an evidence citation.
func (s *MemStore) AppendEvidence(_ context.Context, evidence model.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evidence.CapturedAt.IsZero() {
		evidence.CapturedAt = time.Now().UTC()
	}
	s.evidence[evidence.CaseID] = append(s.evidence[evidence.CaseID], evidence)
	return nil
}

// Evidence returns all evidence for a case in capture order.
func (s *MemStore) Evidence(_ context.Context, caseID string) ([]model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EvidenceRecord, len(s.evidence[caseID]))
	copy(out, s.evidence[caseID])
	return out, nil
}

// EvidenceBadge summarizes a case's evidence.
func (s *MemStore) EvidenceBadge(_ context.Context, caseID string) (model.EvidenceBadge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.evidence[caseID]
	badge := model.EvidenceBadge{Count: len(items)}
	if len(items) == 0 {
		return badge, nil
	}
	var total float64
	for _, e := range items {
		total += e.Trust
	}
	badge.TrustAvg = total / float64(len(items))
	return badge, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemStore) HealthCheck(_ context.Context) error {
	return nil
}
