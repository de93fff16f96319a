// Package ledger implements the append-only evidence and audit trail. Records
// are totally ordered per case; nothing in this package updates or deletes.
package ledger

import (
	"context"

	"github.com/agi-run/missionctl/model"
)

// Store persists audit records and evidence citations.
type Store interface {
	// Append adds a record to a case's trail, assigning the next sequence
	// number for that case. The stored record is returned with Seq and
	// Timestamp filled in.
	Append(ctx context.Context, record model.LedgerRecord) (model.LedgerRecord, error)

	// Records retrieves a case's trail in sequence order.
	Records(ctx context.Context, caseID string, filters RecordFilters) ([]model.LedgerRecord, error)

	// AppendEvidence adds an evidence citation for a node run.
	AppendEvidence(ctx context.Context, evidence model.EvidenceRecord) error

	// Evidence retrieves all evidence for a case in capture order.
	Evidence(ctx context.Context, caseID string) ([]model.EvidenceRecord, error)

	// EvidenceBadge summarizes a case's evidence as a count and average
	// trust score, for display on approval requests.
	EvidenceBadge(ctx context.Context, caseID string) (model.EvidenceBadge, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// RecordFilters narrow a trail query.
type RecordFilters struct {
	Kind     string
	NodeID   string
	AfterSeq int64
	Limit    int
}
