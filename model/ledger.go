package model

import "time"

// Ledger record kinds. Every scheduler transition, policy verdict, and gate
// resolution appends exactly one record.
const (
	RecordCaseStarted      = "case_started"
	RecordNodeDispatched   = "node_dispatched"
	RecordNodeCompleted    = "node_completed"
	RecordNodeRetried      = "node_retried"
	RecordNodeFailed       = "node_failed"
	RecordNodeSkipped      = "node_skipped"
	RecordPolicyVerdict    = "policy_verdict"
	RecordPIIMasked        = "pii_masked"
	RecordBudgetRejected   = "budget_rejected"
	RecordApprovalCreated  = "approval_created"
	RecordApprovalResolved = "approval_resolved"
	RecordCasePaused       = "case_paused"
	RecordCaseResumed      = "case_resumed"
	RecordCaseCompleted    = "case_completed"
	RecordCaseFailed       = "case_failed"
	RecordCaseKilled       = "case_killed"
	RecordCompensation     = "compensation"
)

// LedgerRecord is one immutable entry in a case's audit trail, totally ordered
// by Seq within the case. Records are never updated or deleted; corrections are
// appended as compensation records referencing the original via RefSeq.
type LedgerRecord struct {
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	NodeID    string         `json:"node_id,omitempty"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	RefSeq    int64          `json:"ref_seq,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EvidenceRecord is an appended source citation with a trust score, optionally
// carrying a PII mask diff so the original content is recoverable from the
// masked output during audit.
type EvidenceRecord struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"case_id"`
	NodeID    string            `json:"node_id"`
	SourceRef string            `json:"source_ref"`
	Trust     float64           `json:"trust"`
	MaskDiff  map[string]string `json:"mask_diff,omitempty"`
	CapturedAt time.Time        `json:"captured_at"`
}
