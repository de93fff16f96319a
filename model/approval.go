package model

import "time"

// Approval request status constants. Resolution is terminal: a rejected gate
// requires a new case to retry.
const (
	ApprovalStatusWaiting  = "Waiting"
	ApprovalStatusApproved = "Approved"
	ApprovalStatusRejected = "Rejected"
	ApprovalStatusExpired  = "Expired"
)

// ApprovalRequest is created when a case reaches a gate node. It snapshots the
// node's inputs, outputs, and evidence so the approver sees exactly what was
// produced, not what the case looks like later.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"case_id"`
	DefinitionID   string         `json:"definition_id"`
	NodeID         string         `json:"node_id"`
	Type           string         `json:"type"` // Outreach | Docs | Deploy
	RequestedBy    string         `json:"requested_by"`
	Priority       string         `json:"priority,omitempty"`
	RunbookVersion string         `json:"runbook_version,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
	Evidence       EvidenceBadge  `json:"evidence"`
	Risk           RiskScores     `json:"risk"`
	Deadline       time.Time      `json:"deadline"`
	Status         string         `json:"status"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// EvidenceBadge summarizes the evidence backing an approval request.
type EvidenceBadge struct {
	Count    int     `json:"count"`
	TrustAvg float64 `json:"trust_avg"`
}

// RiskScores are the per-dimension risk estimates surfaced to approvers.
// PII, brand, and legal are 0-1 scores; cost is in USD; SLA in milliseconds.
type RiskScores struct {
	PII     float64 `json:"pii"`
	Brand   float64 `json:"brand"`
	Legal   float64 `json:"legal"`
	CostUSD float64 `json:"cost_usd"`
	SLAMs   int64   `json:"sla_ms"`
}

// Resolved reports whether the request has reached a terminal status.
func (a *ApprovalRequest) Resolved() bool {
	return a.Status != ApprovalStatusWaiting
}

// ApprovalFilters are optional filters for listing approval requests.
type ApprovalFilters struct {
	Status string
	Type   string
	CaseID string
}
