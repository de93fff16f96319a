package model

import "time"

// Case status constants.
const (
	CaseStatusRunning         = "Running"
	CaseStatusWaitingApproval = "WaitingApproval"
	CaseStatusWaitingInput    = "WaitingInput"
	CaseStatusPaused          = "Paused"
	CaseStatusCompleted       = "Completed"
	CaseStatusFailed          = "Failed"
)

// Per-node run status constants.
const (
	NodeStatusPending   = "Pending"
	NodeStatusRunning   = "Running"
	NodeStatusWaiting   = "Waiting"
	NodeStatusCompleted = "Completed"
	NodeStatusFailed    = "Failed"
	NodeStatusSkipped   = "Skipped"
)

// Case is one running instance of a WorkflowDefinition. It is mutated only by
// the scheduler and the gate controller, serialized by case ID; everything else
// reads snapshots.
type Case struct {
	ID                string               `json:"id"`
	DefinitionID      string               `json:"definition_id"`
	DefinitionVersion string               `json:"definition_version"`
	Trigger           string               `json:"trigger,omitempty"`
	Status            string               `json:"status"`
	Nodes             map[string]*NodeRun  `json:"nodes"`
	State             map[string]any       `json:"state,omitempty"`
	Metrics           CaseMetrics          `json:"metrics"`
	FailureReason     string               `json:"failure_reason,omitempty"`
	Version           int                  `json:"version"`
	CreatedAt         time.Time            `json:"created_at"`
	StartedAt         *time.Time           `json:"started_at,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
}

// NodeRun tracks the execution of one node within a case.
type NodeRun struct {
	NodeID      string     `json:"node_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	CostUSD     float64    `json:"cost_usd"`
	LatencyMs   int64      `json:"latency_ms"`
	Output      map[string]any `json:"output,omitempty"`
	Variant     string     `json:"variant,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// CaseMetrics is the rolled-up metrics snapshot shown in the case console.
type CaseMetrics struct {
	CostUSD         float64 `json:"cost_usd"`
	SafetyIncidents int     `json:"safety_incidents"`
	NodesCompleted  int     `json:"nodes_completed"`
	NodesTotal      int     `json:"nodes_total"`
}

// ActiveNodes returns the IDs of nodes currently running or waiting. This is
// the case's position in the DAG; parallel branches yield more than one entry.
func (c *Case) ActiveNodes() []string {
	var active []string
	for id, run := range c.Nodes {
		if run.Status == NodeStatusRunning || run.Status == NodeStatusWaiting {
			active = append(active, id)
		}
	}
	return active
}

// Terminal reports whether the case has reached a terminal status.
func (c *Case) Terminal() bool {
	return c.Status == CaseStatusCompleted || c.Status == CaseStatusFailed
}

// CaseSummary is a lightweight representation of a case used in list views.
type CaseSummary struct {
	ID                string      `json:"id"`
	DefinitionID      string      `json:"definition_id"`
	DefinitionVersion string      `json:"definition_version"`
	Status            string      `json:"status"`
	ActiveNodes       []string    `json:"active_nodes"`
	Metrics           CaseMetrics `json:"metrics"`
	CreatedAt         time.Time   `json:"created_at"`
}

// CaseFilters are optional filters for listing cases.
type CaseFilters struct {
	DefinitionID string
	Status       string
	Page         int
	PageSize     int
}
