package model

import "time"

// Definition stages. A definition is published as a draft, promoted to canary
// for limited traffic, then to live. Published definitions are immutable; a new
// version supersedes, never mutates.
const (
	StageDraft  = "draft"
	StageCanary = "canary"
	StageLive   = "live"
)

// Node kinds. Each kind carries only its required fields and is dispatched via
// an exhaustive switch in the scheduler.
const (
	NodeKindAgent   = "agent"
	NodeKindGate    = "gate"
	NodeKindHITL    = "hitl"
	NodeKindABSplit = "ab-split"
)

// Edge kinds.
const (
	EdgeKindDependency  = "dependency"
	EdgeKindData        = "data"
	EdgeKindConditional = "conditional"
)

// Edge roles beyond plain ordering.
const (
	EdgeRoleEscalation  = "escalation"
	EdgeRoleRemediation = "remediation"
)

// Trigger types.
const (
	TriggerCron    = "cron"
	TriggerWebhook = "webhook"
	TriggerEvent   = "event"
	TriggerManual  = "manual"
)

// WorkflowDefinition is a compiled, versioned, immutable workflow DAG.
type WorkflowDefinition struct {
	ID          string             `json:"id" yaml:"id"`
	Version     string             `json:"version" yaml:"version"`
	Name        string             `json:"name" yaml:"name"`
	Owner       string             `json:"owner,omitempty" yaml:"owner,omitempty"`
	Stage       string             `json:"stage" yaml:"stage"`
	Nodes       []NodeDefinition   `json:"nodes" yaml:"nodes"`
	Edges       []EdgeDefinition   `json:"edges" yaml:"edges"`
	Triggers    []TriggerDefinition `json:"triggers" yaml:"triggers"`
	Policies    PolicyBindings     `json:"policies" yaml:"policies"`
	Checksum    string             `json:"checksum,omitempty" yaml:"-"`
	SourceFile  string             `json:"-" yaml:"-"`
	PublishedAt time.Time          `json:"published_at" yaml:"-"`
}

// NodeDefinition describes one executable unit within a workflow.
type NodeDefinition struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Inputs  []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Agent nodes.
	Agent *AgentBinding `json:"agent,omitempty" yaml:"agent,omitempty"`
	Retry *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Gate nodes.
	Gate *GateBinding `json:"gate,omitempty" yaml:"gate,omitempty"`

	// HITL nodes.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// A/B split nodes.
	Variants []SplitVariant `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// AgentBinding binds an agent node to a callable agent service.
type AgentBinding struct {
	Service    string        `json:"service" yaml:"service"`
	Operation  string        `json:"operation" yaml:"operation"`
	TimeoutSec int           `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty" yaml:"cost_usd,omitempty"`
}

// GateBinding declares the human approval requirements of a gate node.
type GateBinding struct {
	Type        string   `json:"type" yaml:"type"` // Outreach | Docs | Deploy
	Approvers   []string `json:"approvers" yaml:"approvers"`
	DeadlineMin int      `json:"deadline_min,omitempty" yaml:"deadline_min,omitempty"`
}

// SplitVariant is one weighted branch of an A/B split node. The target node is
// reached through an edge labelled with the variant name.
type SplitVariant struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// RetryPolicy controls automatic retries for transient node failures.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffInitial time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// EdgeDefinition is a directed edge between two nodes.
type EdgeDefinition struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Kind      string `json:"kind" yaml:"kind"`
	Role      string `json:"role,omitempty" yaml:"role,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Variant   string `json:"variant,omitempty" yaml:"variant,omitempty"`
}

// TriggerDefinition describes how a case is started from this definition.
type TriggerDefinition struct {
	Type  string `json:"type" yaml:"type"` // cron | webhook | event | manual
	Expr  string `json:"expr,omitempty" yaml:"expr,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// PolicyBindings are the policy parameters compiled from the manifest.
type PolicyBindings struct {
	SLA SLAPolicy `json:"sla" yaml:"sla"`
	PII PIIPolicy `json:"pii" yaml:"pii"`
}

// SLAPolicy bounds node execution time and retry count.
type SLAPolicy struct {
	TimeoutSec int `json:"timeout_sec" yaml:"timeout_sec"`
	Retries    int `json:"retries" yaml:"retries"`
}

// PII handling modes.
const (
	PIIModeMaskAndConsent = "mask-and-consent"
	PIIModeBlock          = "block"
)

// PIIPolicy controls personally identifiable information handling.
type PIIPolicy struct {
	Mode               string   `json:"mode" yaml:"mode"` // mask-and-consent | block
	Detectors          []string `json:"detectors" yaml:"detectors"`
	BlockOnUnconsented bool     `json:"block_on_unconsented" yaml:"block_on_unconsented"`
}

// FindNode returns the node with the given ID, or nil.
func (d *WorkflowDefinition) FindNode(nodeID string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			return &d.Nodes[i]
		}
	}
	return nil
}

// InboundEdges returns all edges pointing at the given node.
func (d *WorkflowDefinition) InboundEdges(nodeID string) []EdgeDefinition {
	var edges []EdgeDefinition
	for _, e := range d.Edges {
		if e.To == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutboundEdges returns all edges leaving the given node.
func (d *WorkflowDefinition) OutboundEdges(nodeID string) []EdgeDefinition {
	var edges []EdgeDefinition
	for _, e := range d.Edges {
		if e.From == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// EntryNodes returns the trigger-rooted entry node IDs. A trigger may name its
// entry explicitly; otherwise every node with no inbound dependency edge is an
// entry.
func (d *WorkflowDefinition) EntryNodes() []string {
	named := make(map[string]bool)
	for _, t := range d.Triggers {
		if t.Entry != "" {
			named[t.Entry] = true
		}
	}
	if len(named) > 0 {
		entries := make([]string, 0, len(named))
		for _, n := range d.Nodes {
			if named[n.ID] {
				entries = append(entries, n.ID)
			}
		}
		return entries
	}

	hasInbound := make(map[string]bool)
	for _, e := range d.Edges {
		hasInbound[e.To] = true
	}
	var entries []string
	for _, n := range d.Nodes {
		if !hasInbound[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	return entries
}
