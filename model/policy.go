package model

import "time"

// Policy rule categories.
const (
	PolicyCategoryPII   = "PII"
	PolicyCategoryBrand = "Brand"
	PolicyCategoryLegal = "Legal"
	PolicyCategoryCost  = "Cost"
	PolicyCategorySLA   = "SLA"
)

// Policy rule severities. A High-severity violation on an enabled rule blocks
// the case transition; lower severities are recorded but non-blocking.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// PolicyRule is one evaluatable governance rule. Rules are tunable at runtime
// through the policy management API.
type PolicyRule struct {
	ID          string    `json:"id" yaml:"id"`
	Category    string    `json:"category" yaml:"category"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    string    `json:"severity" yaml:"severity"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Violations  int       `json:"violations"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Category-specific parameters.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Blocking reports whether a violation of this rule halts the transition.
func (r *PolicyRule) Blocking() bool {
	return r.Enabled && r.Severity == SeverityHigh
}

// PolicyVerdict is the outcome of evaluating one rule against a node's
// execution context.
type PolicyVerdict struct {
	RuleID   string  `json:"rule_id"`
	Category string  `json:"category"`
	Severity string  `json:"severity"`
	Passed   bool    `json:"passed"`
	Blocking bool    `json:"blocking"`
	Score    float64 `json:"score"`
	Message  string  `json:"message,omitempty"`

	// Masked holds rewritten content when a PII rule applied masking instead
	// of failing. Diff maps mask tokens back to originals and is persisted to
	// the ledger, never returned to callers.
	Masked map[string]any    `json:"-"`
	Diff   map[string]string `json:"-"`
}

// PolicyPatch is a partial update to a rule, applied via PATCH /policies/{id}.
type PolicyPatch struct {
	Severity *string        `json:"severity,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}
