// Package policy implements the governance rule engine: PII masking with
// consent enforcement, brand and legal content checks, cost budgets, and SLA
// scoring. Verdicts from enabled high-severity rules block the transition that
// triggered them; everything else is recorded and surfaced.
package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agi-run/missionctl/model"
)

// Well-known rule IDs. The seed set mirrors what operators tune most; new
// rules can be added to the store at runtime.
const (
	RulePIIHandling     = "pii-handling"
	RuleBrandSafety     = "brand-safety"
	RuleLegalCompliance = "legal-compliance"
	RuleCostBudget      = "cost-budget"
	RuleSLAEnforcement  = "sla-enforcement"
	RuleOutboundDomain  = "outbound-domain"
)

const defaultViolationWindow = 24 * time.Hour

// RuleSet is the runtime-tunable collection of policy rules. Violation counts
// are kept per rule over a rolling window, so a rule that misbehaved last week
// reads clean today.
type RuleSet struct {
	mu         sync.Mutex
	rules      map[string]model.PolicyRule
	violations map[string][]time.Time
	window     time.Duration
	now        func() time.Time
}

// Option configures a RuleSet at construction.
type Option func(*RuleSet)

// WithAllowedDomains replaces the outbound-domain allowlist seeded by default.
// An empty slice keeps the seed.
func WithAllowedDomains(domains []string) Option {
	return func(rs *RuleSet) {
		if len(domains) == 0 {
			return
		}
		r := rs.rules[RuleOutboundDomain]
		r.Params["allowed_domains"] = domains
		rs.rules[RuleOutboundDomain] = r
	}
}

// WithViolationWindow sets how long a recorded violation counts against a
// rule. Zero or negative keeps the default of 24 hours.
func WithViolationWindow(window time.Duration) Option {
	return func(rs *RuleSet) {
		if window > 0 {
			rs.window = window
		}
	}
}

// NewRuleSet creates a RuleSet seeded with the default governance rules.
func NewRuleSet(opts ...Option) *RuleSet {
	now := time.Now().UTC()
	seed := []model.PolicyRule{
		{
			ID:          RulePIIHandling,
			Category:    model.PolicyCategoryPII,
			Name:        "PII handling",
			Description: "Mask detected PII in node outputs; block unconsented use",
			Severity:    model.SeverityHigh,
			Enabled:     true,
			Params: map[string]any{
				"detectors": []string{"email", "phone", "jp_name"},
			},
		},
		{
			ID:          RuleBrandSafety,
			Category:    model.PolicyCategoryBrand,
			Name:        "Brand safety",
			Description: "Reject outputs containing banned phrasing",
			Severity:    model.SeverityMedium,
			Enabled:     true,
			Params: map[string]any{
				"banned_terms": []string{"guaranteed results", "risk-free", "no obligation"},
			},
		},
		{
			ID:          RuleLegalCompliance,
			Category:    model.PolicyCategoryLegal,
			Name:        "Legal compliance",
			Description: "Require disclaimers on regulated content",
			Severity:    model.SeverityHigh,
			Enabled:     true,
			Params: map[string]any{
				"required_disclaimer": "This is not legal or financial advice",
				"regulated_topics":    []string{"investment", "medical", "insurance"},
			},
		},
		{
			ID:          RuleCostBudget,
			Category:    model.PolicyCategoryCost,
			Name:        "Cost budget",
			Description: "Cap spend per case and per day",
			Severity:    model.SeverityHigh,
			Enabled:     true,
			Params: map[string]any{
				"per_case_usd": 10.0,
				"daily_usd":    300.0,
			},
		},
		{
			ID:          RuleSLAEnforcement,
			Category:    model.PolicyCategorySLA,
			Name:        "SLA enforcement",
			Description: "Flag node executions over the latency target",
			Severity:    model.SeverityMedium,
			Enabled:     true,
			Params: map[string]any{
				"node_p95_ms":           5000,
				"approval_deadline_min": 30,
			},
		},
		{
			ID:          RuleOutboundDomain,
			Category:    model.PolicyCategoryLegal,
			Name:        "Outbound domain allowlist",
			Description: "Restrict links in outbound content to approved domains",
			Severity:    model.SeverityMedium,
			Enabled:     true,
			Params: map[string]any{
				"allowed_domains": []string{"agi.run", "docs.agi.run"},
			},
		},
	}

	rs := &RuleSet{
		rules:      make(map[string]model.PolicyRule, len(seed)),
		violations: make(map[string][]time.Time),
		window:     defaultViolationWindow,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, r := range seed {
		r.UpdatedAt = now
		rs.rules[r.ID] = r
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

// ruleFileEntry is one rule override in a rules file. Pointer fields
// distinguish "not set" from zero values, so a file that only tunes severity
// does not silently disable the rule.
type ruleFileEntry struct {
	ID          string         `yaml:"id"`
	Category    string         `yaml:"category"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Severity    *string        `yaml:"severity"`
	Enabled     *bool          `yaml:"enabled"`
	Params      map[string]any `yaml:"params"`
}

// LoadFile overlays rules from a YAML file onto the seeded set. Entries whose
// ID matches an existing rule patch it; unknown IDs are added as new rules,
// enabled unless the entry says otherwise.
func (rs *RuleSet) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy rules: reading %s: %w", path, err)
	}
	var entries []ruleFileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("policy rules: parsing %s: %w", path, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.now()
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("policy rules: %s entry %d has no id", path, i)
		}
		if e.Severity != nil && !validSeverity(*e.Severity) {
			return fmt.Errorf("policy rules: %s rule %q: unknown severity %q", path, e.ID, *e.Severity)
		}

		r, known := rs.rules[e.ID]
		if !known {
			r = model.PolicyRule{ID: e.ID, Enabled: true, Severity: model.SeverityMedium}
		}
		if e.Category != "" {
			r.Category = e.Category
		}
		if e.Name != "" {
			r.Name = e.Name
		}
		if e.Description != "" {
			r.Description = e.Description
		}
		if e.Severity != nil {
			r.Severity = *e.Severity
		}
		if e.Enabled != nil {
			r.Enabled = *e.Enabled
		}
		if e.Params != nil {
			if r.Params == nil {
				r.Params = make(map[string]any, len(e.Params))
			}
			for k, v := range e.Params {
				r.Params[k] = v
			}
		}
		r.UpdatedAt = now
		rs.rules[e.ID] = r
	}
	return nil
}

// List returns all rules sorted by category then ID.
func (rs *RuleSet) List() []model.PolicyRule {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rules := make([]model.PolicyRule, 0, len(rs.rules))
	for id, r := range rs.rules {
		r.Violations = len(rs.pruneLocked(id))
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Category != rules[j].Category {
			return rules[i].Category < rules[j].Category
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Get returns one rule by ID.
func (rs *RuleSet) Get(id string) (model.PolicyRule, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.rules[id]
	if !ok {
		return model.PolicyRule{}, model.NewNotFoundError(fmt.Sprintf("policy rule %q not found", id))
	}
	r.Violations = len(rs.pruneLocked(id))
	return r, nil
}

// Patch applies a partial update to a rule and returns the result.
func (rs *RuleSet) Patch(id string, patch model.PolicyPatch) (model.PolicyRule, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.rules[id]
	if !ok {
		return model.PolicyRule{}, model.NewNotFoundError(fmt.Sprintf("policy rule %q not found", id))
	}

	if patch.Severity != nil {
		if !validSeverity(*patch.Severity) {
			return model.PolicyRule{}, model.NewBadRequestError(
				fmt.Sprintf("unknown severity %q", *patch.Severity))
		}
		r.Severity = *patch.Severity
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.Params != nil {
		if r.Params == nil {
			r.Params = make(map[string]any, len(patch.Params))
		}
		for k, v := range patch.Params {
			r.Params[k] = v
		}
	}
	r.UpdatedAt = rs.now()
	r.Violations = len(rs.pruneLocked(id))

	rs.rules[id] = r
	return r, nil
}

// RecordViolation adds a violation timestamp to the rule's rolling window.
func (rs *RuleSet) RecordViolation(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.rules[id]; !ok {
		return
	}
	rs.violations[id] = append(rs.pruneLocked(id), rs.now())
}

// pruneLocked drops violations older than the window and returns what remains.
// Caller holds rs.mu.
func (rs *RuleSet) pruneLocked(id string) []time.Time {
	cutoff := rs.now().Add(-rs.window)
	kept := rs.violations[id][:0]
	for _, ts := range rs.violations[id] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rs.violations[id] = kept
	return kept
}

func validSeverity(s string) bool {
	switch s {
	case model.SeverityHigh, model.SeverityMedium, model.SeverityLow:
		return true
	}
	return false
}

// stringsParam extracts a []string parameter that may have been stored as
// []any after a JSON round trip.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// floatParam extracts a numeric parameter stored as float64 or int.
func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
