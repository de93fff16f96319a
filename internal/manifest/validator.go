package manifest

import (
	"fmt"
	"strings"

	"github.com/agi-run/missionctl/model"
)

// VError is a single validation finding with the manifest path that produced it.
type VError struct {
	Path    string
	Message string
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates all findings for one manifest.
type ValidationErrors []VError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(errs), strings.Join(msgs, "; "))
}

// Validator checks a compiled workflow definition against publish-time rules.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs all checks and returns every finding rather than stopping at
// the first. A nil return means the definition is publishable.
func (v *Validator) Validate(def model.WorkflowDefinition) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, v.checkIdentity(def)...)
	errs = append(errs, v.checkNodes(def)...)
	errs = append(errs, v.checkEdges(def)...)
	errs = append(errs, v.checkTriggers(def)...)

	// Graph checks only make sense once node and edge references resolve.
	if len(errs) == 0 {
		errs = append(errs, v.checkAcyclic(def)...)
		errs = append(errs, v.checkReachability(def)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) checkIdentity(def model.WorkflowDefinition) ValidationErrors {
	var errs ValidationErrors
	if def.ID == "" {
		errs = append(errs, VError{Path: "metadata.name", Message: "is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: "metadata.version", Message: "is required"})
	}
	if def.Owner == "" {
		errs = append(errs, VError{Path: "metadata.owner", Message: "is required"})
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, VError{Path: "spec.nodes", Message: "must contain at least one node"})
	}
	return errs
}

func (v *Validator) checkNodes(def model.WorkflowDefinition) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(def.Nodes))

	for i, n := range def.Nodes {
		path := fmt.Sprintf("spec.nodes[%d]", i)

		if n.ID == "" {
			errs = append(errs, VError{Path: path + ".id", Message: "is required"})
			continue
		}
		if seen[n.ID] {
			errs = append(errs, VError{Path: path + ".id", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		seen[n.ID] = true

		switch n.Kind {
		case model.NodeKindAgent:
			if n.Agent == nil {
				errs = append(errs, VError{Path: path + ".agent", Message: "agent nodes require an agent binding"})
			} else {
				if n.Agent.Service == "" {
					errs = append(errs, VError{Path: path + ".agent.service", Message: "is required"})
				}
				if n.Agent.Operation == "" {
					errs = append(errs, VError{Path: path + ".agent.operation", Message: "is required"})
				}
				if n.Agent.CostUSD < 0 {
					errs = append(errs, VError{Path: path + ".agent.cost_usd", Message: "must not be negative"})
				}
			}
		case model.NodeKindGate, model.NodeKindHITL:
			if n.Gate == nil {
				errs = append(errs, VError{Path: path + ".gate", Message: "gate nodes require a gate binding (governance.gates entry or inline)"})
			} else if len(n.Gate.Approvers) == 0 {
				errs = append(errs, VError{Path: path + ".gate.approvers", Message: "must name at least one approver role"})
			}
		case model.NodeKindABSplit:
			if len(n.Variants) < 2 {
				errs = append(errs, VError{Path: path + ".variants", Message: "ab-split nodes require at least two variants"})
			}
			total := 0
			names := make(map[string]bool, len(n.Variants))
			for j, variant := range n.Variants {
				vpath := fmt.Sprintf("%s.variants[%d]", path, j)
				if variant.Name == "" {
					errs = append(errs, VError{Path: vpath + ".name", Message: "is required"})
				}
				if names[variant.Name] {
					errs = append(errs, VError{Path: vpath + ".name", Message: fmt.Sprintf("duplicate variant %q", variant.Name)})
				}
				names[variant.Name] = true
				if variant.Weight <= 0 {
					errs = append(errs, VError{Path: vpath + ".weight", Message: "must be positive"})
				}
				total += variant.Weight
			}
			if total != 100 && len(n.Variants) >= 2 {
				errs = append(errs, VError{Path: path + ".variants", Message: fmt.Sprintf("weights must sum to 100, got %d", total)})
			}
		default:
			errs = append(errs, VError{Path: path + ".kind", Message: fmt.Sprintf("unknown node kind %q", n.Kind)})
		}

		if n.Retry != nil {
			if n.Retry.MaxAttempts < 1 {
				errs = append(errs, VError{Path: path + ".retry.max_attempts", Message: "must be at least 1"})
			}
			if n.Retry.BackoffInitial < 0 || n.Retry.BackoffMax < 0 {
				errs = append(errs, VError{Path: path + ".retry", Message: "backoff durations must not be negative"})
			}
			if n.Retry.BackoffMax > 0 && n.Retry.BackoffInitial > n.Retry.BackoffMax {
				errs = append(errs, VError{Path: path + ".retry", Message: "backoff_initial exceeds backoff_max"})
			}
		}
	}

	return errs
}

func (v *Validator) checkEdges(def model.WorkflowDefinition) ValidationErrors {
	var errs ValidationErrors
	nodes := make(map[string]model.NodeDefinition, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("spec.edges[%d]", i)

		from, fromOK := nodes[e.From]
		if !fromOK {
			errs = append(errs, VError{Path: path + ".from", Message: fmt.Sprintf("unknown node %q", e.From)})
		}
		if _, ok := nodes[e.To]; !ok {
			errs = append(errs, VError{Path: path + ".to", Message: fmt.Sprintf("unknown node %q", e.To)})
		}
		if e.From == e.To {
			errs = append(errs, VError{Path: path, Message: "self-loop edges are not allowed"})
		}

		switch e.Kind {
		case model.EdgeKindDependency, model.EdgeKindData:
		case model.EdgeKindConditional:
			if e.Condition == "" && e.Role == "" && e.Variant == "" {
				errs = append(errs, VError{Path: path, Message: "conditional edges require a condition, role, or variant"})
			}
		default:
			errs = append(errs, VError{Path: path + ".kind", Message: fmt.Sprintf("unknown edge kind %q", e.Kind)})
		}

		switch e.Role {
		case "", model.EdgeRoleEscalation, model.EdgeRoleRemediation:
		default:
			errs = append(errs, VError{Path: path + ".role", Message: fmt.Sprintf("unknown edge role %q", e.Role)})
		}

		if e.Variant != "" && fromOK {
			if from.Kind != model.NodeKindABSplit {
				errs = append(errs, VError{Path: path + ".variant", Message: "variant edges must originate from an ab-split node"})
			} else {
				found := false
				for _, variant := range from.Variants {
					if variant.Name == e.Variant {
						found = true
						break
					}
				}
				if !found {
					errs = append(errs, VError{Path: path + ".variant", Message: fmt.Sprintf("node %q declares no variant %q", e.From, e.Variant)})
				}
			}
		}
	}

	// Every ab-split variant needs an outbound edge, otherwise a case landing
	// on that variant would stall.
	for _, n := range def.Nodes {
		if n.Kind != model.NodeKindABSplit {
			continue
		}
		covered := make(map[string]bool)
		for _, e := range def.Edges {
			if e.From == n.ID && e.Variant != "" {
				covered[e.Variant] = true
			}
		}
		for _, variant := range n.Variants {
			if !covered[variant.Name] {
				errs = append(errs, VError{
					Path:    "spec.edges",
					Message: fmt.Sprintf("ab-split node %q variant %q has no outbound edge", n.ID, variant.Name),
				})
			}
		}
	}

	return errs
}

func (v *Validator) checkTriggers(def model.WorkflowDefinition) ValidationErrors {
	var errs ValidationErrors
	if len(def.Triggers) == 0 {
		errs = append(errs, VError{Path: "spec.triggers", Message: "must declare at least one trigger"})
	}

	nodes := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = true
	}

	for i, t := range def.Triggers {
		path := fmt.Sprintf("spec.triggers[%d]", i)
		switch t.Type {
		case model.TriggerCron:
			if t.Expr == "" {
				errs = append(errs, VError{Path: path + ".expr", Message: "cron triggers require an expression"})
			}
		case model.TriggerWebhook, model.TriggerEvent:
			if t.Name == "" {
				errs = append(errs, VError{Path: path + ".name", Message: "webhook and event triggers require a name"})
			}
		case model.TriggerManual:
		default:
			errs = append(errs, VError{Path: path + ".type", Message: fmt.Sprintf("unknown trigger type %q", t.Type)})
		}
		if t.Entry != "" && !nodes[t.Entry] {
			errs = append(errs, VError{Path: path + ".entry", Message: fmt.Sprintf("unknown entry node %q", t.Entry)})
		}
	}

	return errs
}

// checkAcyclic rejects graphs with dependency cycles using Kahn's algorithm.
// Only dependency-carrying edges participate; data edges between already
// ordered nodes do not constrain execution order.
func (v *Validator) checkAcyclic(def model.WorkflowDefinition) ValidationErrors {
	indegree := make(map[string]int, len(def.Nodes))
	adjacent := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		if e.Kind == model.EdgeKindData {
			continue
		}
		adjacent[e.From] = append(adjacent[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(def.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(def.Nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return ValidationErrors{{
			Path:    "spec.edges",
			Message: fmt.Sprintf("workflow graph contains a cycle involving nodes %v", stuck),
		}}
	}
	return nil
}

// checkReachability ensures every node is reachable from an entry node, so no
// node can exist that a case could never visit.
func (v *Validator) checkReachability(def model.WorkflowDefinition) ValidationErrors {
	entries := def.EntryNodes()
	if len(entries) == 0 {
		return ValidationErrors{{Path: "spec.nodes", Message: "workflow has no entry node"}}
	}

	adjacent := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	reached := make(map[string]bool, len(def.Nodes))
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, adjacent[id]...)
	}

	var errs ValidationErrors
	for _, n := range def.Nodes {
		if !reached[n.ID] {
			errs = append(errs, VError{
				Path:    "spec.nodes",
				Message: fmt.Sprintf("node %q is unreachable from any entry node", n.ID),
			})
		}
	}
	return errs
}
