package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/agi-run/missionctl/model"
)

// Engine evaluates the rule set against node executions. It is stateless
// apart from the rule set and budget it wraps; callers pass everything else in.
type Engine struct {
	rules  *RuleSet
	budget *Budget
}

// NewEngine creates a policy Engine.
func NewEngine(rules *RuleSet, budget *Budget) *Engine {
	return &Engine{rules: rules, budget: budget}
}

// Rules exposes the underlying rule set for the management API.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Budget exposes the budget guard.
func (e *Engine) Budget() *Budget {
	return e.budget
}

// DispatchCheck is evaluated before a node is handed to an agent.
type DispatchCheck struct {
	CaseID           string
	NodeID           string
	EstimatedCostUSD float64
}

// OutputCheck is evaluated against what an agent produced.
type OutputCheck struct {
	CaseID    string
	NodeID    string
	Output    map[string]any
	LatencyMs int64
	// Consented is true when the case subject has consented to PII use,
	// carried in the case workspace state.
	Consented bool
	// PII is the workflow definition's PII binding, if the manifest declared
	// one. It narrows the detectors and can tighten blocking beyond the rule.
	PII *model.PIIPolicy
}

// CheckDispatch runs pre-dispatch rules. Today that is the cost budget: the
// estimate is reserved atomically, so a verdict with Passed true means the
// reservation is held and must later be settled or released.
func (e *Engine) CheckDispatch(check DispatchCheck) []model.PolicyVerdict {
	rule, err := e.rules.Get(RuleCostBudget)
	if err != nil || !rule.Enabled {
		return nil
	}

	verdict := model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
		Score:    check.EstimatedCostUSD,
	}

	if err := e.budget.Reserve(check.CaseID, check.EstimatedCostUSD); err != nil {
		verdict.Passed = false
		verdict.Blocking = rule.Blocking()
		verdict.Message = err.Error()
		e.rules.RecordViolation(rule.ID)
	}
	return []model.PolicyVerdict{verdict}
}

// EvaluateOutput runs post-execution rules against an agent's output and
// returns one verdict per enabled rule that applies.
func (e *Engine) EvaluateOutput(check OutputCheck) []model.PolicyVerdict {
	var verdicts []model.PolicyVerdict

	for _, rule := range e.rules.List() {
		if !rule.Enabled {
			continue
		}
		var v *model.PolicyVerdict
		switch rule.ID {
		case RulePIIHandling:
			v = e.evalPII(rule, check)
		case RuleBrandSafety:
			v = e.evalBrand(rule, check)
		case RuleLegalCompliance:
			v = e.evalLegal(rule, check)
		case RuleOutboundDomain:
			v = e.evalOutboundDomain(rule, check)
		case RuleSLAEnforcement:
			v = e.evalSLA(rule, check)
		}
		if v == nil {
			continue
		}
		if !v.Passed {
			e.rules.RecordViolation(rule.ID)
		}
		verdicts = append(verdicts, *v)
	}
	return verdicts
}

// FirstBlocking returns the first failed blocking verdict, or nil.
func FirstBlocking(verdicts []model.PolicyVerdict) *model.PolicyVerdict {
	for i := range verdicts {
		if !verdicts[i].Passed && verdicts[i].Blocking {
			return &verdicts[i]
		}
	}
	return nil
}

// evalPII masks detected PII. With consent the masked output replaces the
// original and the verdict passes; without consent a blocking rule fails the
// verdict instead. A workflow's PII binding overrides the rule's detector list
// and can tighten blocking: block_on_unconsented forces the consent check even
// on a non-blocking rule, and mode "block" rejects PII outright.
func (e *Engine) evalPII(rule model.PolicyRule, check OutputCheck) *model.PolicyVerdict {
	detectors := stringsParam(rule.Params, "detectors")
	blockUnconsented := rule.Blocking()
	blockAlways := false
	if p := check.PII; p != nil {
		if len(p.Detectors) > 0 {
			detectors = p.Detectors
		}
		if p.BlockOnUnconsented {
			blockUnconsented = true
		}
		if p.Mode == model.PIIModeBlock {
			blockAlways = true
		}
	}

	masker := NewMasker(detectors)
	result := masker.Mask(check.Output)

	v := &model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
	}
	if !result.Found() {
		return v
	}

	total := 0
	for _, n := range result.Hits {
		total += n
	}
	v.Score = float64(total)
	v.Masked = result.Masked
	v.Diff = result.Diff

	if blockAlways {
		v.Passed = false
		v.Blocking = true
		v.Message = fmt.Sprintf("%d PII match(es) found, blocked by workflow pii mode", total)
		return v
	}

	if !check.Consented && blockUnconsented {
		v.Passed = false
		v.Blocking = true
		v.Message = fmt.Sprintf("%d PII match(es) found without recorded consent", total)
		return v
	}

	v.Message = fmt.Sprintf("%d PII match(es) masked", total)
	return v
}

func (e *Engine) evalBrand(rule model.PolicyRule, check OutputCheck) *model.PolicyVerdict {
	v := &model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
	}

	text := strings.ToLower(flattenStrings(check.Output))
	for _, term := range stringsParam(rule.Params, "banned_terms") {
		if strings.Contains(text, strings.ToLower(term)) {
			v.Passed = false
			v.Blocking = rule.Blocking()
			v.Message = fmt.Sprintf("banned phrase %q found in output", term)
			v.Score = 1
			return v
		}
	}
	return v
}

func (e *Engine) evalLegal(rule model.PolicyRule, check OutputCheck) *model.PolicyVerdict {
	v := &model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
	}

	text := strings.ToLower(flattenStrings(check.Output))
	regulated := false
	for _, topic := range stringsParam(rule.Params, "regulated_topics") {
		if strings.Contains(text, strings.ToLower(topic)) {
			regulated = true
			break
		}
	}
	if !regulated {
		return v
	}

	disclaimer, _ := rule.Params["required_disclaimer"].(string)
	if disclaimer != "" && !strings.Contains(text, strings.ToLower(disclaimer)) {
		v.Passed = false
		v.Blocking = rule.Blocking()
		v.Message = "regulated topic without required disclaimer"
		v.Score = 1
	}
	return v
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

func (e *Engine) evalOutboundDomain(rule model.PolicyRule, check OutputCheck) *model.PolicyVerdict {
	v := &model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
	}

	allowed := stringsParam(rule.Params, "allowed_domains")
	if len(allowed) == 0 {
		return v
	}

	for _, raw := range urlPattern.FindAllString(flattenStrings(check.Output), -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if !domainAllowed(u.Hostname(), allowed) {
			v.Passed = false
			v.Blocking = rule.Blocking()
			v.Message = fmt.Sprintf("link to unapproved domain %q", u.Hostname())
			v.Score = 1
			return v
		}
	}
	return v
}

func (e *Engine) evalSLA(rule model.PolicyRule, check OutputCheck) *model.PolicyVerdict {
	target := int64(floatParam(rule.Params, "node_p95_ms", 5000))
	v := &model.PolicyVerdict{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
		Passed:   true,
		Score:    float64(check.LatencyMs),
	}
	if check.LatencyMs > target {
		v.Passed = false
		v.Blocking = rule.Blocking()
		v.Message = fmt.Sprintf("node took %dms, target is %dms", check.LatencyMs, target)
	}
	return v
}

func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// flattenStrings concatenates every string leaf in the value tree.
func flattenStrings(v any) string {
	var sb strings.Builder
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			sb.WriteString(val)
			sb.WriteByte('\n')
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return sb.String()
}
