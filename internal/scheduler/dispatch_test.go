package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agi-run/missionctl/model"
)

func TestEvalCondition(t *testing.T) {
	state := map[string]any{
		"lead_segment": "target",
		"lead_score":   72,
	}

	tests := []struct {
		cond string
		want bool
	}{
		{"lead_segment == 'target'", true},
		{"lead_segment == 'ignore'", false},
		{"lead_segment != 'ignore'", true},
		{"lead_segment != 'target'", false},
		{`lead_segment == "target"`, true},
		{"lead_score == '72'", true},
		{"missing == 'x'", false},
		{"missing != 'x'", true},
		{"not a condition", true},
		{"", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evalCondition(tt.cond, state), "condition %q", tt.cond)
	}
}

func TestEdgeTaken(t *testing.T) {
	state := map[string]any{"lead_segment": "target"}

	dep := model.EdgeDefinition{From: "a", To: "b", Kind: model.EdgeKindDependency}
	assert.True(t, edgeTaken(dep, &model.NodeRun{Status: model.NodeStatusCompleted}, state))

	cond := model.EdgeDefinition{Kind: model.EdgeKindConditional, Condition: "lead_segment == 'ignore'"}
	assert.False(t, edgeTaken(cond, &model.NodeRun{Status: model.NodeStatusCompleted}, state))

	formal := model.EdgeDefinition{Kind: model.EdgeKindConditional, Variant: "formal"}
	assert.True(t, edgeTaken(formal, &model.NodeRun{Variant: "formal"}, state))
	assert.False(t, edgeTaken(formal, &model.NodeRun{Variant: "casual"}, state))
}

func TestPickVariant(t *testing.T) {
	variants := []model.SplitVariant{
		{Name: "formal", Weight: 50},
		{Name: "casual", Weight: 50},
	}

	first := pickVariant("case-1", "tone", variants)
	assert.Contains(t, []string{"formal", "casual"}, first)

	// Deterministic: a crashed case re-resolving the split lands on the same
	// variant.
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, pickVariant("case-1", "tone", variants))
	}

	// All weight on one side always picks that side.
	skewed := []model.SplitVariant{
		{Name: "a", Weight: 100},
		{Name: "b", Weight: 0},
	}
	for _, caseID := range []string{"c1", "c2", "c3", "c4"} {
		assert.Equal(t, "a", pickVariant(caseID, "tone", skewed))
	}

	assert.Equal(t, "", pickVariant("case-1", "tone", nil))
}

func TestMergeOutput(t *testing.T) {
	state := map[string]any{"existing": 1}
	n := &model.NodeDefinition{ID: "qualify", Outputs: []string{"lead_score"}}

	mergeOutput(state, n, map[string]any{"lead_score": 72, "scratch": "x"})
	assert.Equal(t, 72, state["lead_score"])
	assert.NotContains(t, state, "scratch", "undeclared outputs stay out of the workspace")
	assert.Equal(t, 1, state["existing"])

	// No declared outputs merges everything.
	open := &model.NodeDefinition{ID: "research"}
	mergeOutput(state, open, map[string]any{"brief": "..."})
	assert.Equal(t, "...", state["brief"])
}

func TestCountMaskHits(t *testing.T) {
	hits := countMaskHits(map[string]string{
		"[PII:email:aabbccdd]":   "a@example.com",
		"[PII:email:11223344]":   "b@example.com",
		"[PII:jp_name:99887766]": "田中様",
	})
	assert.Equal(t, 2, hits["email"])
	assert.Equal(t, 1, hits["jp_name"])
}

func TestResumeStatus(t *testing.T) {
	c := model.Case{
		Status: model.CaseStatusWaitingApproval,
		Nodes: map[string]*model.NodeRun{
			"a": {Status: model.NodeStatusCompleted},
			"b": {Status: model.NodeStatusWaiting},
		},
	}
	assert.Equal(t, model.CaseStatusWaitingApproval, resumeStatus(c), "another gate still holds the case")

	c.Nodes["b"].Status = model.NodeStatusCompleted
	assert.Equal(t, model.CaseStatusRunning, resumeStatus(c))
}
