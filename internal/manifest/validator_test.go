package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func validDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:      "lead-outreach",
		Version: "1.0.0",
		Owner:   "revops@agi.run",
		Nodes: []model.NodeDefinition{
			{ID: "draft", Kind: model.NodeKindAgent,
				Agent: &model.AgentBinding{Service: "outreach", Operation: "draft-email"}},
			{ID: "approve", Kind: model.NodeKindGate,
				Gate: &model.GateBinding{Type: "Outreach", Approvers: []string{"revops-lead"}}},
			{ID: "send", Kind: model.NodeKindAgent,
				Agent: &model.AgentBinding{Service: "outreach", Operation: "send-email"}},
		},
		Edges: []model.EdgeDefinition{
			{From: "draft", To: "approve", Kind: model.EdgeKindDependency},
			{From: "approve", To: "send", Kind: model.EdgeKindDependency},
		},
		Triggers: []model.TriggerDefinition{
			{Type: model.TriggerWebhook, Name: "lead.created", Entry: "draft"},
		},
	}
}

func TestValidator_ValidDefinition(t *testing.T) {
	errs := NewValidator().Validate(validDef())
	assert.Nil(t, errs)
}

func TestValidator_Findings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WorkflowDefinition)
		want   string
	}{
		{
			name:   "missing name",
			mutate: func(d *model.WorkflowDefinition) { d.ID = "" },
			want:   "metadata.name",
		},
		{
			name:   "missing version",
			mutate: func(d *model.WorkflowDefinition) { d.Version = "" },
			want:   "metadata.version",
		},
		{
			name:   "missing owner",
			mutate: func(d *model.WorkflowDefinition) { d.Owner = "" },
			want:   "metadata.owner",
		},
		{
			name: "duplicate node id",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes = append(d.Nodes, d.Nodes[0])
			},
			want: "duplicate node id",
		},
		{
			name: "agent node without binding",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[0].Agent = nil
			},
			want: "agent nodes require an agent binding",
		},
		{
			name: "negative cost",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[0].Agent.CostUSD = -1
			},
			want: "must not be negative",
		},
		{
			name: "gate without approvers",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[1].Gate.Approvers = nil
			},
			want: "at least one approver",
		},
		{
			name: "unknown node kind",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[0].Kind = "loop"
			},
			want: "unknown node kind",
		},
		{
			name: "retry below one attempt",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[0].Retry = &model.RetryPolicy{MaxAttempts: 0}
			},
			want: "must be at least 1",
		},
		{
			name: "backoff initial exceeds max",
			mutate: func(d *model.WorkflowDefinition) {
				d.Nodes[0].Retry = &model.RetryPolicy{MaxAttempts: 3, BackoffInitial: 30, BackoffMax: 10}
			},
			want: "backoff_initial exceeds backoff_max",
		},
		{
			name: "edge to unknown node",
			mutate: func(d *model.WorkflowDefinition) {
				d.Edges[0].To = "ghost"
			},
			want: `unknown node "ghost"`,
		},
		{
			name: "self loop",
			mutate: func(d *model.WorkflowDefinition) {
				d.Edges[0].To = d.Edges[0].From
			},
			want: "self-loop",
		},
		{
			name: "conditional edge without predicate",
			mutate: func(d *model.WorkflowDefinition) {
				d.Edges[0].Kind = model.EdgeKindConditional
			},
			want: "require a condition, role, or variant",
		},
		{
			name: "unknown edge role",
			mutate: func(d *model.WorkflowDefinition) {
				d.Edges[0].Role = "fallback"
			},
			want: "unknown edge role",
		},
		{
			name: "variant edge from non-split node",
			mutate: func(d *model.WorkflowDefinition) {
				d.Edges[0].Kind = model.EdgeKindConditional
				d.Edges[0].Variant = "formal"
			},
			want: "must originate from an ab-split node",
		},
		{
			name:   "no triggers",
			mutate: func(d *model.WorkflowDefinition) { d.Triggers = nil },
			want:   "at least one trigger",
		},
		{
			name: "cron trigger without expression",
			mutate: func(d *model.WorkflowDefinition) {
				d.Triggers = []model.TriggerDefinition{{Type: model.TriggerCron}}
			},
			want: "cron triggers require an expression",
		},
		{
			name: "trigger entry unknown",
			mutate: func(d *model.WorkflowDefinition) {
				d.Triggers[0].Entry = "ghost"
			},
			want: `unknown entry node "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.mutate(&def)

			errs := NewValidator().Validate(def)
			require.NotNil(t, errs)
			assert.Contains(t, errs.Error(), tt.want)
		})
	}
}

func TestValidator_SplitVariants(t *testing.T) {
	split := func() model.WorkflowDefinition {
		d := validDef()
		d.Nodes = append(d.Nodes, model.NodeDefinition{
			ID: "tone", Kind: model.NodeKindABSplit,
			Variants: []model.SplitVariant{
				{Name: "formal", Weight: 50},
				{Name: "casual", Weight: 50},
			},
		})
		d.Edges = append(d.Edges,
			model.EdgeDefinition{From: "tone", To: "draft", Kind: model.EdgeKindConditional, Variant: "formal"},
			model.EdgeDefinition{From: "tone", To: "send", Kind: model.EdgeKindConditional, Variant: "casual"},
		)
		d.Triggers[0].Entry = "tone"
		return d
	}

	t.Run("valid split", func(t *testing.T) {
		assert.Nil(t, NewValidator().Validate(split()))
	})

	t.Run("uncovered variant", func(t *testing.T) {
		d := split()
		d.Edges = d.Edges[:len(d.Edges)-1]
		errs := NewValidator().Validate(d)
		require.NotNil(t, errs)
		assert.Contains(t, errs.Error(), `variant "casual" has no outbound edge`)
	})

	t.Run("weights must sum to 100", func(t *testing.T) {
		d := split()
		d.Nodes[3].Variants[0].Weight = 30
		errs := NewValidator().Validate(d)
		require.NotNil(t, errs)
		assert.Contains(t, errs.Error(), "weights must sum to 100, got 80")
	})

	t.Run("single variant rejected", func(t *testing.T) {
		d := split()
		d.Nodes[3].Variants = d.Nodes[3].Variants[:1]
		errs := NewValidator().Validate(d)
		require.NotNil(t, errs)
		assert.Contains(t, errs.Error(), "at least two variants")
	})

	t.Run("edge names undeclared variant", func(t *testing.T) {
		d := split()
		d.Edges[2].Variant = "playful"
		errs := NewValidator().Validate(d)
		require.NotNil(t, errs)
		assert.Contains(t, errs.Error(), `declares no variant "playful"`)
	})
}

func TestValidator_CycleDetection(t *testing.T) {
	d := validDef()
	d.Edges = append(d.Edges, model.EdgeDefinition{
		From: "send", To: "draft", Kind: model.EdgeKindDependency,
	})

	errs := NewValidator().Validate(d)
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), "contains a cycle")
}

func TestValidator_DataEdgesDoNotConstrainOrder(t *testing.T) {
	d := validDef()
	// A data edge pointing backwards is fine: it carries values, not ordering.
	d.Edges = append(d.Edges, model.EdgeDefinition{
		From: "send", To: "draft", Kind: model.EdgeKindData,
	})

	errs := NewValidator().Validate(d)
	assert.Nil(t, errs)
}

func TestValidator_UnreachableNode(t *testing.T) {
	d := validDef()
	d.Nodes = append(d.Nodes, model.NodeDefinition{
		ID: "island", Kind: model.NodeKindAgent,
		Agent: &model.AgentBinding{Service: "s", Operation: "op"},
	})

	errs := NewValidator().Validate(d)
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), `"island" is unreachable`)
}

func TestValidator_CollectsAllFindings(t *testing.T) {
	d := validDef()
	d.ID = ""
	d.Owner = ""
	d.Nodes[0].Agent.Service = ""

	errs := NewValidator().Validate(d)
	require.NotNil(t, errs)
	assert.GreaterOrEqual(t, len(errs), 3)
	assert.True(t, strings.HasPrefix(errs.Error(), "3 validation error"))
}
