package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/internal/ledger"
	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/model"
)

type testHarness struct {
	ctrl  *Controller
	store *MemStore
	trail *ledger.MemStore

	mu       sync.Mutex
	resolved []model.ApprovalRequest
}

func (h *testHarness) resolutions() []model.ApprovalRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ApprovalRequest(nil), h.resolved...)
}

func gateNode() model.NodeDefinition {
	return model.NodeDefinition{
		ID:   "approve",
		Kind: model.NodeKindGate,
		Gate: &model.GateBinding{
			Type:        "Outreach",
			Approvers:   []string{"revops-lead", "compliance"},
			DeadlineMin: 45,
		},
	}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	defs := manifest.NewRegistry()
	require.NoError(t, defs.Publish(model.WorkflowDefinition{
		ID:      "wf",
		Version: "1.0.0",
		Owner:   "revops@agi.run",
		Stage:   model.StageLive,
		Nodes:   []model.NodeDefinition{gateNode()},
	}))

	h := &testHarness{
		store: NewMemStore(),
		trail: ledger.NewMemStore(),
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	h.ctrl = NewController(h.store, defs, h.trail, metrics, zap.NewNop(), 30*time.Minute)
	h.ctrl.SetResolutionHandler(func(_ context.Context, req model.ApprovalRequest) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.resolved = append(h.resolved, req)
	})
	return h
}

func (h *testHarness) openRequest(t *testing.T) model.ApprovalRequest {
	t.Helper()
	req, err := h.ctrl.Open(context.Background(), OpenRequest{
		Case:     model.Case{ID: "case-1", DefinitionID: "wf", DefinitionVersion: "1.0.0"},
		Node:     gateNode(),
		Snapshot: map[string]any{"draft": "Hello"},
		Priority: "normal",
	})
	require.NoError(t, err)
	return req
}

func approverCtx(roles ...string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "alice",
		Roles:     roles,
	})
}

func TestController_Open(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.trail.AppendEvidence(ctx, model.EvidenceRecord{
		CaseID: "case-1", NodeID: "research", SourceRef: "https://example.com", Trust: 0.8,
	}))
	require.NoError(t, h.trail.AppendEvidence(ctx, model.EvidenceRecord{
		CaseID: "case-1", NodeID: "research", SourceRef: "https://example.org", Trust: 0.4,
	}))

	before := time.Now().UTC()
	req := h.openRequest(t)

	assert.Equal(t, model.ApprovalStatusWaiting, req.Status)
	assert.Equal(t, "Outreach", req.Type)
	assert.Equal(t, "1.0.0", req.RunbookVersion)
	assert.Equal(t, "Hello", req.Snapshot["draft"])
	assert.Equal(t, 2, req.Evidence.Count)
	assert.InDelta(t, 0.6, req.Evidence.TrustAvg, 1e-9)

	// The gate binding's 45 minute deadline wins over the 30 minute default.
	assert.WithinDuration(t, before.Add(45*time.Minute), req.Deadline, 5*time.Second)

	records, err := h.trail.Records(ctx, "case-1", ledger.RecordFilters{Kind: model.RecordApprovalCreated})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, req.ID, records[0].Data["approval_id"])
}

func TestController_OpenWithoutGateBinding(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Open(context.Background(), OpenRequest{
		Case: model.Case{ID: "case-1"},
		Node: model.NodeDefinition{ID: "draft", Kind: model.NodeKindAgent},
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrBadRequest, err.(*model.ErrorEnvelope).Code)
}

func TestController_ResolveApprove(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t)

	resolved, err := h.ctrl.Resolve(approverCtx("revops-lead"), req.ID, true, "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.Equal(t, "looks good", resolved.Comment)

	handled := h.resolutions()
	require.Len(t, handled, 1)
	assert.Equal(t, model.ApprovalStatusApproved, handled[0].Status)

	records, err := h.trail.Records(context.Background(), "case-1",
		ledger.RecordFilters{Kind: model.RecordApprovalResolved})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestController_ResolveReject(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t)

	resolved, err := h.ctrl.Resolve(approverCtx("compliance"), req.ID, false, "tone is off")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusRejected, resolved.Status)
}

func TestController_ResolveRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t)

	_, err := h.ctrl.Resolve(context.Background(), req.ID, true, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrUnauthorized, err.(*model.ErrorEnvelope).Code)
}

func TestController_ResolveRequiresApproverRole(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t)

	_, err := h.ctrl.Resolve(approverCtx("sales-rep"), req.ID, true, "")
	require.Error(t, err)
	assert.Equal(t, model.ErrForbidden, err.(*model.ErrorEnvelope).Code)

	// The request is untouched by the rejected attempt.
	stored, err := h.ctrl.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusWaiting, stored.Status)
}

func TestController_ResolveExactlyOnce(t *testing.T) {
	h := newHarness(t)
	req := h.openRequest(t)

	_, err := h.ctrl.Resolve(approverCtx("revops-lead"), req.ID, true, "")
	require.NoError(t, err)

	_, err = h.ctrl.Resolve(approverCtx("compliance"), req.ID, false, "changed my mind")
	require.Error(t, err)
	assert.Equal(t, model.ErrAlreadyResolved, err.(*model.ErrorEnvelope).Code)
	assert.Len(t, h.resolutions(), 1)
}

func TestController_ResolvePastDeadlineExpires(t *testing.T) {
	h := newHarness(t)

	overdue := model.ApprovalRequest{
		ID:             "late-1",
		CaseID:         "case-1",
		DefinitionID:   "wf",
		NodeID:         "approve",
		Type:           "Outreach",
		RunbookVersion: "1.0.0",
		Status:         model.ApprovalStatusWaiting,
		Deadline:       time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, h.store.Create(context.Background(), overdue))

	_, err := h.ctrl.Resolve(approverCtx("revops-lead"), "late-1", true, "too late")
	require.Error(t, err)
	assert.Equal(t, model.ErrApprovalExpired, err.(*model.ErrorEnvelope).Code)

	stored, err := h.ctrl.Get(context.Background(), "late-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusExpired, stored.Status)

	handled := h.resolutions()
	require.Len(t, handled, 1)
	assert.Equal(t, model.ApprovalStatusExpired, handled[0].Status)
}

func TestController_Sweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, req := range []model.ApprovalRequest{
		{ID: "late-1", CaseID: "case-1", DefinitionID: "wf", NodeID: "approve", Type: "Outreach",
			RunbookVersion: "1.0.0", Status: model.ApprovalStatusWaiting, Deadline: now.Add(-time.Hour)},
		{ID: "late-2", CaseID: "case-2", DefinitionID: "wf", NodeID: "approve", Type: "Outreach",
			RunbookVersion: "1.0.0", Status: model.ApprovalStatusWaiting, Deadline: now.Add(-time.Minute)},
		{ID: "fresh", CaseID: "case-3", DefinitionID: "wf", NodeID: "approve", Type: "Outreach",
			RunbookVersion: "1.0.0", Status: model.ApprovalStatusWaiting, Deadline: now.Add(time.Hour)},
	} {
		require.NoError(t, h.store.Create(ctx, req))
	}

	assert.Equal(t, 2, h.ctrl.Sweep(ctx))
	assert.Len(t, h.resolutions(), 2)

	fresh, err := h.ctrl.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusWaiting, fresh.Status)

	// A second sweep finds nothing new.
	assert.Equal(t, 0, h.ctrl.Sweep(ctx))
}
