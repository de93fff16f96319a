package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/internal/ledger"
	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/model"
)

// ResolutionHandler is invoked after a request reaches a terminal status, with
// the resolved request. The scheduler registers one to resume or fail the
// waiting case.
type ResolutionHandler func(ctx context.Context, req model.ApprovalRequest)

// Controller owns the approval request lifecycle.
type Controller struct {
	store   Store
	defs    *manifest.Registry
	trail   ledger.Store
	metrics *observability.Metrics
	logger  *zap.Logger

	defaultDeadline time.Duration
	onResolved      ResolutionHandler
}

// NewController creates a gate Controller.
func NewController(store Store, defs *manifest.Registry, trail ledger.Store,
	metrics *observability.Metrics, logger *zap.Logger, defaultDeadline time.Duration) *Controller {
	if defaultDeadline <= 0 {
		defaultDeadline = 30 * time.Minute
	}
	return &Controller{
		store:           store,
		defs:            defs,
		trail:           trail,
		metrics:         metrics,
		logger:          logger,
		defaultDeadline: defaultDeadline,
	}
}

// SetResolutionHandler registers the handler invoked on every terminal
// transition, including expiry. Must be called before requests can resolve.
func (c *Controller) SetResolutionHandler(h ResolutionHandler) {
	c.onResolved = h
}

// OpenRequest is what the scheduler passes when a case reaches a gate node.
type OpenRequest struct {
	Case     model.Case
	Node     model.NodeDefinition
	Snapshot map[string]any
	Risk     model.RiskScores
	Priority string
}

// Open creates an approval request for a gate node and records it on the
// ledger. The evidence badge is computed from the case's trail at open time so
// approvers see what backed the work, not what accumulates later.
func (c *Controller) Open(ctx context.Context, open OpenRequest) (model.ApprovalRequest, error) {
	if open.Node.Gate == nil {
		return model.ApprovalRequest{}, model.NewBadRequestError(
			fmt.Sprintf("node %q carries no gate binding", open.Node.ID))
	}

	badge, err := c.trail.EvidenceBadge(ctx, open.Case.ID)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("evidence badge for case %s: %w", open.Case.ID, err)
	}

	deadline := c.defaultDeadline
	if open.Node.Gate.DeadlineMin > 0 {
		deadline = time.Duration(open.Node.Gate.DeadlineMin) * time.Minute
	}

	now := time.Now().UTC()
	req := model.ApprovalRequest{
		ID:             uuid.NewString(),
		CaseID:         open.Case.ID,
		DefinitionID:   open.Case.DefinitionID,
		NodeID:         open.Node.ID,
		Type:           open.Node.Gate.Type,
		RequestedBy:    "scheduler",
		Priority:       open.Priority,
		RunbookVersion: open.Case.DefinitionVersion,
		Snapshot:       open.Snapshot,
		Evidence:       badge,
		Risk:           open.Risk,
		Deadline:       now.Add(deadline),
		Status:         model.ApprovalStatusWaiting,
		CreatedAt:      now,
	}

	if err := c.store.Create(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}

	_, err = c.trail.Append(ctx, model.LedgerRecord{
		CaseID: req.CaseID,
		NodeID: req.NodeID,
		Kind:   model.RecordApprovalCreated,
		Actor:  req.RequestedBy,
		Data: map[string]any{
			"approval_id": req.ID,
			"type":        req.Type,
			"deadline":    req.Deadline,
			"approvers":   open.Node.Gate.Approvers,
		},
	})
	if err != nil {
		c.logger.Error("ledger append failed for approval_created",
			zap.String("approval_id", req.ID), zap.Error(err))
	}

	c.metrics.RecordApprovalCreated(req.Type)
	c.logger.Info("approval request opened",
		zap.String("approval_id", req.ID),
		zap.String("case_id", req.CaseID),
		zap.String("node_id", req.NodeID),
		zap.String("type", req.Type),
		zap.Time("deadline", req.Deadline))

	return req, nil
}

// Get returns one approval request.
func (c *Controller) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	return c.store.Get(ctx, id)
}

// List returns approval requests matching the filters.
func (c *Controller) List(ctx context.Context, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	return c.store.List(ctx, filters)
}

// Resolve applies a human decision. The caller must hold one of the gate's
// approver roles; a request past its deadline is expired instead of resolved;
// a request already resolved fails with ALREADY_RESOLVED no matter how close
// the two decisions were.
func (c *Controller) Resolve(ctx context.Context, id string, approve bool, comment string) (model.ApprovalRequest, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.ApprovalRequest{}, model.NewUnauthorizedError("resolution requires an authenticated caller")
	}

	req, err := c.store.Get(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	if approvers := c.approversFor(req); len(approvers) > 0 && !rctx.HasAnyRole(approvers...) {
		return model.ApprovalRequest{}, model.NewForbiddenError(
			fmt.Sprintf("resolving %q requires one of roles %v", req.Type, approvers))
	}

	now := time.Now().UTC()
	if req.Status == model.ApprovalStatusWaiting && now.After(req.Deadline) {
		c.expire(ctx, req, now)
		return model.ApprovalRequest{}, model.NewApprovalExpiredError(
			fmt.Sprintf("approval request %q expired at %s", id, req.Deadline.Format(time.RFC3339)))
	}

	status := model.ApprovalStatusRejected
	if approve {
		status = model.ApprovalStatusApproved
	}

	resolved, err := c.store.Resolve(ctx, id, status, rctx.SubjectID, comment, now)
	if err != nil {
		return resolved, err
	}

	c.recordResolution(ctx, resolved)
	if c.onResolved != nil {
		c.onResolved(ctx, resolved)
	}
	return resolved, nil
}

// Sweep expires every Waiting request past its deadline. Returns the number
// expired.
func (c *Controller) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	expired, err := c.store.FindExpired(ctx, now)
	if err != nil {
		c.logger.Error("expiry sweep query failed", zap.Error(err))
		return 0
	}

	n := 0
	for _, req := range expired {
		if c.expire(ctx, req, now) {
			n++
		}
	}
	return n
}

// RunSweeper runs Sweep on the given interval until the context is cancelled.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				c.logger.Info("expired approval requests", zap.Int("count", n))
			}
		}
	}
}

// expire moves one request to Expired. Losing the race to a concurrent
// resolution is fine; the winner's transition stands.
func (c *Controller) expire(ctx context.Context, req model.ApprovalRequest, now time.Time) bool {
	resolved, err := c.store.Resolve(ctx, req.ID, model.ApprovalStatusExpired, "system", "deadline passed", now)
	if err != nil {
		return false
	}

	c.recordResolution(ctx, resolved)
	c.logger.Warn("approval request expired",
		zap.String("approval_id", resolved.ID),
		zap.String("case_id", resolved.CaseID),
		zap.Time("deadline", resolved.Deadline))

	if c.onResolved != nil {
		c.onResolved(ctx, resolved)
	}
	return true
}

func (c *Controller) recordResolution(ctx context.Context, req model.ApprovalRequest) {
	_, err := c.trail.Append(ctx, model.LedgerRecord{
		CaseID: req.CaseID,
		NodeID: req.NodeID,
		Kind:   model.RecordApprovalResolved,
		Actor:  req.ResolvedBy,
		Data: map[string]any{
			"approval_id": req.ID,
			"status":      req.Status,
			"comment":     req.Comment,
		},
	})
	if err != nil {
		c.logger.Error("ledger append failed for approval_resolved",
			zap.String("approval_id", req.ID), zap.Error(err))
	}
	c.metrics.RecordApprovalResolved(req.Type, req.Status)
}

// approversFor resolves the approver roles from the gate node's binding in the
// definition the case runs on.
func (c *Controller) approversFor(req model.ApprovalRequest) []string {
	def, ok := c.defs.Get(req.DefinitionID, req.RunbookVersion)
	if !ok {
		return nil
	}
	node := def.FindNode(req.NodeID)
	if node == nil || node.Gate == nil {
		return nil
	}
	return node.Gate.Approvers
}
