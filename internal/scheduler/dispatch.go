package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/internal/gate"
	"github.com/agi-run/missionctl/internal/node"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/internal/policy"
	"github.com/agi-run/missionctl/model"
)

// caseLock narrows sync.Mutex to what the dispatch helpers need to release.
type caseLock interface{ Unlock() }

const stateRemediationNode = "_remediation_node"

// advance evaluates readiness for every pending node of a case and enqueues
// the ready ones. Nodes whose upstream outcome rules them out are skipped in
// place, which may cascade; the loop runs until a pass changes nothing.
func (s *Scheduler) advance(ctx context.Context, caseID string) {
	mu := s.lockCase(caseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		mu.Unlock()
		s.logger.Error("advance: load case failed", zap.String("case_id", caseID), zap.Error(err))
		return
	}
	if c.Status != model.CaseStatusRunning {
		mu.Unlock()
		return
	}

	def, ok := s.defs.Get(c.DefinitionID, c.DefinitionVersion)
	if !ok {
		mu.Unlock()
		s.logger.Error("advance: definition missing",
			zap.String("case_id", caseID),
			zap.String("definition_id", c.DefinitionID))
		return
	}

	var ready []string
	var skipped []string
	changed := true
	for changed {
		changed = false
		for _, n := range def.Nodes {
			run := c.Nodes[n.ID]
			if run == nil || run.Status != model.NodeStatusPending {
				continue
			}
			switch s.readiness(&def, c, n.ID) {
			case nodeReady:
				if !contains(ready, n.ID) {
					ready = append(ready, n.ID)
				}
			case nodeDead:
				run.Status = model.NodeStatusSkipped
				skipped = append(skipped, n.ID)
				changed = true
			}
		}
	}

	if len(skipped) > 0 {
		if err := s.cases.Update(ctx, c); err != nil {
			mu.Unlock()
			s.logger.Error("advance: persist skips failed", zap.String("case_id", caseID), zap.Error(err))
			return
		}
		c.Version++
	}

	done := s.maybeFinishLocked(ctx, &c)
	mu.Unlock()

	for _, nodeID := range skipped {
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: caseID,
			NodeID: nodeID,
			Kind:   model.RecordNodeSkipped,
			Actor:  "scheduler",
		})
	}
	if done {
		return
	}
	for _, nodeID := range ready {
		s.enqueue(task{caseID: caseID, nodeID: nodeID})
	}
}

type readinessState int

const (
	nodeBlocked readinessState = iota // upstream still in flight
	nodeReady                         // all satisfied, dispatch now
	nodeDead                          // can never run, skip it
)

// readiness decides whether a pending node can run. Role edges (escalation,
// remediation) are dispatched explicitly by gate resolution handling, never by
// readiness; here they only hold their target back while the gate is open, and
// let it be skipped once the gate resolves without taking that path.
func (s *Scheduler) readiness(def *model.WorkflowDefinition, c model.Case, nodeID string) readinessState {
	var inbound []model.EdgeDefinition
	for _, e := range def.InboundEdges(nodeID) {
		if e.Kind == model.EdgeKindData {
			continue
		}
		inbound = append(inbound, e)
	}
	if len(inbound) == 0 {
		return nodeReady
	}

	// Fan-in is an OR-join: the node runs once every upstream source is
	// terminal and at least one edge actually routed here. Dead branches
	// (untaken variants, false conditions) skip their side; a genuinely
	// failed source has already failed the whole case before this runs.
	satisfied := false
	for _, e := range inbound {
		src := c.Nodes[e.From]
		if src == nil {
			return nodeDead
		}
		switch src.Status {
		case model.NodeStatusPending, model.NodeStatusRunning, model.NodeStatusWaiting:
			return nodeBlocked
		case model.NodeStatusCompleted:
			if e.Role == "" && edgeTaken(e, src, c.State) {
				satisfied = true
			}
		}
		// Failed and Skipped sources leave the edge unsatisfied, as do role
		// edges: their targets run only when resolution handling enqueues them.
	}
	if satisfied {
		return nodeReady
	}
	return nodeDead
}

// edgeTaken reports whether a completed source actually routes down this edge.
func edgeTaken(e model.EdgeDefinition, src *model.NodeRun, state map[string]any) bool {
	if e.Variant != "" && e.Variant != src.Variant {
		return false
	}
	if e.Kind == model.EdgeKindConditional && e.Condition != "" {
		return evalCondition(e.Condition, state)
	}
	return true
}

// evalCondition evaluates "field == 'value'" and "field != 'value'" guards
// against the case workspace. Unparseable conditions pass.
func evalCondition(cond string, state map[string]any) bool {
	if f, v, ok := splitOnce(cond, "!="); ok {
		return fmt.Sprint(state[f]) != v
	}
	if f, v, ok := splitOnce(cond, "=="); ok {
		return fmt.Sprint(state[f]) == v
	}
	return true
}

func splitOnce(cond, op string) (field, value string, ok bool) {
	idx := strings.Index(cond, op)
	if idx < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(cond[:idx])
	value = strings.Trim(strings.TrimSpace(cond[idx+len(op):]), `'"`)
	return field, value, field != ""
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// executeNode runs one queued node. It re-validates state under the case lock
// before touching anything, so stale queue entries are harmless.
func (s *Scheduler) executeNode(ctx context.Context, t task) {
	sem := s.branchSem(t.caseID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	mu := s.lockCase(t.caseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, t.caseID)
	if err != nil {
		mu.Unlock()
		return
	}

	run := c.Nodes[t.nodeID]
	if run == nil || run.Status != model.NodeStatusPending {
		mu.Unlock()
		return
	}
	def, ok := s.defs.Get(c.DefinitionID, c.DefinitionVersion)
	if !ok {
		mu.Unlock()
		return
	}
	n := def.FindNode(t.nodeID)
	if n == nil {
		mu.Unlock()
		return
	}
	if c.Status != model.CaseStatusRunning &&
		!s.remediationAllowed(c, t.nodeID) && !escalationAllowed(c, &def, t.nodeID) {
		mu.Unlock()
		return
	}

	switch n.Kind {
	case model.NodeKindAgent:
		s.startAgentNode(ctx, mu, c, n)
	case model.NodeKindGate, model.NodeKindHITL:
		s.startGateNode(ctx, mu, c, n)
	case model.NodeKindABSplit:
		s.runSplitNode(ctx, mu, c, n)
	default:
		mu.Unlock()
	}
}

// remediationAllowed lets the remediation branch of a rejected gate run while
// the case is paused for operator review.
func (s *Scheduler) remediationAllowed(c model.Case, nodeID string) bool {
	if c.Status != model.CaseStatusPaused {
		return false
	}
	target, _ := c.State[stateRemediationNode].(string)
	return target == nodeID
}

// escalationAllowed lets an escalation branch run while its gate is still open
// and the case therefore sits in a waiting status.
func escalationAllowed(c model.Case, def *model.WorkflowDefinition, nodeID string) bool {
	if c.Status != model.CaseStatusWaitingApproval && c.Status != model.CaseStatusWaitingInput {
		return false
	}
	for _, e := range def.InboundEdges(nodeID) {
		if e.Role == model.EdgeRoleEscalation {
			if src := c.Nodes[e.From]; src != nil && src.Status == model.NodeStatusWaiting {
				return true
			}
		}
	}
	return false
}

// consented reports whether the case subject consented to PII use.
func consented(c model.Case) bool {
	v, _ := c.State["pii_consent"].(bool)
	return v
}

// startAgentNode runs pre-dispatch policy, marks the node running, releases
// the lock, and performs the invocation outside it so parallel branches keep
// moving.
func (s *Scheduler) startAgentNode(ctx context.Context, mu caseLock, c model.Case, n *model.NodeDefinition) {
	run := c.Nodes[n.ID]

	estimate := 0.0
	if n.Agent != nil {
		estimate = n.Agent.CostUSD
	}
	verdicts := s.engine.CheckDispatch(policy.DispatchCheck{
		CaseID:           c.ID,
		NodeID:           n.ID,
		EstimatedCostUSD: estimate,
	})

	if blocked := policy.FirstBlocking(verdicts); blocked != nil {
		s.recordVerdicts(ctx, c.ID, n.ID, verdicts)
		scope := "case"
		if strings.Contains(blocked.Message, "daily") {
			scope = "daily"
		}
		s.metrics.RecordBudgetRejection(scope)
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: c.ID,
			NodeID: n.ID,
			Kind:   model.RecordBudgetRejected,
			Actor:  "policy",
			Data:   map[string]any{"message": blocked.Message, "scope": scope},
		})
		if scope == "daily" {
			// Daily exhaustion parks the case until the UTC reset; only the
			// per-case cap is terminal. The node stays Pending and re-reserves
			// on resume.
			c.Status = model.CaseStatusPaused
			if err := s.cases.Update(ctx, c); err != nil {
				mu.Unlock()
				s.logger.Error("budget pause persist failed",
					zap.String("case_id", c.ID), zap.String("node_id", n.ID), zap.Error(err))
				return
			}
			mu.Unlock()
			s.appendRecord(ctx, model.LedgerRecord{
				CaseID: c.ID,
				NodeID: n.ID,
				Kind:   model.RecordCasePaused,
				Actor:  "policy",
				Data:   map[string]any{"reason": blocked.Message},
			})
			s.logger.Warn("daily budget exhausted, case parked",
				zap.String("case_id", c.ID), zap.String("node_id", n.ID))
			return
		}
		s.failNodeLocked(ctx, mu, &c, n, run,
			model.NewBudgetExceededError(blocked.Message), time.Now().UTC())
		return
	}

	now := time.Now().UTC()
	run.Status = model.NodeStatusRunning
	run.StartedAt = &now
	if err := s.cases.Update(ctx, c); err != nil {
		s.engine.Budget().Release(c.ID, estimate)
		mu.Unlock()
		s.logger.Error("node start persist failed",
			zap.String("case_id", c.ID), zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	mu.Unlock()

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: c.ID,
		NodeID: n.ID,
		Kind:   model.RecordNodeDispatched,
		Actor:  "scheduler",
		Data:   map[string]any{"service": n.Agent.Service, "operation": n.Agent.Operation},
	})

	spanCtx, span := observability.StartSpan(ctx, "scheduler.execute_node",
		observability.AttrCaseID.String(c.ID),
		observability.AttrDefinitionID.String(c.DefinitionID),
		observability.AttrNodeID.String(n.ID),
		observability.AttrNodeKind.String(n.Kind),
	)
	result, attempts, invokeErr := s.invokeWithRetry(spanCtx, c, n)
	observability.EndSpanWithError(span, invokeErr)

	s.commitAgentResult(ctx, c.ID, n, estimate, result, attempts, invokeErr, now)
}

// invokeWithRetry calls the agent service under the node's retry policy. Each
// attempt gets its own SLA timeout; only transient failures retry.
func (s *Scheduler) invokeWithRetry(ctx context.Context, c model.Case, n *model.NodeDefinition) (node.Result, int, error) {
	maxAttempts := s.cfg.RetryMaxAttempts
	initial := s.cfg.RetryBackoffInitial
	maxWait := s.cfg.RetryBackoffMax
	if n.Retry != nil {
		if n.Retry.MaxAttempts > 0 {
			maxAttempts = n.Retry.MaxAttempts
		}
		if n.Retry.BackoffInitial > 0 {
			initial = n.Retry.BackoffInitial
		}
		if n.Retry.BackoffMax > 0 {
			maxWait = n.Retry.BackoffMax
		}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	timeout := s.cfg.DefaultNodeTimeout
	if n.Agent != nil && n.Agent.TimeoutSec > 0 {
		timeout = time.Duration(n.Agent.TimeoutSec) * time.Second
	}

	caseCtx := s.caseContext(c.ID)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxWait
	exp.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(exp, uint64(maxAttempts-1))

	attempts := 0
	var result node.Result

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(caseCtx, timeout)
		defer cancel()

		inv := node.Invocation{
			CaseID:    c.ID,
			NodeID:    n.ID,
			Operation: n.Agent.Operation,
			Attempt:   attempts,
			Input:     c.State,
		}
		var err error
		result, err = s.agents.Invoke(attemptCtx, n.Agent.Service, inv)
		if err == nil {
			return nil
		}
		if caseCtx.Err() != nil {
			// Kill switch or shutdown: stop retrying immediately.
			return backoff.Permanent(model.NewCancelledError("invocation cancelled"))
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			s.metrics.RecordNodeTimeout(c.DefinitionID, n.ID)
			return err
		}
		if node.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		s.metrics.RecordNodeRetry(c.DefinitionID, n.ID)
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: c.ID,
			NodeID: n.ID,
			Kind:   model.RecordNodeRetried,
			Actor:  "scheduler",
			Data:   map[string]any{"attempt": attempts, "error": err.Error()},
		})
		s.logger.Debug("retrying node",
			zap.String("case_id", c.ID),
			zap.String("node_id", n.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, bo, notify)
	return result, attempts, err
}

// commitAgentResult re-acquires the case lock and applies the invocation
// outcome: policy evaluation, masking, evidence, metrics, and the transition.
func (s *Scheduler) commitAgentResult(ctx context.Context, caseID string, n *model.NodeDefinition,
	reserved float64, result node.Result, attempts int, invokeErr error, startedAt time.Time) {

	mu := s.lockCase(caseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		mu.Unlock()
		return
	}
	run := c.Nodes[n.ID]
	if run == nil || run.Status != model.NodeStatusRunning {
		mu.Unlock()
		return
	}

	now := time.Now().UTC()
	latency := now.Sub(startedAt).Milliseconds()
	run.Attempts = attempts
	run.LatencyMs = latency

	if invokeErr != nil {
		s.engine.Budget().Release(caseID, reserved)
		s.failNodeLocked(ctx, mu, &c, n, run, invokeErr, now)
		return
	}

	var piiBinding *model.PIIPolicy
	if def, ok := s.defs.Get(c.DefinitionID, c.DefinitionVersion); ok {
		piiBinding = &def.Policies.PII
	}
	verdicts := s.engine.EvaluateOutput(policy.OutputCheck{
		CaseID:    caseID,
		NodeID:    n.ID,
		Output:    result.Output,
		LatencyMs: latency,
		Consented: consented(c),
		PII:       piiBinding,
	})
	s.recordVerdicts(ctx, caseID, n.ID, verdicts)

	output := result.Output
	var maskDiff map[string]string
	for _, v := range verdicts {
		if v.Masked != nil && v.Passed {
			output = v.Masked
			maskDiff = v.Diff
		}
	}
	if maskDiff != nil {
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: caseID,
			NodeID: n.ID,
			Kind:   model.RecordPIIMasked,
			Actor:  "policy",
			Data:   map[string]any{"diff": maskDiff},
		})
		for detector, count := range countMaskHits(maskDiff) {
			s.metrics.RecordPIIMasked(detector, count)
		}
	}

	s.engine.Budget().Settle(caseID, reserved, result.CostUSD)
	c.Metrics.CostUSD += result.CostUSD
	run.CostUSD = result.CostUSD

	if blocked := policy.FirstBlocking(verdicts); blocked != nil {
		c.Metrics.SafetyIncidents++
		s.failNodeLocked(ctx, mu, &c, n, run, model.NewPolicyViolationError(blocked.Message), now)
		return
	}

	run.Status = model.NodeStatusCompleted
	run.Output = output
	run.CompletedAt = &now
	c.Metrics.NodesCompleted++
	mergeOutput(c.State, n, output)

	if err := s.cases.Update(ctx, c); err != nil {
		mu.Unlock()
		s.logger.Error("node completion persist failed",
			zap.String("case_id", caseID), zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	c.Version++
	done := s.maybeFinishLocked(ctx, &c)
	mu.Unlock()

	for _, cit := range result.Evidence {
		if err := s.trail.AppendEvidence(ctx, model.EvidenceRecord{
			ID:        uuid.NewString(),
			CaseID:    caseID,
			NodeID:    n.ID,
			SourceRef: cit.SourceRef,
			Trust:     cit.Trust,
			MaskDiff:  maskDiff,
		}); err != nil {
			s.logger.Error("evidence append failed",
				zap.String("case_id", caseID), zap.String("node_id", n.ID), zap.Error(err))
		}
	}

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID:    caseID,
		NodeID:    n.ID,
		Kind:      model.RecordNodeCompleted,
		Actor:     "scheduler",
		CostUSD:   result.CostUSD,
		LatencyMs: latency,
		Data:      map[string]any{"attempts": attempts},
	})
	s.metrics.RecordNodeDispatch(c.DefinitionID, n.Kind, "completed", time.Duration(latency)*time.Millisecond)
	s.logger.Info("node completed",
		zap.String("case_id", caseID),
		zap.String("node_id", n.ID),
		zap.Int("attempts", attempts),
		zap.Int64("latency_ms", latency),
		zap.Float64("cost_usd", result.CostUSD))

	if !done {
		s.advance(ctx, caseID)
	}
}

// failNodeLocked marks the node and case failed, persists, and releases the
// lock.
func (s *Scheduler) failNodeLocked(ctx context.Context, mu caseLock, c *model.Case,
	n *model.NodeDefinition, run *model.NodeRun, cause error, now time.Time) {

	run.Status = model.NodeStatusFailed
	run.LastError = cause.Error()
	run.CompletedAt = &now
	c.Status = model.CaseStatusFailed
	c.FailureReason = cause.Error()
	c.CompletedAt = &now
	for _, other := range c.Nodes {
		if other.Status == model.NodeStatusPending || other.Status == model.NodeStatusWaiting {
			other.Status = model.NodeStatusSkipped
		}
	}

	if err := s.cases.Update(ctx, *c); err != nil {
		s.logger.Error("node failure persist failed",
			zap.String("case_id", c.ID), zap.String("node_id", n.ID), zap.Error(err))
	}
	mu.Unlock()

	// The failure record carries any spend the node settled before failing, so
	// the ledger's node costs always sum to the case metric.
	s.appendRecord(ctx, model.LedgerRecord{
		CaseID:    c.ID,
		NodeID:    n.ID,
		Kind:      model.RecordNodeFailed,
		Actor:     "scheduler",
		CostUSD:   run.CostUSD,
		LatencyMs: run.LatencyMs,
		Data:      map[string]any{"error": cause.Error(), "attempts": run.Attempts},
	})
	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: c.ID,
		Kind:   model.RecordCaseFailed,
		Actor:  "scheduler",
		Data:   map[string]any{"reason": c.FailureReason, "node_id": n.ID},
	})
	s.metrics.RecordNodeDispatch(c.DefinitionID, n.Kind, "failed", 0)
	s.metrics.RecordCaseCompletion(c.DefinitionID, c.Status, c.Metrics.CostUSD)
	s.logger.Warn("case failed",
		zap.String("case_id", c.ID),
		zap.String("node_id", n.ID),
		zap.String("reason", c.FailureReason))

	s.forgetCase(c.ID)
}

// recordVerdicts appends ledger records and metrics for policy verdicts.
// Clean passes with nothing to say stay off the trail.
func (s *Scheduler) recordVerdicts(ctx context.Context, caseID, nodeID string, verdicts []model.PolicyVerdict) {
	for _, v := range verdicts {
		s.metrics.RecordPolicyVerdict(v.Category, v.Passed, v.Blocking)
		if v.Passed && v.Message == "" {
			continue
		}
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: caseID,
			NodeID: nodeID,
			Kind:   model.RecordPolicyVerdict,
			Actor:  "policy",
			Data: map[string]any{
				"rule_id":  v.RuleID,
				"category": v.Category,
				"severity": v.Severity,
				"passed":   v.Passed,
				"blocking": v.Blocking,
				"message":  v.Message,
			},
		})
	}
}

// countMaskHits derives per-detector counts from mask tokens of the form
// [PII:<detector>:<hash>].
func countMaskHits(diff map[string]string) map[string]int {
	hits := make(map[string]int)
	for token := range diff {
		trimmed := strings.TrimPrefix(token, "[PII:")
		if idx := strings.Index(trimmed, ":"); idx > 0 {
			hits[trimmed[:idx]]++
		}
	}
	return hits
}

// mergeOutput folds a node's declared outputs into the case workspace. Nodes
// without declared outputs merge everything.
func mergeOutput(state map[string]any, n *model.NodeDefinition, output map[string]any) {
	if len(n.Outputs) == 0 {
		for k, v := range output {
			state[k] = v
		}
		return
	}
	for _, key := range n.Outputs {
		if v, ok := output[key]; ok {
			state[key] = v
		}
	}
}

// runSplitNode resolves an A/B split deterministically from the case and node
// IDs, so re-execution after a crash picks the same variant.
func (s *Scheduler) runSplitNode(ctx context.Context, mu caseLock, c model.Case, n *model.NodeDefinition) {
	run := c.Nodes[n.ID]
	now := time.Now().UTC()

	variant := pickVariant(c.ID, n.ID, n.Variants)
	run.Status = model.NodeStatusCompleted
	run.Variant = variant
	run.StartedAt = &now
	run.CompletedAt = &now
	c.Metrics.NodesCompleted++

	if err := s.cases.Update(ctx, c); err != nil {
		mu.Unlock()
		s.logger.Error("split persist failed", zap.String("case_id", c.ID), zap.Error(err))
		return
	}
	c.Version++
	done := s.maybeFinishLocked(ctx, &c)
	mu.Unlock()

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: c.ID,
		NodeID: n.ID,
		Kind:   model.RecordNodeCompleted,
		Actor:  "scheduler",
		Data:   map[string]any{"variant": variant},
	})
	s.metrics.RecordNodeDispatch(c.DefinitionID, n.Kind, "completed", 0)
	s.logger.Info("split resolved",
		zap.String("case_id", c.ID),
		zap.String("node_id", n.ID),
		zap.String("variant", variant))

	if !done {
		s.advance(ctx, c.ID)
	}
}

// pickVariant hashes case and node IDs onto [0,100) and walks the cumulative
// weights.
func pickVariant(caseID, nodeID string, variants []model.SplitVariant) string {
	if len(variants) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(caseID))
	h.Write([]byte{':'})
	h.Write([]byte(nodeID))
	bucket := int(h.Sum32() % 100)

	cumulative := 0
	for _, v := range variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v.Name
		}
	}
	return variants[len(variants)-1].Name
}

// startGateNode parks the case on a governance gate and opens the approval
// request.
func (s *Scheduler) startGateNode(ctx context.Context, mu caseLock, c model.Case, n *model.NodeDefinition) {
	run := c.Nodes[n.ID]
	now := time.Now().UTC()
	run.Status = model.NodeStatusWaiting
	run.StartedAt = &now

	if n.Kind == model.NodeKindHITL {
		c.Status = model.CaseStatusWaitingInput
	} else {
		c.Status = model.CaseStatusWaitingApproval
	}

	if err := s.cases.Update(ctx, c); err != nil {
		mu.Unlock()
		s.logger.Error("gate persist failed",
			zap.String("case_id", c.ID), zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	mu.Unlock()

	snapshot := map[string]any{
		"state":  c.State,
		"prompt": n.Prompt,
	}
	open := func() error {
		_, err := s.gates.Open(ctx, gate.OpenRequest{
			Case:     c,
			Node:     *n,
			Snapshot: snapshot,
			Risk:     s.riskFor(c),
			Priority: priorityFor(c),
		})
		return err
	}
	err := backoff.Retry(open, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 2), ctx))
	if err != nil {
		// Without an approval request nothing can ever resolve this gate, so
		// the node fails rather than leaving the case waiting forever.
		s.logger.Error("approval open failed",
			zap.String("case_id", c.ID), zap.String("node_id", n.ID), zap.Error(err))
		s.failWaitingNode(ctx, c.ID, n, fmt.Errorf("opening approval request: %w", err))
		return
	}
	s.metrics.RecordNodeDispatch(c.DefinitionID, n.Kind, "waiting", 0)
}

// failWaitingNode re-acquires the case and fails a node parked in Waiting.
// Used when the approval request behind a gate could not be created.
func (s *Scheduler) failWaitingNode(ctx context.Context, caseID string, n *model.NodeDefinition, cause error) {
	mu := s.lockCase(caseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		mu.Unlock()
		return
	}
	run := c.Nodes[n.ID]
	if run == nil || run.Status != model.NodeStatusWaiting {
		mu.Unlock()
		return
	}
	s.failNodeLocked(ctx, mu, &c, n, run, cause, time.Now().UTC())
}

// riskFor derives the approver-facing risk scores from what the case has done
// so far.
func (s *Scheduler) riskFor(c model.Case) model.RiskScores {
	var maxLatency int64
	for _, run := range c.Nodes {
		if run.LatencyMs > maxLatency {
			maxLatency = run.LatencyMs
		}
	}
	pii := 0.1
	if c.Metrics.SafetyIncidents > 0 {
		pii = 0.7
	}
	return model.RiskScores{
		PII:     pii,
		Brand:   0.1,
		Legal:   0.1,
		CostUSD: c.Metrics.CostUSD,
		SLAMs:   maxLatency,
	}
}

func priorityFor(c model.Case) string {
	if c.Metrics.SafetyIncidents > 0 {
		return "high"
	}
	return "normal"
}

// maybeFinishLocked completes the case if no work remains. Caller holds the
// case lock; a true return tells callers to stop advancing.
func (s *Scheduler) maybeFinishLocked(ctx context.Context, c *model.Case) bool {
	if c.Status != model.CaseStatusRunning {
		return c.Terminal()
	}
	for _, run := range c.Nodes {
		switch run.Status {
		case model.NodeStatusCompleted, model.NodeStatusSkipped, model.NodeStatusFailed:
		default:
			return false
		}
	}

	now := time.Now().UTC()
	c.CompletedAt = &now
	failed := ""
	for id, run := range c.Nodes {
		if run.Status == model.NodeStatusFailed {
			failed = id
			break
		}
	}
	if failed != "" {
		c.Status = model.CaseStatusFailed
		if c.FailureReason == "" {
			c.FailureReason = fmt.Sprintf("node %q failed", failed)
		}
	} else {
		c.Status = model.CaseStatusCompleted
	}

	if err := s.cases.Update(ctx, *c); err != nil {
		s.logger.Error("case completion persist failed", zap.String("case_id", c.ID), zap.Error(err))
		return false
	}
	c.Version++

	kind := model.RecordCaseCompleted
	if c.Status == model.CaseStatusFailed {
		kind = model.RecordCaseFailed
	}
	s.appendRecord(ctx, model.LedgerRecord{
		CaseID:  c.ID,
		Kind:    kind,
		Actor:   "scheduler",
		CostUSD: c.Metrics.CostUSD,
		Data:    map[string]any{"nodes_completed": c.Metrics.NodesCompleted},
	})
	s.metrics.RecordCaseCompletion(c.DefinitionID, c.Status, c.Metrics.CostUSD)
	s.logger.Info("case finished",
		zap.String("case_id", c.ID),
		zap.String("status", c.Status),
		zap.Float64("cost_usd", c.Metrics.CostUSD))

	s.forgetCase(c.ID)
	return true
}

// handleResolution reacts to a terminal approval transition. Approval resumes
// the DAG; rejection follows the remediation edge if one exists and otherwise
// fails the case; expiry follows the escalation edge if one exists and
// otherwise behaves like rejection.
func (s *Scheduler) handleResolution(ctx context.Context, req model.ApprovalRequest) {
	mu := s.lockCase(req.CaseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, req.CaseID)
	if err != nil {
		mu.Unlock()
		return
	}
	if c.Terminal() {
		mu.Unlock()
		return
	}
	run := c.Nodes[req.NodeID]
	if run == nil || run.Status != model.NodeStatusWaiting {
		mu.Unlock()
		return
	}

	def, ok := s.defs.Get(c.DefinitionID, c.DefinitionVersion)
	if !ok {
		mu.Unlock()
		return
	}
	n := def.FindNode(req.NodeID)
	if n == nil {
		mu.Unlock()
		return
	}

	now := time.Now().UTC()
	switch req.Status {
	case model.ApprovalStatusApproved:
		run.Status = model.NodeStatusCompleted
		run.CompletedAt = &now
		c.Metrics.NodesCompleted++
		if req.Comment != "" {
			c.State[req.NodeID+"_comment"] = req.Comment
		}
		c.Status = resumeStatus(c)
		if err := s.cases.Update(ctx, c); err != nil {
			mu.Unlock()
			s.logger.Error("approval apply failed", zap.String("case_id", c.ID), zap.Error(err))
			return
		}
		c.Version++
		done := s.maybeFinishLocked(ctx, &c)
		mu.Unlock()
		s.metrics.RecordNodeDispatch(c.DefinitionID, n.Kind, "completed", 0)
		if !done {
			s.advance(ctx, c.ID)
		}

	case model.ApprovalStatusExpired:
		if target := roleEdgeTarget(&def, req.NodeID, model.EdgeRoleEscalation); target != "" {
			// Escalate: run the escalation branch and reopen the gate with a
			// fresh deadline. The gate node stays Waiting.
			mu.Unlock()
			s.enqueue(task{caseID: c.ID, nodeID: target})
			if _, err := s.gates.Open(ctx, gate.OpenRequest{
				Case:     c,
				Node:     *n,
				Snapshot: req.Snapshot,
				Risk:     req.Risk,
				Priority: "high",
			}); err != nil {
				s.logger.Error("gate reopen failed", zap.String("case_id", c.ID), zap.Error(err))
			}
			return
		}
		s.rejectGateLocked(ctx, mu, c, &def, n, run, "approval expired", now)

	case model.ApprovalStatusRejected:
		s.rejectGateLocked(ctx, mu, c, &def, n, run, "approval rejected by "+req.ResolvedBy, now)

	default:
		mu.Unlock()
	}
}

// rejectGateLocked applies a rejection: remediation branch plus operator
// pause when the workflow declares one, a failed case otherwise.
func (s *Scheduler) rejectGateLocked(ctx context.Context, mu caseLock, c model.Case,
	def *model.WorkflowDefinition, n *model.NodeDefinition, run *model.NodeRun, reason string, now time.Time) {

	if target := roleEdgeTarget(def, n.ID, model.EdgeRoleRemediation); target != "" {
		// The gate returns to Pending: once the remediation branch has run and
		// an operator resumes the case, readiness reopens it against the
		// revised work product.
		run.Status = model.NodeStatusPending
		run.LastError = reason
		run.StartedAt = nil
		c.Status = model.CaseStatusPaused
		c.State[stateRemediationNode] = target
		if err := s.cases.Update(ctx, c); err != nil {
			mu.Unlock()
			return
		}
		mu.Unlock()
		s.appendRecord(ctx, model.LedgerRecord{
			CaseID: c.ID,
			NodeID: n.ID,
			Kind:   model.RecordCasePaused,
			Actor:  "scheduler",
			Data:   map[string]any{"reason": reason, "remediation_node": target},
		})
		s.logger.Warn("gate rejected, running remediation",
			zap.String("case_id", c.ID),
			zap.String("node_id", n.ID),
			zap.String("remediation_node", target))
		s.enqueue(task{caseID: c.ID, nodeID: target})
		return
	}

	s.failNodeLocked(ctx, mu, &c, n, run, fmt.Errorf("%s", reason), now)
}

// roleEdgeTarget returns the target of the first outbound edge with the given
// role, or "".
func roleEdgeTarget(def *model.WorkflowDefinition, nodeID, role string) string {
	for _, e := range def.OutboundEdges(nodeID) {
		if e.Role == role {
			return e.To
		}
	}
	return ""
}

// resumeStatus picks the case status after a gate resolves: back to Running
// unless a parallel branch still waits on another gate.
func resumeStatus(c model.Case) string {
	for _, run := range c.Nodes {
		if run.Status == model.NodeStatusWaiting {
			return c.Status
		}
	}
	return model.CaseStatusRunning
}
