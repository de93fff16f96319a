package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agi-run/missionctl/model"
)

// StartCase creates a case from a published definition and enqueues its entry
// nodes. An empty version resolves to the definition's live version.
func (s *Scheduler) StartCase(ctx context.Context, definitionID, version, trigger string, input map[string]any) (model.Case, error) {
	def, ok := s.defs.Resolve(definitionID, version)
	if !ok {
		return model.Case{}, model.NewNotFoundError(
			fmt.Sprintf("definition %q (version %q) not found", definitionID, version))
	}
	if version == "" && def.Stage != model.StageLive {
		return model.Case{}, model.NewConflictError(
			fmt.Sprintf("definition %q has no live version", definitionID))
	}

	now := time.Now().UTC()
	c := model.Case{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Trigger:           trigger,
		Status:            model.CaseStatusRunning,
		Nodes:             make(map[string]*model.NodeRun, len(def.Nodes)),
		State:             make(map[string]any, len(input)),
		Metrics:           model.CaseMetrics{NodesTotal: len(def.Nodes)},
		Version:           1,
		CreatedAt:         now,
		StartedAt:         &now,
	}
	for k, v := range input {
		c.State[k] = v
	}
	for _, n := range def.Nodes {
		c.Nodes[n.ID] = &model.NodeRun{NodeID: n.ID, Status: model.NodeStatusPending}
	}

	if err := s.cases.Create(ctx, c); err != nil {
		return model.Case{}, err
	}

	actor := "system"
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		actor = rctx.SubjectID
	}
	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: c.ID,
		Kind:   model.RecordCaseStarted,
		Actor:  actor,
		Data: map[string]any{
			"definition_id":      c.DefinitionID,
			"definition_version": c.DefinitionVersion,
			"trigger":            trigger,
		},
	})
	s.metrics.RecordCaseStart(c.DefinitionID, trigger)
	s.logger.Info("case started",
		zap.String("case_id", c.ID),
		zap.String("definition_id", c.DefinitionID),
		zap.String("definition_version", c.DefinitionVersion),
		zap.String("trigger", trigger))

	s.advance(ctx, c.ID)
	return c, nil
}

// Get returns a case by ID.
func (s *Scheduler) Get(ctx context.Context, caseID string) (model.Case, error) {
	return s.cases.Get(ctx, caseID)
}

// List returns case summaries matching the filters.
func (s *Scheduler) List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, error) {
	return s.cases.List(ctx, filters)
}

// Pause suspends a running case. In-flight node executions finish; no new
// nodes dispatch until Resume.
func (s *Scheduler) Pause(ctx context.Context, caseID string) (model.Case, error) {
	mu := s.lockCase(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	if c.Status != model.CaseStatusRunning {
		return model.Case{}, model.NewCaseNotActiveError(
			fmt.Sprintf("case %q is %s, only Running cases pause", caseID, c.Status))
	}

	c.Status = model.CaseStatusPaused
	if err := s.cases.Update(ctx, c); err != nil {
		return model.Case{}, err
	}

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: caseID,
		Kind:   model.RecordCasePaused,
		Actor:  actorFrom(ctx),
	})
	s.logger.Info("case paused", zap.String("case_id", caseID))

	c.Version++
	return c, nil
}

// Resume returns a paused case to Running and re-enqueues its ready nodes.
func (s *Scheduler) Resume(ctx context.Context, caseID string) (model.Case, error) {
	mu := s.lockCase(caseID)
	mu.Lock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		mu.Unlock()
		return model.Case{}, err
	}
	if c.Status != model.CaseStatusPaused {
		mu.Unlock()
		return model.Case{}, model.NewCaseNotActiveError(
			fmt.Sprintf("case %q is %s, only Paused cases resume", caseID, c.Status))
	}

	c.Status = model.CaseStatusRunning
	delete(c.State, stateRemediationNode)
	if err := s.cases.Update(ctx, c); err != nil {
		mu.Unlock()
		return model.Case{}, err
	}
	mu.Unlock()

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: caseID,
		Kind:   model.RecordCaseResumed,
		Actor:  actorFrom(ctx),
	})
	s.logger.Info("case resumed", zap.String("case_id", caseID))

	s.advance(ctx, caseID)
	c.Version++
	return c, nil
}

// Kill is the kill switch: it cancels in-flight invocations and fails the
// case immediately. Terminal cases cannot be killed.
func (s *Scheduler) Kill(ctx context.Context, caseID, reason string) (model.Case, error) {
	mu := s.lockCase(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	if c.Terminal() {
		return model.Case{}, model.NewCaseNotActiveError(
			fmt.Sprintf("case %q is already %s", caseID, c.Status))
	}

	s.killCase(caseID)

	now := time.Now().UTC()
	c.Status = model.CaseStatusFailed
	if reason == "" {
		reason = "killed by operator"
	}
	c.FailureReason = reason
	c.CompletedAt = &now
	for _, run := range c.Nodes {
		if run.Status == model.NodeStatusRunning || run.Status == model.NodeStatusWaiting ||
			run.Status == model.NodeStatusPending {
			run.Status = model.NodeStatusSkipped
		}
	}

	if err := s.cases.Update(ctx, c); err != nil {
		return model.Case{}, err
	}

	s.appendRecord(ctx, model.LedgerRecord{
		CaseID: caseID,
		Kind:   model.RecordCaseKilled,
		Actor:  actorFrom(ctx),
		Data:   map[string]any{"reason": reason},
	})
	s.metrics.RecordCaseCompletion(c.DefinitionID, c.Status, c.Metrics.CostUSD)
	s.logger.Warn("case killed",
		zap.String("case_id", caseID),
		zap.String("reason", reason))

	s.forgetCase(caseID)
	c.Version++
	return c, nil
}

// appendRecord writes a ledger record, retrying transient store errors. The
// transition has already happened by the time this runs, so the caller never
// fails; a record dropped after retries leaves a gap in the audit trail and is
// surfaced through the failure counter and an error log instead.
func (s *Scheduler) appendRecord(ctx context.Context, record model.LedgerRecord) {
	op := func() error {
		_, err := s.trail.Append(ctx, record)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 2), ctx))
	if err != nil {
		s.metrics.RecordLedgerAppendFailure(record.Kind)
		s.logger.Error("ledger append failed, audit trail gap",
			zap.String("case_id", record.CaseID),
			zap.String("kind", record.Kind),
			zap.Error(err))
		return
	}
	s.metrics.RecordLedgerAppend(record.Kind)
}

func actorFrom(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.SubjectID
	}
	return "system"
}
