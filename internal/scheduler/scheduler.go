// Package scheduler drives cases through their workflow DAGs: a bounded worker
// pool pulls ready nodes off a queue, dispatches them to agent services with
// retries and SLA timeouts, consults the policy engine around every dispatch,
// and hands gate nodes to the governance controller. All mutation of one case
// is serialized on a per-case lock; parallel branches of the same case still
// execute concurrently, they just commit their state transitions one at a time.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agi-run/missionctl/internal/casestate"
	"github.com/agi-run/missionctl/internal/config"
	"github.com/agi-run/missionctl/internal/gate"
	"github.com/agi-run/missionctl/internal/ledger"
	"github.com/agi-run/missionctl/internal/manifest"
	"github.com/agi-run/missionctl/internal/node"
	"github.com/agi-run/missionctl/internal/observability"
	"github.com/agi-run/missionctl/internal/policy"
	"github.com/agi-run/missionctl/model"
)

// task is one unit of queued work: execute one node of one case.
type task struct {
	caseID string
	nodeID string
}

// Scheduler executes cases.
type Scheduler struct {
	defs    *manifest.Registry
	cases   casestate.Store
	agents  *node.Registry
	gates   *gate.Controller
	engine  *policy.Engine
	trail   ledger.Store
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     config.SchedulerConfig

	queue chan task

	// locks serializes state mutation per case.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// branchSems bounds concurrent node executions per case.
	branchMu   sync.Mutex
	branchSems map[string]*semaphore.Weighted

	// caseCtxs holds the kill-switch context for each active case.
	cancelsMu sync.Mutex
	caseCtxs  map[string]caseCtx

	// baseCtx is the run context; in-flight node executions derive from it so
	// the kill switch and shutdown can interrupt them.
	baseCtx context.Context
}

// New creates a Scheduler and registers itself as the gate controller's
// resolution handler.
func New(
	defs *manifest.Registry,
	cases casestate.Store,
	agents *node.Registry,
	gates *gate.Controller,
	engine *policy.Engine,
	trail ledger.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg config.SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BranchConcurrency <= 0 {
		cfg.BranchConcurrency = 4
	}

	s := &Scheduler{
		defs:       defs,
		cases:      cases,
		agents:     agents,
		gates:      gates,
		engine:     engine,
		trail:      trail,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		queue:      make(chan task, cfg.QueueSize),
		locks:      make(map[string]*sync.Mutex),
		branchSems: make(map[string]*semaphore.Weighted),
		caseCtxs:   make(map[string]caseCtx),
	}
	gates.SetResolutionHandler(s.handleResolution)
	return s
}

// Run starts the worker pool and blocks until ctx is cancelled. Non-terminal
// cases found in the store are recovered before workers start draining.
func (s *Scheduler) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.recover(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-s.queue:
					s.metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
					s.executeNode(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// enqueue puts a node on the work queue. A full queue drops the task with an
// error log; the recovery pass on restart re-derives ready nodes from state,
// so a dropped task delays the case rather than wedging it forever.
func (s *Scheduler) enqueue(t task) {
	select {
	case s.queue <- t:
		s.metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	default:
		s.logger.Error("scheduler queue full, dropping task",
			zap.String("case_id", t.caseID),
			zap.String("node_id", t.nodeID))
	}
}

// lockCase returns the mutex serializing mutation of one case.
func (s *Scheduler) lockCase(caseID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[caseID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[caseID] = mu
	}
	return mu
}

// branchSem returns the per-case semaphore bounding parallel branch execution.
func (s *Scheduler) branchSem(caseID string) *semaphore.Weighted {
	s.branchMu.Lock()
	defer s.branchMu.Unlock()

	sem, ok := s.branchSems[caseID]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.cfg.BranchConcurrency))
		s.branchSems[caseID] = sem
	}
	return sem
}

// caseCtx pairs a case's execution context with the cancel func the kill
// switch fires.
type caseCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// caseContext returns the shared execution context for a case, creating it on
// first use. Every in-flight invocation of the case derives from it.
func (s *Scheduler) caseContext(caseID string) context.Context {
	s.cancelsMu.Lock()
	defer s.cancelsMu.Unlock()

	if cc, ok := s.caseCtxs[caseID]; ok && cc.ctx.Err() == nil {
		return cc.ctx
	}
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.caseCtxs[caseID] = caseCtx{ctx: ctx, cancel: cancel}
	return ctx
}

// killCase fires the case's cancel func, interrupting in-flight invocations.
func (s *Scheduler) killCase(caseID string) {
	s.cancelsMu.Lock()
	cc, ok := s.caseCtxs[caseID]
	delete(s.caseCtxs, caseID)
	s.cancelsMu.Unlock()

	if ok {
		cc.cancel()
	}
}

// forgetCase releases per-case bookkeeping after a terminal transition.
func (s *Scheduler) forgetCase(caseID string) {
	s.killCase(caseID)

	s.locksMu.Lock()
	delete(s.locks, caseID)
	s.locksMu.Unlock()

	s.branchMu.Lock()
	delete(s.branchSems, caseID)
	s.branchMu.Unlock()

	s.engine.Budget().Forget(caseID)
}

// recover re-enqueues ready nodes of every Running case found at startup.
// Nodes stuck in Running from a crash are reset to Pending first; their agent
// invocations carry idempotency keys, so a replayed attempt is safe.
func (s *Scheduler) recover(ctx context.Context) {
	running, err := s.cases.FindByStatus(ctx, model.CaseStatusRunning)
	if err != nil {
		s.logger.Error("case recovery scan failed", zap.Error(err))
		return
	}

	for _, c := range running {
		changed := false
		for _, run := range c.Nodes {
			if run.Status == model.NodeStatusRunning {
				run.Status = model.NodeStatusPending
				changed = true
			}
		}
		if changed {
			if err := s.cases.Update(ctx, c); err != nil {
				s.logger.Error("case recovery update failed",
					zap.String("case_id", c.ID), zap.Error(err))
				continue
			}
		}
		s.logger.Info("recovered case", zap.String("case_id", c.ID))
		s.advance(ctx, c.ID)
	}
}
