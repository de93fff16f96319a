package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agi-run/missionctl/model"
)

// ServiceInfo describes one registered agent service.
type ServiceInfo struct {
	Name         string    `json:"name"`
	BaseURL      string    `json:"base_url"`
	Operations   []string  `json:"operations,omitempty"`
	BreakerState string    `json:"breaker_state"`
	RegisteredAt time.Time `json:"registered_at"`
}

type registeredService struct {
	info    ServiceInfo
	invoker Invoker
	breaker *Breaker
}

// Registry maps agent service names to invokers, each behind its own breaker.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*registeredService

	tripAfter  int
	closeAfter int
	coolDown   time.Duration
}

// NewRegistry creates a Registry whose per-service breakers use the given
// thresholds.
func NewRegistry(tripAfter, closeAfter int, coolDown time.Duration) *Registry {
	return &Registry{
		services:   make(map[string]*registeredService),
		tripAfter:  tripAfter,
		closeAfter: closeAfter,
		coolDown:   coolDown,
	}
}

// Register adds or replaces a service. Re-registration resets the breaker.
func (r *Registry) Register(info ServiceInfo, invoker Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now().UTC()
	}
	r.services[info.Name] = &registeredService{
		info:    info,
		invoker: invoker,
		breaker: NewBreaker(r.tripAfter, r.closeAfter, r.coolDown),
	}
}

// Invoke dispatches an invocation to the named service through its breaker.
// An open breaker fails fast with a transient error so the scheduler's retry
// loop backs off instead of giving up.
func (r *Registry) Invoke(ctx context.Context, service string, inv Invocation) (Result, error) {
	r.mu.RLock()
	svc, ok := r.services[service]
	r.mu.RUnlock()

	if !ok {
		return Result{}, model.NewNodeExecutionError(fmt.Sprintf("agent service %q is not registered", service))
	}

	if err := svc.breaker.Allow(); err != nil {
		return Result{}, Transient(fmt.Errorf("service %q: %w", service, err))
	}

	result, err := svc.invoker.Invoke(ctx, inv)
	svc.breaker.Record(err)
	return result, err
}

// Services returns all registered services sorted by name.
func (r *Registry) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(r.services))
	for _, svc := range r.services {
		info := svc.info
		info.BreakerState = svc.breaker.State()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Lookup returns the info for one service.
func (r *Registry) Lookup(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return ServiceInfo{}, false
	}
	info := svc.info
	info.BreakerState = svc.breaker.State()
	return info, true
}
