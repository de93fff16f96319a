package manifest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agi-run/missionctl/model"
)

// Registry holds published workflow definitions. Published versions are
// immutable; re-publishing an existing id+version pair is rejected. Reads go
// through an atomically swapped snapshot so lookups on the dispatch path never
// take a lock.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	// byKey is keyed by id + "@" + version.
	byKey map[string]model.WorkflowDefinition
	// live maps a definition id to its current live version.
	live map[string]string
}

func defKey(id, version string) string {
	return id + "@" + version
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snapshot.Store(&registrySnapshot{
		byKey: map[string]model.WorkflowDefinition{},
		live:  map[string]string{},
	})
	return r
}

// Publish adds a new definition version. Publishing an id+version that already
// exists fails, regardless of content: published versions are immutable.
func (r *Registry) Publish(def model.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	key := defKey(def.ID, def.Version)
	if _, exists := current.byKey[key]; exists {
		return model.NewConflictError(fmt.Sprintf("definition %s version %s is already published", def.ID, def.Version))
	}

	next := current.clone()
	next.byKey[key] = def
	if def.Stage == model.StageLive {
		next.live[def.ID] = def.Version
	}
	r.snapshot.Store(next)
	return nil
}

// Promote moves a published version to a new stage. Promotion only moves
// forward: draft to canary, canary to live. Promoting to live demotes the
// previous live version of the same definition to canary.
func (r *Registry) Promote(id, version, stage string) (model.WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	key := defKey(id, version)
	def, ok := current.byKey[key]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("definition %s version %s not found", id, version))
	}

	if !stageAdvances(def.Stage, stage) {
		return model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("cannot promote %s from %s to %s", key, def.Stage, stage))
	}

	next := current.clone()
	def.Stage = stage
	next.byKey[key] = def

	if stage == model.StageLive {
		if prev, ok := next.live[id]; ok && prev != version {
			prevKey := defKey(id, prev)
			prevDef := next.byKey[prevKey]
			prevDef.Stage = model.StageCanary
			next.byKey[prevKey] = prevDef
		}
		next.live[id] = version
	}

	r.snapshot.Store(next)
	return def, nil
}

func stageAdvances(from, to string) bool {
	rank := map[string]int{
		model.StageDraft:  0,
		model.StageCanary: 1,
		model.StageLive:   2,
	}
	return rank[to] > rank[from]
}

// Get returns a specific published version.
func (r *Registry) Get(id, version string) (model.WorkflowDefinition, bool) {
	def, ok := r.snapshot.Load().byKey[defKey(id, version)]
	return def, ok
}

// Live returns the current live version of a definition.
func (r *Registry) Live(id string) (model.WorkflowDefinition, bool) {
	snap := r.snapshot.Load()
	version, ok := snap.live[id]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	def, ok := snap.byKey[defKey(id, version)]
	return def, ok
}

// Resolve returns the requested version, or the live version when version is
// empty.
func (r *Registry) Resolve(id, version string) (model.WorkflowDefinition, bool) {
	if version == "" {
		return r.Live(id)
	}
	return r.Get(id, version)
}

// List returns all published definitions sorted by id then version.
func (r *Registry) List() []model.WorkflowDefinition {
	snap := r.snapshot.Load()
	defs := make([]model.WorkflowDefinition, 0, len(snap.byKey))
	for _, def := range snap.byKey {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].ID != defs[j].ID {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].Version < defs[j].Version
	})
	return defs
}

// Len returns the number of published definition versions.
func (r *Registry) Len() int {
	return len(r.snapshot.Load().byKey)
}

func (s *registrySnapshot) clone() *registrySnapshot {
	next := &registrySnapshot{
		byKey: make(map[string]model.WorkflowDefinition, len(s.byKey)+1),
		live:  make(map[string]string, len(s.live)+1),
	}
	for k, v := range s.byKey {
		next.byKey[k] = v
	}
	for k, v := range s.live {
		next.live[k] = v
	}
	return next
}
