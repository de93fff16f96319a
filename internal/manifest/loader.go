// Package manifest loads declarative workflow manifests, compiles them into
// immutable workflow definitions, validates the DAG, and provides a versioned
// registry with atomic snapshot swap.
package manifest

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agi-run/missionctl/model"
)

// SupportedAPIVersion is the only manifest apiVersion accepted at publish time.
const SupportedAPIVersion = "agi.run/v1"

// Manifest is the declarative workflow document as authored in the studio.
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       ManifestSpec     `yaml:"spec"`
}

// ManifestMetadata identifies the workflow and its owner.
type ManifestMetadata struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Owner   string `yaml:"owner"`
}

// ManifestSpec carries the workflow graph, triggers, and policy parameters.
type ManifestSpec struct {
	Role     string                    `yaml:"role"`
	Triggers []model.TriggerDefinition `yaml:"triggers"`
	Nodes    []model.NodeDefinition    `yaml:"nodes"`
	Edges    []model.EdgeDefinition    `yaml:"edges"`
	Policies ManifestPolicies          `yaml:"policies"`
}

// ManifestPolicies mirrors the policies block of the manifest.
type ManifestPolicies struct {
	SLA        model.SLAPolicy `yaml:"sla"`
	PII        model.PIIPolicy `yaml:"pii"`
	Governance Governance      `yaml:"governance"`
}

// Governance declares the approval gates of the workflow. Gate entries bind
// approver roles to gate nodes by ID.
type Governance struct {
	Gates []GateSpec `yaml:"gates"`
}

// GateSpec binds approvers and a deadline to a gate node.
type GateSpec struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Approvers   []string `yaml:"approvers"`
	DeadlineMin int      `yaml:"deadline_min"`
}

// Loader parses manifest YAML documents and compiles them into workflow
// definitions.
type Loader struct{}

// NewLoader creates a new manifest Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and compiles
// each into a WorkflowDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads, parses, and compiles a single manifest file. It computes the
// SHA-256 checksum over the raw bytes and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Compile(data)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("compiling %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Compile parses raw manifest YAML and produces an unvalidated
// WorkflowDefinition. Gate bindings from the governance block are attached to
// their gate nodes; nodes without an explicit retry policy inherit one from the
// SLA block.
func (l *Loader) Compile(data []byte) (model.WorkflowDefinition, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing manifest: %w", err)
	}

	if m.APIVersion != SupportedAPIVersion {
		return model.WorkflowDefinition{}, fmt.Errorf("unsupported apiVersion %q (want %q)", m.APIVersion, SupportedAPIVersion)
	}
	if m.Kind != "Agent" {
		return model.WorkflowDefinition{}, fmt.Errorf("unsupported kind %q (want \"Agent\")", m.Kind)
	}

	def := model.WorkflowDefinition{
		ID:       m.Metadata.Name,
		Version:  m.Metadata.Version,
		Name:     m.Metadata.Name,
		Owner:    m.Metadata.Owner,
		Stage:    model.StageDraft,
		Nodes:    m.Spec.Nodes,
		Edges:    m.Spec.Edges,
		Triggers: m.Spec.Triggers,
		Policies: model.PolicyBindings{
			SLA: m.Spec.Policies.SLA,
			PII: m.Spec.Policies.PII,
		},
		Checksum:    fmt.Sprintf("%x", sha256.Sum256(data)),
		PublishedAt: time.Now().UTC(),
	}

	gates := make(map[string]GateSpec, len(m.Spec.Policies.Governance.Gates))
	for _, g := range m.Spec.Policies.Governance.Gates {
		gates[g.ID] = g
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind == model.NodeKindGate {
			if g, ok := gates[n.ID]; ok && n.Gate == nil {
				n.Gate = &model.GateBinding{
					Type:        g.Type,
					Approvers:   g.Approvers,
					DeadlineMin: g.DeadlineMin,
				}
			}
		}
		if n.Kind == model.NodeKindAgent && n.Retry == nil && m.Spec.Policies.SLA.Retries > 0 {
			n.Retry = &model.RetryPolicy{
				MaxAttempts: m.Spec.Policies.SLA.Retries + 1,
			}
		}
		if n.Agent != nil && n.Agent.TimeoutSec == 0 {
			n.Agent.TimeoutSec = m.Spec.Policies.SLA.TimeoutSec
		}
	}

	return def, nil
}
