package models

import (
	"encoding/json"
	"fmt"
)

// ── Cluster resources ────────────────────────────────────────
//
// Declarative resource objects managed by the cluster directory. The
// control plane treats them as an asynchronous key-value catalog keyed by
// (kind, namespace, name); it does not manage their lifecycle.

// Resource kinds recognized by the directory.
const (
	KindAgent         = "Agent"
	KindAgentInstance = "AgentInstance"
	KindRealm         = "Realm"
	KindLoopStack     = "LoopStack"
)

// ResourceMeta is the namespaced identity of a declarative resource.
type ResourceMeta struct {
	Name      string            `json:"name" yaml:"name"`
	Namespace string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Resource is one declarative object in the directory. Spec is opaque to
// the engine except for LoopStack resources, whose spec carries the loop
// definitions.
type Resource struct {
	Kind     string         `json:"kind" yaml:"kind"`
	Metadata ResourceMeta   `json:"metadata" yaml:"metadata"`
	Spec     map[string]any `json:"spec,omitempty" yaml:"spec,omitempty"`
	Status   map[string]any `json:"status,omitempty" yaml:"status,omitempty"`
}

// LoopStackResource is the typed shape of a LoopStack directory object.
type LoopStackResource struct {
	Kind     string        `json:"kind" yaml:"kind"`
	Metadata ResourceMeta  `json:"metadata" yaml:"metadata"`
	Spec     LoopStackSpec `json:"spec" yaml:"spec"`
}

// LoopStackSpecFromResource decodes a generic LoopStack directory object
// into its typed spec.
func LoopStackSpecFromResource(res *Resource) (LoopStackSpec, error) {
	raw, err := json.Marshal(res.Spec)
	if err != nil {
		return LoopStackSpec{}, fmt.Errorf("encode loopstack spec: %w", err)
	}
	var spec LoopStackSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return LoopStackSpec{}, fmt.Errorf("decode loopstack spec: %w", err)
	}
	return spec, nil
}

// Definition converts the resource into a standalone loopstack definition.
// The resource's version label is carried into the metadata when present.
func (r LoopStackResource) Definition() LoopStackDefinition {
	version := r.Metadata.Labels["version"]
	if version == "" {
		version = "v0.1.0"
	}
	return LoopStackDefinition{
		Metadata: LoopStackMetadata{
			Name:    r.Metadata.Name,
			Version: version,
		},
		Spec: r.Spec,
	}
}
