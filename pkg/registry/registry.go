// Package registry holds the static mapping from tool identifiers to their
// connection descriptors. It is populated once at process start and read-only
// afterwards; other components may cache resolved descriptors for the process
// lifetime.
package registry

import (
	"sort"
	"sync"

	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/tool"
)

// TransportKind selects how a tool is reached.
type TransportKind string

const (
	// TransportLocal invokes tool handles in-process.
	TransportLocal TransportKind = "local"
	// TransportStreamable invokes a remote MCP server over streamable HTTP.
	TransportStreamable TransportKind = "streamable"
)

// ContentKind declares what a tool's capabilities may return.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentStructured ContentKind = "structured"
	ContentBinary     ContentKind = "binary"
)

// ToolDescriptor is one registry entry. Immutable after registration.
type ToolDescriptor struct {
	ID          string
	DisplayName string
	Transport   TransportKind
	Endpoint    string // streamable HTTP URL; empty for local transports

	// Resource and Scopes drive delegated-credential exchange. An empty
	// Resource marks the tool anonymous: invocations carry no credential.
	Resource string
	Scopes   []string

	// SelfCorrecting marks tools whose structural failures the execution
	// loop may remedy by regenerating the request.
	SelfCorrecting bool

	OutputKinds []ContentKind

	// Handles are the native capabilities for local transports.
	Handles []tool.Tool
}

// Anonymous reports whether invocations of this tool carry no credential.
func (d ToolDescriptor) Anonymous() bool { return d.Resource == "" }

// Registry maps tool ids to descriptors. Safe for concurrent reads; writes
// are only legal before Freeze.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]ToolDescriptor
	frozen bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]ToolDescriptor)}
}

// Register adds a descriptor. It fails on duplicate ids and after Freeze.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.ID == "" {
		return errmodel.Validation("bad_descriptor", "tool id is empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errmodel.Validation("registry_frozen", "registry is read-only after startup", map[string]any{"tool": d.ID})
	}
	if _, exists := r.byID[d.ID]; exists {
		return errmodel.DuplicateTool(d.ID)
	}
	r.byID[d.ID] = d
	return nil
}

// Freeze makes the registry read-only. Called once startup wiring is done.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the descriptor for id.
func (r *Registry) Resolve(id string) (ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return ToolDescriptor{}, errmodel.UnknownTool(id)
	}
	return d, nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
