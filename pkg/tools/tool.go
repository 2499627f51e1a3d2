package tools

import (
	"context"
	"sort"

	"github.com/curaious/relay/pkg/llm"
)

// Tool is the server-side tool capability. Implementations are registered by
// name; the pipeline injects scope args and handles dedup around Execute.
type Tool interface {
	Name() string
	Declaration() *llm.FunctionDecl
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ExecTarget says where a tool call runs.
type ExecTarget string

const (
	TargetServer ExecTarget = "SERVER"
	TargetClient ExecTarget = "CLIENT"
)

// Result statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Result is the outcome of one tool call. Reused is true when the call was
// served from the dedup ledger or the intra-step executed set. Args carries
// the shaped arguments the call was identified by; it is empty when the call
// failed before arg shaping.
type Result struct {
	CallID string         `json:"tool_call_id"`
	Name   string         `json:"name"`
	Reused bool           `json:"reused"`
	Status string         `json:"status"`
	Args   map[string]any `json:"args,omitempty"`
	Data   any            `json:"data"`
}

// ManifestEntry is one callable function plus its execution target.
type ManifestEntry struct {
	Decl   llm.FunctionDecl
	Target ExecTarget
}

// Manifest is the combined set of callable tools for a step: registered
// server tools plus caller-declared client tools. Server names win when a
// name is declared on both sides.
type Manifest map[string]ManifestEntry

// BuildManifest combines the registry's server tools (after the toggle
// filter) with the caller's client declarations.
func BuildManifest(registry *Registry, toggles map[string]bool, clientTools []llm.FunctionDecl) Manifest {
	manifest := Manifest{}

	for _, tool := range registry.All() {
		if enabled, ok := toggles[tool.Name()]; ok && !enabled {
			continue
		}
		manifest[tool.Name()] = ManifestEntry{Decl: *tool.Declaration(), Target: TargetServer}
	}

	for _, decl := range clientTools {
		if _, exists := manifest[decl.Name]; exists {
			continue
		}
		manifest[decl.Name] = ManifestEntry{Decl: decl, Target: TargetClient}
	}

	return manifest
}

// Target classifies a call by name. Unknown names run server-side so the
// pipeline can fail them with a structured error result.
func (m Manifest) Target(name string) ExecTarget {
	if entry, ok := m[name]; ok {
		return entry.Target
	}
	return TargetServer
}

// Declarations returns the manifest in stable name order.
func (m Manifest) Declarations() []llm.FunctionDecl {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]llm.FunctionDecl, 0, len(names))
	for _, name := range names {
		decls = append(decls, m[name].Decl)
	}
	return decls
}
