// Package registry maps tool names to invocables with typed schemas and
// capability tags. Registration is static per process; after startup the
// registry is read-only and lookups are O(1).
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/maghams62/auto-mac/pkg/plan"
)

// Capability tags used by the validator and executor to classify tools.
const (
	TagProducesFile = "produces_file"
	TagDelivery     = "delivery"
	TagSearch       = "search"
	TagSocial       = "social"
	TagWriter       = "writer"
	TagMusic        = "music"
	TagSchedule     = "schedule"
)

// InvokeContext carries per-invocation context into a tool. CancelCtx is the
// interaction's shared cancellation context; tools are expected to honor it
// cooperatively.
type InvokeContext struct {
	SessionID     string
	InteractionID string

	// ReasoningContext is set only for memory-enabled tools; see the
	// executor's _reasoning_context injection. Absence is always valid.
	ReasoningContext map[string]interface{}
}

// Invocable is the tool invocation contract. It must return a StepResult with
// status success and a value map, or status error with an error kind from the
// closed kernel set. It must never return nil.
type Invocable func(ctx context.Context, params map[string]interface{}, ic *InvokeContext) *plan.StepResult

// Descriptor declares a tool's identity, schemas and capabilities.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	ResultSchema    json.RawMessage `json:"result_schema,omitempty"`

	// MemoryEnabled tools receive a read-only slice of the reasoning trace.
	MemoryEnabled bool `json:"memory_enabled,omitempty"`

	// Terminal marks the reply action. Exactly one registered tool should be
	// terminal; the validator relies on it.
	Terminal bool `json:"terminal,omitempty"`

	// Verifiable steps are checked by the step verifier after execution.
	Verifiable bool `json:"verifiable,omitempty"`

	// Timeout overrides the executor's default per-step deadline.
	Timeout time.Duration `json:"-"`

	Tags []string `json:"tags,omitempty"`
}

// HasTag reports whether the descriptor carries the given capability tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Tool pairs a descriptor with its invocable.
type Tool struct {
	Descriptor
	Invoke Invocable
}

// Registry is the name → tool map plus a cached catalog view.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	names []string

	catalog     string
	catalogHash string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names and nil invocables are programmer
// errors and rejected.
func (r *Registry) Register(desc Descriptor, invoke Invocable) error {
	if desc.Name == "" {
		return fmt.Errorf("tool descriptor has no name")
	}
	if invoke == nil {
		return fmt.Errorf("tool %s has no invocable", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}
	r.tools[desc.Name] = &Tool{Descriptor: desc, Invoke: invoke}
	r.names = append(r.names, desc.Name)
	sort.Strings(r.names)

	// Invalidate the cached catalog; it is rebuilt on next read.
	r.catalog = ""
	r.catalogHash = ""
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// TerminalAction returns the name of the registered terminal (reply) tool, or
// "" if none is registered.
func (r *Registry) TerminalAction() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		if r.tools[name].Terminal {
			return name
		}
	}
	return ""
}

// Catalog renders the name → description → parameter-schema view consumed by
// the planner prompt. The rendered string is cached and reused across
// requests until the registry contents change.
func (r *Registry) Catalog() string {
	catalog, _ := r.catalogView()
	return catalog
}

// CatalogHash returns a content hash of the catalog view, used to detect when
// a cached planner prompt must be rebuilt.
func (r *Registry) CatalogHash() string {
	_, hash := r.catalogView()
	return hash
}

func (r *Registry) catalogView() (string, string) {
	r.mu.RLock()
	if r.catalog != "" {
		catalog, hash := r.catalog, r.catalogHash
		r.mu.RUnlock()
		return catalog, hash
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog != "" {
		return r.catalog, r.catalogHash
	}

	var b strings.Builder
	for _, name := range r.names {
		tool := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		if len(tool.ParameterSchema) > 0 {
			fmt.Fprintf(&b, "  parameters: %s\n", compactJSON(tool.ParameterSchema))
		}
		if len(tool.Tags) > 0 {
			fmt.Fprintf(&b, "  tags: %s\n", strings.Join(tool.Tags, ", "))
		}
		if tool.Terminal {
			b.WriteString("  terminal: true\n")
		}
	}
	r.catalog = b.String()

	sum := sha256.Sum256([]byte(r.catalog))
	r.catalogHash = hex.EncodeToString(sum[:])
	return r.catalog, r.catalogHash
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// SchemaFor derives a JSON schema from a Go parameter struct. Tools declare
// their parameter shape as a struct and register the reflected schema.
func SchemaFor(v interface{}) json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return data
}
