// Package capability holds the registry of actions the agent can take.
// Each capability pairs a Descriptor (what the planner sees) with an
// Invoker (what the executor calls). Registration is explicit and
// happens at the composition root.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Reserved category names.
const (
	// CategoryUnclassified is assigned to capabilities registered
	// without a category.
	CategoryUnclassified = "unclassified"
	// CategoryAll selects every registered capability.
	CategoryAll = "all"
)

// ErrUnknownCapability is matched by errors.Is for any lookup of an
// unregistered name.
var ErrUnknownCapability = errors.New("unknown capability")

// UnknownCapabilityError reports the name that failed to resolve.
type UnknownCapabilityError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Name)
}

// Is makes errors.Is(err, ErrUnknownCapability) true.
func (e *UnknownCapabilityError) Is(target error) bool {
	return target == ErrUnknownCapability
}

// Invoker executes a capability. The returned text becomes the action's
// raw output; errors are rendered into the output by the executor.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, args map[string]any) (string, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}

// Descriptor is the planner-facing description of a capability.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Parameters  map[string]any `json:"parameters"`
	// Searchable capabilities compete for a place in the offered set by
	// semantic similarity. Non-searchable ones are always offered.
	Searchable bool `json:"searchable,omitempty"`
	// Embedding is the cached vector for Searchable capabilities.
	Embedding []float32 `json:"-"`
}

// Capability is a descriptor plus its invoker, as produced by loaders.
type Capability struct {
	Descriptor
	Invoker Invoker
}

// Loader produces a batch of capabilities from one source (built-ins,
// an MCP server, ...).
type Loader interface {
	Name() string
	Load(ctx context.Context) ([]Capability, error)
}

type entry struct {
	desc    Descriptor
	invoker Invoker
}

// Registry holds available capabilities. It is safe for concurrent use
// and may be shared across runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a capability, replacing any existing one with the same
// name. An empty category becomes CategoryUnclassified.
func (r *Registry) Register(desc Descriptor, inv Invoker) {
	if desc.Category == "" {
		desc.Category = CategoryUnclassified
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		r.logger.Debug("capability replaced", "name", desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, invoker: inv}
}

// Resolve returns the descriptor and invoker registered under name.
func (r *Registry) Resolve(name string) (Descriptor, Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, nil, &UnknownCapabilityError{Name: name}
	}
	return e.desc, e.invoker, nil
}

// ListAll returns every descriptor, sorted by name.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(Descriptor) bool { return true })
}

// ListByCategory returns the descriptors in category. CategoryAll and
// categories with no members return every descriptor, so a bad
// classification never leaves the planner without tools.
func (r *Registry) ListByCategory(category string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if category != CategoryAll {
		if out := r.listLocked(func(d Descriptor) bool { return d.Category == category }); len(out) > 0 {
			return out
		}
		r.logger.Debug("category has no capabilities, listing all", "category", category)
	}
	return r.listLocked(func(Descriptor) bool { return true })
}

func (r *Registry) listLocked(keep func(Descriptor) bool) []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.desc) {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories returns the distinct categories in use, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range r.entries {
		seen[e.desc.Category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Assign moves a capability into category.
func (r *Registry) Assign(name, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return &UnknownCapabilityError{Name: name}
	}
	e.desc.Category = category
	return nil
}

// SetEmbedding caches the vector for a capability.
func (r *Registry) SetEmbedding(name string, vec []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return &UnknownCapabilityError{Name: name}
	}
	e.desc.Embedding = vec
	return nil
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Fingerprint hashes every capability's name, description and schema.
// It changes whenever the set of capabilities or their definitions
// change, and ignores categories and embeddings.
func (r *Registry) Fingerprint() string {
	descs := r.ListAll()
	h := sha256.New()
	for _, d := range descs {
		schema, _ := json.Marshal(d.Parameters)
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", d.Name, d.Description, schema)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Load registers the output of each loader. A loader that fails is
// logged and skipped; the others still load. It returns the number of
// capabilities registered and the joined loader errors.
func (r *Registry) Load(ctx context.Context, loaders ...Loader) (int, error) {
	var errs []error
	count := 0
	for _, l := range loaders {
		caps, err := l.Load(ctx)
		if err != nil {
			r.logger.Warn("capability loader failed", "loader", l.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
			continue
		}
		for _, c := range caps {
			r.Register(c.Descriptor, c.Invoker)
		}
		count += len(caps)
		r.logger.Info("capabilities loaded", "loader", l.Name(), "count", len(caps))
	}
	return count, errors.Join(errs...)
}

// FormatCatalog renders descriptors for inclusion in a prompt.
func FormatCatalog(descs []Descriptor) string {
	var sb strings.Builder
	for _, d := range descs {
		sb.WriteString("- ")
		sb.WriteString(d.Name)
		sb.WriteString(": ")
		sb.WriteString(d.Description)
		sb.WriteString("\n")
		if len(d.Parameters) > 0 {
			schema, err := json.Marshal(d.Parameters)
			if err == nil {
				sb.WriteString("  parameters: ")
				sb.Write(schema)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// Names returns the names of descs in order.
func Names(descs []Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	return out
}
