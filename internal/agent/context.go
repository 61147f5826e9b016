package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/ctf-agent/internal/memory"
)

// ContextProvider contributes a section to the planner's view of the
// run. problem is the statement being solved.
type ContextProvider interface {
	GetContext(ctx context.Context, problem string) (string, error)
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(ctx context.Context, problem string) (string, error)

// GetContext implements ContextProvider.
func (f ContextFunc) GetContext(ctx context.Context, problem string) (string, error) {
	return f(ctx, problem)
}

// MemoryContext renders the run's memory summary.
type MemoryContext struct {
	Store *memory.Store
}

// GetContext implements ContextProvider.
func (m MemoryContext) GetContext(ctx context.Context, problem string) (string, error) {
	return m.Store.Summary(ctx, problem), nil
}

// StaticContext returns fixed operator notes under a heading. Empty
// notes contribute nothing.
func StaticContext(heading, notes string) ContextProvider {
	return ContextFunc(func(context.Context, string) (string, error) {
		if strings.TrimSpace(notes) == "" {
			return "", nil
		}
		return "## " + heading + "\n" + strings.TrimSpace(notes), nil
	})
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is separated by a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CompositeContextProvider{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, problem string) (string, error) {
	var parts []string

	for i, p := range c.providers {
		content, err := p.GetContext(ctx, problem)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", i, "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}
