// Package llm provides the text generation clients used by every agent
// role, plus the bounded repair path for structured (JSON) output.
package llm

import (
	"context"
	"errors"
)

// ErrGeneration marks a failed or empty text generation call. Callers
// match it with errors.Is and degrade to their role's default result.
var ErrGeneration = errors.New("generation failed")

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Generator produces text from a single prompt. It is the seam every
// agent role (planner, analyzer, compressor, classifier) depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}
