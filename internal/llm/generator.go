package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ModelGenerator binds a Client to one model and an optional system
// prompt, turning chat completions into the single-prompt Generator
// interface. Every call runs under its own timeout.
type ModelGenerator struct {
	client  Client
	model   string
	system  string
	timeout time.Duration
	logger  *slog.Logger
	usage   UsageRecorder
}

// UsageRecorder receives the token counts of every completed call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int)
}

// NewModelGenerator creates a generator for model. A zero timeout means
// only the caller's context bounds the call.
func NewModelGenerator(client Client, model, system string, timeout time.Duration, logger *slog.Logger) *ModelGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelGenerator{
		client:  client,
		model:   model,
		system:  system,
		timeout: timeout,
		logger:  logger,
	}
}

// SetUsageRecorder attaches token accounting. Must be called before
// the first Generate.
func (g *ModelGenerator) SetUsageRecorder(r UsageRecorder) {
	g.usage = r
}

// Model returns the bound model name.
func (g *ModelGenerator) Model() string { return g.model }

// Generate sends prompt and returns the reply text. Transport failures,
// timeouts and empty replies are all reported as ErrGeneration.
func (g *ModelGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := make([]Message, 0, 2)
	if g.system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: g.system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	start := time.Now()
	resp, err := g.client.Chat(ctx, g.model, messages, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrGeneration, g.model, err)
	}

	g.logger.Debug("generation complete",
		"model", g.model,
		"json", opts.JSON,
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if g.usage != nil {
		g.usage.RecordUsage(ctx, g.model, resp.InputTokens, resp.OutputTokens)
	}

	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: %s: empty response", ErrGeneration, g.model)
	}
	return resp.Content, nil
}
