package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/prompts"
)

// fallbackStatus marks blocks produced when the compressor failed.
const fallbackStatus = "compression failed"

// Compressor turns a window of step records into a block. Store fills
// in SourceStepCount, FoldedStepIDs and CreatedAt.
type Compressor interface {
	Compress(ctx context.Context, problem string, facts []KeyFact, steps []StepRecord) (CompressedBlock, error)
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(ctx context.Context, problem string, facts []KeyFact, steps []StepRecord) (CompressedBlock, error)

// Compress implements Compressor.
func (f CompressorFunc) Compress(ctx context.Context, problem string, facts []KeyFact, steps []StepRecord) (CompressedBlock, error) {
	return f(ctx, problem, facts, steps)
}

// FallbackBlock is the block recorded when compression fails.
func FallbackBlock(n int) CompressedBlock {
	return CompressedBlock{
		CurrentStatus:   fallbackStatus,
		SourceStepCount: n,
	}
}

// LLMCompressor asks a model for a structured block.
type LLMCompressor struct {
	structured *llm.Structured
	timeout    time.Duration
	logger     *slog.Logger
}

// NewLLMCompressor creates a compressor. timeout bounds each call.
func NewLLMCompressor(structured *llm.Structured, timeout time.Duration, logger *slog.Logger) *LLMCompressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCompressor{structured: structured, timeout: timeout, logger: logger}
}

type compressionReply struct {
	KeyFindings    []string `json:"key_findings"`
	FailedAttempts []string `json:"failed_attempts"`
	CurrentStatus  string   `json:"current_status"`
	NextSteps      []string `json:"next_steps"`
}

// Compress implements Compressor.
func (c *LLMCompressor) Compress(ctx context.Context, problem string, facts []KeyFact, steps []StepRecord) (CompressedBlock, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	prompt := prompts.CompressionPrompt(problem, formatSteps(facts, steps))
	var reply compressionReply
	if err := c.structured.GenerateJSON(ctx, prompt, llm.Options{MaxTokens: 1024}, &reply); err != nil {
		return CompressedBlock{}, fmt.Errorf("%w: %w", ErrCompression, err)
	}
	if reply.CurrentStatus == "" && len(reply.KeyFindings) == 0 {
		return CompressedBlock{}, fmt.Errorf("%w: empty reply", ErrCompression)
	}

	c.logger.Debug("steps compressed",
		"steps", len(steps),
		"findings", len(reply.KeyFindings),
		"failed", len(reply.FailedAttempts),
	)
	return CompressedBlock{
		KeyFindings:    reply.KeyFindings,
		FailedAttempts: reply.FailedAttempts,
		CurrentStatus:  reply.CurrentStatus,
		NextSteps:      reply.NextSteps,
	}, nil
}

// formatSteps renders the transcript for the compression prompt: the
// five most recent key facts, then each step's rationale, actions and
// analysis.
func formatSteps(facts []KeyFact, steps []StepRecord) string {
	var sb strings.Builder
	if len(facts) > 0 {
		sb.WriteString("Key facts:\n")
		for _, f := range facts[:min(5, len(facts))] {
			fmt.Fprintf(&sb, "- %s\n", f.Value)
		}
		sb.WriteString("\n")
	}
	for _, s := range steps {
		fmt.Fprintf(&sb, "Step %d:\n", s.StepID)
		fmt.Fprintf(&sb, "- purpose: %s\n", orDefault(s.Rationale, "unspecified"))
		fmt.Fprintf(&sb, "- actions: %s\n", Signature(s.Actions))
		if s.Analysis != nil {
			fmt.Fprintf(&sb, "- analysis: %s\n", s.Analysis.Analysis)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
