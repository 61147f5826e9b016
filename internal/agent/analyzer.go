package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/prompts"
)

const (
	// CondenseThreshold is the combined raw output size above which
	// outputs are condensed before analysis.
	CondenseThreshold = 1024
	// maxCondenseInput bounds what is sent to the model for condensing.
	maxCondenseInput = 32 * 1024
)

// analysisFailed is the verdict used when the model gives nothing usable.
var analysisFailed = memory.Verdict{Analysis: "analysis failed"}

// Analyzer judges step outcomes and condenses large outputs.
type Analyzer struct {
	structured *llm.Structured
	logger     *slog.Logger
}

// NewAnalyzer creates an analyzer over structured. Condensing uses the
// wrapped generator directly.
func NewAnalyzer(structured *llm.Structured, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		structured: structured,
		logger:     logger.With("component", "analyzer"),
	}
}

type verdictReply struct {
	Analysis     string `json:"analysis"`
	Success      bool   `json:"success"`
	GoalAchieved bool   `json:"goal_achieved"`
	Value        string `json:"value"`
	Terminate    bool   `json:"terminate"`
}

// Analyze judges one step's output. It never fails: an unusable reply
// yields a verdict that neither achieves the goal nor terminates.
func (a *Analyzer) Analyze(ctx context.Context, memorySummary, outputSummary, rationale string) memory.Verdict {
	prompt := prompts.Optimize(prompts.AnalyzePrompt(memorySummary, rationale, outputSummary))

	var reply verdictReply
	if err := a.structured.GenerateJSON(ctx, prompt, llm.Options{}, &reply); err != nil {
		verdictsTotal.WithLabelValues("default").Inc()
		a.logger.Warn("analysis failed, using default verdict", "error", err)
		return analysisFailed
	}

	v := memory.Verdict{
		Analysis:     strings.TrimSpace(reply.Analysis),
		Success:      reply.Success,
		GoalAchieved: reply.GoalAchieved,
		Value:        strings.TrimSpace(reply.Value),
		Terminate:    reply.Terminate,
	}
	if v.Analysis == "" {
		v.Analysis = "(no analysis given)"
	}
	if v.GoalAchieved && v.Value == "" {
		a.logger.Warn("goal reported without a value, ignoring")
		v.GoalAchieved = false
	}
	verdictsTotal.WithLabelValues("ok").Inc()
	a.logger.Debug("verdict",
		"success", v.Success,
		"goal_achieved", v.GoalAchieved,
		"terminate", v.Terminate,
		"analysis", truncate(v.Analysis, 160),
	)
	return v
}

// Condense joins outputs in order. When the result exceeds
// CondenseThreshold it asks the model for a condensed version, falling
// back to truncation if that fails.
func (a *Analyzer) Condense(ctx context.Context, rationale string, outputs []string) string {
	joined := strings.Join(outputs, "\n")
	if len(joined) <= CondenseThreshold {
		return joined
	}

	input := joined
	if len(input) > maxCondenseInput {
		input = input[:runeCut(input, maxCondenseInput)] + "\n[... output cut ...]"
	}
	condensed, err := a.structured.Generator().Generate(ctx, prompts.Optimize(prompts.CondensePrompt(rationale, input)), llm.Options{})
	if err == nil && strings.TrimSpace(condensed) != "" {
		condensations.WithLabelValues("ok").Inc()
		return strings.TrimSpace(condensed)
	}

	condensations.WithLabelValues("truncated").Inc()
	a.logger.Warn("condense failed, truncating output", "bytes", len(joined), "error", err)
	return truncateOutput(joined, CondenseThreshold)
}

// truncateOutput cuts s to n bytes and notes how much was dropped.
func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	n = runeCut(s, n)
	return fmt.Sprintf("%s\n[... truncated %d bytes]", s[:n], len(s)-n)
}

// Assessment is the pre-run view of a problem.
type Assessment struct {
	Category string `json:"category"`
	Solution string `json:"solution"`
}

// ProblemAnalyzer classifies a problem and drafts a plan of attack
// before the loop starts.
type ProblemAnalyzer struct {
	structured *llm.Structured
	logger     *slog.Logger
}

// NewProblemAnalyzer creates a problem analyzer over structured.
func NewProblemAnalyzer(structured *llm.Structured, logger *slog.Logger) *ProblemAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProblemAnalyzer{
		structured: structured,
		logger:     logger.With("component", "problem_analyzer"),
	}
}

// Assess returns the category and solution plan for problem.
func (p *ProblemAnalyzer) Assess(ctx context.Context, problem string) (Assessment, error) {
	var a Assessment
	if err := p.structured.GenerateJSON(ctx, prompts.Optimize(prompts.ProblemPrompt(problem)), llm.Options{}, &a); err != nil {
		return Assessment{}, fmt.Errorf("assess problem: %w", err)
	}
	a.Category = strings.TrimSpace(a.Category)
	a.Solution = strings.TrimSpace(a.Solution)
	p.logger.Info("problem assessed", "category", a.Category, "plan_len", len(a.Solution))
	return a, nil
}
