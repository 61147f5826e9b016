package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/prompts"
)

// Plan is the planner's proposal for one step. A NoOp plan carries no
// actions and tells the loop to back off and ask again.
type Plan struct {
	Rationale string                    `json:"rationale"`
	Actions   []memory.ActionInvocation `json:"actions"`
	NoOp      bool                      `json:"no_op,omitempty"`
	// Reason explains a NoOp plan.
	Reason string `json:"reason,omitempty"`
}

// noOp returns the sentinel plan.
func noOp(reason string) Plan {
	return Plan{NoOp: true, Reason: reason}
}

// FormatActions renders actions one per line for prompts and operators.
func FormatActions(actions []memory.ActionInvocation) string {
	if len(actions) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, a := range actions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, a.String())
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Planner asks the model for the next step.
type Planner struct {
	structured *llm.Structured
	opts       llm.Options
	logger     *slog.Logger
}

// NewPlanner creates a planner over structured.
func NewPlanner(structured *llm.Structured, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		structured: structured,
		opts:       llm.Options{Temperature: 0.2},
		logger:     logger.With("component", "planner"),
	}
}

// Plan proposes the next step. solutionPlan is the optional pre-run
// assessment. It never fails: generation errors and unusable replies
// produce a NoOp plan.
func (p *Planner) Plan(ctx context.Context, problem, solutionPlan, summary string, tools []capability.Descriptor) Plan {
	prompt := prompts.Optimize(prompts.PlanPrompt(problem, solutionPlan, summary, capability.FormatCatalog(tools)))
	return p.request(ctx, "plan", prompt)
}

// Replan revises original after operator feedback. Failures produce a
// NoOp plan, which the loop treats as "keep the original".
func (p *Planner) Replan(ctx context.Context, problem, summary string, tools []capability.Descriptor, original Plan, feedback string) Plan {
	prompt := prompts.Optimize(prompts.ReplanPrompt(
		problem, summary, capability.FormatCatalog(tools),
		original.Rationale, FormatActions(original.Actions), feedback,
	))
	return p.request(ctx, "replan", prompt)
}

func (p *Planner) request(ctx context.Context, kind, prompt string) Plan {
	var reply planReply
	if err := p.structured.GenerateJSON(ctx, prompt, p.opts, &reply); err != nil {
		reason := "malformed plan"
		if errors.Is(err, llm.ErrGeneration) || ctx.Err() != nil {
			reason = "generation failed"
		}
		plansTotal.WithLabelValues("noop").Inc()
		p.logger.Warn("planner returned no usable plan", "kind", kind, "reason", reason, "error", err)
		return noOp(reason)
	}

	plan := reply.plan()
	if plan.NoOp {
		plansTotal.WithLabelValues("noop").Inc()
		p.logger.Warn("plan has no actions", "kind", kind, "rationale", truncate(plan.Rationale, 120))
		return plan
	}
	plansTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("plan ready", "kind", kind, "actions", len(plan.Actions), "rationale", truncate(plan.Rationale, 120))
	return plan
}

// planReply accepts the documented {"rationale","actions":[...]} shape
// as well as a bare tool call {"tool_name"|"name","arguments"} whose
// arguments carry a "purpose".
type planReply struct {
	Rationale string         `json:"rationale"`
	Actions   []rawAction    `json:"actions"`
	ToolName  string         `json:"tool_name"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rawAction struct {
	ToolName  string         `json:"tool_name"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (a rawAction) name() string {
	if a.ToolName != "" {
		return strings.TrimSpace(a.ToolName)
	}
	return strings.TrimSpace(a.Name)
}

func (a rawAction) invocation() memory.ActionInvocation {
	args := a.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return memory.ActionInvocation{ToolName: a.name(), Arguments: args}
}

func (r planReply) plan() Plan {
	plan := Plan{Rationale: strings.TrimSpace(r.Rationale)}
	for _, a := range r.Actions {
		if a.name() == "" {
			continue
		}
		plan.Actions = append(plan.Actions, a.invocation())
	}
	if single := (rawAction{ToolName: r.ToolName, Name: r.Name, Arguments: r.Arguments}); len(plan.Actions) == 0 && single.name() != "" {
		plan.Actions = []memory.ActionInvocation{single.invocation()}
	}
	if plan.Rationale == "" {
		for _, a := range plan.Actions {
			if purpose, ok := a.Arguments["purpose"].(string); ok && purpose != "" {
				plan.Rationale = purpose
				break
			}
		}
	}
	if len(plan.Actions) == 0 {
		plan.NoOp = true
		plan.Reason = "no actions"
	}
	return plan
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeCut(s, n)] + "..."
}

// runeCut moves a cut at n back to the start of the rune it would
// split. Bytes that are not UTF-8 are cut at n.
func runeCut(s string, n int) int {
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return n
}
