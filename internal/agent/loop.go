// Package agent runs the plan/execute/analyze loop that drives a run:
// the planner proposes a step from memory, an optional operator approves
// or reshapes it, the executor runs its actions, and the analyzer judges
// the outcome until the goal is confirmed or the run gives up.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/checkpoint"
	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/events"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/tools"
)

// ErrConfiguration is returned in Result.Err when a run cannot start
// because a required collaborator or setting is missing.
var ErrConfiguration = errors.New("agent configuration error")

// Reason is the terminal reason of a run.
type Reason string

// Terminal reasons.
const (
	ReasonSuccess     Reason = "success"
	ReasonExhausted   Reason = "exhausted"
	ReasonAborted     Reason = "aborted"
	ReasonBudget      Reason = "budget"
	ReasonConfigError Reason = "config_error"
)

// State is a loop state, published on the event bus.
type State string

// Loop states.
const (
	StatePlanning             State = "planning"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateAnalyzing            State = "analyzing"
	StateTerminated           State = "terminated"
)

// ApprovalAction is the operator's answer to a proposed step.
type ApprovalAction int

// Approval outcomes.
const (
	ApprovalApprove ApprovalAction = iota + 1
	ApprovalFeedback
	ApprovalAbort
)

// Approval is one operator decision. Feedback is set for
// ApprovalFeedback.
type Approval struct {
	Action   ApprovalAction
	Feedback string
}

// Approver reviews a plan before it runs. Used when auto mode is off.
type Approver interface {
	Approve(ctx context.Context, stepID int, plan Plan) (Approval, error)
}

// Confirmer checks a candidate answer, e.g. by asking the operator or
// submitting it to a scoring platform.
type Confirmer interface {
	Confirm(ctx context.Context, value string) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, value string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, value string) (bool, error) {
	return f(ctx, value)
}

// ToolSelector chooses which capabilities to offer the planner.
type ToolSelector interface {
	SelectTools(ctx context.Context, intent, stepContext string) []capability.Descriptor
}

// AllTools offers every registered capability.
type AllTools struct {
	Registry *capability.Registry
}

// SelectTools implements ToolSelector.
func (a AllTools) SelectTools(context.Context, string, string) []capability.Descriptor {
	return a.Registry.ListAll()
}

// Config controls a Loop.
type Config struct {
	MaxSteps   int
	RetryDelay time.Duration
	AutoMode   bool
	// ConfirmTimeout bounds each approval and confirmation call.
	ConfirmTimeout time.Duration
}

// ConfigFrom builds a Config from the YAML sections.
func ConfigFrom(loop config.LoopConfig, confirm config.ConfirmConfig) Config {
	return Config{
		MaxSteps:       loop.MaxSteps,
		RetryDelay:     loop.RetryDelay,
		AutoMode:       loop.AutoMode,
		ConfirmTimeout: confirm.Timeout,
	}
}

// Deps are the collaborators of a Loop. Memory, Planner, Analyzer and
// Executor are required; Approver is required unless AutoMode is set.
// A nil Selector offers every tool in Registry; a nil Confirmer accepts
// every candidate value.
type Deps struct {
	Memory       *memory.Store
	Registry     *capability.Registry
	Planner      *Planner
	Analyzer     *Analyzer
	Executor     *Executor
	Selector     ToolSelector
	Approver     Approver
	Confirmer    Confirmer
	Checkpointer *checkpoint.Checkpointer
	// Context adds sections to the planner's memory view.
	Context ContextProvider
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Task is one problem to solve.
type Task struct {
	Problem string
	// Category and SolutionPlan come from the problem assessment and
	// may be empty.
	Category     string
	SolutionPlan string
	// Resume restores memory from a checkpoint before the first step.
	Resume *checkpoint.Document
}

// Result is how a run ended.
type Result struct {
	RunID     string        `json:"run_id"`
	ProblemID string        `json:"problem_id"`
	Reason    Reason        `json:"reason"`
	Detail    string        `json:"detail,omitempty"`
	Value     string        `json:"value,omitempty"`
	Steps     int           `json:"steps"`
	LastStep  int           `json:"last_step"`
	Elapsed   time.Duration `json:"elapsed"`
	// Memory is the state of the memory tiers when the run ended.
	Memory memory.Stats `json:"memory"`
	Err    error        `json:"-"`
}

// Loop drives runs. A Loop owns its memory store and must not run two
// tasks at once.
type Loop struct {
	cfg      Config
	deps     Deps
	composer *CompositeContextProvider
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLoop creates a loop. Missing collaborators are reported when Run
// is called, as a config_error result.
func NewLoop(cfg Config, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Selector == nil && deps.Registry != nil {
		deps.Selector = AllTools{Registry: deps.Registry}
	}
	l := &Loop{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "loop"),
		sleep:  sleepCtx,
	}
	l.composer = NewCompositeContextProvider(l.logger)
	if deps.Memory != nil {
		l.composer.Add(MemoryContext{Store: deps.Memory})
	}
	l.composer.Add(deps.Context)
	return l
}

func (l *Loop) validate() error {
	var missing []string
	if l.deps.Memory == nil {
		missing = append(missing, "memory")
	}
	if l.deps.Planner == nil {
		missing = append(missing, "planner")
	}
	if l.deps.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if l.deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if l.deps.Selector == nil {
		missing = append(missing, "tool selector or registry")
	}
	if !l.cfg.AutoMode && l.deps.Approver == nil {
		missing = append(missing, "approver (manual mode)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if l.cfg.MaxSteps <= 0 {
		return fmt.Errorf("%w: max_steps must be positive", ErrConfiguration)
	}
	return nil
}

// run is the per-task state.
type run struct {
	id           string
	problem      string
	problemID    string
	category     string
	solutionPlan string
	lastAnalysis string
	steps        int
	budget       int
	start        time.Time
}

// Run solves task until success, analyzer-recommended termination,
// abort, cancellation or budget exhaustion. It always returns a Result
// with a terminal Reason.
func (l *Loop) Run(ctx context.Context, task Task) *Result {
	r := &run{
		id:           newRunID(),
		problem:      task.Problem,
		problemID:    checkpoint.ProblemID(task.Problem),
		category:     task.Category,
		solutionPlan: task.SolutionPlan,
		start:        time.Now(),
	}
	if err := l.validate(); err != nil {
		return l.finish(ctx, r, ReasonConfigError, err.Error(), "", err)
	}

	mem := l.deps.Memory
	mem.SetProblem(r.problem, r.problemID)
	mem.SetEventBus(l.deps.Bus)

	if doc := task.Resume; doc != nil {
		if doc.ProblemID != r.problemID {
			err := fmt.Errorf("%w: %w: checkpoint is for %s", ErrConfiguration, checkpoint.ErrProblemMismatch, doc.ProblemID)
			return l.finish(ctx, r, ReasonConfigError, err.Error(), "", err)
		}
		mem.Restore(doc.Memory)
		mem.SetNextStepID(doc.StepCount + 1)
		// Steps taken before the checkpoint count against MaxSteps.
		r.budget = mem.NextStepID() - 1
		l.logger.Info("resumed from checkpoint", "problem_id", r.problemID, "next_step", mem.NextStepID(), "budget_used", r.budget)
	}

	ctx = tools.WithRunID(ctx, r.id)
	l.logger.Info("run started",
		"run_id", r.id,
		"problem_id", r.problemID,
		"category", r.category,
		"auto_mode", l.cfg.AutoMode,
		"max_steps", l.cfg.MaxSteps,
	)
	l.deps.Bus.Emit(events.SourceLoop, events.KindRunStart, map[string]any{
		"run_id":     r.id,
		"problem_id": r.problemID,
		"auto_mode":  l.cfg.AutoMode,
		"next_step":  mem.NextStepID(),
	})

	for {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, r, ReasonAborted, "cancelled: "+err.Error(), "", nil)
		}
		if r.budget >= l.cfg.MaxSteps {
			return l.finish(ctx, r, ReasonBudget, fmt.Sprintf("step budget of %d reached", l.cfg.MaxSteps), "", nil)
		}

		res, done := l.step(ctx, r)
		if done {
			return res
		}
	}
}

// step runs one pass through the state machine. done reports that the
// run reached a terminal state and res holds the result.
func (l *Loop) step(ctx context.Context, r *run) (res *Result, done bool) {
	mem := l.deps.Memory

	l.setState(r, StatePlanning, mem.NextStepID())
	summary, _ := l.composer.GetContext(ctx, r.problem)
	offered := l.deps.Selector.SelectTools(ctx, r.problem, l.stepContext(r))
	plan := l.deps.Planner.Plan(ctx, r.problem, r.solutionPlan, summary, offered)
	if plan.NoOp {
		r.budget++
		l.logger.Warn("planner gave no step, retrying",
			"reason", plan.Reason,
			"delay", l.cfg.RetryDelay,
			"budget_used", r.budget,
		)
		if err := l.sleep(ctx, l.cfg.RetryDelay); err != nil {
			return l.finish(ctx, r, ReasonAborted, "cancelled: "+err.Error(), "", nil), true
		}
		return nil, false
	}

	rec, err := mem.PlanStep(plan.Rationale, plan.Actions)
	if err != nil {
		return l.finish(ctx, r, ReasonConfigError, err.Error(), "", fmt.Errorf("%w: %w", ErrConfiguration, err)), true
	}
	l.emitPlan(r, rec.StepID, plan)

	if !l.cfg.AutoMode {
		l.setState(r, StateAwaitingConfirmation, rec.StepID)
		approved, detail := l.awaitApproval(ctx, r, rec.StepID, summary, offered, plan)
		if approved == nil {
			mem.Cancel(detail)
			return l.finish(ctx, r, ReasonAborted, detail, "", nil), true
		}
		plan = *approved
	}

	l.setState(r, StateExecuting, rec.StepID)
	outputs := l.deps.Executor.Execute(ctx, rec.StepID, plan.Actions)
	ordered := make([]string, len(plan.Actions))
	for i := range ordered {
		ordered[i] = outputs[i]
	}
	outputSummary := l.deps.Analyzer.Condense(ctx, plan.Rationale, ordered)
	if err := mem.RecordExecution(outputs, outputSummary); err != nil {
		return l.finish(ctx, r, ReasonConfigError, err.Error(), "", fmt.Errorf("%w: %w", ErrConfiguration, err)), true
	}

	l.setState(r, StateAnalyzing, rec.StepID)
	verdict := l.deps.Analyzer.Analyze(ctx, summary, outputSummary, plan.Rationale)
	if err := mem.RecordAnalysis(verdict); err != nil {
		return l.finish(ctx, r, ReasonConfigError, err.Error(), "", fmt.Errorf("%w: %w", ErrConfiguration, err)), true
	}
	if err := mem.AddStep(ctx, rec); err != nil {
		return l.finish(ctx, r, ReasonConfigError, err.Error(), "", fmt.Errorf("%w: %w", ErrConfiguration, err)), true
	}
	r.steps++
	r.budget++
	r.lastAnalysis = verdict.Analysis
	stepsTotal.Inc()

	l.logger.Info("step complete",
		"run_id", r.id,
		"step_id", rec.StepID,
		"actions", len(plan.Actions),
		"success", verdict.Success,
		"goal_achieved", verdict.GoalAchieved,
		"terminate", verdict.Terminate,
	)
	l.deps.Bus.Emit(events.SourceLoop, events.KindVerdict, map[string]any{
		"run_id":        r.id,
		"step_id":       rec.StepID,
		"analysis":      verdict.Analysis,
		"success":       verdict.Success,
		"goal_achieved": verdict.GoalAchieved,
		"value":         verdict.Value,
		"terminate":     verdict.Terminate,
	})
	l.checkpointStep(ctx, r)

	if verdict.GoalAchieved {
		if mem.IsRejected(verdict.Value) {
			l.logger.Info("candidate answer was already rejected, not confirming again",
				"run_id", r.id, "step_id", rec.StepID, "value", verdict.Value)
			return nil, false
		}
		if l.confirm(ctx, verdict.Value) {
			l.recordSolution(ctx, r, plan, verdict.Value)
			return l.finish(ctx, r, ReasonSuccess, "answer confirmed", verdict.Value, nil), true
		}
		mem.RejectAnswer(verdict.Value)
		mem.AddKeyFact("confirm", fmt.Sprintf("candidate answer %q was rejected; do not propose it again", verdict.Value), rec.StepID)
		l.logger.Info("candidate answer rejected", "run_id", r.id, "step_id", rec.StepID, "value", verdict.Value)
		return nil, false
	}
	if verdict.Terminate {
		return l.finish(ctx, r, ReasonExhausted, "analyzer recommended termination: "+truncate(verdict.Analysis, 200), "", nil), true
	}
	return nil, false
}

// awaitApproval runs the operator sub-loop. It returns the approved
// plan, or nil with a reason when the run must abort.
func (l *Loop) awaitApproval(ctx context.Context, r *run, stepID int, summary string, offered []capability.Descriptor, plan Plan) (*Plan, string) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, "cancelled: " + err.Error()
		}

		actx, cancel := l.confirmContext(ctx)
		a, err := l.deps.Approver.Approve(actx, stepID, plan)
		cancel()
		if ctx.Err() != nil {
			return nil, "cancelled: " + ctx.Err().Error()
		}
		if err != nil {
			l.logger.Warn("approval failed", "run_id", r.id, "step_id", stepID, "error", err)
			return nil, "approval failed: " + err.Error()
		}

		switch a.Action {
		case ApprovalApprove:
			return &plan, ""
		case ApprovalAbort:
			return nil, "user aborted"
		case ApprovalFeedback:
			l.logger.Info("operator feedback", "run_id", r.id, "step_id", stepID, "feedback", truncate(a.Feedback, 200))
			revised := l.deps.Planner.Replan(ctx, r.problem, summary, offered, plan, a.Feedback)
			if revised.NoOp {
				l.logger.Warn("replan gave no step, keeping the previous plan", "reason", revised.Reason)
				continue
			}
			if err := l.deps.Memory.Replan(revised.Rationale, revised.Actions); err != nil {
				l.logger.Warn("could not record revised plan", "error", err)
				continue
			}
			plan = revised
			l.emitPlan(r, stepID, plan)
		default:
			l.logger.Warn("unknown approval action", "action", a.Action)
		}
	}
}

// confirm asks the Confirmer about value. Errors and timeouts count as
// a rejection.
func (l *Loop) confirm(ctx context.Context, value string) bool {
	if l.deps.Confirmer == nil {
		return true
	}
	cctx, cancel := l.confirmContext(ctx)
	defer cancel()
	ok, err := l.deps.Confirmer.Confirm(cctx, value)
	if err != nil {
		l.logger.Warn("confirmation failed, treating as rejected", "value", value, "error", err)
		return false
	}
	return ok
}

func (l *Loop) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.ConfirmTimeout > 0 {
		return context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	}
	return context.WithCancel(ctx)
}

// stepContext is what the tool selector sees besides the problem.
func (l *Loop) stepContext(r *run) string {
	var parts []string
	if r.category != "" {
		parts = append(parts, "problem category: "+r.category)
	}
	if r.lastAnalysis != "" {
		parts = append(parts, "last analysis: "+truncate(r.lastAnalysis, 500))
	}
	return strings.Join(parts, "\n")
}

func (l *Loop) provider(r *run) checkpoint.Provider {
	return checkpoint.ProviderFunc(func() (*checkpoint.Document, error) {
		return &checkpoint.Document{
			ProblemID: r.problemID,
			Problem:   r.problem,
			StepCount: l.deps.Memory.NextStepID() - 1,
			AutoMode:  l.cfg.AutoMode,
			Memory:    l.deps.Memory.Snapshot(),
		}, nil
	})
}

func (l *Loop) checkpointStep(ctx context.Context, r *run) {
	if l.deps.Checkpointer == nil {
		return
	}
	saved, err := l.deps.Checkpointer.OnStep(ctx, l.provider(r))
	if err != nil {
		l.logger.Warn("checkpoint failed, continuing in memory only", "run_id", r.id, "error", err)
		return
	}
	if saved {
		l.deps.Bus.Emit(events.SourceLoop, events.KindCheckpoint, map[string]any{
			"run_id":     r.id,
			"problem_id": r.problemID,
			"step_count": l.deps.Memory.NextStepID() - 1,
		})
	}
}

func (l *Loop) recordSolution(ctx context.Context, r *run, plan Plan, value string) {
	content := fmt.Sprintf("Problem: %s\nSolved with: %s\nAnswer: %s", r.problem, plan.Rationale, value)
	meta := map[string]string{"run_id": r.id}
	if r.category != "" {
		meta["category"] = r.category
	}
	l.deps.Memory.Archive(ctx, memory.KindSolution, content, meta)
}

// finish builds the result, records the terminal state and settles the
// run's checkpoint: deleted on success, saved otherwise.
func (l *Loop) finish(ctx context.Context, r *run, reason Reason, detail, value string, err error) *Result {
	res := &Result{
		RunID:     r.id,
		ProblemID: r.problemID,
		Reason:    reason,
		Detail:    detail,
		Value:     value,
		Steps:     r.steps,
		Elapsed:   time.Since(r.start),
		Err:       err,
	}
	if l.deps.Memory != nil {
		res.LastStep = l.deps.Memory.NextStepID() - 1
		res.Memory = l.deps.Memory.Stats()
	}

	if cp := l.deps.Checkpointer; cp != nil && reason != ReasonConfigError {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if reason == ReasonSuccess {
			if err := cp.Complete(sctx, r.problemID); err != nil {
				l.logger.Warn("could not delete checkpoint", "problem_id", r.problemID, "error", err)
			}
		} else {
			trigger := checkpoint.TriggerShutdown
			if reason == ReasonAborted {
				trigger = checkpoint.TriggerCancel
			}
			if _, err := cp.Create(sctx, trigger, l.provider(r)); err != nil {
				l.logger.Warn("final checkpoint failed", "problem_id", r.problemID, "error", err)
			}
		}
		cancel()
	}

	runsTotal.WithLabelValues(string(reason)).Inc()
	l.setState(r, StateTerminated, res.LastStep)
	l.deps.Bus.Emit(events.SourceLoop, events.KindRunComplete, map[string]any{
		"run_id":     r.id,
		"problem_id": r.problemID,
		"reason":     string(reason),
		"detail":     detail,
		"value":      value,
		"steps":      r.steps,
	})

	level := slog.LevelInfo
	if reason == ReasonConfigError {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "run finished",
		"run_id", r.id,
		"reason", reason,
		"detail", detail,
		"value", value,
		"steps", r.steps,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res
}

func (l *Loop) setState(r *run, s State, stepID int) {
	l.deps.Bus.Emit(events.SourceLoop, events.KindState, map[string]any{
		"run_id":  r.id,
		"state":   string(s),
		"step_id": stepID,
	})
	l.logger.Log(context.Background(), config.LevelTrace, "state", "run_id", r.id, "state", s, "step_id", stepID)
}

func (l *Loop) emitPlan(r *run, stepID int, plan Plan) {
	l.deps.Bus.Emit(events.SourceLoop, events.KindPlan, map[string]any{
		"run_id":    r.id,
		"step_id":   stepID,
		"rationale": plan.Rationale,
		"actions":   FormatActions(plan.Actions),
	})
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
