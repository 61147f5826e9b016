package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/events"
	"github.com/nugget/ctf-agent/internal/memory"
)

// ExecutionError is a failed tool invocation. It never aborts the step;
// the executor renders it into the action's output.
type ExecutionError struct {
	Tool  string
	Index int
	Err   error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor runs the actions of one plan.
type Executor struct {
	registry    *capability.Registry
	timeout     time.Duration
	parallelism int
	bus         *events.Bus
	logger      *slog.Logger
}

// NewExecutor creates an executor resolving tools in registry. timeout
// bounds each action; zero leaves only the caller's context.
func NewExecutor(registry *capability.Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    registry,
		timeout:     timeout,
		parallelism: 4,
		logger:      logger.With("component", "executor"),
	}
}

// SetEventBus publishes action start and completion events to bus.
func (e *Executor) SetEventBus(bus *events.Bus) {
	e.bus = bus
}

// SetParallelism caps concurrently running actions. n < 1 means one.
func (e *Executor) SetParallelism(n int) {
	e.parallelism = max(n, 1)
}

// Execute runs actions concurrently and returns their outputs keyed by
// action index. Failures, unknown tools and panics are rendered into the
// failing action's output and never affect sibling actions.
func (e *Executor) Execute(ctx context.Context, stepID int, actions []memory.ActionInvocation) map[int]string {
	results := make([]string, len(actions))

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, a := range actions {
		g.Go(func() error {
			results[i] = e.run(ctx, stepID, i, a)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[int]string, len(results))
	for i, r := range results {
		out[i] = r
	}
	return out
}

func (e *Executor) run(ctx context.Context, stepID, index int, a memory.ActionInvocation) string {
	e.bus.Emit(events.SourceExecutor, events.KindActionStart, map[string]any{
		"step_id": stepID,
		"index":   index,
		"tool":    a.ToolName,
	})

	start := time.Now()
	out, err := e.invoke(ctx, index, a)
	elapsed := time.Since(start)

	result := "ok"
	switch {
	case errors.Is(err, capability.ErrUnknownCapability):
		result = "unknown"
		out = fmt.Sprintf("error: unknown capability %q", a.ToolName)
		e.logger.Warn("planned action references unknown tool", "step_id", stepID, "index", index, "tool", a.ToolName)
	case err != nil:
		result = "error"
		out = renderFailure(out, err)
		e.logger.Warn("action failed", "step_id", stepID, "index", index, "tool", a.ToolName, "error", err)
	default:
		actionDuration.WithLabelValues(a.ToolName).Observe(elapsed.Seconds())
		e.logger.Debug("action complete", "step_id", stepID, "index", index, "tool", a.ToolName,
			"bytes", len(out), "elapsed", elapsed.Round(time.Millisecond))
	}
	actionsTotal.WithLabelValues(result).Inc()

	e.bus.Emit(events.SourceExecutor, events.KindActionDone, map[string]any{
		"step_id":    stepID,
		"index":      index,
		"tool":       a.ToolName,
		"result":     result,
		"bytes":      len(out),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return out
}

// invoke resolves and calls one tool. Panics become ExecutionErrors.
func (e *Executor) invoke(ctx context.Context, index int, a memory.ActionInvocation) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Tool: a.ToolName, Index: index, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	_, inv, err := e.registry.Resolve(a.ToolName)
	if err != nil {
		return "", err
	}
	if inv == nil {
		return "", &ExecutionError{Tool: a.ToolName, Index: index, Err: errors.New("no invoker registered")}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err = inv.Invoke(ctx, a.ToolName, a.Arguments)
	if err != nil {
		return out, &ExecutionError{Tool: a.ToolName, Index: index, Err: err}
	}
	return out, nil
}

// renderFailure keeps any partial output ahead of the error line.
func renderFailure(partial string, err error) string {
	msg := "error: " + err.Error()
	if partial == "" {
		return msg
	}
	return partial + "\n" + msg
}
