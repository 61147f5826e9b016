package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/buildinfo"
	"github.com/nugget/ctf-agent/internal/checkpoint"
	"github.com/nugget/ctf-agent/internal/connwatch"
	"github.com/nugget/ctf-agent/internal/report"
	"github.com/nugget/ctf-agent/internal/tools"
)

// ErrUnsolved is returned when a run ends without a confirmed answer.
var ErrUnsolved = errors.New("problem not solved")

// solveOptions are the flags shared by solve and resume.
type solveOptions struct {
	file     string
	auto     bool
	manual   bool
	fresh    bool
	maxSteps int
	quiet    bool
	attach   []string
}

func (o *solveOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.auto, "auto", false, "run without step approval")
	cmd.Flags().BoolVar(&o.manual, "manual", false, "ask for approval before every step")
	cmd.Flags().IntVar(&o.maxSteps, "max-steps", 0, "override loop.max_steps; steps from a resumed checkpoint count toward it")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "do not print step progress")
	cmd.Flags().StringArrayVar(&o.attach, "attach", nil, "file or directory handed out with the problem (repeatable; replaces tools.attachments)")
	cmd.MarkFlagsMutuallyExclusive("auto", "manual")
}

func newSolveCmd(g *globals) *cobra.Command {
	opts := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve [problem text]",
		Short: "Solve a problem",
		Long: `Solve a problem given as arguments, read from a file with -f, or read
from stdin with -f -. An existing checkpoint for the same problem is
resumed unless --fresh is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			problem, err := readProblem(cmd.InOrStdin(), opts.file, args)
			if err != nil {
				return err
			}
			return runSolve(cmd, g, opts, problem, "")
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read the problem from a file (- for stdin)")
	cmd.Flags().BoolVar(&opts.fresh, "fresh", false, "ignore any saved checkpoint")
	opts.register(cmd)
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	opts := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "resume <problem-id>",
		Short: "Resume a run from its checkpoint",
		Long: `Resume a run from its checkpoint. The problem id may be abbreviated to
any unique prefix, as shown by "checkpoints list".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, g, opts, "", args[0])
		},
	}
	opts.register(cmd)
	return cmd
}

// readProblem returns the problem text from file, stdin or args.
func readProblem(stdin io.Reader, file string, args []string) (string, error) {
	var text string
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read problem from stdin: %w", err)
		}
		text = string(b)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read problem: %w", err)
		}
		text = string(b)
	default:
		text = strings.Join(args, " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("usage: ctfagent solve <problem> | -f <file>")
	}
	return text, nil
}

// runSolve wires the application and drives one run. Exactly one of
// problem and problemID is set; problemID resumes a saved checkpoint.
func runSolve(cmd *cobra.Command, g *globals, opts *solveOptions, problem, problemID string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	switch {
	case opts.auto:
		cfg.Loop.AutoMode = true
	case opts.manual:
		cfg.Loop.AutoMode = false
	}
	if opts.maxSteps > 0 {
		cfg.Loop.MaxSteps = opts.maxSteps
	}
	if len(opts.attach) > 0 {
		cfg.Tools.Attachments = opts.attach
	}

	logger := newLogger(stderr, cfg)
	logger.Info("starting ctfagent",
		"version", buildinfo.Get().Version,
		"commit", buildinfo.Get().GitCommit,
		"config", cfgPath,
		"provider", cfg.LLM.Provider,
		"auto_mode", cfg.Loop.AutoMode,
		"max_steps", cfg.Loop.MaxSteps,
	)

	// SIGINT and SIGTERM cancel the run; the loop saves a checkpoint on
	// the way out.
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, cmd.InOrStdin(), stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Metrics.Listen != "" {
		serveMetrics(ctx, cfg.Metrics.Listen, logger)
	}
	if !opts.quiet {
		stop := watchProgress(a.bus, stderr)
		defer stop()
	}

	if err := connwatch.WaitReady(ctx, "llm/"+cfg.LLM.Provider, a.llm.Ping, connwatch.DefaultBackoffConfig(), logger); err != nil {
		return err
	}

	if len(a.attachments) > 0 {
		logger.Info("problem attachments", "files", len(a.attachments), "ssh_upload", cfg.Tools.SSH.Enabled)
	}
	// A resumed checkpoint already carries the attachment list in its
	// problem text.
	if problem != "" {
		problem = tools.WithAttachments(problem, a.attachments, cfg.Tools.SSH.Enabled)
	}

	task := agent.Task{Problem: problem}
	if problemID != "" {
		doc, err := loadCheckpoint(ctx, a.checkpointer.Store(), problemID)
		if err != nil {
			return err
		}
		task.Problem = doc.Problem
		task.Resume = doc
	} else if !opts.fresh {
		doc, err := a.checkpointer.Resume(ctx, problem)
		switch {
		case err == nil:
			task.Resume = doc
		case !errors.Is(err, checkpoint.ErrNotFound):
			logger.Warn("checkpoint unusable, starting fresh", "error", err)
		}
	}
	if task.Resume != nil {
		logger.Info("resuming from checkpoint", "problem_id", task.Resume.ProblemID, "steps", task.Resume.StepCount)
	}

	assessment, err := a.assessor.Assess(ctx, task.Problem)
	if err != nil {
		logger.Warn("problem assessment failed, continuing without it", "error", err)
	} else {
		task.Category = assessment.Category
		task.SolutionPlan = assessment.Solution
		logger.Info("problem assessed", "category", assessment.Category)
	}

	res := a.loop.Run(ctx, task)

	rep := report.Run{
		Problem:  task.Problem,
		Category: task.Category,
		Result:   res,
		Memory:   a.memory.Snapshot(),
	}
	if a.router != nil {
		rep.Routing = a.router.GetAuditLog(0)
		rep.RouterStats = a.router.GetStats()
	}
	if byRole, err := a.usage.SummaryByRole(context.WithoutCancel(ctx), res.RunID); err != nil {
		logger.Warn("usage summary unavailable", "error", err)
	} else {
		rep.Usage = byRole
	}
	if path, err := report.Write(filepath.Join(cfg.DataDir, "reports"), rep); err != nil {
		logger.Warn("report not written", "error", err)
	} else {
		logger.Info("report written", "path", path)
	}

	if err := printResult(stdout, g.output, res); err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	if res.Reason != agent.ReasonSuccess {
		return fmt.Errorf("%w: %s", ErrUnsolved, res.Reason)
	}
	return nil
}

// loadCheckpoint finds the checkpoint whose problem id starts with
// prefix.
func loadCheckpoint(ctx context.Context, store *checkpoint.Store, prefix string) (*checkpoint.Document, error) {
	id, err := resolveProblemID(ctx, store, prefix)
	if err != nil {
		return nil, err
	}
	cp, err := store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp.Document, nil
}

func printResult(w io.Writer, format string, res *agent.Result) error {
	if format == "json" {
		return writeJSON(w, res)
	}
	switch res.Reason {
	case agent.ReasonSuccess:
		fmt.Fprintf(w, "\nSolved in %d steps: %s\n", res.Steps, res.Value)
	default:
		fmt.Fprintf(w, "\nStopped after %d steps (%s)", res.Steps, res.Reason)
		if res.Detail != "" {
			fmt.Fprintf(w, ": %s", res.Detail)
		}
		fmt.Fprintln(w)
	}
	if m := res.Memory; m.NextStepID > 0 {
		fmt.Fprintf(w, "Memory: %d hot steps, %d compressed blocks, %d key facts, %d forgotten\n",
			m.HotSteps, m.Blocks, m.KeyFacts, m.ForgottenSteps)
	}
	return nil
}
