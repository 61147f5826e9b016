package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/ctf-agent/internal/config"
)

// maxExecTimeout caps any per-call timeout a plan can request.
const maxExecTimeout = 5 * time.Minute

// ShellExec runs commands on the local host.
type ShellExec struct {
	enabled        bool
	workingDir     string
	allowedCmds    []string // Empty = allow all
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled        bool
	WorkingDir     string
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns safe defaults.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:", // Fork bomb
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// ShellExecConfigFrom maps the YAML section onto DefaultShellExecConfig.
// Configured denied patterns extend the defaults rather than replace them.
func ShellExecConfigFrom(c config.ShellExecConfig) ShellExecConfig {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = c.Enabled
	cfg.WorkingDir = c.WorkingDir
	cfg.AllowedCmds = c.AllowedPrefixes
	cfg.DeniedCmds = append(cfg.DeniedCmds, c.DeniedPatterns...)
	if c.DefaultTimeoutSec > 0 {
		cfg.DefaultTimeout = time.Duration(c.DefaultTimeoutSec) * time.Second
	}
	return cfg
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// String renders the result as the action output the model reads.
func (r *ExecResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit_code: %d\n", r.ExitCode)
	if r.TimedOut {
		sb.WriteString("timed_out: true\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "error: %s\n", r.Error)
	}
	if r.Stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(r.Stderr)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Check applies the denied patterns and allowlist to command.
func (s *ShellExec) Check(command string) error {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedCmds) > 0 {
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(command, prefix) {
				return nil
			}
		}
		return fmt.Errorf("command not in allowlist")
	}
	return nil
}

// Exec executes a shell command.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell_exec: %w", ErrDisabled)
	}
	if err := s.Check(command); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxExecTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return buildResult(ctx, err, stdout.String(), stderr.String(), s.maxOutputBytes), nil
}

// buildResult classifies a finished process. Shared by the local and
// python executors.
func buildResult(ctx context.Context, err error, stdout, stderr string, maxBytes int) *ExecResult {
	result := &ExecResult{
		Stdout: truncateOutput(stdout, maxBytes),
		Stderr: truncateOutput(stderr, maxBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}
	return result
}

// Tool returns the shell_exec tool definition.
func (s *ShellExec) Tool() *Tool {
	return &Tool{
		Name:        "shell_exec",
		Description: "Run a shell command on the local analysis host and return exit code, stdout and stderr. Use for file inspection, decoding, compiling and running local tooling.",
		Category:    CategorySystem,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command line, interpreted by sh -c",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 30, max 300)",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, err := stringArg("shell_exec", args, "command")
			if err != nil {
				return "", err
			}
			res, err := s.Exec(ctx, command, optionalInt(args, "timeout_sec", 0))
			if err != nil {
				return "", err
			}
			return res.String(), nil
		},
	}
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:runeCut(s, maxBytes)] + "\n\n[... output truncated ...]"
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
