package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ctf-agent/internal/config"
)

// PythonExec runs short Python scripts, locally or on the SSH host.
type PythonExec struct {
	interpreter string
	timeout     time.Duration
	remote      *SSHShell
	logger      *slog.Logger
}

// NewPythonExec creates a python executor. A non-nil remote runs
// scripts on the SSH host.
func NewPythonExec(cfg config.PythonConfig, remote *SSHShell, logger *slog.Logger) *PythonExec {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PythonExec{
		interpreter: cfg.Interpreter,
		timeout:     cfg.Timeout,
		remote:      remote,
		logger:      logger,
	}
}

// Run executes code and returns its result. Timeouts are reported in
// the result, not as an error.
func (p *PythonExec) Run(ctx context.Context, code string) (*ExecResult, error) {
	if p.remote != nil {
		return p.runRemote(ctx, code)
	}

	f, err := os.CreateTemp("", "ctfagent-*.py")
	if err != nil {
		return nil, fmt.Errorf("create script: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.interpreter, f.Name())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()

	p.logger.Debug("python script finished", "run_id", RunIDFromContext(ctx), "bytes", len(code))
	return buildResult(ctx, err, stdout.String(), stderr.String(), 100*1024), nil
}

func (p *PythonExec) runRemote(ctx context.Context, code string) (*ExecResult, error) {
	path := "/tmp/ctfagent-" + uuid.NewString() + ".py"
	if err := p.remote.Upload(ctx, path, []byte(code)); err != nil {
		return nil, fmt.Errorf("upload script: %w", err)
	}
	secs := int(p.timeout / time.Second)
	cmd := fmt.Sprintf("timeout %d %s %s; rc=$?; rm -f %s; exit $rc", secs, p.interpreter, path, path)
	res, err := p.remote.Run(ctx, cmd, p.timeout+5*time.Second)
	if err != nil {
		return nil, err
	}
	// coreutils timeout exits 124 when the limit is hit.
	if res.ExitCode == 124 {
		res.TimedOut = true
		res.Error = "command timed out"
	}
	return res, nil
}

// Tool returns the python_exec tool definition.
func (p *PythonExec) Tool() *Tool {
	where := "the local analysis host"
	if p.remote != nil {
		where = "the remote attack box"
	}
	return &Tool{
		Name:        "python_exec",
		Description: fmt.Sprintf("Run a Python 3 script on %s and return its output. Use print() to emit results. Scripts are killed after %s.", where, p.timeout),
		Category:    CategorySystem,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Complete Python source to execute",
				},
			},
			"required": []string{"code"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			code, err := stringArg("python_exec", args, "code")
			if err != nil {
				return "", err
			}
			res, err := p.Run(ctx, code)
			if err != nil {
				return "", err
			}
			return res.String(), nil
		},
	}
}
