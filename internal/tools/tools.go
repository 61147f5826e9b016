// Package tools defines the built-in capabilities available to the
// agent: local shell and python execution, HTTP probing of challenge
// targets, web search for public write-ups, and a shell on a remote
// attack box over SSH.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/config"
)

// Categories the built-in tools start in. The router may reassign them
// when it derives its own vocabulary.
const (
	CategorySystem   = "system"
	CategoryWeb      = "web"
	CategoryNetwork  = "network"
	CategoryResearch = "research"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Category    string                                                         `json:"category"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Capability converts the tool into a registry entry. Built-in tools
// are always offered to the planner, so they are not searchable.
func (t *Tool) Capability() capability.Capability {
	return capability.Capability{
		Descriptor: capability.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Parameters:  t.Parameters,
		},
		Invoker: capability.InvokerFunc(func(ctx context.Context, _ string, args map[string]any) (string, error) {
			return t.Handler(ctx, args)
		}),
	}
}

// Loader produces the built-in tools enabled in configuration.
type Loader struct {
	cfg    config.ToolsConfig
	ssh    *SSHShell
	logger *slog.Logger
}

// NewLoader creates a loader for the built-in tools. The SSH client is
// created here so python_exec can share it in remote mode.
func NewLoader(cfg config.ToolsConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{cfg: cfg, logger: logger.With("component", "tools")}
	if cfg.SSH.Enabled {
		l.ssh = NewSSHShell(cfg.SSH, l.logger)
	}
	return l
}

// SetAttachments hands the problem's files to the SSH shell, which
// uploads them on first connect. Without SSH it does nothing.
func (l *Loader) SetAttachments(files []Attachment) {
	if l.ssh != nil {
		l.ssh.SetAttachments(files)
	}
}

// Name implements capability.Loader.
func (l *Loader) Name() string { return "builtin" }

// Load implements capability.Loader.
func (l *Loader) Load(_ context.Context) ([]capability.Capability, error) {
	var tools []*Tool

	if l.cfg.ShellExec.Enabled {
		se := NewShellExec(ShellExecConfigFrom(l.cfg.ShellExec))
		tools = append(tools, se.Tool())
	}
	if l.cfg.Python.Enabled {
		var remote *SSHShell
		if l.cfg.Python.Remote {
			remote = l.ssh
		}
		tools = append(tools, NewPythonExec(l.cfg.Python, remote, l.logger).Tool())
	}
	if l.cfg.HTTP.Enabled {
		tools = append(tools, NewHTTPRequest(l.cfg.HTTP, l.logger).Tool())
	}
	if l.ssh != nil {
		tools = append(tools, l.ssh.Tool())
	}
	if l.cfg.Search.Enabled {
		ws, err := NewWebSearch(l.cfg.Search, l.logger)
		if err != nil {
			return nil, err
		}
		tools = append(tools, ws.Tool())
	}

	caps := make([]capability.Capability, len(tools))
	for i, t := range tools {
		caps[i] = t.Capability()
	}
	return caps, nil
}

// Close releases the SSH connection, if any.
func (l *Loader) Close() error {
	if l.ssh == nil {
		return nil
	}
	return l.ssh.Close()
}

// stringArg returns a required string argument.
func stringArg(tool string, args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", &ArgumentError{Tool: tool, Arg: name, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ArgumentError{Tool: tool, Arg: name, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	if strings.TrimSpace(s) == "" {
		return "", &ArgumentError{Tool: tool, Arg: name, Reason: "must not be empty"}
	}
	return s, nil
}

func optionalString(args map[string]any, name, def string) string {
	if s, ok := args[name].(string); ok && s != "" {
		return s
	}
	return def
}

// optionalInt accepts integral JSON numbers. Anything else, including
// numeric strings, yields def.
func optionalInt(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case int:
		return v
	}
	return def
}

func optionalBool(args map[string]any, name string, def bool) bool {
	if b, ok := args[name].(bool); ok {
		return b
	}
	return def
}

func optionalMap(args map[string]any, name string) map[string]any {
	if m, ok := args[name].(map[string]any); ok {
		return m
	}
	return nil
}
