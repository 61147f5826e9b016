package tools

import (
	"context"
	"testing"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/config"
)

func TestLoader_EnabledTools(t *testing.T) {
	cfg := config.ToolsConfig{
		ShellExec: config.ShellExecConfig{Enabled: true},
		Python:    config.PythonConfig{Enabled: true},
		HTTP:      config.HTTPToolConfig{Enabled: true},
	}
	l := NewLoader(cfg, nil)
	defer l.Close()

	reg := capability.NewRegistry(nil)
	n, err := reg.Load(context.Background(), l)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if n != 3 {
		t.Errorf("loaded %d, want 3", n)
	}

	got := capability.Names(reg.ListAll())
	want := []string{"http_request", "python_exec", "shell_exec"}
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	d, _, err := reg.Resolve("http_request")
	if err != nil {
		t.Fatal(err)
	}
	if d.Category != CategoryWeb || d.Searchable {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestLoader_SSH(t *testing.T) {
	cfg := config.ToolsConfig{
		SSH:    config.SSHConfig{Enabled: true, Host: "h", User: "u", Password: "p"},
		Python: config.PythonConfig{Enabled: true, Remote: true},
	}
	caps, err := NewLoader(cfg, nil).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, c := range caps {
		names[c.Name] = true
	}
	if !names["ssh_shell"] || !names["python_exec"] {
		t.Errorf("capabilities = %v", names)
	}
}

func TestCapabilityInvoker(t *testing.T) {
	tool := &Tool{
		Name: "echo",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return optionalString(args, "msg", "none"), nil
		},
	}
	c := tool.Capability()
	out, err := c.Invoker.Invoke(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil || out != "hi" {
		t.Errorf("Invoke = (%q, %v)", out, err)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"s":     "x",
		"blank": "  ",
		"n":     float64(12),
		"frac":  1.5,
		"str":   "30",
		"b":     true,
		"m":     map[string]any{"k": "v"},
	}

	if _, err := stringArg("t", args, "blank"); err == nil {
		t.Error("blank string accepted")
	}
	if _, err := stringArg("t", args, "missing"); err == nil {
		t.Error("missing string accepted")
	}
	if got := optionalInt(args, "n", 0); got != 12 {
		t.Errorf("optionalInt(n) = %d", got)
	}
	if got := optionalInt(args, "frac", 7); got != 7 {
		t.Errorf("optionalInt(frac) = %d, want default", got)
	}
	if got := optionalInt(args, "str", 7); got != 7 {
		t.Errorf("optionalInt(str) = %d, want default", got)
	}
	if !optionalBool(args, "b", false) || optionalBool(args, "missing", false) {
		t.Error("optionalBool mismatch")
	}
	if optionalMap(args, "m")["k"] != "v" || optionalMap(args, "s") != nil {
		t.Error("optionalMap mismatch")
	}
}

func TestRunIDFromContext(t *testing.T) {
	if got := RunIDFromContext(context.Background()); got != "default" {
		t.Errorf("default run id = %q", got)
	}
	ctx := WithRunID(context.Background(), "r-1")
	if got := RunIDFromContext(ctx); got != "r-1" {
		t.Errorf("run id = %q", got)
	}
}
