package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/checkpoint"
	"github.com/nugget/ctf-agent/internal/events"
	"github.com/nugget/ctf-agent/internal/memory"

	_ "modernc.org/sqlite"
)

// writeConfig writes a minimal config into a temp dir and returns its
// path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "ctfagent ") {
		t.Errorf("version output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, stdout.String())
	}
	if info["go_version"] == "" {
		t.Errorf("go_version missing: %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"solve without problem", []string{"solve"}, "usage: ctfagent solve"},
		{"resume without id", []string{"resume"}, "accepts 1 arg"},
		{"auto and manual", []string{"solve", "--auto", "--manual", "x"}, "auto"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Tools(t *testing.T) {
	cfg := writeConfig(t, "tools:\n  http:\n    enabled: true\n")
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"--config", cfg, "tools"}); err != nil {
		t.Fatalf("run tools: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "NAME") || !strings.Contains(stdout.String(), "http_request") {
		t.Errorf("tools output:\n%s", stdout.String())
	}
	footer := stdout.String()[strings.LastIndex(stdout.String(), "\n\n")+2:]
	if !strings.Contains(footer, "categories: ") || !strings.Contains(footer, "web") {
		t.Errorf("category footer = %q", footer)
	}
}

func TestRun_ToolsEmptyRegistry(t *testing.T) {
	cfg := writeConfig(t, "tools:\n  http:\n    enabled: false\n")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--config", cfg, "tools"})
	if err == nil || !strings.Contains(err.Error(), "no tools available") {
		t.Fatalf("run tools = %v, want no tools error", err)
	}
}

func TestRun_ToolsMissingAttachment(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "chall.bin")
	cfg := writeConfig(t, "tools:\n  http:\n    enabled: true\n  attachments: ["+missing+"]\n")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"--config", cfg, "tools"})
	if err == nil || !strings.Contains(err.Error(), "attachment") {
		t.Fatalf("run tools = %v, want attachment error", err)
	}
}

func TestPrintResult(t *testing.T) {
	res := &agent.Result{
		Reason: agent.ReasonBudget,
		Steps:  12,
		Memory: memory.Stats{HotSteps: 5, Blocks: 2, KeyFacts: 7, ForgottenSteps: 3, NextStepID: 13},
	}

	var text bytes.Buffer
	if err := printResult(&text, "text", res); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Stopped after 12 steps (budget)", "Memory: 5 hot steps, 2 compressed blocks, 7 key facts, 3 forgotten"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := printResult(&js, "json", res); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Memory memory.Stats `json:"memory"`
	}
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("json output: %v\n%s", err, js.String())
	}
	if got.Memory != res.Memory {
		t.Errorf("memory = %+v, want %+v", got.Memory, res.Memory)
	}
}

func TestReadProblem(t *testing.T) {
	file := filepath.Join(t.TempDir(), "problem.md")
	if err := os.WriteFile(file, []byte("\n  Find the flag in /srv  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		stdin string
		file  string
		args  []string
		want  string
	}{
		{name: "args", args: []string{"find", "the", "flag"}, want: "find the flag"},
		{name: "file", file: file, want: "Find the flag in /srv"},
		{name: "stdin", file: "-", stdin: "crack this hash\n", want: "crack this hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readProblem(strings.NewReader(tt.stdin), tt.file, tt.args)
			if err != nil {
				t.Fatalf("readProblem: %v", err)
			}
			if got != tt.want {
				t.Errorf("readProblem = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := readProblem(strings.NewReader("   "), "-", nil); err == nil {
		t.Error("blank stdin accepted")
	}
	if _, err := readProblem(nil, filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("missing file accepted")
	}
}

func TestResolveProblemID(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, p := range []string{"first problem", "second problem"} {
		if _, err := store.Save(ctx, checkpoint.TriggerManual, &checkpoint.Document{Problem: p}); err != nil {
			t.Fatal(err)
		}
	}
	full := checkpoint.ProblemID("first problem")

	got, err := resolveProblemID(ctx, store, strings.ToUpper(full[:8]))
	if err != nil || got != full {
		t.Errorf("resolveProblemID(prefix) = %q, %v; want %q", got, err, full)
	}
	if _, err := resolveProblemID(ctx, store, "zzzz"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("unknown prefix error = %v, want ErrNotFound", err)
	}
	if _, err := resolveProblemID(ctx, store, ""); err == nil {
		t.Error("empty prefix accepted")
	}

	doc, err := loadCheckpoint(ctx, store, full[:10])
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}
	if doc.Problem != "first problem" {
		t.Errorf("loaded problem = %q", doc.Problem)
	}
}

func TestProgressLine(t *testing.T) {
	tests := []struct {
		name string
		e    events.Event
		want string
	}{
		{
			name: "plan",
			e: events.Event{Kind: events.KindPlan, Data: map[string]any{
				"step_id": 2, "rationale": "enumerate", "actions": "1. shell_exec({})\n2. http_request({})",
			}},
			want: "[step 2] enumerate\n  1. shell_exec({})\n  2. http_request({})",
		},
		{
			name: "action",
			e: events.Event{Kind: events.KindActionDone, Data: map[string]any{
				"tool": "shell_exec", "result": "ok", "bytes": 12, "elapsed_ms": int64(40),
			}},
			want: "  shell_exec: ok (12 bytes, 40ms)",
		},
		{
			name: "verdict with candidate",
			e: events.Event{Kind: events.KindVerdict, Data: map[string]any{
				"step_id": 3, "analysis": "found it", "value": "flag{x}",
			}},
			want: "[step 3] found it (candidate: flag{x})",
		},
		{name: "ignored", e: events.Event{Kind: events.KindState}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := progressLine(tt.e); got != tt.want {
				t.Errorf("progressLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchProgress(t *testing.T) {
	bus := events.New()
	var out bytes.Buffer
	stop := watchProgress(bus, &out)
	bus.Emit(events.SourceLoop, events.KindRunComplete, map[string]any{"reason": "success", "steps": 4})
	stop()
	if got := out.String(); got != "run finished: success after 4 steps\n" {
		t.Errorf("progress output = %q", got)
	}
}
