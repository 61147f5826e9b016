package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/ctf-agent/internal/llm"
)

func TestLLMCompressor(t *testing.T) {
	var gotPrompt string
	gen := llm.GeneratorFunc(func(_ context.Context, prompt string, opts llm.Options) (string, error) {
		gotPrompt = prompt
		if !opts.JSON {
			t.Error("compression should request JSON output")
		}
		return "```json\n" + `{"key_findings": ["admin panel at /admin"], "failed_attempts": ["default creds"], "current_status": "need a password", "next_steps": ["check robots.txt"]}` + "\n```", nil
	})
	c := NewLLMCompressor(llm.NewStructured(gen, nil), 0, nil)

	steps := []StepRecord{{
		StepID:    3,
		Rationale: "look for admin pages",
		Actions:   []ActionInvocation{{ToolName: "http_request", Arguments: map[string]any{"url": "http://target/admin"}}},
		Analysis:  &Verdict{Analysis: "login form found"},
	}}
	block, err := c.Compress(context.Background(), "get the admin flag", []KeyFact{{Value: "port 80 open"}}, steps)
	if err != nil {
		t.Fatal(err)
	}
	if block.CurrentStatus != "need a password" || len(block.KeyFindings) != 1 || len(block.FailedAttempts) != 1 {
		t.Errorf("block = %+v", block)
	}
	for _, want := range []string{"get the admin flag", "port 80 open", "Step 3:", "login form found"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestLLMCompressor_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "generation error", err: errors.New("connection refused")},
		{name: "empty object", reply: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := llm.GeneratorFunc(func(context.Context, string, llm.Options) (string, error) {
				return tt.reply, tt.err
			})
			c := NewLLMCompressor(llm.NewStructured(gen, nil), 0, nil)
			_, err := c.Compress(context.Background(), "p", nil, []StepRecord{{StepID: 1}})
			if !errors.Is(err, ErrCompression) {
				t.Errorf("err = %v, want ErrCompression", err)
			}
		})
	}
}

func TestFormatSteps_LimitsFacts(t *testing.T) {
	var facts []KeyFact
	for _, v := range []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"} {
		facts = append(facts, KeyFact{Value: v})
	}
	out := formatSteps(facts, []StepRecord{{StepID: 9}})
	if !strings.Contains(out, "- f5") || strings.Contains(out, "- f6") {
		t.Errorf("expected exactly five facts:\n%s", out)
	}
	if !strings.Contains(out, "- purpose: unspecified") {
		t.Errorf("missing default purpose:\n%s", out)
	}
}
