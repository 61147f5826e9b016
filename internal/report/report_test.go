package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/router"
	"github.com/nugget/ctf-agent/internal/usage"
)

func sampleRun() Run {
	return Run{
		Problem:  "Find the flag on http://target:8080.\nHint: look at ```headers```",
		Category: "web",
		Result: &agent.Result{
			RunID:     "0192-run",
			ProblemID: "abcdef0123456789abcdef",
			Reason:    agent.ReasonSuccess,
			Value:     "flag{found_it}",
			Steps:     2,
			Elapsed:   3*time.Second + 500*time.Millisecond,
			Memory:    memory.Stats{HotSteps: 1, Blocks: 1, KeyFacts: 2, FoldedSteps: 3, ForgottenSteps: 1, NextStepID: 5},
		},
		Memory: memory.State{
			CompressedBlocks: []memory.CompressedBlock{{
				KeyFindings:     []string{"port 8080 runs nginx"},
				FailedAttempts:  []string{"admin/admin login"},
				CurrentStatus:   "recon done",
				SourceStepCount: 3,
			}},
			HotHistory: []memory.StepRecord{{
				StepID:    4,
				Rationale: "read the response headers",
				Actions: []memory.ActionInvocation{{
					ToolName:  "http_request",
					Arguments: map[string]any{"url": "http://target:8080/"},
				}},
				Status:        memory.StatusAnalyzed,
				OutputSummary: "X-Flag: flag{found_it}",
				Analysis: &memory.Verdict{
					Analysis:     "header carries\nthe flag",
					Success:      true,
					GoalAchieved: true,
					Value:        "flag{found_it}",
				},
			}},
			KeyFacts: map[string]memory.KeyFact{
				"b": {Key: "http_request:2", Value: "second", StepID: 4, Seq: 2},
				"a": {Key: "shell:1", Value: "first", StepID: 2, Seq: 1},
			},
			RejectedAnswers: []string{"flag{decoy}"},
		},
		Routing: []router.Decision{
			{Intent: "read the | response headers", Category: "web", Tools: []string{"http_request", "shell"}, LatencyMs: 12},
			{Intent: "list files", Category: "all", Fallback: router.FallbackUnknownLabel, Tools: []string{"shell"}, LatencyMs: 3},
		},
		RouterStats: router.Stats{TotalRequests: 2, FallbackCounts: map[string]int64{router.FallbackUnknownLabel: 1}},
		Usage: map[string]*usage.Summary{
			"planner":  {Calls: 2, InputTokens: 2400, OutputTokens: 300},
			"analyzer": {Calls: 2, InputTokens: 900, OutputTokens: 120},
		},
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleRun())

	for _, want := range []string{
		"- **Outcome:** success",
		"- **Steps:** 2",
		"- **Elapsed:** 3.5s",
		"- **Category:** web",
		"## Answer\n\n```\nflag{found_it}\n```",
		"````\nFind the flag on http://target:8080.",
		"### Block 1 (3 steps)",
		"- port 8080 runs nginx",
		"### Step 4",
		"- `http_request({\"url\":\"http://target:8080/\"})`",
		"**Verdict:** succeeded. header carries the flag",
		"**Candidate answer:** `flag{found_it}`",
		"| analyzer | 2 | 900 | 120 |\n| planner | 2 | 2400 | 300 |",
		"## Rejected answers\n\n- `flag{decoy}`",
		"- 1 steps in hot history, 1 compressed blocks holding 3 folded steps",
		"- 2 key facts, 0 failed attempts recorded",
		"| read the \\| response headers | web | http_request, shell | 12ms |",
		"| list files | all (unknown_label) | shell | 3ms |",
		"Fallbacks over 2 requests: unknown_label 1",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "shell:1"), strings.Index(out, "http_request:2"), "facts in insertion order")
}

func TestMarkdown_Minimal(t *testing.T) {
	out := Markdown(Run{Problem: "p"})
	assert.Contains(t, out, "## Problem")
	assert.NotContains(t, out, "## Steps")
	assert.NotContains(t, out, "## Answer")
	assert.NotContains(t, out, "## Key facts")
	assert.NotContains(t, out, "## Model usage")
	assert.NotContains(t, out, "## Tool routing")
	assert.NotContains(t, out, "## Memory")
	assert.NotContains(t, out, "## Rejected answers")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab\n[... 3 more bytes]", clip("abcde", 2))

	got := clip("naïve", 3)
	assert.True(t, utf8.ValidString(got), "clip split a rune: %q", got)
	assert.Equal(t, "na\n[... 4 more bytes]", got)
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := Write(dir, sampleRun())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report-abcdef012345-0192-run.md"), path)

	text, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(text), "flag{found_it}")

	page, err := os.ReadFile(strings.TrimSuffix(path, ".md") + ".html")
	require.NoError(t, err)
	assert.Contains(t, string(page), "<h1>Run report</h1>")
	assert.Contains(t, string(page), "<h3>Step 4</h3>")
	assert.Contains(t, string(page), "<table>")
}
