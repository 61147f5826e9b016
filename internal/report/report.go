// Package report writes a human-readable account of a finished run as
// markdown, with an HTML rendering alongside it.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/memory"
	"github.com/nugget/ctf-agent/internal/router"
	"github.com/nugget/ctf-agent/internal/usage"
)

// maxOutput bounds the condensed output quoted per step.
const maxOutput = 2000

// Run is everything a write-up covers.
type Run struct {
	Problem  string
	Category string
	Result   *agent.Result
	Memory   memory.State
	// Usage is token usage per agent role.
	Usage map[string]*usage.Summary
	// Routing is the router's decision for each planned step, oldest
	// first. Empty when the run had no router.
	Routing     []router.Decision
	RouterStats router.Stats
}

// Markdown renders the write-up.
func Markdown(r Run) string {
	var sb strings.Builder

	sb.WriteString("# Run report\n\n")
	if r.Result != nil {
		fmt.Fprintf(&sb, "- **Run:** `%s`\n", r.Result.RunID)
		fmt.Fprintf(&sb, "- **Outcome:** %s\n", r.Result.Reason)
		if r.Result.Detail != "" {
			fmt.Fprintf(&sb, "- **Detail:** %s\n", r.Result.Detail)
		}
		fmt.Fprintf(&sb, "- **Steps:** %d\n", r.Result.Steps)
		fmt.Fprintf(&sb, "- **Elapsed:** %s\n", r.Result.Elapsed.Round(1e6))
	}
	if r.Category != "" {
		fmt.Fprintf(&sb, "- **Category:** %s\n", r.Category)
	}
	if r.Result != nil && r.Result.Value != "" {
		fmt.Fprintf(&sb, "\n## Answer\n\n```\n%s\n```\n", r.Result.Value)
	}

	sb.WriteString("\n## Problem\n\n")
	sb.WriteString(fence(r.Problem))

	if len(r.Memory.CompressedBlocks) > 0 {
		sb.WriteString("\n## Earlier steps (summarized)\n")
		for i, b := range r.Memory.CompressedBlocks {
			fmt.Fprintf(&sb, "\n### Block %d (%d steps)\n\n", i+1, b.SourceStepCount)
			if b.CurrentStatus != "" {
				fmt.Fprintf(&sb, "%s\n\n", b.CurrentStatus)
			}
			writeList(&sb, "Findings", b.KeyFindings)
			writeList(&sb, "Failed attempts", b.FailedAttempts)
		}
	}

	if len(r.Memory.HotHistory) > 0 {
		sb.WriteString("\n## Steps\n")
		for _, rec := range r.Memory.HotHistory {
			writeStep(&sb, rec)
		}
	}

	facts := make([]memory.KeyFact, 0, len(r.Memory.KeyFacts))
	for _, f := range r.Memory.KeyFacts {
		facts = append(facts, f)
	}
	if len(facts) > 0 {
		sort.Slice(facts, func(i, j int) bool { return facts[i].Seq < facts[j].Seq })
		sb.WriteString("\n## Key facts\n\n")
		for _, f := range facts {
			fmt.Fprintf(&sb, "- `%s` (step %d): %s\n", f.Key, f.StepID, oneLine(f.Value))
		}
	}

	if len(r.Memory.RejectedAnswers) > 0 {
		sb.WriteString("\n## Rejected answers\n\n")
		for _, v := range r.Memory.RejectedAnswers {
			fmt.Fprintf(&sb, "- `%s`\n", v)
		}
	}

	if r.Result != nil && r.Result.Memory.NextStepID > 0 {
		m := r.Result.Memory
		sb.WriteString("\n## Memory\n\n")
		fmt.Fprintf(&sb, "- %d steps in hot history, %d compressed blocks holding %d folded steps\n", m.HotSteps, m.Blocks, m.FoldedSteps)
		fmt.Fprintf(&sb, "- %d key facts, %d failed attempts recorded\n", m.KeyFacts, m.FailedAttempts)
		fmt.Fprintf(&sb, "- %d steps forgotten\n", m.ForgottenSteps)
	}

	writeRouting(&sb, r.Routing, r.RouterStats)

	if len(r.Usage) > 0 {
		roles := make([]string, 0, len(r.Usage))
		for role := range r.Usage {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		sb.WriteString("\n## Model usage\n\n| Role | Calls | Input tokens | Output tokens |\n|---|---:|---:|---:|\n")
		for _, role := range roles {
			u := r.Usage[role]
			fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n", role, u.Calls, u.InputTokens, u.OutputTokens)
		}
	}
	return sb.String()
}

func writeStep(sb *strings.Builder, rec memory.StepRecord) {
	fmt.Fprintf(sb, "\n### Step %d\n\n", rec.StepID)
	if rec.Rationale != "" {
		fmt.Fprintf(sb, "%s\n\n", rec.Rationale)
	}
	for _, a := range rec.Actions {
		fmt.Fprintf(sb, "- `%s`\n", a.String())
	}
	if rec.OutputSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(fence(clip(rec.OutputSummary, maxOutput)))
	}
	if v := rec.Analysis; v != nil {
		outcome := "failed"
		if v.Success {
			outcome = "succeeded"
		}
		fmt.Fprintf(sb, "\n**Verdict:** %s. %s\n", outcome, oneLine(v.Analysis))
		if v.GoalAchieved {
			fmt.Fprintf(sb, "\n**Candidate answer:** `%s`\n", v.Value)
		}
	}
}

func writeRouting(sb *strings.Builder, decisions []router.Decision, stats router.Stats) {
	if len(decisions) == 0 {
		return
	}
	sb.WriteString("\n## Tool routing\n\n| Intent | Category | Tools | Latency |\n|---|---|---|---:|\n")
	for _, d := range decisions {
		category := d.Category
		if d.Fallback != "" {
			category += " (" + d.Fallback + ")"
		}
		fmt.Fprintf(sb, "| %s | %s | %s | %dms |\n",
			cell(d.Intent), cell(category), cell(strings.Join(d.Tools, ", ")), d.LatencyMs)
	}
	if len(stats.FallbackCounts) > 0 {
		kinds := make([]string, 0, len(stats.FallbackCounts))
		for k := range stats.FallbackCounts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s %d", k, stats.FallbackCounts[k])
		}
		fmt.Fprintf(sb, "\nFallbacks over %d requests: %s\n", stats.TotalRequests, strings.Join(parts, ", "))
	}
}

// cell flattens s for use inside a table row.
func cell(s string) string {
	return strings.ReplaceAll(oneLine(s), "|", "\\|")
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", oneLine(it))
	}
	sb.WriteString("\n")
}

// fence quotes s in a code block long enough not to be closed by any
// backtick run inside it.
func fence(s string) string {
	ticks := "```"
	for strings.Contains(s, ticks) {
		ticks += "`"
	}
	return fmt.Sprintf("%s\n%s\n%s\n", ticks, strings.TrimRight(s, "\n"), ticks)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			n = i
			break
		}
	}
	return s[:n] + fmt.Sprintf("\n[... %d more bytes]", len(s)-n)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders markdown into a standalone page with no external
// resources.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Run report</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 60em;">
%s
</body></html>
`, buf.String()), nil
}

// Write saves the markdown and HTML write-ups for r in dir and returns
// the markdown path. Files are named after the problem and run ids.
func Write(dir string, r Run) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	base := "report"
	if r.Result != nil {
		if id := r.Result.ProblemID; id != "" {
			base += "-" + id[:min(12, len(id))]
		}
		if r.Result.RunID != "" {
			base += "-" + r.Result.RunID
		}
	}

	text := Markdown(r)
	page, err := HTML(text)
	if err != nil {
		return "", err
	}
	mdPath := filepath.Join(dir, base+".md")
	if err := os.WriteFile(mdPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".html"), []byte(page), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return mdPath, nil
}
