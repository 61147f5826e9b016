package memory

import (
	"context"
	"fmt"
	"strings"
)

const (
	outputPreviewLen = 512
	blockFindings    = 3
	emptySummary     = "No history yet."
)

// Summary renders memory for a prompt in a fixed order: archive hits
// relevant to problem, rejected answers, recent key facts (most recent first), the last
// compressed blocks (most recent first), then hot history in
// chronological order. Rendering a hot record counts as an access for
// the forgetting policy. An empty problem uses the one set with
// SetProblem.
func (s *Store) Summary(ctx context.Context, problem string) string {
	if problem == "" {
		problem = s.problem
	}
	var sb strings.Builder

	if hits := s.searchArchive(ctx, problem); len(hits) > 0 {
		sb.WriteString("## Related past memories\n")
		for i, h := range hits {
			fmt.Fprintf(&sb, "%d. (%.2f) %s\n", i+1, h.Score, preview(h.Content, outputPreviewLen))
		}
		sb.WriteString("\n")
	}

	if len(s.rejected) > 0 {
		sb.WriteString("## Rejected answers (do not propose again)\n")
		for _, v := range s.rejected {
			fmt.Fprintf(&sb, "- %q\n", v)
		}
		sb.WriteString("\n")
	}

	if facts := s.recentFacts(); len(facts) > 0 {
		sb.WriteString("## Key facts\n")
		for _, f := range facts {
			fmt.Fprintf(&sb, "- %s\n", f.Value)
		}
		sb.WriteString("\n")
	}

	if len(s.blocks) > 0 {
		sb.WriteString("## Compressed memory\n")
		window := s.cfg.BlockWindow
		if window <= 0 {
			window = len(s.blocks)
		}
		shown := 0
		for i := len(s.blocks) - 1; i >= 0 && shown < window; i-- {
			sb.WriteString(renderBlock(s.blocks[i], i+1, blockFindings))
			sb.WriteString("\n")
			shown++
		}
	}

	if len(s.hot) > 0 {
		sb.WriteString("## Recent steps\n")
		for _, r := range s.hot {
			r.AccessCount++
			sb.WriteString(renderStep(r, s.failures[Signature(r.Actions)]))
			sb.WriteString("\n")
		}
	}

	out := strings.TrimRight(sb.String(), "\n")
	if out == "" {
		return emptySummary
	}
	return out
}

func (s *Store) searchArchive(ctx context.Context, problem string) []ArchiveHit {
	if problem == "" || s.cfg.ArchiveTopK <= 0 {
		return nil
	}
	if s.cfg.ArchiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ArchiveTimeout)
		defer cancel()
	}
	hits, err := s.archive.Search(ctx, problem, s.cfg.ArchiveTopK, nil)
	if err != nil {
		archiveErrors.Inc()
		s.logger.Warn("archive search failed", "error", err)
		return nil
	}
	return hits
}

// renderBlock formats a block. findings > 0 limits the findings and
// failed attempts listed.
func renderBlock(b CompressedBlock, n, findings int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Block #%d (from %d steps):\n", n, b.SourceStepCount)
	fmt.Fprintf(&sb, "- status: %s\n", orDefault(b.CurrentStatus, "unknown"))
	if len(b.KeyFindings) > 0 {
		fmt.Fprintf(&sb, "- findings: %s\n", limitList(b.KeyFindings, findings))
	}
	if len(b.FailedAttempts) > 0 {
		fmt.Fprintf(&sb, "- failed: %s\n", limitList(b.FailedAttempts, findings))
	}
	if len(b.NextSteps) > 0 {
		fmt.Fprintf(&sb, "- next: %s\n", b.NextSteps[0])
	}
	return sb.String()
}

// renderStep formats a hot record. failures > 0 adds a retry warning.
func renderStep(r *StepRecord, failures int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Step %d:\n", r.StepID)
	fmt.Fprintf(&sb, "- purpose: %s\n", orDefault(r.Rationale, "unspecified"))
	if len(r.Actions) > 0 {
		fmt.Fprintf(&sb, "- actions: %s\n", Signature(r.Actions))
	}
	output := r.OutputSummary
	if output == "" && len(r.RawOutputs) > 0 {
		output = strings.Join(r.OrderedOutputs(), "\n")
	}
	if output != "" {
		fmt.Fprintf(&sb, "- output: %s\n", preview(output, outputPreviewLen))
	}
	if r.Analysis != nil {
		fmt.Fprintf(&sb, "- analysis: %s\n", r.Analysis.Analysis)
	}
	if failures > 0 {
		fmt.Fprintf(&sb, "- these actions failed %d times before; do not repeat them unchanged\n", failures)
	}
	return sb.String()
}

func limitList(items []string, n int) string {
	if n <= 0 || len(items) <= n {
		return strings.Join(items, "; ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(items[:n], "; "), len(items)-n)
}

// preview truncates s to n bytes on a rune boundary.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
