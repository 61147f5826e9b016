package memory

import (
	"regexp"
	"strings"
)

// flagPattern matches the usual CTF flag formats, e.g. flag{...} or
// HTB{...}.
var flagPattern = regexp.MustCompile(`(?i)\b[a-z0-9_]{2,12}\{[^{}\s]{3,}\}`)

// findingMarkers in an analysis text indicate a noteworthy result.
var findingMarkers = []string{"found", "discovered", "vulnerab", "credential", "password", "key finding"}

// Importance scores a record in [0, 1]. It is called once, when the
// record is committed, and the result is stored on the record.
func Importance(r *StepRecord) float64 {
	score := 0.2
	if v := r.Analysis; v != nil {
		if v.GoalAchieved || v.Value != "" {
			score += 0.4
		}
		if v.Success {
			score += 0.2
		}
		lc := strings.ToLower(v.Analysis)
		for _, m := range findingMarkers {
			if strings.Contains(lc, m) {
				score += 0.1
				break
			}
		}
	}
	for _, out := range r.RawOutputs {
		if flagPattern.MatchString(out) {
			score += 0.2
			break
		}
	}
	return min(score, 1)
}
