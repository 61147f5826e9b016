package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

const fixJSONTemplate = `The text below was supposed to be a single JSON object but
it does not parse: %s

Return the corrected JSON object only, with no commentary and no code fence.

%s`

// FixJSONPrompt asks a model to repair malformed JSON it produced.
func FixJSONPrompt(raw, parseErr string) string {
	return fmt.Sprintf(fixJSONTemplate, parseErr, raw)
}

var (
	blankRunRe = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
)

// Optimize trims trailing whitespace from every line, collapses runs of
// blank lines to one, and squeezes repeated spaces. Indentation at the
// start of a line is kept.
func Optimize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		indentLen := len(line) - len(strings.TrimLeft(line, " \t"))
		lines[i] = line[:indentLen] + spaceRunRe.ReplaceAllString(line[indentLen:], " ")
	}
	out := strings.Join(lines, "\n")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
