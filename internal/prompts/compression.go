package prompts

import "fmt"

const compressionTemplate = `Compress the investigation steps below into a memory block.

## Problem
%s

## Steps
%s

Reply with a JSON object only:
{"key_findings": ["facts established so far, with exact values"],
 "failed_attempts": ["approaches that did not work and why"],
 "current_status": "one sentence on where the investigation stands",
 "next_steps": ["the most promising next actions"]}`

// CompressionPrompt renders the prompt that turns hot history into a
// compressed block. steps is the pre-formatted step transcript.
func CompressionPrompt(problem, steps string) string {
	return fmt.Sprintf(compressionTemplate, problem, steps)
}
