package prompts

import "fmt"

const analyzeTemplate = `You are reviewing the result of one step of an investigation.

## Memory
%s

## Intent of the step
%s

## Output of the step
%s

Judge the outcome. Reply with a JSON object only:
{"analysis": "what the output shows and what it means",
 "success": true if the step's actions ran and produced useful output,
 "goal_achieved": true only if the output contains the final answer,
 "value": "the final answer when goal_achieved is true, otherwise empty",
 "terminate": true only if no further progress is possible}`

const condenseTemplate = `Condense the tool output below to the facts that matter for
the stated intent. Keep every identifier, path, number, credential,
error message and anything that looks like an answer verbatim. Drop
repetition and boilerplate.

## Intent
%s

## Output
%s

Condensed output:`

const problemTemplate = `Read the problem below and assess it before any work starts.

## Problem
%s

Reply with a JSON object only:
{"category": "a short label for the kind of problem",
 "solution": "a concise plan of attack as numbered steps"}`

// AnalyzePrompt renders the outcome analysis prompt.
func AnalyzePrompt(memorySummary, rationale, output string) string {
	return fmt.Sprintf(analyzeTemplate, memorySummary, rationale, output)
}

// CondensePrompt renders the prompt used to shrink large raw output.
func CondensePrompt(rationale, output string) string {
	return fmt.Sprintf(condenseTemplate, rationale, output)
}

// ProblemPrompt renders the pre-run problem assessment prompt.
func ProblemPrompt(problem string) string {
	return fmt.Sprintf(problemTemplate, problem)
}
