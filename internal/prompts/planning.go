package prompts

import (
	"fmt"
	"strings"
)

const planTemplate = `You are solving the following problem step by step.

## Problem
%s
%s
## What has happened so far
%s

## Available tools
%s

Decide the single next step. Reply with a JSON object only:
{"rationale": "why this step moves toward the goal",
 "actions": [{"tool_name": "<one of the tools above>", "arguments": {...}}]}

Use one or more actions. Independent actions in one step run in parallel.
Do not repeat an action that is listed as failed unless you change it.`

const solutionPlanSection = `
## Initial assessment
%s
`

const replanTemplate = `You proposed the step below for this problem, and the operator
asked for changes.

## Problem
%s

## What has happened so far
%s

## Available tools
%s

## Your proposed step
Rationale: %s
Actions:
%s

## Operator feedback
%s

Revise the step to address the feedback. Reply with a JSON object only:
{"rationale": "...", "actions": [{"tool_name": "...", "arguments": {...}}]}`

// PlanPrompt renders the prompt for choosing the next step. solutionPlan
// is the optional pre-run assessment and may be empty.
func PlanPrompt(problem, solutionPlan, memorySummary, toolCatalog string) string {
	var section string
	if strings.TrimSpace(solutionPlan) != "" {
		section = fmt.Sprintf(solutionPlanSection, solutionPlan)
	}
	if strings.TrimSpace(memorySummary) == "" {
		memorySummary = "(nothing yet, this is the first step)"
	}
	return fmt.Sprintf(planTemplate, problem, section, memorySummary, toolCatalog)
}

// ReplanPrompt renders the prompt for revising a step after operator
// feedback. actions is the already-formatted action list.
func ReplanPrompt(problem, memorySummary, toolCatalog, rationale, actions, feedback string) string {
	return fmt.Sprintf(replanTemplate, problem, memorySummary, toolCatalog, rationale, actions, feedback)
}
