package prompts

import (
	"fmt"
	"strings"
)

const proposeCategoriesTemplate = `Below is a catalog of tools. Propose a small set of
categories (between 3 and 10) that partition them by purpose.

%s

Reply with a JSON object only:
{"categories": [{"name": "snake_case_label", "description": "what belongs here"}]}`

const assignCategoriesTemplate = `Assign every tool below to exactly one category.

## Categories
%s

## Tools
%s

Reply with a JSON object only, mapping tool name to category name:
{"assignments": {"tool_name": "category_name"}}`

const classifyTemplate = `Pick the tool category that best fits the next step.

## Categories
%s

## Intent
%s

## Context
%s

Reply with a JSON object only: {"category": "<one of the category names, or all>"}`

// ProposeCategoriesPrompt renders the first vocabulary derivation phase.
func ProposeCategoriesPrompt(catalog string) string {
	return fmt.Sprintf(proposeCategoriesTemplate, catalog)
}

// AssignCategoriesPrompt renders the second vocabulary derivation phase.
func AssignCategoriesPrompt(categories []string, catalog string) string {
	return fmt.Sprintf(assignCategoriesTemplate, bulletList(categories), catalog)
}

// ClassifyPrompt renders the per-step classification prompt.
func ClassifyPrompt(categories []string, intent, context string) string {
	if strings.TrimSpace(context) == "" {
		context = "(none)"
	}
	return fmt.Sprintf(classifyTemplate, bulletList(categories), intent, context)
}

func bulletList(items []string) string {
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it)
		sb.WriteString("\n")
	}
	return sb.String()
}
