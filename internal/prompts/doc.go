// Package prompts contains all model prompt templates used by ctfagent.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be checked by
// tests. Each prompt category gets its own file (planning.go,
// analysis.go, compression.go, routing.go, repair.go) with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
