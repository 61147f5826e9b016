package llm

import "time"

// Role values for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-call generation parameters.
type Options struct {
	// JSON asks the provider to constrain output to a JSON object.
	JSON bool
	// MaxTokens bounds the reply length. Zero uses the provider default.
	MaxTokens int
	// Temperature is passed through when non-zero.
	Temperature float64
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries (ollama.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Content   string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// TotalDuration is populated when the provider reports it.
	TotalDuration time.Duration
}
