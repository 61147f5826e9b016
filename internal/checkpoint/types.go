// Package checkpoint persists run state so an interrupted solve can be
// resumed. One checkpoint is kept per problem, keyed by the hex SHA-256
// of the problem text, and replaced on every save.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ctf-agent/internal/memory"
)

var (
	// ErrPersistence wraps storage, encoding and compression failures.
	ErrPersistence = errors.New("checkpoint persistence failed")
	// ErrProblemMismatch is returned when a stored document was written
	// for a different problem than the one requested.
	ErrProblemMismatch = errors.New("checkpoint belongs to a different problem")
	// ErrNotFound is returned when no checkpoint exists for a problem.
	ErrNotFound = errors.New("checkpoint not found")
)

// Trigger describes what caused a checkpoint to be written.
type Trigger string

const (
	TriggerStep     Trigger = "step"     // Every N committed steps
	TriggerCancel   Trigger = "cancel"   // Run interrupted
	TriggerShutdown Trigger = "shutdown" // Budget or analyzer stop
	TriggerManual   Trigger = "manual"
)

// Document is the persisted run state.
type Document struct {
	ProblemID string       `json:"problem_id"`
	Problem   string       `json:"problem"`
	StepCount int          `json:"step_count"`
	AutoMode  bool         `json:"auto_mode"`
	Memory    memory.State `json:"memory"`
}

// Checkpoint is a stored document with its row metadata.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	ProblemID string    `json:"problem_id"`
	Title     string    `json:"title"` // first line of the problem
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`

	ByteSize  int64 `json:"byte_size"` // Compressed size
	StepCount int   `json:"step_count"`
	FactCount int   `json:"fact_count"`

	// Document is nil in List results.
	Document *Document `json:"document,omitempty"`
}

// Summary returns a one-line description of the checkpoint.
func (c *Checkpoint) Summary() string {
	return fmt.Sprintf("%s | %s | %s | %s, %s | %s",
		shortID(c.ProblemID),
		c.CreatedAt.Format("2006-01-02 15:04"),
		c.Trigger,
		formatCount(c.StepCount, "step"),
		formatCount(c.FactCount, "fact"),
		c.Title,
	)
}

// ProblemID returns the key for a problem text.
func ProblemID(problem string) string {
	sum := sha256.Sum256([]byte(problem))
	return hex.EncodeToString(sum[:])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// title returns the first non-empty line of problem, shortened.
func title(problem string) string {
	for _, line := range strings.Split(problem, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 60 {
			return string(r[:60]) + "..."
		}
		return line
	}
	return ""
}
