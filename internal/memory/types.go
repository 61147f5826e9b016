// Package memory implements the tiered run memory: a hot history of
// step records, compressed blocks summarizing older steps, a bounded map
// of key facts, and a long-term archive searched by similarity.
//
// A Store belongs to exactly one run and is not safe for concurrent use.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Errors returned by Store.
var (
	// ErrCompression wraps compressor failures. It is logged, never
	// returned from AddStep.
	ErrCompression = errors.New("compression failed")
	// ErrStatusRegression is returned when a record would move backwards.
	ErrStatusRegression = errors.New("step status cannot move backwards")
	// ErrStepInFlight is returned by PlanStep while another record is
	// still planned or executed.
	ErrStepInFlight = errors.New("a step is already in flight")
	// ErrNoStepInFlight is returned when there is no current record.
	ErrNoStepInFlight = errors.New("no step in flight")
	// ErrStepOrder is returned when a committed step id does not exceed
	// the previous one.
	ErrStepOrder = errors.New("step ids must be strictly increasing")
)

// Status is the lifecycle state of a step record.
type Status string

// Step statuses, in lifecycle order.
const (
	StatusPlanned  Status = "planned"
	StatusExecuted Status = "executed"
	StatusAnalyzed Status = "analyzed"
)

func (s Status) rank() int {
	switch s {
	case StatusPlanned:
		return 1
	case StatusExecuted:
		return 2
	case StatusAnalyzed:
		return 3
	}
	return 0
}

// ActionInvocation is one tool call within a plan.
type ActionInvocation struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// String renders the call as name(args) with arguments as compact JSON.
func (a ActionInvocation) String() string {
	args, err := json.Marshal(a.Arguments)
	if err != nil || a.Arguments == nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("%s(%s)", a.ToolName, args)
}

// Signature identifies a set of actions for the failure counter. Map
// keys are marshaled in sorted order, so equal calls produce equal
// signatures.
func Signature(actions []ActionInvocation) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = a.String()
	}
	return strings.Join(parts, "; ")
}

// Verdict is the outcome analysis of one step.
type Verdict struct {
	Analysis     string `json:"analysis"`
	Success      bool   `json:"success"`
	GoalAchieved bool   `json:"goal_achieved"`
	Value        string `json:"value,omitempty"`
	Terminate    bool   `json:"terminate"`
}

// StepRecord is one plan/execute/analyze cycle.
type StepRecord struct {
	StepID        int                `json:"step_id"`
	Rationale     string             `json:"rationale"`
	Actions       []ActionInvocation `json:"actions"`
	Status        Status             `json:"status"`
	RawOutputs    map[int]string     `json:"raw_outputs,omitempty"`
	OutputSummary string             `json:"output_summary,omitempty"`
	Analysis      *Verdict           `json:"analysis,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Importance    float64            `json:"importance"`
	AccessCount   int                `json:"access_count"`
}

// Advance moves the record to status. Moving to the current status is
// a no-op; moving backwards fails.
func (r *StepRecord) Advance(to Status) error {
	if to.rank() == 0 {
		return fmt.Errorf("unknown status %q", to)
	}
	if to.rank() < r.Status.rank() {
		return fmt.Errorf("%w: step %d %s -> %s", ErrStatusRegression, r.StepID, r.Status, to)
	}
	r.Status = to
	return nil
}

// OrderedOutputs returns raw outputs sorted by action index.
func (r *StepRecord) OrderedOutputs() []string {
	idx := make([]int, 0, len(r.RawOutputs))
	for i := range r.RawOutputs {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, len(idx))
	for j, i := range idx {
		out[j] = r.RawOutputs[i]
	}
	return out
}

// CompressedBlock summarizes a window of step records. Blocks are
// never mutated after they are appended.
type CompressedBlock struct {
	KeyFindings    []string `json:"key_findings"`
	FailedAttempts []string `json:"failed_attempts"`
	CurrentStatus  string   `json:"current_status"`
	NextSteps      []string `json:"next_steps"`
	// SourceStepCount is the number of records in the summarized window.
	SourceStepCount int `json:"source_step_count"`
	// FoldedStepIDs are the records removed from hot history by the
	// compression that produced this block.
	FoldedStepIDs []int     `json:"folded_step_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeyFact is a short keyed observation. Keys are "<tool>:<hash>" and
// StepID refers back to the record that produced the fact.
type KeyFact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	StepID    int       `json:"step_id"`
	CreatedAt time.Time `json:"created_at"`
	// Seq orders facts by insertion, including overwrites.
	Seq uint64 `json:"seq"`
}

// State is the serializable form of a Store.
type State struct {
	HotHistory           []StepRecord       `json:"hot_history"`
	CompressedBlocks     []CompressedBlock  `json:"compressed_blocks"`
	KeyFacts             map[string]KeyFact `json:"key_facts"`
	FailedAttempts       map[string]int     `json:"failed_attempts"`
	CompressionThreshold int                `json:"compression_threshold"`
	NextStepID           int                `json:"next_step_id"`
	ForgottenSteps       int                `json:"forgotten_steps"`
	FactSeq              uint64             `json:"fact_seq"`
	RejectedAnswers      []string           `json:"rejected_answers,omitempty"`
}
