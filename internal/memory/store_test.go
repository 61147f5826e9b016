package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type recordingArchive struct {
	entries []ArchiveEntry
	hits    []ArchiveHit
}

func (a *recordingArchive) Store(_ context.Context, e ArchiveEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingArchive) Search(context.Context, string, int, map[string]string) ([]ArchiveHit, error) {
	return a.hits, nil
}

func okCompressor() Compressor {
	return CompressorFunc(func(_ context.Context, _ string, _ []KeyFact, steps []StepRecord) (CompressedBlock, error) {
		return CompressedBlock{
			KeyFindings:   []string{"port 8080 open"},
			CurrentStatus: "enumerating",
			NextSteps:     []string{"fuzz /api"},
		}, nil
	})
}

func failingCompressor() Compressor {
	return CompressorFunc(func(context.Context, string, []KeyFact, []StepRecord) (CompressedBlock, error) {
		return CompressedBlock{}, errors.New("model unavailable")
	})
}

func newTestStore(cfg Config, c Compressor, a Archive) (*Store, *fakeClock) {
	s := NewStore(cfg, c, a, nil)
	clk := newClock()
	s.SetClock(clk.Now)
	return s, clk
}

// runStep drives one record through the full lifecycle.
func runStep(t *testing.T, s *Store, command, output string, success bool) *StepRecord {
	t.Helper()
	r, err := s.PlanStep("try "+command, []ActionInvocation{{
		ToolName:  "shell_exec",
		Arguments: map[string]any{"command": command},
	}})
	if err != nil {
		t.Fatalf("PlanStep: %v", err)
	}
	if err := s.RecordExecution(map[int]string{0: output}, output); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.RecordAnalysis(Verdict{Analysis: "checked " + command, Success: success}); err != nil {
		t.Fatalf("RecordAnalysis: %v", err)
	}
	if err := s.AddStep(context.Background(), r); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	return r
}

func TestCompression_ScenarioB(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 5
	archive := &recordingArchive{}
	s, _ := newTestStore(cfg, okCompressor(), archive)

	for i := 0; i < 5; i++ {
		runStep(t, s, "ls", "a.txt", true)
	}

	blocks := s.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	if blocks[0].SourceStepCount != 5 {
		t.Errorf("SourceStepCount = %d, want 5", blocks[0].SourceStepCount)
	}
	if got := len(s.HotHistory()); got > cfg.KeepLast {
		t.Errorf("hot history = %d, want <= %d", got, cfg.KeepLast)
	}
	if len(blocks[0].FoldedStepIDs) != 1 || blocks[0].FoldedStepIDs[0] != 1 {
		t.Errorf("FoldedStepIDs = %v, want [1]", blocks[0].FoldedStepIDs)
	}
	if len(archive.entries) != 1 || archive.entries[0].Kind != KindBlock {
		t.Errorf("archive entries = %+v, want one compressed block", archive.entries)
	}
}

func TestCompression_FailureStillTruncates(t *testing.T) {
	tests := []struct {
		name       string
		compressor Compressor
	}{
		{name: "error", compressor: failingCompressor()},
		{name: "nil compressor", compressor: nil},
		{
			name: "panic",
			compressor: CompressorFunc(func(context.Context, string, []KeyFact, []StepRecord) (CompressedBlock, error) {
				panic("boom")
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionThreshold = 5
			cfg.KeepLast = 2
			s, _ := newTestStore(cfg, tt.compressor, nil)

			for i := 0; i < 5; i++ {
				runStep(t, s, "id", "uid=0", true)
			}

			blocks := s.Blocks()
			if len(blocks) != 1 {
				t.Fatalf("blocks = %d, want 1", len(blocks))
			}
			if blocks[0].CurrentStatus != "compression failed" || blocks[0].SourceStepCount != 5 {
				t.Errorf("block = %+v, want fallback", blocks[0])
			}
			if got := len(s.HotHistory()); got > 2 {
				t.Errorf("hot history = %d, want <= 2", got)
			}
		})
	}
}

func TestCompression_FailedAttemptsMerged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 2
	c := CompressorFunc(func(context.Context, string, []KeyFact, []StepRecord) (CompressedBlock, error) {
		return CompressedBlock{CurrentStatus: "stuck", FailedAttempts: []string{"sqlmap on /login"}}, nil
	})
	s, _ := newTestStore(cfg, c, nil)

	runStep(t, s, "a", "x", true)
	runStep(t, s, "b", "y", true)

	if got := s.FailureCount("sqlmap on /login"); got != 1 {
		t.Errorf("FailureCount = %d, want 1", got)
	}
}

func TestAccounting_NoRecordLost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 4
	cfg.KeepLast = 3
	s, clk := newTestStore(cfg, okCompressor(), nil)

	const adds = 40
	for i := 0; i < adds; i++ {
		if i%7 == 6 {
			if _, err := s.PlanStep("abandoned", nil); err != nil {
				t.Fatal(err)
			}
			s.Cancel("operator stop")
		} else {
			runStep(t, s, "step", "out", i%3 == 0)
		}
		clk.Advance(time.Duration(i%4) * 30 * time.Second)
	}

	st := s.Stats()
	if got := st.HotSteps + st.FoldedSteps + st.ForgottenSteps; got != adds {
		t.Errorf("hot(%d) + folded(%d) + forgotten(%d) = %d, want %d",
			st.HotSteps, st.FoldedSteps, st.ForgottenSteps, got, adds)
	}
	if st.ForgottenSteps == 0 {
		t.Error("expected the clock advance to trigger forgetting")
	}

	hot := s.HotHistory()
	for i := 1; i < len(hot); i++ {
		if hot[i].StepID <= hot[i-1].StepID {
			t.Errorf("step ids not increasing: %d then %d", hot[i-1].StepID, hot[i].StepID)
		}
	}
}

func TestForgetWeight_Bounds(t *testing.T) {
	now := newClock().Now()

	tests := []struct {
		name   string
		age    time.Duration
		access int
		imp    float64
		want   float64
	}{
		{name: "fresh and important", age: 0, access: 0, imp: 1, want: 0.4},
		{name: "fresh and unimportant", age: 0, access: 0, imp: 0, want: 0.6},
		{name: "one minute", age: time.Minute, access: 0, imp: 1, want: 0.6},
		{name: "old and accessed", age: 10 * time.Minute, access: 3, imp: 0.5, want: 0.4 + 0.1 + 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &StepRecord{CreatedAt: now.Add(-tt.age), AccessCount: tt.access, Importance: tt.imp}
			got := ForgetWeight(r, now)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("ForgetWeight = %v, want %v", got, tt.want)
			}
		})
	}

	r := &StepRecord{CreatedAt: now, Importance: 1}
	if ForgetWeight(r, now) >= DefaultConfig().ForgetThreshold {
		t.Error("fresh, maximally important record must stay below the default threshold")
	}
}

func TestForget_EvictsStaleAndCleansFacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 3
	cfg.KeepLast = 2
	archive := &recordingArchive{}
	s, clk := newTestStore(cfg, okCompressor(), archive)

	runStep(t, s, "a", "out-a", false)
	runStep(t, s, "b", "out-b", false)
	clk.Advance(10 * time.Minute)
	runStep(t, s, "c", "out-c", false)

	// Steps 2 and 3 survive compression. Step 2 is ten minutes old and
	// unimportant, so forgetting evicts it; step 3 is fresh.
	hot := s.HotHistory()
	if len(hot) != 1 || hot[0].StepID != 3 {
		t.Fatalf("hot = %+v, want only step 3", hot)
	}
	for _, f := range s.KeyFacts() {
		if f.StepID == 2 {
			t.Errorf("fact %q still references evicted step 2", f.Key)
		}
	}
	if s.Stats().ForgottenSteps != 1 {
		t.Errorf("ForgottenSteps = %d, want 1", s.Stats().ForgottenSteps)
	}

	var steps int
	for _, e := range archive.entries {
		if e.Kind == KindStep {
			steps++
			if !strings.Contains(e.Content, "Step 2:") {
				t.Errorf("archived step content = %q", e.Content)
			}
		}
	}
	if steps != 1 {
		t.Errorf("archived steps = %d, want 1", steps)
	}
}

func TestFailureCounter(t *testing.T) {
	s, _ := newTestStore(DefaultConfig(), okCompressor(), nil)
	runStep(t, s, "nc -z target 22", "refused", false)
	runStep(t, s, "nc -z target 22", "refused", false)
	runStep(t, s, "nc -z target 80", "open", true)

	sig := Signature([]ActionInvocation{{ToolName: "shell_exec", Arguments: map[string]any{"command": "nc -z target 22"}}})
	if got := s.FailureCount(sig); got != 2 {
		t.Errorf("FailureCount = %d, want 2", got)
	}
	if !strings.Contains(s.Summary(context.Background(), ""), "failed 2 times") {
		t.Error("summary should warn about repeated failures")
	}
}

func TestLifecycle_SingleFlight(t *testing.T) {
	s, _ := newTestStore(DefaultConfig(), nil, nil)

	r, err := s.PlanStep("first", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlanStep("second", nil); !errors.Is(err, ErrStepInFlight) {
		t.Errorf("second PlanStep err = %v, want ErrStepInFlight", err)
	}
	if err := s.RecordAnalysis(Verdict{}); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("analysis before execution err = %v", err)
	}
	if err := s.AddStep(context.Background(), r); err == nil {
		t.Error("AddStep accepted a planned record")
	}
	if err := r.Advance(StatusExecuted); err != nil {
		t.Fatal(err)
	}
	if err := r.Advance(StatusPlanned); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("regression err = %v", err)
	}
}

func TestCancel_MarksInFlightAnalyzed(t *testing.T) {
	s, _ := newTestStore(DefaultConfig(), nil, nil)
	if s.Cancel("nothing") != nil {
		t.Error("Cancel with nothing in flight should return nil")
	}

	if _, err := s.PlanStep("scan", []ActionInvocation{{ToolName: "ssh_shell"}}); err != nil {
		t.Fatal(err)
	}
	r := s.Cancel("user aborted")
	if r == nil || r.Status != StatusAnalyzed {
		t.Fatalf("cancelled record = %+v", r)
	}
	if r.Analysis == nil || !strings.HasPrefix(r.Analysis.Analysis, "cancelled") {
		t.Errorf("verdict = %+v", r.Analysis)
	}
	if s.Current() != nil {
		t.Error("Current should be nil after Cancel")
	}
	if hot := s.HotHistory(); len(hot) != 1 || hot[0].StepID != r.StepID {
		t.Errorf("hot = %+v", hot)
	}
}

func TestAddStep_RejectsOutOfOrderIDs(t *testing.T) {
	s, _ := newTestStore(DefaultConfig(), nil, nil)
	runStep(t, s, "a", "x", true)

	r := &StepRecord{StepID: 1, Status: StatusAnalyzed, Analysis: &Verdict{Success: true}}
	if err := s.AddStep(context.Background(), r); !errors.Is(err, ErrStepOrder) {
		t.Errorf("err = %v, want ErrStepOrder", err)
	}
}

func TestSummary_Order(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 2
	cfg.KeepLast = 1
	archive := &recordingArchive{hits: []ArchiveHit{{Content: "solved a similar JWT challenge", Score: 0.9}}}
	calls := 0
	c := CompressorFunc(func(context.Context, string, []KeyFact, []StepRecord) (CompressedBlock, error) {
		calls++
		return CompressedBlock{CurrentStatus: "status-" + string(rune('0'+calls))}, nil
	})
	s, _ := newTestStore(cfg, c, archive)
	s.SetProblem("forge an admin JWT", "pid")

	for i := 0; i < 4; i++ {
		runStep(t, s, "curl", "token", true)
	}

	summary := s.Summary(context.Background(), "")
	order := []string{"## Related past memories", "## Key facts", "## Compressed memory", "## Recent steps"}
	last := -1
	for _, h := range order {
		i := strings.Index(summary, h)
		if i < 0 {
			t.Fatalf("summary missing %q:\n%s", h, summary)
		}
		if i < last {
			t.Errorf("%q out of order:\n%s", h, summary)
		}
		last = i
	}
	if strings.Index(summary, "Block #3") > strings.Index(summary, "Block #2") {
		t.Errorf("blocks should be most recent first:\n%s", summary)
	}
	for _, r := range s.HotHistory() {
		if r.AccessCount != 1 {
			t.Errorf("step %d AccessCount = %d, want 1", r.StepID, r.AccessCount)
		}
	}
}

func TestSummary_Empty(t *testing.T) {
	s, _ := newTestStore(DefaultConfig(), nil, nil)
	if got := s.Summary(context.Background(), "anything"); got != emptySummary {
		t.Errorf("Summary = %q", got)
	}
}

func TestKeyFacts_CapAndRecency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxKeyFacts = 3
	s, _ := newTestStore(cfg, nil, nil)

	for _, v := range []string{"one", "two", "three", "four", "five"} {
		s.AddKeyFact("note", v, 1)
	}
	// Overwrite on collision refreshes recency.
	s.AddKeyFact("note", "three", 1)

	facts := s.KeyFacts()
	if len(facts) != 3 {
		t.Fatalf("facts = %d, want 3", len(facts))
	}
	var got []string
	for _, f := range facts {
		got = append(got, f.Value)
	}
	if strings.Join(got, ",") != "three,five,four" {
		t.Errorf("facts = %v, want most recent first", got)
	}
	if !strings.HasPrefix(facts[0].Key, "note:") {
		t.Errorf("key = %q", facts[0].Key)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 3
	s, _ := newTestStore(cfg, okCompressor(), nil)
	for i := 0; i < 5; i++ {
		runStep(t, s, "cmd", "output", i%2 == 0)
	}
	s.AddKeyFact("confirm", "rejected candidate flag{nope}", 5)
	s.RejectAnswer("flag{nope}")

	before := s.Snapshot()
	data, err := json.Marshal(before)
	if err != nil {
		t.Fatal(err)
	}
	var decoded State
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored, _ := newTestStore(DefaultConfig(), okCompressor(), nil)
	restored.Restore(decoded)

	after, _ := json.Marshal(restored.Snapshot())
	if string(after) != string(data) {
		t.Errorf("round trip mismatch:\nbefore %s\nafter  %s", data, after)
	}
	if restored.NextStepID() != 6 {
		t.Errorf("NextStepID = %d, want 6", restored.NextStepID())
	}
	if !restored.IsRejected("flag{nope}") {
		t.Error("rejected answer lost in round trip")
	}
}

func TestRejectedAnswers_SurviveForgetting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 5
	s, clk := newTestStore(cfg, okCompressor(), nil)

	for _, cmd := range []string{"a", "b", "c"} {
		runStep(t, s, cmd, "out-"+cmd, false)
	}
	proposer := runStep(t, s, "cat flag.txt", "flag{fake}", true)
	s.AddKeyFact("confirm", "candidate flag{fake} was rejected", proposer.StepID)
	if !s.RejectAnswer(" flag{fake} ") {
		t.Fatal("first RejectAnswer should report a new value")
	}
	if s.RejectAnswer("flag{fake}") {
		t.Error("second RejectAnswer should report a duplicate")
	}

	clk.Advance(3 * time.Minute)
	s.Summary(context.Background(), "")
	runStep(t, s, "d", "out-d", false)

	if s.Stats().ForgottenSteps == 0 {
		t.Fatal("expected forgetting to evict stale steps")
	}
	for _, r := range s.HotHistory() {
		if r.StepID == proposer.StepID {
			t.Fatalf("step %d should have been forgotten", proposer.StepID)
		}
	}
	if !s.IsRejected("flag{fake}") {
		t.Error("rejected answer was dropped when its step was forgotten")
	}
	summary := s.Summary(context.Background(), "")
	if !strings.Contains(summary, "## Rejected answers") || !strings.Contains(summary, `"flag{fake}"`) {
		t.Errorf("summary does not list the rejected answer:\n%s", summary)
	}
	if got := s.Snapshot().RejectedAnswers; len(got) != 1 || got[0] != "flag{fake}" {
		t.Errorf("snapshot rejected = %v", got)
	}
}

func TestImportance(t *testing.T) {
	tests := []struct {
		name string
		rec  StepRecord
		want float64
	}{
		{name: "no analysis", rec: StepRecord{}, want: 0.2},
		{name: "success", rec: StepRecord{Analysis: &Verdict{Success: true}}, want: 0.4},
		{
			name: "goal with flag output",
			rec: StepRecord{
				Analysis:   &Verdict{Success: true, GoalAchieved: true, Value: "flag{x1y2}", Analysis: "found the flag"},
				RawOutputs: map[int]string{0: "flag{x1y2}"},
			},
			want: 1,
		},
		{name: "finding marker", rec: StepRecord{Analysis: &Verdict{Analysis: "Discovered a backup file"}}, want: 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Importance(&tt.rec)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Importance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignature_StableArgumentOrder(t *testing.T) {
	a := []ActionInvocation{{ToolName: "http_request", Arguments: map[string]any{"url": "http://t", "method": "GET"}}}
	b := []ActionInvocation{{ToolName: "http_request", Arguments: map[string]any{"method": "GET", "url": "http://t"}}}
	if Signature(a) != Signature(b) {
		t.Errorf("signatures differ: %q vs %q", Signature(a), Signature(b))
	}
}
