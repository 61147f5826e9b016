package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/events"
)

// Output previews stored in key facts.
const factPreviewLen = 256

// Config controls tier sizes and the forgetting policy.
type Config struct {
	CompressionThreshold int
	KeepLast             int
	ForgetThreshold      float64
	KeyFactWindow        int // facts rendered into a summary
	MaxKeyFacts          int // facts retained; oldest evicted first
	BlockWindow          int // blocks rendered into a summary
	MaxBlocks            int // blocks retained; 0 keeps all
	ArchiveTopK          int
	ArchiveTimeout       time.Duration
}

// DefaultConfig returns the standard tier sizes.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: 7,
		KeepLast:             4,
		ForgetThreshold:      0.6,
		KeyFactWindow:        10,
		MaxKeyFacts:          64,
		BlockWindow:          3,
		ArchiveTopK:          3,
		ArchiveTimeout:       30 * time.Second,
	}
}

// ConfigFrom maps the YAML section onto DefaultConfig, keeping defaults
// for unset values.
func ConfigFrom(c config.MemoryConfig) Config {
	cfg := DefaultConfig()
	if c.CompressionThreshold > 0 {
		cfg.CompressionThreshold = c.CompressionThreshold
	}
	if c.KeepLast >= 0 {
		cfg.KeepLast = c.KeepLast
	}
	if c.ForgetThreshold > 0 {
		cfg.ForgetThreshold = c.ForgetThreshold
	}
	if c.KeyFactWindow > 0 {
		cfg.KeyFactWindow = c.KeyFactWindow
	}
	if c.MaxKeyFacts > 0 {
		cfg.MaxKeyFacts = c.MaxKeyFacts
	}
	if c.BlockWindow > 0 {
		cfg.BlockWindow = c.BlockWindow
	}
	if c.MaxBlocks > 0 {
		cfg.MaxBlocks = c.MaxBlocks
	}
	if c.ArchiveTopK >= 0 {
		cfg.ArchiveTopK = c.ArchiveTopK
	}
	return cfg
}

// Stats summarizes the tiers.
type Stats struct {
	HotSteps       int `json:"hot_steps"`
	Blocks         int `json:"blocks"`
	KeyFacts       int `json:"key_facts"`
	FailedAttempts int `json:"failed_attempts"`
	ForgottenSteps int `json:"forgotten_steps"`
	FoldedSteps    int `json:"folded_steps"`
	NextStepID     int `json:"next_step_id"`
}

// Store is the memory of one run.
type Store struct {
	cfg        Config
	compressor Compressor
	archive    Archive
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time

	problem   string
	problemID string

	hot       []*StepRecord
	blocks    []CompressedBlock
	facts     map[string]KeyFact
	factSeq   uint64
	failures  map[string]int
	nextID    int
	lastID    int
	forgotten int
	current   *StepRecord
	// rejected holds candidate answers the confirmer turned down, in
	// rejection order. Forgetting and fact eviction never touch it.
	rejected []string
}

// NewStore creates an empty store. compressor and archive may be nil;
// a nil compressor always produces fallback blocks.
func NewStore(cfg Config, compressor Compressor, archive Archive, logger *slog.Logger) *Store {
	if archive == nil {
		archive = NopArchive{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultConfig().CompressionThreshold
	}
	if cfg.ForgetThreshold <= 0 {
		cfg.ForgetThreshold = DefaultConfig().ForgetThreshold
	}
	return &Store{
		cfg:        cfg,
		compressor: compressor,
		archive:    archive,
		logger:     logger.With("component", "memory"),
		now:        time.Now,
		facts:      make(map[string]KeyFact),
		failures:   make(map[string]int),
		nextID:     1,
	}
}

// SetProblem sets the problem statement used for archive queries and
// compression prompts. problemID tags archive entries.
func (s *Store) SetProblem(problem, problemID string) {
	s.problem = problem
	s.problemID = problemID
}

// SetEventBus publishes compression and forgetting events to bus.
func (s *Store) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// NextStepID returns the id the next PlanStep will use.
func (s *Store) NextStepID() int {
	return s.nextID
}

// SetNextStepID moves the id counter forward, e.g. when resuming a run.
// It never moves backwards.
func (s *Store) SetNextStepID(id int) {
	if id > s.nextID {
		s.nextID = id
	}
}

// PlanStep creates the in-flight record for a new plan.
func (s *Store) PlanStep(rationale string, actions []ActionInvocation) (*StepRecord, error) {
	if s.current != nil {
		return nil, fmt.Errorf("%w: step %d is %s", ErrStepInFlight, s.current.StepID, s.current.Status)
	}
	r := &StepRecord{
		StepID:    s.nextID,
		Rationale: rationale,
		Actions:   append([]ActionInvocation(nil), actions...),
		Status:    StatusPlanned,
		CreatedAt: s.now(),
	}
	s.nextID++
	s.current = r
	return r, nil
}

// Current returns the in-flight record, or nil.
func (s *Store) Current() *StepRecord {
	return s.current
}

// Replan replaces the rationale and actions of the in-flight record
// while it is still planned.
func (s *Store) Replan(rationale string, actions []ActionInvocation) error {
	if s.current == nil {
		return ErrNoStepInFlight
	}
	if s.current.Status != StatusPlanned {
		return fmt.Errorf("%w: step %d already %s", ErrStatusRegression, s.current.StepID, s.current.Status)
	}
	s.current.Rationale = rationale
	s.current.Actions = append([]ActionInvocation(nil), actions...)
	return nil
}

// RecordExecution stores the action outputs on the in-flight record.
func (s *Store) RecordExecution(outputs map[int]string, summary string) error {
	if s.current == nil {
		return ErrNoStepInFlight
	}
	if s.current.Status != StatusPlanned {
		return fmt.Errorf("%w: step %d already %s", ErrStatusRegression, s.current.StepID, s.current.Status)
	}
	if err := s.current.Advance(StatusExecuted); err != nil {
		return err
	}
	s.current.RawOutputs = outputs
	s.current.OutputSummary = summary
	return nil
}

// RecordAnalysis sets the verdict on the in-flight record.
func (s *Store) RecordAnalysis(v Verdict) error {
	if s.current == nil {
		return ErrNoStepInFlight
	}
	if s.current.Status != StatusExecuted {
		return fmt.Errorf("%w: step %d is %s, want executed", ErrStatusRegression, s.current.StepID, s.current.Status)
	}
	if err := s.current.Advance(StatusAnalyzed); err != nil {
		return err
	}
	s.current.Analysis = &v
	return nil
}

// Cancel closes the in-flight record with a synthetic "cancelled"
// verdict and commits it without running compression. It returns the
// closed record, or nil when nothing was in flight.
func (s *Store) Cancel(reason string) *StepRecord {
	r := s.current
	if r == nil {
		return nil
	}
	if r.Analysis == nil {
		r.Analysis = &Verdict{Analysis: "cancelled: " + reason, Terminate: true}
	}
	r.Status = StatusAnalyzed
	s.current = nil
	s.commit(r)
	s.logger.Info("in-flight step cancelled", "step_id", r.StepID, "reason", reason)
	return r
}

// AddStep commits an analyzed record to hot history. It updates key
// facts and the failure counter, then compresses and forgets when the
// hot history reaches the compression threshold. Compressor and archive
// failures are logged, never returned.
func (s *Store) AddStep(ctx context.Context, r *StepRecord) error {
	if r.Status != StatusAnalyzed {
		return fmt.Errorf("step %d is %s, want analyzed", r.StepID, r.Status)
	}
	if r.StepID == 0 {
		r.StepID = s.nextID
	}
	if r.StepID <= s.lastID {
		return fmt.Errorf("%w: %d after %d", ErrStepOrder, r.StepID, s.lastID)
	}
	if r == s.current {
		s.current = nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	s.commit(r)

	if r.Analysis != nil && !r.Analysis.Success {
		s.failures[Signature(r.Actions)]++
	}

	if len(s.hot) >= s.cfg.CompressionThreshold {
		s.compress(ctx)
		s.forget(ctx)
	}
	return nil
}

// commit appends r and extracts its key facts.
func (s *Store) commit(r *StepRecord) {
	r.Importance = Importance(r)
	s.hot = append(s.hot, r)
	s.lastID = r.StepID
	if r.StepID >= s.nextID {
		s.nextID = r.StepID + 1
	}
	s.extractKeyFacts(r)
	stepsAdded.Inc()
}

// compress folds the hot history window into one block and truncates
// hot history to KeepLast records.
func (s *Store) compress(ctx context.Context) {
	n := min(s.cfg.CompressionThreshold, len(s.hot))
	window := make([]StepRecord, n)
	for i, r := range s.hot[len(s.hot)-n:] {
		window[i] = *r
	}

	block, err := s.runCompressor(ctx, window)
	result := "ok"
	if err != nil {
		s.logger.Warn("compression failed, using fallback block", "steps", n, "error", err)
		block = FallbackBlock(n)
		result = "fallback"
	} else {
		for _, attempt := range block.FailedAttempts {
			s.failures[attempt]++
		}
	}
	compressions.WithLabelValues(result).Inc()

	keep := min(max(s.cfg.KeepLast, 0), len(s.hot))
	folded := s.hot[:len(s.hot)-keep]
	block.SourceStepCount = n
	block.FoldedStepIDs = make([]int, len(folded))
	for i, r := range folded {
		block.FoldedStepIDs[i] = r.StepID
	}
	block.CreatedAt = s.now()

	s.blocks = append(s.blocks, block)
	if s.cfg.MaxBlocks > 0 && len(s.blocks) > s.cfg.MaxBlocks {
		s.blocks = append([]CompressedBlock(nil), s.blocks[len(s.blocks)-s.cfg.MaxBlocks:]...)
	}
	s.hot = append([]*StepRecord(nil), s.hot[len(s.hot)-keep:]...)

	s.archiveEntry(ctx, ArchiveEntry{
		Kind:     KindBlock,
		Content:  renderBlock(block, len(s.blocks), 0),
		Metadata: s.metadata(map[string]string{"source_steps": strconv.Itoa(n)}),
	})

	s.bus.Emit(events.SourceMemory, events.KindCompressed, map[string]any{
		"problem_id": s.problemID,
		"steps":      n,
		"folded":     len(folded),
		"result":     result,
	})
	s.logger.Info("hot history compressed",
		"steps", n,
		"folded", len(folded),
		"kept", keep,
		"result", result,
	)
}

func (s *Store) runCompressor(ctx context.Context, window []StepRecord) (block CompressedBlock, err error) {
	if s.compressor == nil {
		return CompressedBlock{}, fmt.Errorf("%w: no compressor configured", ErrCompression)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: compressor panic: %v", ErrCompression, p)
		}
	}()
	return s.compressor.Compress(ctx, s.problem, s.recentFacts(), window)
}

// extractKeyFacts records one fact per action output and one for a
// noteworthy analysis.
func (s *Store) extractKeyFacts(r *StepRecord) {
	for i, a := range r.Actions {
		out, ok := r.RawOutputs[i]
		if !ok {
			continue
		}
		s.putFact(a.ToolName, fmt.Sprintf("%s -> %s", a.String(), preview(out, factPreviewLen)), r.StepID)
	}
	if v := r.Analysis; v != nil && (v.GoalAchieved || v.Value != "") {
		s.putFact("analysis", v.Analysis, r.StepID)
	}
}

// AddKeyFact records an observation that did not come from a tool
// output, such as a rejected candidate answer.
func (s *Store) AddKeyFact(source, value string, stepID int) string {
	return s.putFact(source, value, stepID)
}

func (s *Store) putFact(source, value string, stepID int) string {
	sum := sha256.Sum256([]byte(value))
	key := source + ":" + hex.EncodeToString(sum[:6])
	s.factSeq++
	s.facts[key] = KeyFact{
		Key:       key,
		Value:     value,
		StepID:    stepID,
		CreatedAt: s.now(),
		Seq:       s.factSeq,
	}
	if s.cfg.MaxKeyFacts > 0 && len(s.facts) > s.cfg.MaxKeyFacts {
		s.evictOldestFacts(len(s.facts) - s.cfg.MaxKeyFacts)
	}
	return key
}

func (s *Store) evictOldestFacts(n int) {
	all := s.sortedFacts()
	for _, f := range all[len(all)-n:] {
		delete(s.facts, f.Key)
	}
}

// sortedFacts returns all facts, most recent first.
func (s *Store) sortedFacts() []KeyFact {
	out := make([]KeyFact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

func (s *Store) recentFacts() []KeyFact {
	all := s.sortedFacts()
	if s.cfg.KeyFactWindow > 0 && len(all) > s.cfg.KeyFactWindow {
		all = all[:s.cfg.KeyFactWindow]
	}
	return all
}

// KeyFacts returns the facts in the summary window, most recent first.
func (s *Store) KeyFacts() []KeyFact {
	return s.recentFacts()
}

// RejectAnswer records a candidate answer that failed confirmation. It
// reports false when value was already rejected.
func (s *Store) RejectAnswer(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || s.IsRejected(value) {
		return false
	}
	s.rejected = append(s.rejected, value)
	return true
}

// IsRejected reports whether value was already turned down.
func (s *Store) IsRejected(value string) bool {
	value = strings.TrimSpace(value)
	for _, v := range s.rejected {
		if v == value {
			return true
		}
	}
	return false
}

// RejectedAnswers returns the rejected candidates, oldest first.
func (s *Store) RejectedAnswers() []string {
	return append([]string(nil), s.rejected...)
}

// HotHistory returns copies of the hot records in chronological order.
func (s *Store) HotHistory() []StepRecord {
	out := make([]StepRecord, len(s.hot))
	for i, r := range s.hot {
		out[i] = *r
	}
	return out
}

// Blocks returns the compressed blocks, oldest first.
func (s *Store) Blocks() []CompressedBlock {
	return append([]CompressedBlock(nil), s.blocks...)
}

// FailureCount returns how often the given action signature failed.
func (s *Store) FailureCount(signature string) int {
	return s.failures[signature]
}

// Stats returns tier sizes.
func (s *Store) Stats() Stats {
	folded := 0
	for _, b := range s.blocks {
		folded += len(b.FoldedStepIDs)
	}
	return Stats{
		HotSteps:       len(s.hot),
		Blocks:         len(s.blocks),
		KeyFacts:       len(s.facts),
		FailedAttempts: len(s.failures),
		ForgottenSteps: s.forgotten,
		FoldedSteps:    folded,
		NextStepID:     s.nextID,
	}
}

// Archive stores an entry in the long-term archive, tagged with the
// problem id. Failures are logged.
func (s *Store) Archive(ctx context.Context, kind, content string, metadata map[string]string) {
	s.archiveEntry(ctx, ArchiveEntry{Kind: kind, Content: content, Metadata: s.metadata(metadata)})
}

func (s *Store) archiveEntry(ctx context.Context, e ArchiveEntry) {
	if s.cfg.ArchiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ArchiveTimeout)
		defer cancel()
	}
	if err := s.archive.Store(ctx, e); err != nil {
		archiveErrors.Inc()
		s.logger.Warn("archive write failed", "kind", e.Kind, "error", err)
	}
}

func (s *Store) metadata(extra map[string]string) map[string]string {
	m := make(map[string]string, len(extra)+1)
	if s.problemID != "" {
		m["problem_id"] = s.problemID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// Snapshot returns a deep copy of the store's state.
func (s *Store) Snapshot() State {
	st := State{
		HotHistory:           s.HotHistory(),
		CompressedBlocks:     s.Blocks(),
		KeyFacts:             make(map[string]KeyFact, len(s.facts)),
		FailedAttempts:       make(map[string]int, len(s.failures)),
		CompressionThreshold: s.cfg.CompressionThreshold,
		NextStepID:           s.nextID,
		ForgottenSteps:       s.forgotten,
		FactSeq:              s.factSeq,
		RejectedAnswers:      s.RejectedAnswers(),
	}
	for k, v := range s.facts {
		st.KeyFacts[k] = v
	}
	for k, v := range s.failures {
		st.FailedAttempts[k] = v
	}
	// Detach nested maps and slices from the live records.
	b, err := json.Marshal(st.HotHistory)
	if err == nil {
		var hot []StepRecord
		if json.Unmarshal(b, &hot) == nil {
			st.HotHistory = hot
		}
	}
	return st
}

// Restore replaces the store's state. Any in-flight record is dropped.
func (s *Store) Restore(st State) {
	s.hot = make([]*StepRecord, len(st.HotHistory))
	s.lastID = 0
	for i := range st.HotHistory {
		r := st.HotHistory[i]
		s.hot[i] = &r
		s.lastID = max(s.lastID, r.StepID)
	}
	s.blocks = append([]CompressedBlock(nil), st.CompressedBlocks...)
	s.facts = make(map[string]KeyFact, len(st.KeyFacts))
	for k, v := range st.KeyFacts {
		s.facts[k] = v
	}
	s.failures = make(map[string]int, len(st.FailedAttempts))
	for k, v := range st.FailedAttempts {
		s.failures[k] = v
	}
	if st.CompressionThreshold > 0 {
		s.cfg.CompressionThreshold = st.CompressionThreshold
	}
	s.forgotten = st.ForgottenSteps
	s.factSeq = st.FactSeq
	s.rejected = append([]string(nil), st.RejectedAnswers...)
	for _, b := range s.blocks {
		for _, id := range b.FoldedStepIDs {
			s.lastID = max(s.lastID, id)
		}
	}
	s.nextID = max(st.NextStepID, s.lastID+1, 1)
	s.lastID = s.nextID - 1
	s.current = nil
}
