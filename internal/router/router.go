// Package router narrows the capabilities offered to the planner at each
// step. A model classifies the step into one category from a vocabulary
// the model itself derived from the registry; when the category is still
// too large, semantic search over capability embeddings picks the most
// relevant searchable tools. Every failure widens the selection rather
// than narrowing it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/embeddings"
	"github.com/nugget/ctf-agent/internal/events"
	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/prompts"
)

// Fallback reasons recorded when classification widens to CategoryAll.
const (
	FallbackNoVocabulary = "no_vocabulary"
	FallbackError        = "classify_error"
	FallbackUnknownLabel = "unknown_label"
)

// ErrNoVocabulary is returned by Vocabulary when derivation produced no
// usable categories.
var ErrNoVocabulary = errors.New("no category vocabulary")

// Decision records how a step's tool set was chosen.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Intent   string `json:"intent"`
	Category string `json:"category"`
	Fallback string `json:"fallback,omitempty"`

	// Narrowed is the size of the category before recommendation.
	Narrowed    int      `json:"narrowed"`
	Recommended bool     `json:"recommended"`
	Tools       []string `json:"tools"`

	LatencyMs int64 `json:"latency_ms"`
}

// Config holds router configuration.
type Config struct {
	// SearchThreshold is the narrowed tool count above which Recommend
	// is applied. Zero disables recommendation.
	SearchThreshold int
	TopK            int
	MaxAuditLog     int // How many decisions to keep in memory
	Timeout         time.Duration
}

// ConfigFrom maps the YAML section.
func ConfigFrom(c config.RouterConfig, timeout time.Duration) Config {
	return Config{
		SearchThreshold: c.SearchThreshold,
		TopK:            c.TopK,
		MaxAuditLog:     c.MaxAuditLog,
		Timeout:         timeout,
	}
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests  int64            `json:"total_requests"`
	CategoryCounts map[string]int64 `json:"category_counts"`
	FallbackCounts map[string]int64 `json:"fallback_counts"`
	Derivations    int64            `json:"derivations"`
}

// Router selects capabilities for a step.
type Router struct {
	logger     *slog.Logger
	config     Config
	registry   *capability.Registry
	structured *llm.Structured
	embedder   embeddings.Embedder
	bus        *events.Bus
	cache      VocabularyCache

	vocabMu     sync.Mutex
	vocab       []string
	fingerprint string
	derived     bool

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router over registry. embedder may be nil, which
// disables semantic recommendation.
func NewRouter(logger *slog.Logger, cfg Config, registry *capability.Registry, structured *llm.Structured, embedder embeddings.Embedder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Router{
		logger:     logger.With("component", "router"),
		config:     cfg,
		registry:   registry,
		structured: structured,
		embedder:   embedder,
		auditLog:   make([]Decision, 0, cfg.MaxAuditLog),
		stats: Stats{
			CategoryCounts: make(map[string]int64),
			FallbackCounts: make(map[string]int64),
		},
	}
}

// VocabularyCache persists derived vocabularies across runs, keyed by
// registry fingerprint.
type VocabularyCache interface {
	GetJSON(ctx context.Context, namespace, key string, v any) (bool, error)
	SetJSON(ctx context.Context, namespace, key string, v any) error
}

const cacheNamespace = "router_vocabulary"

// cachedVocabulary is the persisted form of one derivation.
type cachedVocabulary struct {
	Categories  []string          `json:"categories"`
	Assignments map[string]string `json:"assignments"`
}

// SetCache makes the router reuse vocabularies derived by earlier runs
// over the same registry.
func (r *Router) SetCache(c VocabularyCache) {
	r.cache = c
}

// SetEventBus publishes classification events to bus.
func (r *Router) SetEventBus(bus *events.Bus) {
	r.bus = bus
}

// Select classifies the step, narrows the registry to the category, and
// applies Recommend when the narrowed set exceeds the search threshold.
func (r *Router) Select(ctx context.Context, intent, stepContext string) ([]capability.Descriptor, *Decision) {
	start := time.Now()
	d := &Decision{
		RequestID: generateRequestID(),
		Timestamp: start,
		Intent:    truncate(intent, 200),
	}

	d.Category, d.Fallback = r.classify(ctx, intent, stepContext)
	tools := r.ToolsForCategory(d.Category)
	d.Narrowed = len(tools)

	if r.config.SearchThreshold > 0 && len(tools) > r.config.SearchThreshold && r.embedder != nil {
		tools = r.recommend(ctx, intent, r.config.TopK, tools)
		d.Recommended = true
	}
	d.Tools = capability.Names(tools)
	d.LatencyMs = time.Since(start).Milliseconds()

	r.recordDecision(*d)
	classifications.WithLabelValues(d.Category).Inc()
	if d.Fallback != "" {
		fallbacks.WithLabelValues(d.Fallback).Inc()
	}
	r.bus.Emit(events.SourceRouter, events.KindClassified, map[string]any{
		"category": d.Category,
		"tools":    len(d.Tools),
		"fallback": d.Fallback,
	})
	r.logger.Info("tools selected",
		"request_id", d.RequestID,
		"category", d.Category,
		"fallback", d.Fallback,
		"narrowed", d.Narrowed,
		"offered", len(d.Tools),
		"recommended", d.Recommended,
	)
	return tools, d
}

// SelectTools is Select without the decision record.
func (r *Router) SelectTools(ctx context.Context, intent, stepContext string) []capability.Descriptor {
	tools, _ := r.Select(ctx, intent, stepContext)
	return tools
}

// Classify returns the vocabulary category for intent. It returns
// capability.CategoryAll when no vocabulary exists, the model fails, or
// the model answers with a label outside the vocabulary.
func (r *Router) Classify(ctx context.Context, intent, stepContext string) string {
	category, _ := r.classify(ctx, intent, stepContext)
	return category
}

func (r *Router) classify(ctx context.Context, intent, stepContext string) (category, fallback string) {
	vocab, err := r.Vocabulary(ctx)
	if err != nil || len(vocab) == 0 {
		return capability.CategoryAll, FallbackNoVocabulary
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var reply struct {
		Category string `json:"category"`
	}
	if err := r.structured.GenerateJSON(ctx, prompts.ClassifyPrompt(vocab, intent, stepContext), llm.Options{MaxTokens: 64}, &reply); err != nil {
		r.logger.Warn("classification failed, offering all tools", "error", err)
		return capability.CategoryAll, FallbackError
	}

	label := normalizeLabel(reply.Category)
	if label == capability.CategoryAll {
		return capability.CategoryAll, ""
	}
	for _, v := range vocab {
		if v == label {
			return label, ""
		}
	}
	r.logger.Debug("classifier returned unknown label", "label", reply.Category)
	return capability.CategoryAll, FallbackUnknownLabel
}

// ToolsForCategory returns the capabilities in category. CategoryAll
// and empty categories return everything.
func (r *Router) ToolsForCategory(category string) []capability.Descriptor {
	return r.registry.ListByCategory(category)
}

// Vocabulary returns the category vocabulary, deriving it when the
// registry fingerprint changed since the last derivation. A failed
// derivation is cached too, so a broken classifier model costs one
// attempt per registry change rather than one per step.
func (r *Router) Vocabulary(ctx context.Context) ([]string, error) {
	r.vocabMu.Lock()
	defer r.vocabMu.Unlock()

	fp := r.registry.Fingerprint()
	if r.derived && fp == r.fingerprint {
		if len(r.vocab) == 0 {
			return nil, ErrNoVocabulary
		}
		return append([]string(nil), r.vocab...), nil
	}

	if vocab, ok := r.loadCached(ctx, fp); ok {
		r.vocab = vocab
		r.fingerprint = fp
		r.derived = true
		return append([]string(nil), vocab...), nil
	}

	vocab, err := r.derive(ctx)
	if err == nil {
		r.storeCached(ctx, fp, vocab)
	}
	r.vocab = vocab
	r.fingerprint = fp
	r.derived = true
	r.mu.Lock()
	r.stats.Derivations++
	r.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Warn("category vocabulary derivation failed", "error", err)
	}
	derivations.WithLabelValues(result).Inc()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), vocab...), nil
}

// loadCached applies a persisted derivation for fp to the registry.
func (r *Router) loadCached(ctx context.Context, fp string) ([]string, bool) {
	if r.cache == nil {
		return nil, false
	}
	var c cachedVocabulary
	ok, err := r.cache.GetJSON(ctx, cacheNamespace, fp, &c)
	if err != nil {
		r.logger.Warn("reading cached vocabulary failed", "error", err)
		return nil, false
	}
	if !ok || len(c.Categories) == 0 {
		return nil, false
	}
	for name, category := range c.Assignments {
		if err := r.registry.Assign(name, category); err != nil {
			r.logger.Debug("cached assignment skipped", "capability", name, "error", err)
		}
	}
	r.logger.Info("category vocabulary loaded from cache", "categories", c.Categories)
	return c.Categories, true
}

func (r *Router) storeCached(ctx context.Context, fp string, vocab []string) {
	if r.cache == nil {
		return
	}
	c := cachedVocabulary{Categories: vocab, Assignments: make(map[string]string)}
	for _, d := range r.registry.ListAll() {
		c.Assignments[d.Name] = d.Category
	}
	if err := r.cache.SetJSON(ctx, cacheNamespace, fp, c); err != nil {
		r.logger.Warn("caching vocabulary failed", "error", err)
	}
}

type proposal struct {
	Categories []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"categories"`
}

type assignment struct {
	Assignments map[string]string `json:"assignments"`
}

// derive runs the two vocabulary phases: propose categories over the
// whole catalog, then assign every capability to one of them.
func (r *Router) derive(ctx context.Context) ([]string, error) {
	descs := r.registry.ListAll()
	if len(descs) == 0 {
		return nil, ErrNoVocabulary
	}
	catalog := capability.FormatCatalog(descs)

	pctx, cancel := r.withTimeout(ctx)
	var p proposal
	err := r.structured.GenerateJSON(pctx, prompts.ProposeCategoriesPrompt(catalog), llm.Options{}, &p)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("propose categories: %w", err)
	}

	var vocab, described []string
	seen := make(map[string]bool)
	for _, c := range p.Categories {
		name := normalizeLabel(c.Name)
		if name == "" || name == capability.CategoryAll || name == capability.CategoryUnclassified || seen[name] {
			continue
		}
		seen[name] = true
		vocab = append(vocab, name)
		described = append(described, name+": "+c.Description)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("propose categories: %w", ErrNoVocabulary)
	}

	actx, cancel := r.withTimeout(ctx)
	var a assignment
	err = r.structured.GenerateJSON(actx, prompts.AssignCategoriesPrompt(described, catalog), llm.Options{}, &a)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("assign categories: %w", err)
	}

	used := make(map[string]bool)
	for _, d := range descs {
		category := normalizeLabel(a.Assignments[d.Name])
		if !seen[category] {
			category = capability.CategoryUnclassified
		}
		if err := r.registry.Assign(d.Name, category); err != nil {
			continue
		}
		used[category] = true
	}

	// Drop proposed categories no capability landed in.
	out := vocab[:0]
	for _, v := range vocab {
		if used[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("assign categories: %w", ErrNoVocabulary)
	}

	r.logger.Info("category vocabulary derived", "categories", out, "capabilities", len(descs))
	return out, nil
}

func (r *Router) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.Timeout > 0 {
		return context.WithTimeout(ctx, r.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}

	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.CategoryCounts[d.Category]++
	if d.Fallback != "" {
		r.stats.FallbackCounts[d.Fallback]++
	}
}

// GetAuditLog returns recent routing decisions.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	// Return most recent
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		TotalRequests:  r.stats.TotalRequests,
		Derivations:    r.stats.Derivations,
		CategoryCounts: make(map[string]int64, len(r.stats.CategoryCounts)),
		FallbackCounts: make(map[string]int64, len(r.stats.FallbackCounts)),
	}
	for k, v := range r.stats.CategoryCounts {
		s.CategoryCounts[k] = v
	}
	for k, v := range r.stats.FallbackCounts {
		s.FallbackCounts[k] = v
	}
	return s
}

// Helper functions

func generateRequestID() string {
	return time.Now().Format("20060102-150405.000000")
}

// normalizeLabel lowercases a category and joins words with
// underscores.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
