// Package usage records token usage of model calls. Records are
// append-only and indexed by run, so a run's report can show what each
// agent role consumed.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ctf-agent/internal/tools"
)

// Record is the token usage of a single model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	RunID        string // "default" for calls outside a run
	Model        string
	Provider     string // "ollama", "openai"
	Role         string // "planner", "analyzer", "compressor", "classifier"
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite store for usage records. It shares the
// agent database.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		role          TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. If rec.ID is empty, a UUIDv7 is generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, run_id, model, provider, role, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.RunID,
		rec.Model,
		rec.Provider,
		rec.Role,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RunSummary returns the totals for runID.
func (s *Store) RunSummary(ctx context.Context, runID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE run_id = ?`,
		runID,
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByRole returns per-role totals for runID.
func (s *Store) SummaryByRole(ctx context.Context, runID string) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "role", runID)
}

// SummaryByModel returns per-model totals for runID.
func (s *Store) SummaryByModel(ctx context.Context, runID string) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", runID)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column, runID string) (map[string]*Summary, error) {
	// column always comes from the methods above.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE run_id = ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recorder attributes model calls of one role to the run carried by
// the call's context. It implements llm.UsageRecorder.
type Recorder struct {
	store    *Store
	provider string
	role     string
	logger   *slog.Logger
}

// NewRecorder creates a recorder for role.
func NewRecorder(store *Store, provider, role string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, provider: provider, role: role, logger: logger}
}

// RecordUsage stores one call. Failures are logged; accounting never
// fails a generation.
func (r *Recorder) RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	err := r.store.Record(context.WithoutCancel(ctx), Record{
		RunID:        tools.RunIDFromContext(ctx),
		Model:        model,
		Provider:     r.provider,
		Role:         r.role,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if err != nil {
		r.logger.Warn("usage not recorded", "role", r.role, "error", err)
	}
}
