package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Provider supplies the document to persist.
type Provider interface {
	CheckpointDocument() (*Document, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (*Document, error)

// CheckpointDocument implements Provider.
func (f ProviderFunc) CheckpointDocument() (*Document, error) {
	return f()
}

// Config for the checkpointer.
type Config struct {
	Every int // Checkpoint every N committed steps (0 = disabled)
}

// Checkpointer decides when to checkpoint a run and records the save
// outcome. Saves run synchronously on the caller's goroutine because
// the memory snapshot must not race the next step.
type Checkpointer struct {
	store *Store
	log   *slog.Logger

	every int

	mu         sync.Mutex
	stepsSince int
}

// NewCheckpointer creates a new checkpointer.
func NewCheckpointer(db *sql.DB, cfg Config, log *slog.Logger) (*Checkpointer, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	return &Checkpointer{
		store: store,
		log:   log.With("component", "checkpoint"),
		every: cfg.Every,
	}, nil
}

// Store returns the underlying store.
func (c *Checkpointer) Store() *Store {
	return c.store
}

// OnStep should be called after each committed step. It saves a
// checkpoint every N steps and reports whether it did.
func (c *Checkpointer) OnStep(ctx context.Context, p Provider) (bool, error) {
	if c.every <= 0 {
		return false, nil
	}

	c.mu.Lock()
	c.stepsSince++
	due := c.stepsSince >= c.every
	if due {
		c.stepsSince = 0
	}
	c.mu.Unlock()

	if !due {
		return false, nil
	}
	if _, err := c.Create(ctx, TriggerStep, p); err != nil {
		return false, err
	}
	return true, nil
}

// Create saves a checkpoint now.
func (c *Checkpointer) Create(ctx context.Context, trigger Trigger, p Provider) (*Checkpoint, error) {
	doc, err := p.CheckpointDocument()
	if err != nil {
		return nil, fmt.Errorf("%w: collect state: %w", ErrPersistence, err)
	}

	cp, err := c.store.Save(ctx, trigger, doc)
	if err != nil {
		c.log.Error("checkpoint failed", "trigger", trigger, "error", err)
		return nil, err
	}

	c.log.Info("checkpoint saved",
		"problem_id", shortID(cp.ProblemID),
		"trigger", trigger,
		"steps", cp.StepCount,
		"facts", cp.FactCount,
		"bytes", cp.ByteSize,
	)
	return cp, nil
}

// Resume loads the checkpoint for problem. It returns ErrNotFound
// when the problem has never been checkpointed.
func (c *Checkpointer) Resume(ctx context.Context, problem string) (*Document, error) {
	cp, err := c.store.Load(ctx, ProblemID(problem))
	if err != nil {
		return nil, err
	}

	c.log.Info("resuming from checkpoint",
		"problem_id", shortID(cp.ProblemID),
		"saved", cp.CreatedAt.Format(time.RFC3339),
		"steps", cp.StepCount,
		"facts", cp.FactCount,
	)
	return cp.Document, nil
}

// Complete removes the checkpoint of a solved problem. A missing
// checkpoint is not an error.
func (c *Checkpointer) Complete(ctx context.Context, problemID string) error {
	err := c.store.Delete(ctx, problemID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil {
		c.log.Debug("checkpoint removed", "problem_id", shortID(problemID))
	}
	return err
}
