package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Store handles checkpoint persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrPersistence, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			problem_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			step_count INTEGER NOT NULL,
			fact_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Save writes doc, replacing any earlier checkpoint for the same
// problem. An empty doc.ProblemID is derived from doc.Problem; a
// non-empty one must match it.
func (s *Store) Save(ctx context.Context, trigger Trigger, doc *Document) (*Checkpoint, error) {
	want := ProblemID(doc.Problem)
	if doc.ProblemID == "" {
		doc.ProblemID = want
	}
	if doc.ProblemID != want {
		return nil, fmt.Errorf("%w: document id %s, problem hashes to %s", ErrProblemMismatch, shortID(doc.ProblemID), shortID(want))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: generate id: %w", ErrPersistence, err)
	}

	compressed, err := encode(doc)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:        id,
		ProblemID: doc.ProblemID,
		Title:     title(doc.Problem),
		CreatedAt: now,
		Trigger:   trigger,
		ByteSize:  int64(len(compressed)),
		StepCount: doc.StepCount,
		FactCount: len(doc.Memory.KeyFacts),
		Document:  doc,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (problem_id, id, title, created_at, trigger_name, state_gz, byte_size, step_count, fact_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(problem_id) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			created_at = excluded.created_at,
			trigger_name = excluded.trigger_name,
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			step_count = excluded.step_count,
			fact_count = excluded.fact_count
	`, cp.ProblemID, id.String(), cp.Title, now.Format(timeLayout), string(trigger),
		compressed, cp.ByteSize, cp.StepCount, cp.FactCount)
	if err != nil {
		return nil, fmt.Errorf("%w: insert: %w", ErrPersistence, err)
	}
	return cp, nil
}

// Load returns the checkpoint for problemID including its document.
// It fails with ErrProblemMismatch if the stored document was written
// for another problem.
func (s *Store) Load(ctx context.Context, problemID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT problem_id, id, title, created_at, trigger_name, byte_size, step_count, fact_count, state_gz
		FROM checkpoints WHERE problem_id = ?
	`, problemID)

	var stateGz []byte
	cp, err := scanMeta(row, &stateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, shortID(problemID))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrPersistence, err)
	}

	doc, err := decode(stateGz)
	if err != nil {
		return nil, err
	}
	if doc.ProblemID != problemID || ProblemID(doc.Problem) != problemID {
		return nil, fmt.Errorf("%w: requested %s, stored %s", ErrProblemMismatch, shortID(problemID), shortID(doc.ProblemID))
	}
	cp.Document = doc
	return cp, nil
}

// List returns checkpoints ordered by save time (newest first), without
// documents.
func (s *Store) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT problem_id, id, title, created_at, trigger_name, byte_size, step_count, fact_count
		FROM checkpoints
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanMeta(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrPersistence, err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Delete removes the checkpoint for problemID.
func (s *Store) Delete(ctx context.Context, problemID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE problem_id = ?`, problemID)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrPersistence, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, shortID(problemID))
	}
	return nil
}

// Prune removes checkpoints not updated within olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", ErrPersistence, err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// timeLayout is fixed width so created_at text sorts in time order.
// RFC3339Nano drops trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

// scanMeta reads the metadata columns; when stateGz is non-nil the
// trailing state column is read into it.
func scanMeta(sc scanner, stateGz *[]byte) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	dest := []any{&cp.ProblemID, &idStr, &cp.Title, &createdStr, &triggerStr, &cp.ByteSize, &cp.StepCount, &cp.FactCount}
	if stateGz != nil {
		dest = append(dest, stateGz)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	cp.Trigger = Trigger(triggerStr)
	return &cp, nil
}

func encode(doc *Document) ([]byte, error) {
	stateJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %w", ErrPersistence, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("%w: compress: %w", ErrPersistence, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: close gzip: %w", ErrPersistence, err)
	}
	return buf.Bytes(), nil
}

func decode(stateGz []byte) (*Document, error) {
	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip reader: %w", ErrPersistence, err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrPersistence, err)
	}

	var doc Document
	if err := json.Unmarshal(stateJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %w", ErrPersistence, err)
	}
	return &doc, nil
}
