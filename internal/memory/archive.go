package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/nugget/ctf-agent/internal/embeddings"
)

// Archive entry kinds.
const (
	KindStep     = "step"
	KindBlock    = "compressed_block"
	KindSolution = "problem_solution"
)

// ArchiveEntry is a document written to the long-term archive.
type ArchiveEntry struct {
	Kind     string            `json:"kind"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ArchiveHit is a search result.
type ArchiveHit struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// Archive is the long-term semantic store. Implementations serialize
// their own writes.
type Archive interface {
	Store(ctx context.Context, e ArchiveEntry) error
	// Search returns up to topK entries ranked by relevance. A "kind"
	// filter matches the entry kind; other filters match metadata.
	Search(ctx context.Context, query string, topK int, filters map[string]string) ([]ArchiveHit, error)
}

// NopArchive stores nothing and finds nothing.
type NopArchive struct{}

// Store implements Archive.
func (NopArchive) Store(context.Context, ArchiveEntry) error { return nil }

// Search implements Archive.
func (NopArchive) Search(context.Context, string, int, map[string]string) ([]ArchiveHit, error) {
	return nil, nil
}

// SQLiteArchive keeps entries in SQLite with their embeddings as
// float32 blobs and ranks them by brute-force cosine similarity. When
// no embedder is configured, or embedding fails, it ranks by term
// overlap instead.
type SQLiteArchive struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewSQLiteArchive creates the archive on db. embedder may be nil.
func NewSQLiteArchive(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &SQLiteArchive{db: db, embedder: embedder, logger: logger}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_archive (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memory_archive_kind ON memory_archive(kind);
	`)
	return err
}

// Store implements Archive.
func (a *SQLiteArchive) Store(ctx context.Context, e ArchiveEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var blob []byte
	if a.embedder != nil {
		vec, err := a.embedder.Generate(ctx, e.Content)
		if err != nil {
			a.logger.Warn("archive embedding failed, storing without vector", "kind", e.Kind, "error", err)
		} else {
			blob = embeddings.Encode(vec)
		}
	}

	id, _ := uuid.NewV7()
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO memory_archive (id, kind, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), e.Kind, e.Content, string(meta), blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Search implements Archive.
func (a *SQLiteArchive) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]ArchiveHit, error) {
	if topK <= 0 {
		return nil, nil
	}

	var queryVec []float32
	if a.embedder != nil {
		vec, err := a.embedder.Generate(ctx, query)
		if err != nil {
			a.logger.Warn("archive query embedding failed, using term overlap", "error", err)
		} else {
			queryVec = vec
		}
	}

	q := `SELECT kind, content, metadata, embedding FROM memory_archive`
	var args []any
	if kind, ok := filters["kind"]; ok {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	terms := tokenize(query)
	var hits []ArchiveHit
	for rows.Next() {
		var kind, content, metaJSON string
		var blob []byte
		if err := rows.Scan(&kind, &content, &metaJSON, &blob); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		if !matchFilters(meta, filters) {
			continue
		}

		var score float64
		if queryVec != nil && len(blob) > 0 {
			score = float64(embeddings.CosineSimilarity(queryVec, embeddings.Decode(blob)))
		} else {
			score = termOverlap(terms, content)
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, ArchiveHit{Content: content, Metadata: meta, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of archived entries.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_archive`).Scan(&n)
	return n, err
}

func matchFilters(meta, filters map[string]string) bool {
	for k, v := range filters {
		if k == "kind" {
			continue
		}
		if meta[k] != v {
			return false
		}
	}
	return true
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// termOverlap is the fraction of query terms present in content.
func termOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lc := strings.ToLower(content)
	n := 0
	for _, t := range terms {
		if strings.Contains(lc, t) {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}
