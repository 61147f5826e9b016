package memory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// keywordEmbedder maps text onto a three-axis vector: sql, jwt, xss.
type keywordEmbedder struct {
	fail bool
}

func (e keywordEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding endpoint down")
	}
	lc := strings.ToLower(text)
	vec := make([]float32, 3)
	for i, kw := range []string{"sql", "jwt", "xss"} {
		if strings.Contains(lc, kw) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func seedArchive(t *testing.T, a *SQLiteArchive) {
	t.Helper()
	entries := []ArchiveEntry{
		{Kind: KindSolution, Content: "SQL injection in login form, dumped users table", Metadata: map[string]string{"problem_id": "p1"}},
		{Kind: KindBlock, Content: "JWT signed with none algorithm accepted", Metadata: map[string]string{"problem_id": "p2"}},
		{Kind: KindStep, Content: "reflected XSS in search parameter", Metadata: map[string]string{"problem_id": "p2"}},
	}
	for _, e := range entries {
		if err := a.Store(context.Background(), e); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
}

func TestSQLiteArchive_LexicalSearch(t *testing.T) {
	a, err := NewSQLiteArchive(openTestDB(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	seedArchive(t, a)

	n, err := a.Count(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	hits, err := a.Search(context.Background(), "login form injection", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v, want 1", hits)
	}
	if !strings.Contains(hits[0].Content, "SQL injection") {
		t.Errorf("top hit = %q", hits[0].Content)
	}
	if hits[0].Metadata["problem_id"] != "p1" {
		t.Errorf("metadata = %v", hits[0].Metadata)
	}
}

func TestSQLiteArchive_EmbeddingSearch(t *testing.T) {
	a, err := NewSQLiteArchive(openTestDB(t), keywordEmbedder{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	seedArchive(t, a)

	hits, err := a.Search(context.Background(), "forge a jwt token", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Content, "JWT") {
		t.Fatalf("hits = %+v, want only the JWT entry", hits)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1", hits[0].Score)
	}
}

func TestSQLiteArchive_EmbedderFailureFallsBack(t *testing.T) {
	a, err := NewSQLiteArchive(openTestDB(t), keywordEmbedder{fail: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	seedArchive(t, a)

	hits, err := a.Search(context.Background(), "reflected search", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || !strings.Contains(hits[0].Content, "XSS") {
		t.Errorf("hits = %+v", hits)
	}
}

func TestSQLiteArchive_Filters(t *testing.T) {
	a, err := NewSQLiteArchive(openTestDB(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	seedArchive(t, a)

	tests := []struct {
		name    string
		query   string
		filters map[string]string
		want    int
	}{
		{name: "no filter", query: "injection algorithm reflected", want: 3},
		{name: "kind", query: "injection algorithm reflected", filters: map[string]string{"kind": KindBlock}, want: 1},
		{name: "metadata", query: "injection algorithm reflected", filters: map[string]string{"problem_id": "p2"}, want: 2},
		{name: "kind and metadata", query: "injection algorithm reflected", filters: map[string]string{"kind": KindSolution, "problem_id": "p2"}, want: 0},
		{name: "no overlap", query: "buffer overflow", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := a.Search(context.Background(), tt.query, 10, tt.filters)
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != tt.want {
				t.Errorf("hits = %d, want %d: %+v", len(hits), tt.want, hits)
			}
		})
	}
}

func TestSQLiteArchive_TopK(t *testing.T) {
	a, err := NewSQLiteArchive(openTestDB(t), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"nmap scan one", "nmap scan two", "nmap three", "nmap four"} {
		if err := a.Store(context.Background(), ArchiveEntry{Kind: KindStep, Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := a.Search(context.Background(), "nmap scan", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Score != 1 {
			t.Errorf("hit %q score = %v, want full overlap ranked first", h.Content, h.Score)
		}
	}

	if hits, _ := a.Search(context.Background(), "nmap", 0, nil); hits != nil {
		t.Errorf("topK 0 returned %d hits", len(hits))
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Find the SQL-injection in /login, find it!")
	want := "find,the,sql,injection,login"
	if strings.Join(got, ",") != want {
		t.Errorf("tokenize = %v, want %s", got, want)
	}
}
