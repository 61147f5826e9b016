package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen2.5:14b",
			"created_at":        "2026-01-02T03:04:05.123456Z",
			"message":           map[string]string{"role": "assistant", "content": `{"ok":true}`},
			"done":              true,
			"prompt_eval_count": 42,
			"eval_count":        7,
			"total_duration":    1500000000,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "qwen2.5:14b",
		[]Message{{Role: RoleUser, Content: "hi"}},
		Options{JSON: true, MaxTokens: 256},
	)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Stream {
		t.Error("stream should be false")
	}
	if got.Options == nil || got.Options.NumPredict != 256 {
		t.Errorf("options = %+v, want num_predict 256", got.Options)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	if _, err := c.Chat(context.Background(), "missing", nil, Options{}); err == nil {
		t.Fatal("expected error for 404")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error for 404")
	}
}
