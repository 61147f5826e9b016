package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": `{"category":"web"}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 11, "completion_tokens": 5, "total_tokens": 16},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1", nil)
	resp, err := c.Chat(context.Background(), "gpt-4o-mini",
		[]Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "classify"}},
		Options{JSON: true},
	)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
	if resp.Content != `{"category":"web"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 11 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 11/5", resp.InputTokens, resp.OutputTokens)
	}
}
