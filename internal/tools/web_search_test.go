package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/config"
)

func TestWebSearch_SearXNG(t *testing.T) {
	var gotQuery, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotFormat = r.URL.Query().Get("format")
		io.WriteString(w, `{"results": [
			{"title": "CVE-2021-41773", "url": "https://nvd.example/41773", "content": "path traversal in Apache 2.4.49"},
			{"title": "Exploit-DB 50383", "url": "https://edb.example/50383", "content": "RCE"},
			{"title": "third", "url": "https://x.example/3"}
		]}`)
	}))
	defer srv.Close()

	ws, err := NewWebSearch(config.SearchToolConfig{Provider: "searxng", URL: srv.URL + "/", MaxResults: 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ws.Tool().Handler(context.Background(), map[string]any{"query": "apache 2.4.49 exploit", "count": float64(2)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotQuery != "apache 2.4.49 exploit" || gotFormat != "json" {
		t.Errorf("request q=%q format=%q", gotQuery, gotFormat)
	}

	var res searchOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if res.Provider != "searxng" || len(res.Results) != 2 {
		t.Fatalf("output = %+v", res)
	}
	if res.Results[0].Snippet != "path traversal in Apache 2.4.49" {
		t.Errorf("snippet = %q", res.Results[0].Snippet)
	}
}

func TestWebSearch_Brave(t *testing.T) {
	var token, count string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Subscription-Token")
		count = r.URL.Query().Get("count")
		io.WriteString(w, `{"web": {"results": [{"title": "pwntools docs", "url": "https://docs.example", "description": "ROP helpers"}]}}`)
	}))
	defer srv.Close()

	b := &Brave{endpoint: srv.URL, apiKey: "secret", client: srv.Client()}
	ws := newWebSearch(b, 3, nil)
	out, err := ws.handle(context.Background(), map[string]any{"query": "ret2libc"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if token != "secret" || count != "3" {
		t.Errorf("token=%q count=%q", token, count)
	}
	if !strings.Contains(out, "ROP helpers") || !strings.Contains(out, `"provider": "brave"`) {
		t.Errorf("output = %s", out)
	}
}

func TestWebSearch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ws, err := NewWebSearch(config.SearchToolConfig{Provider: "searxng", URL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ws.handle(context.Background(), map[string]any{"query": "x"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 429") {
		t.Errorf("err = %v, want HTTP 429", err)
	}

	_, err = ws.handle(context.Background(), map[string]any{})
	var argErr *ArgumentError
	if !errors.As(err, &argErr) || argErr.Arg != "query" {
		t.Errorf("missing query err = %v", err)
	}

	if _, err := NewWebSearch(config.SearchToolConfig{Provider: "bing"}, nil); err == nil {
		t.Error("unsupported provider should fail")
	}
}

func TestLoader_WebSearch(t *testing.T) {
	l := NewLoader(config.ToolsConfig{Search: config.SearchToolConfig{Enabled: true, Provider: "searxng", URL: "http://127.0.0.1:1"}}, nil)
	defer l.Close()

	reg := capability.NewRegistry(nil)
	if _, err := reg.Load(context.Background(), l); err != nil {
		t.Fatal(err)
	}
	d, _, err := reg.Resolve("web_search")
	if err != nil {
		t.Fatal(err)
	}
	if d.Category != CategoryResearch {
		t.Errorf("category = %q, want %q", d.Category, CategoryResearch)
	}
}
