package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/ctf-agent/internal/config"
)

const loginPage = `<!DOCTYPE html>
<html><head><title> Admin Login </title><script src="/static/app.js"></script></head>
<body>
<!-- TODO remove debug creds admin:hunter2 -->
<a href="/robots.txt">robots</a>
<a href="/robots.txt">dup</a>
<form action="/login" method="post">
  <input name="user" type="text">
  <input name="pass" type="password">
  <button type="submit">Go</button>
</form>
</body></html>`

func newTargetServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, loginPage)
		case "/redirect":
			http.Redirect(w, r, "/", http.StatusFound)
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, r.Method+" "+r.URL.RawQuery+" "+r.Header.Get("Content-Type")+" "+r.Header.Get("X-Probe")+" "+string(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRequest_HTMLSummary(t *testing.T) {
	srv := newTargetServer(t)
	h := NewHTTPRequest(config.HTTPToolConfig{Enabled: true}, nil)

	res := h.Do(context.Background(), HTTPCall{URL: srv.URL + "/", AllowRedirects: true})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
	if len(res.SHA256) != 64 {
		t.Errorf("sha256 = %q", res.SHA256)
	}
	if res.Page == nil {
		t.Fatal("expected page summary")
	}
	if res.Page.Title != "Admin Login" {
		t.Errorf("title = %q", res.Page.Title)
	}
	if len(res.Page.Links) != 1 || res.Page.Links[0] != "/robots.txt" {
		t.Errorf("links = %v", res.Page.Links)
	}
	if len(res.Page.Forms) != 1 {
		t.Fatalf("forms = %+v", res.Page.Forms)
	}
	f := res.Page.Forms[0]
	if f.Action != "/login" || f.Method != "POST" {
		t.Errorf("form = %+v", f)
	}
	if strings.Join(f.Inputs, ",") != "user:text,pass:password" {
		t.Errorf("inputs = %v", f.Inputs)
	}
	if len(res.Page.Comments) != 1 || !strings.Contains(res.Page.Comments[0], "hunter2") {
		t.Errorf("comments = %v", res.Page.Comments)
	}
	if len(res.Page.Scripts) != 1 || res.Page.Scripts[0] != "/static/app.js" {
		t.Errorf("scripts = %v", res.Page.Scripts)
	}
}

func TestHTTPRequest_Redirects(t *testing.T) {
	srv := newTargetServer(t)
	h := NewHTTPRequest(config.HTTPToolConfig{}, nil)

	res := h.Do(context.Background(), HTTPCall{URL: srv.URL + "/redirect", AllowRedirects: false})
	if res.StatusCode != http.StatusFound {
		t.Errorf("no-follow status = %d, want 302", res.StatusCode)
	}
	if res.Headers["Location"] != "/" {
		t.Errorf("location = %q", res.Headers["Location"])
	}

	res = h.Do(context.Background(), HTTPCall{URL: srv.URL + "/redirect", AllowRedirects: true})
	if res.StatusCode != http.StatusOK || !strings.HasSuffix(res.FinalURL, "/") {
		t.Errorf("follow: status = %d final = %q", res.StatusCode, res.FinalURL)
	}
}

func TestHTTPRequest_Handler(t *testing.T) {
	srv := newTargetServer(t)
	tool := NewHTTPRequest(config.HTTPToolConfig{}, nil).Tool()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{
			name: "form data",
			args: map[string]any{"url": srv.URL + "/echo", "method": "post", "data": map[string]any{"user": "admin"}},
			want: "POST  application/x-www-form-urlencoded  user=admin",
		},
		{
			name: "json body with params and headers",
			args: map[string]any{
				"url":       srv.URL + "/echo",
				"method":    "PUT",
				"params":    map[string]any{"id": 7},
				"headers":   map[string]any{"X-Probe": "1"},
				"json_body": map[string]any{"a": true},
			},
			want: `PUT id=7 application/json 1 {"a":true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tool.Handler(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var res HTTPResult
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if res.TextPreview != tt.want {
				t.Errorf("preview = %q, want %q", res.TextPreview, tt.want)
			}
		})
	}
}

func TestHTTPRequest_ErrorsInResult(t *testing.T) {
	h := NewHTTPRequest(config.HTTPToolConfig{}, nil)

	res := h.Do(context.Background(), HTTPCall{URL: "ftp://example.com/file"})
	if !strings.Contains(res.Error, "unsupported url scheme") {
		t.Errorf("error = %q", res.Error)
	}
	if res.StatusCode != 0 {
		t.Errorf("status = %d, want 0", res.StatusCode)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		n    int
		want string
	}{
		{name: "short", body: []byte("hello"), n: 10, want: "hello"},
		{name: "cut", body: []byte("hello"), n: 3, want: "hel"},
		{name: "rune boundary", body: []byte("héllo"), n: 2, want: "h"},
		{name: "binary", body: []byte{0xff, 0xfe, 0x00, 0x01}, n: 10, want: "[binary content, 4 bytes]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(tt.body, tt.n); got != tt.want {
				t.Errorf("preview = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizePage_PlainText(t *testing.T) {
	if ps := summarizePage("just some words"); ps != nil {
		t.Errorf("summarizePage = %+v, want nil", ps)
	}
}
