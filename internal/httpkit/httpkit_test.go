package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_ZeroTimeout(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("expected 0 timeout, got %v", c.Timeout)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "ctfagent/") {
		t.Errorf("expected ctfagent/ prefix, got %q", body)
	}
}

func TestNewClient_ExistingUserAgentNotOverwritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "curl/8.0")
	resp, err := NewClient(WithUserAgent("ignored")).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "curl/8.0" {
		t.Errorf("expected caller UA preserved, got %q", body)
	}
}

func TestNewClient_WithoutRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/flag", http.StatusFound)
			return
		}
		w.Write([]byte("followed"))
	}))
	defer srv.Close()

	resp, err := NewClient(WithoutRedirects()).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/flag" {
		t.Errorf("location = %q, want /flag", resp.Header.Get("Location"))
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("model not found: llama99"))
	if got := ReadErrorBody(rc, 9); got != "model not" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "model not")
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

func TestReadLimited(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		limit         int64
		want          string
		wantTruncated bool
	}{
		{name: "under limit", input: "abc", limit: 10, want: "abc"},
		{name: "exact limit", input: "abcd", limit: 4, want: "abcd"},
		{name: "over limit", input: "abcdef", limit: 4, want: "abcd", wantTruncated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, err := ReadLimited(strings.NewReader(tt.input), tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want || truncated != tt.wantTruncated {
				t.Errorf("ReadLimited = (%q, %v), want (%q, %v)", got, truncated, tt.want, tt.wantTruncated)
			}
		})
	}
}

type failingRoundTripper struct {
	calls int
	err   error
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	return nil, f.err
}

func TestRetryTransport_ExhaustsRetries(t *testing.T) {
	base := &failingRoundTripper{err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", base.calls)
	}
}

func TestRetryTransport_NoRetryOnNonRetryableError(t *testing.T) {
	base := &failingRoundTripper{err: errors.New("tls: bad certificate")}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	base := &failingRoundTripper{err: syscall.EHOSTUNREACH}
	rt := &retryTransport{base: base, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://10.0.0.1", nil)
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "EHOSTUNREACH", err: syscall.EHOSTUNREACH, want: true},
		{name: "wrapped ECONNREFUSED", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: true},
		{name: "ECONNRESET", err: syscall.ECONNRESET, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
