package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/ctf-agent/internal/config"
	"github.com/nugget/ctf-agent/internal/httpkit"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxHTTPBody        = 5 << 20
)

// HTTPRequest sends arbitrary HTTP requests to challenge targets.
type HTTPRequest struct {
	follow       *http.Client
	noFollow     *http.Client
	previewBytes int
	logger       *slog.Logger
}

// NewHTTPRequest creates the http_request tool backend.
func NewHTTPRequest(cfg config.HTTPToolConfig, logger *slog.Logger) *HTTPRequest {
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []httpkit.ClientOption{httpkit.WithTimeout(0), httpkit.WithLogger(logger)}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return &HTTPRequest{
		follow:       httpkit.NewClient(opts...),
		noFollow:     httpkit.NewClient(append(opts, httpkit.WithoutRedirects())...),
		previewBytes: cfg.PreviewBytes,
		logger:       logger,
	}
}

// HTTPResult is the JSON document returned to the model.
type HTTPResult struct {
	StatusCode  int               `json:"status_code,omitempty"`
	FinalURL    string            `json:"final_url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TextPreview string            `json:"text_preview,omitempty"`
	BytesLen    int               `json:"bytes_len"`
	Truncated   bool              `json:"truncated,omitempty"`
	SHA256      string            `json:"sha256,omitempty"`
	ElapsedMS   int64             `json:"elapsed_ms"`
	Page        *PageSummary      `json:"page,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// HTTPCall holds the parsed arguments of one request.
type HTTPCall struct {
	URL            string
	Method         string
	Headers        map[string]string
	Params         map[string]string
	Data           any
	JSONBody       any
	Timeout        time.Duration
	AllowRedirects bool
}

// Do performs call. Transport failures are reported in the result so
// the model sees the elapsed time alongside the error.
func (h *HTTPRequest) Do(ctx context.Context, call HTTPCall) *HTTPResult {
	start := time.Now()
	fail := func(err error) *HTTPResult {
		return &HTTPResult{Error: err.Error(), ElapsedMS: time.Since(start).Milliseconds()}
	}

	if call.Timeout <= 0 {
		call.Timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	req, err := h.buildRequest(ctx, call)
	if err != nil {
		return fail(err)
	}

	client := h.follow
	if !call.AllowRedirects {
		client = h.noFollow
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, truncated, err := httpkit.ReadLimited(resp.Body, maxHTTPBody)
	if err != nil {
		return fail(fmt.Errorf("read body: %w", err))
	}
	sum := sha256.Sum256(body)

	res := &HTTPResult{
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Headers:    flattenHeaders(resp.Header),
		BytesLen:   len(body),
		Truncated:  truncated,
		SHA256:     hex.EncodeToString(sum[:]),
		ElapsedMS:  time.Since(start).Milliseconds(),
	}
	res.TextPreview = preview(body, h.previewBytes)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		res.Page = summarizePage(string(body))
	}

	h.logger.Debug("http_request",
		"run_id", RunIDFromContext(ctx),
		"method", req.Method,
		"url", call.URL,
		"status", resp.StatusCode,
		"bytes", len(body),
	)
	return res
}

func (h *HTTPRequest) buildRequest(ctx context.Context, call HTTPCall) (*http.Request, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if len(call.Params) > 0 {
		q := u.Query()
		for k, v := range call.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case call.JSONBody != nil:
		b, err := json.Marshal(call.JSONBody)
		if err != nil {
			return nil, fmt.Errorf("encode json_body: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case call.Data != nil:
		switch d := call.Data.(type) {
		case string:
			body = strings.NewReader(d)
		case map[string]any:
			form := url.Values{}
			for k, v := range d {
				form.Set(k, fmt.Sprint(v))
			}
			body = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		default:
			return nil, fmt.Errorf("data must be a string or object, got %T", call.Data)
		}
	}

	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// preview returns at most n bytes of body as text, cut on a rune
// boundary. Binary bodies are summarized instead.
func preview(body []byte, n int) string {
	if len(body) > n {
		body = body[:n]
		// Drop a partial trailing rune.
		for i := 0; i < utf8.UTFMax-1 && len(body) > 0 && !utf8.Valid(body); i++ {
			body = body[:len(body)-1]
		}
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("[binary content, %d bytes]", len(body))
	}
	return string(body)
}

func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Tool returns the http_request tool definition.
func (h *HTTPRequest) Tool() *Tool {
	return &Tool{
		Name:        "http_request",
		Description: "Send an HTTP request to a target and return status, headers, a body preview, its sha256, and for HTML pages the title, links, forms and comments.",
		Category:    CategoryWeb,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":             map[string]any{"type": "string", "description": "Absolute http or https URL"},
				"method":          map[string]any{"type": "string", "description": "HTTP method (default GET)"},
				"headers":         map[string]any{"type": "object", "description": "Request headers"},
				"params":          map[string]any{"type": "object", "description": "Query string parameters"},
				"data":            map[string]any{"description": "Raw body string, or an object sent as a form"},
				"json_body":       map[string]any{"description": "Body sent as JSON"},
				"timeout_sec":     map[string]any{"type": "integer", "description": "Timeout in seconds (default 15)"},
				"allow_redirects": map[string]any{"type": "boolean", "description": "Follow redirects (default true)"},
			},
			"required": []string{"url"},
		},
		Handler: h.handle,
	}
}

func (h *HTTPRequest) handle(ctx context.Context, args map[string]any) (string, error) {
	rawURL, err := stringArg("http_request", args, "url")
	if err != nil {
		return "", err
	}
	call := HTTPCall{
		URL:            rawURL,
		Method:         optionalString(args, "method", http.MethodGet),
		Headers:        stringMap(optionalMap(args, "headers")),
		Params:         stringMap(optionalMap(args, "params")),
		Data:           args["data"],
		JSONBody:       args["json_body"],
		Timeout:        time.Duration(optionalInt(args, "timeout_sec", 0)) * time.Second,
		AllowRedirects: optionalBool(args, "allow_redirects", true),
	}

	res := h.Do(ctx, call)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
