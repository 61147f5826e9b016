package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/ctf-agent/internal/prompts"
)

// ErrMalformedOutput is returned when a structured reply could not be
// decoded even after repair. Callers fall back to their sentinel result.
var ErrMalformedOutput = errors.New("malformed structured output")

// Structured decodes JSON replies from a Generator. A reply that fails
// strict parsing goes through structural repair, then a single request
// asking the model to fix its own output. Nothing is retried beyond that.
type Structured struct {
	gen    Generator
	logger *slog.Logger
}

// NewStructured wraps gen.
func NewStructured(gen Generator, logger *slog.Logger) *Structured {
	if logger == nil {
		logger = slog.Default()
	}
	return &Structured{gen: gen, logger: logger}
}

// Generator returns the wrapped generator for free-text calls.
func (s *Structured) Generator() Generator { return s.gen }

// GenerateJSON requests a JSON reply for prompt and decodes it into v.
// Generation failures are returned as-is (they match ErrGeneration);
// undecodable replies return ErrMalformedOutput.
func (s *Structured) GenerateJSON(ctx context.Context, prompt string, opts Options, v any) error {
	opts.JSON = true
	raw, err := s.gen.Generate(ctx, prompt, opts)
	if err != nil {
		return err
	}
	return s.Decode(ctx, raw, v)
}

// Decode parses raw into v using the bounded repair sequence.
func (s *Structured) Decode(ctx context.Context, raw string, v any) error {
	candidate := ExtractJSON(raw)
	firstErr := json.Unmarshal([]byte(candidate), v)
	if firstErr == nil {
		return nil
	}

	if err := json.Unmarshal([]byte(RepairJSON(candidate)), v); err == nil {
		s.logger.Debug("structured output repaired", "error", firstErr)
		return nil
	}

	s.logger.Debug("structured output unrepairable, asking model to fix",
		"error", firstErr,
		"raw_len", len(raw),
	)
	fixed, err := s.gen.Generate(ctx, prompts.FixJSONPrompt(raw, firstErr.Error()), Options{JSON: true})
	if err != nil {
		return fmt.Errorf("%w: fix request: %w", ErrMalformedOutput, err)
	}
	if err := json.Unmarshal([]byte(RepairJSON(ExtractJSON(fixed))), v); err != nil {
		s.logger.Warn("structured output still malformed after fix", "error", err)
		return fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	return nil
}

// ExtractJSON returns the first JSON object or array embedded in s,
// stripping code fences, <tool_call> tags and surrounding prose. If no
// opening bracket is found, s is returned trimmed.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "<tool_call>"); start != -1 {
		s = s[start+len("<tool_call>"):]
		if end := strings.Index(s, "</tool_call>"); end != -1 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl != -1 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}

	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced; hand the tail to RepairJSON.
	return s[start:]
}

// RepairJSON fixes the structural mistakes models commonly make:
// single-quoted strings, raw newlines inside strings, Python literals
// (True, False, None), trailing commas, and unclosed strings or
// brackets. The result is not guaranteed to parse.
func RepairJSON(s string) string {
	out := make([]byte, 0, len(s)+8)
	var stack []byte
	inStr := false
	var quote byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case c == '\\' && i+1 < len(s):
				next := s[i+1]
				if next == '\'' {
					out = append(out, '\'')
				} else {
					out = append(out, c, next)
				}
				i++
			case c == quote:
				inStr = false
				out = append(out, '"')
			case c == '"':
				out = append(out, '\\', '"')
			case c == '\n':
				out = append(out, '\\', 'n')
			case c == '\r':
				out = append(out, '\\', 'r')
			case c == '\t':
				out = append(out, '\\', 't')
			default:
				out = append(out, c)
			}
			continue
		}

		switch c {
		case '"', '\'':
			inStr = true
			quote = c
			out = append(out, '"')
		case '{', '[':
			stack = append(stack, c)
			out = append(out, c)
		case '}', ']':
			out = trimTrailingComma(out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			out = append(out, c)
		default:
			if lit, repl, ok := pythonLiteral(s, i); ok {
				out = append(out, repl...)
				i += len(lit) - 1
				continue
			}
			out = append(out, c)
		}
	}

	if inStr {
		out = append(out, '"')
	}
	out = trimTrailingComma(out)
	for j := len(stack) - 1; j >= 0; j-- {
		if stack[j] == '{' {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return string(out)
}

func trimTrailingComma(b []byte) []byte {
	end := len(b)
	for end > 0 && isSpace(b[end-1]) {
		end--
	}
	if end > 0 && b[end-1] == ',' {
		return b[:end-1]
	}
	return b
}

var pythonLiterals = [...]struct{ lit, repl string }{
	{"True", "true"},
	{"False", "false"},
	{"None", "null"},
}

func pythonLiteral(s string, i int) (lit, repl string, ok bool) {
	if i > 0 && isIdent(s[i-1]) {
		return "", "", false
	}
	for _, p := range pythonLiterals {
		if strings.HasPrefix(s[i:], p.lit) {
			end := i + len(p.lit)
			if end < len(s) && isIdent(s[end]) {
				continue
			}
			return p.lit, p.repl, true
		}
	}
	return "", "", false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdent(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
