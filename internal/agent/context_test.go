package agent

import (
	"context"
	"errors"
	"testing"
)

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(nil,
		StaticContext("Operator notes", "  target runs nginx  "),
		ContextFunc(func(context.Context, string) (string, error) {
			return "", errors.New("notes file missing")
		}),
		StaticContext("Empty", "   "),
		nil,
		ContextFunc(func(_ context.Context, problem string) (string, error) {
			return "problem: " + problem, nil
		}),
	)

	got, err := c.GetContext(context.Background(), "crack the zip")
	if err != nil {
		t.Fatalf("GetContext() error: %v", err)
	}
	want := "## Operator notes\ntarget runs nginx\n\nproblem: crack the zip"
	if got != want {
		t.Errorf("GetContext() = %q, want %q", got, want)
	}
}
