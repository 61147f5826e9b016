// Package interact provides the media through which an operator
// approves steps and confirms answers: a line-oriented console and a
// WebSocket peer such as a scoreboard bridge.
package interact

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nugget/ctf-agent/internal/agent"
)

// ErrClosed is returned when the operator's input ends.
var ErrClosed = errors.New("operator input closed")

// Console asks the operator on a terminal. It implements agent.Approver
// and agent.Confirmer.
type Console struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
}

// NewConsole reads answers from in and writes prompts to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// readLine waits for the next input line. A single reader goroutine
// feeds every call, so a cancelled read does not lose the next line.
func (c *Console) readLine(ctx context.Context) (string, error) {
	c.once.Do(func() {
		c.lines = make(chan string)
		go func() {
			defer close(c.lines)
			sc := bufio.NewScanner(c.in)
			for sc.Scan() {
				c.lines <- sc.Text()
			}
		}()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return "", ErrClosed
		}
		return strings.TrimSpace(line), nil
	}
}

// Approve shows plan and asks whether to run it, revise it or stop.
func (c *Console) Approve(ctx context.Context, stepID int, plan agent.Plan) (agent.Approval, error) {
	fmt.Fprintf(c.out, "\n=== Step %d ===\nRationale: %s\nActions:\n%s\n", stepID, plan.Rationale, agent.FormatActions(plan.Actions))
	for {
		fmt.Fprint(c.out, "[1] approve  [2] give feedback  [3] abort > ")
		line, err := c.readLine(ctx)
		if err != nil {
			return agent.Approval{}, err
		}
		switch strings.ToLower(line) {
		case "1", "y", "yes", "approve":
			return agent.Approval{Action: agent.ApprovalApprove}, nil
		case "3", "q", "quit", "abort":
			return agent.Approval{Action: agent.ApprovalAbort}, nil
		case "2", "f", "feedback":
			fb, err := c.feedback(ctx)
			if err != nil {
				return agent.Approval{}, err
			}
			if fb == "" {
				continue
			}
			return agent.Approval{Action: agent.ApprovalFeedback, Feedback: fb}, nil
		default:
			fmt.Fprintf(c.out, "unrecognized choice %q\n", line)
		}
	}
}

func (c *Console) feedback(ctx context.Context) (string, error) {
	fmt.Fprint(c.out, "Feedback: ")
	return c.readLine(ctx)
}

// Confirm shows a candidate answer and asks whether it is correct.
// Anything but yes is a rejection.
func (c *Console) Confirm(ctx context.Context, value string) (bool, error) {
	fmt.Fprintf(c.out, "\nCandidate answer: %s\nIs this correct? [y/N] ", value)
	line, err := c.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
