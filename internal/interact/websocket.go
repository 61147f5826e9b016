package interact

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nugget/ctf-agent/internal/agent"
	"github.com/nugget/ctf-agent/internal/memory"
)

// Message types exchanged with the WebSocket peer.
const (
	TypeConfirm  = "confirm"
	TypeApprove  = "approve"
	TypeResult   = "result"
	TypeApproval = "approval"
)

// Request is sent to the peer. Confirm requests carry Value; approve
// requests carry the step.
type Request struct {
	ID        int64    `json:"id"`
	Type      string   `json:"type"`
	Value     string   `json:"value,omitempty"`
	StepID    int      `json:"step_id,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// Reply is the peer's answer to the request with the same ID. Action is
// one of approve, feedback, abort.
type Reply struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Accepted bool   `json:"accepted,omitempty"`
	Action   string `json:"action,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WebSocket confirms answers and approves steps through a remote peer.
// Every request uses its own connection, so a peer restart between
// steps costs nothing. It implements agent.Approver and agent.Confirmer.
type WebSocket struct {
	url    string
	header http.Header
	dialer websocket.Dialer
	msgID  atomic.Int64
	logger *slog.Logger
}

// NewWebSocket creates a client for endpoint. http and https URLs are
// converted to ws and wss. A non-empty token is sent as a bearer
// Authorization header.
func NewWebSocket(endpoint, token string, logger *slog.Logger) (*WebSocket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocket{
		url:    u.String(),
		header: header,
		dialer: websocket.Dialer{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger.With("component", "interact"),
	}, nil
}

// Confirm asks the peer whether value is the answer.
func (w *WebSocket) Confirm(ctx context.Context, value string) (bool, error) {
	reply, err := w.roundTrip(ctx, Request{Type: TypeConfirm, Value: value})
	if err != nil {
		return false, err
	}
	w.logger.Info("answer checked by peer", "value", value, "accepted", reply.Accepted)
	return reply.Accepted, nil
}

// Approve asks the peer to approve, revise or abort a step.
func (w *WebSocket) Approve(ctx context.Context, stepID int, plan agent.Plan) (agent.Approval, error) {
	reply, err := w.roundTrip(ctx, Request{
		Type:      TypeApprove,
		StepID:    stepID,
		Rationale: plan.Rationale,
		Actions:   actionStrings(plan.Actions),
	})
	if err != nil {
		return agent.Approval{}, err
	}
	switch reply.Action {
	case "approve":
		return agent.Approval{Action: agent.ApprovalApprove}, nil
	case "feedback":
		return agent.Approval{Action: agent.ApprovalFeedback, Feedback: reply.Feedback}, nil
	case "abort":
		return agent.Approval{Action: agent.ApprovalAbort}, nil
	}
	return agent.Approval{}, fmt.Errorf("peer sent unknown approval action %q", reply.Action)
}

// roundTrip dials, sends req and waits for the reply with the same id.
// Cancelling ctx closes the connection.
func (w *WebSocket) roundTrip(ctx context.Context, req Request) (*Reply, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req.ID = w.msgID.Add(1)
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type, err)
	}

	for {
		var reply Reply
		if err := conn.ReadJSON(&reply); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read %s reply: %w", req.Type, err)
		}
		if reply.ID != req.ID {
			w.logger.Debug("ignoring unrelated message", "id", reply.ID, "type", reply.Type)
			continue
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("peer rejected %s request: %s", req.Type, reply.Error)
		}
		return &reply, nil
	}
}

func actionStrings(actions []memory.ActionInvocation) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
	}
	return out
}
