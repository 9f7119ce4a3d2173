package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/budget"
	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/router"
	"github.com/agenthub/kernel/internal/sandbox"
)

const defaultCallTimeout = 30 * time.Second

// toolHandler is one named tool's implementation. It receives a
// context already bounded by the caller's timeout_ms (or the server
// default).
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error)

// Server is the tool surface: it binds the bus, router, budget manager,
// and draft gate to a fixed set of named RPC tools (spec.md §4.11). One
// Server handles one connection; calls on a connection are single
// threaded per spec.md §4.11 ("calls are single-threaded per
// connection"), so callers open one Server per concurrent connection —
// the persistent-connection pool in pool.go is how a caller reuses one
// instead of dialing fresh every time.
type Server struct {
	bus    bus.Bus
	router *router.Router
	budget *budget.Manager
	gate   *sandbox.Gate
	audit  *audit.Log
	log    logging.Logger

	tools map[string]toolHandler
}

// New builds a Server over the given components. Any of router, budget,
// or gate may be nil if that surface is not wired for this deployment;
// the corresponding tools then return CodeInternal.
func New(b bus.Bus, rt *router.Router, bm *budget.Manager, gate *sandbox.Gate, al *audit.Log, log logging.Logger) *Server {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	s := &Server{bus: b, router: rt, budget: bm, gate: gate, audit: al, log: log.WithComponent("hub/toolsurface")}
	s.tools = map[string]toolHandler{
		"hub.connect":            toolHubConnect,
		"hub.send":               toolHubSend,
		"hub.receive":            toolHubReceive,
		"hub.heartbeat":          toolHubHeartbeat,
		"hub.ask_parent":         toolHubAskParent,
		"hub.check_answer":       toolHubCheckAnswer,
		"worker.chat":            toolWorkerChat,
		"worker.review":          toolWorkerReview,
		"budget.status":          toolBudgetStatus,
		"budget.request_override": toolBudgetRequestOverride,
		"draft.submit":           toolDraftSubmit,
		"draft.status":           toolDraftStatus,
	}
	return s
}

// Descriptors lists every recognized tool name, for list_tools.
func (s *Server) Descriptors() []ToolDescriptor {
	descs := []ToolDescriptor{
		{Name: "hub.connect", Description: "Register this connection's agent id with the message bus."},
		{Name: "hub.send", Description: "Send a hub message (send_hub_message)."},
		{Name: "hub.receive", Description: "Receive unread hub messages for an agent (receive_hub_messages)."},
		{Name: "hub.heartbeat", Description: "Record a liveness heartbeat for an agent."},
		{Name: "hub.ask_parent", Description: "Ask the parent supervisor a question (ask_parent)."},
		{Name: "hub.check_answer", Description: "Poll for an answered question (check_answer)."},
		{Name: "worker.chat", Description: "Route a chat completion through the model router."},
		{Name: "worker.review", Description: "Route a code-review chat completion through the model router."},
		{Name: "budget.status", Description: "Return the current budget manager state."},
		{Name: "budget.request_override", Description: "Open a budget override window."},
		{Name: "draft.submit", Description: "Validate and stage a draft submission in the sandbox."},
		{Name: "draft.status", Description: "Re-run the draft gate's verdict for a task without applying it."},
	}
	return descs
}

// Handle dispatches one request and always returns a Response (never an
// error return) — protocol violations become a Response.Error instead.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	switch req.Method {
	case "list_tools":
		return s.respond(req.ID, s.Descriptors())
	case "call_tool":
		return s.handleCallTool(ctx, req)
	default:
		return s.fail(req.ID, CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type callToolArgs struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCallTool(ctx context.Context, req Request) Response {
	var call callToolArgs
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &call); err != nil {
			return s.fail(req.ID, CodeInvalidArguments, "malformed call_tool arguments: "+err.Error())
		}
	}
	handler, ok := s.tools[call.Name]
	if !ok {
		return s.fail(req.ID, CodeUnknownMethod, fmt.Sprintf("unknown tool %q", call.Name))
	}

	timeout := defaultCallTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	} else if call.TimeoutMS > 0 {
		timeout = time.Duration(call.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan *Error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errResult(CodeInternal, fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		result, toolErr := handler(callCtx, s, call.Arguments)
		if toolErr != nil {
			errCh <- toolErr
			return
		}
		resultCh <- result
	}()

	select {
	case <-callCtx.Done():
		return s.fail(req.ID, CodeTimeout, fmt.Sprintf("tool %q timed out", call.Name))
	case toolErr := <-errCh:
		return s.failWith(req.ID, toolErr)
	case result := <-resultCh:
		return s.respond(req.ID, result)
	}
}

func (s *Server) respond(id string, result interface{}) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return s.fail(id, CodeInternal, "marshal result: "+err.Error())
	}
	return Response{ID: id, Result: data}
}

func (s *Server) fail(id, code, message string) Response {
	return Response{ID: id, Error: errResult(code, message)}
}

func (s *Server) failWith(id string, e *Error) Response {
	return Response{ID: id, Error: e}
}
