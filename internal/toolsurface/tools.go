package toolsurface

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/router"
	"github.com/agenthub/kernel/internal/sandbox"
)

// decodeArgs unmarshals a tool's arguments into dst, returning a typed
// CodeInvalidArguments error on failure.
func decodeArgs(args json.RawMessage, dst interface{}) *Error {
	if len(args) == 0 {
		return errResult(CodeInvalidArguments, "missing arguments")
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return errResult(CodeInvalidArguments, "malformed arguments: "+err.Error())
	}
	return nil
}

// --- hub.* tools -----------------------------------------------------

type hubConnectArgs struct {
	AgentID string `json:"agent_id"`
}

// toolHubConnect validates the connection's agent id and records an
// initial heartbeat; the bus itself has no persistent connection state
// (spec.md §4.2 messages are addressed by agent id, not by socket), so
// "connecting" is just proving the agent id is usable.
func toolHubConnect(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubConnectArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.AgentID == "" {
		return nil, errResult(CodeInvalidArguments, "agent_id is required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	if err := s.bus.RecordHeartbeat(ctx, a.AgentID, "connected"); err != nil {
		return nil, errResult(CodeInternal, "record heartbeat: "+err.Error())
	}
	return map[string]interface{}{"agent_id": a.AgentID, "connected": true}, nil
}

type hubSendArgs struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func toolHubSend(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubSendArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.From == "" || a.To == "" || a.Type == "" {
		return nil, errResult(CodeInvalidArguments, "from, to, and type are required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	id, err := s.bus.SendHubMessage(ctx, a.From, a.To, bus.MessageType(a.Type), a.Payload)
	if err != nil {
		if err == bus.ErrInvalidMessageType {
			return nil, errResult(CodeInvalidArguments, err.Error())
		}
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"message_id": id}, nil
}

type hubReceiveArgs struct {
	To    string     `json:"to"`
	Since *time.Time `json:"since,omitempty"`
}

func toolHubReceive(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubReceiveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.To == "" {
		return nil, errResult(CodeInvalidArguments, "to is required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	msgs, err := s.bus.ReceiveHubMessages(ctx, a.To, a.Since)
	if err != nil {
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"messages": msgs}, nil
}

type hubHeartbeatArgs struct {
	AgentID  string `json:"agent_id"`
	Progress string `json:"progress,omitempty"`
}

func toolHubHeartbeat(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubHeartbeatArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.AgentID == "" {
		return nil, errResult(CodeInvalidArguments, "agent_id is required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	if err := s.bus.RecordHeartbeat(ctx, a.AgentID, a.Progress); err != nil {
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"recorded": true}, nil
}

type hubAskParentArgs struct {
	RunID      string `json:"run_id"`
	SubagentID string `json:"subagent_id"`
	Question   string `json:"question"`
}

func toolHubAskParent(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubAskParentArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.RunID == "" || a.SubagentID == "" || a.Question == "" {
		return nil, errResult(CodeInvalidArguments, "run_id, subagent_id, and question are required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	messageID, err := s.bus.AskParent(ctx, a.RunID, a.SubagentID, a.Question)
	if err != nil {
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"message_id": messageID}, nil
}

type hubCheckAnswerArgs struct {
	MessageID string `json:"message_id"`
}

func toolHubCheckAnswer(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a hubCheckAnswerArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.MessageID == "" {
		return nil, errResult(CodeInvalidArguments, "message_id is required")
	}
	if s.bus == nil {
		return nil, errResult(CodeInternal, "bus not configured")
	}
	answer, answered, err := s.bus.CheckAnswer(ctx, a.MessageID)
	if err != nil {
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"answered": answered, "answer": answer}, nil
}

// --- worker.* tools ----------------------------------------------------

type workerChatArgs struct {
	TaskType     string  `json:"task_type"`
	PreferredModel string `json:"preferred_model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	RunID        string  `json:"run_id,omitempty"`
}

func toolWorkerChat(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	return routeChat(ctx, s, args, "default")
}

func toolWorkerReview(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	return routeChat(ctx, s, args, "review")
}

func routeChat(ctx context.Context, s *Server, args json.RawMessage, defaultTaskType string) (interface{}, *Error) {
	var a workerChatArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Prompt == "" {
		return nil, errResult(CodeInvalidArguments, "prompt is required")
	}
	if a.TaskType == "" {
		a.TaskType = defaultTaskType
	}
	if s.router == nil {
		return nil, errResult(CodeInternal, "router not configured")
	}
	req := router.ChatRequest{
		SystemPrompt: a.SystemPrompt,
		Prompt:       a.Prompt,
		MaxTokens:    a.MaxTokens,
		Temperature:  a.Temperature,
	}
	resp, err := s.router.Route(ctx, a.TaskType, a.PreferredModel, req, a.RunID)
	if err != nil {
		switch err {
		case router.ErrBudgetExceeded:
			return nil, errResult(CodeBudgetExceeded, err.Error())
		case router.ErrRouterExhausted:
			return nil, errResult(CodeRouterExhausted, err.Error())
		default:
			return nil, errResult(CodeInternal, err.Error())
		}
	}
	return resp, nil
}

// --- budget.* tools ------------------------------------------------------

func toolBudgetStatus(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	if s.budget == nil {
		return nil, errResult(CodeInternal, "budget manager not configured")
	}
	return s.budget.GetStatus(), nil
}

type budgetOverrideArgs struct {
	Reason     string `json:"reason"`
	DurationMS int    `json:"duration_ms"`
}

func toolBudgetRequestOverride(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a budgetOverrideArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Reason == "" {
		return nil, errResult(CodeInvalidArguments, "reason is required")
	}
	if a.DurationMS <= 0 {
		return nil, errResult(CodeInvalidArguments, "duration_ms must be positive")
	}
	if s.budget == nil {
		return nil, errResult(CodeInternal, "budget manager not configured")
	}
	if err := s.budget.RequestOverride(a.Reason, time.Duration(a.DurationMS)*time.Millisecond); err != nil {
		return nil, errResult(CodeInternal, err.Error())
	}
	return map[string]interface{}{"override_active": true}, nil
}

// --- draft.* tools ---------------------------------------------------

type draftTaskArgs struct {
	TaskID string `json:"task_id"`
}

// toolDraftSubmit runs the gate's full verdict and applies it: accepted
// drafts are written back over the original, rejected and escalated
// drafts are left for the pipeline supervisor's normal DRAFT_READY
// handling to record. draft.status returns the same verdict without
// applying an accepted draft; it still audits the verdict and, as for
// any rejection, deletes a rejected draft's files.
func toolDraftSubmit(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a draftTaskArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.TaskID == "" {
		return nil, errResult(CodeInvalidArguments, "task_id is required")
	}
	if s.gate == nil {
		return nil, errResult(CodeInternal, "draft gate not configured")
	}
	result := s.gate.HandleDraftSubmission(ctx, a.TaskID)
	if result.Decision == sandbox.DecisionAccept {
		if err := s.gate.Apply(a.TaskID); err != nil {
			return nil, errResult(CodeInternal, "apply draft: "+err.Error())
		}
		return result, nil
	}
	if result.Decision == sandbox.DecisionEscalate {
		return nil, errResultWithData(CodeGateEscalated, result.Reason, result)
	}
	return nil, errResultWithData(CodeGateRejected, result.Reason, result)
}

// errResultWithData attaches the gate's full verdict to an error response
// so a caller can inspect the diff summary and safety analysis even when
// the draft was not applied.
func errResultWithData(code, message string, payload interface{}) *Error {
	e := errResult(code, message)
	if data, err := json.Marshal(payload); err == nil {
		e.Data = data
	}
	return e
}

func toolDraftStatus(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
	var a draftTaskArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.TaskID == "" {
		return nil, errResult(CodeInvalidArguments, "task_id is required")
	}
	if s.gate == nil {
		return nil, errResult(CodeInternal, "draft gate not configured")
	}
	result := s.gate.HandleDraftSubmission(ctx, a.TaskID)
	return result, nil
}
