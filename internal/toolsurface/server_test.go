package toolsurface

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/budget"
	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/logging"
)

// fakeBus is a minimal in-memory bus.Bus for exercising the tool surface
// without a SQL or Redis backend.
type fakeBus struct {
	messages   []bus.Message
	heartbeats map[string]string
	questions  map[string]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{heartbeats: map[string]string{}, questions: map[string]string{}}
}

func (f *fakeBus) SendHubMessage(ctx context.Context, from, to string, typ bus.MessageType, payload string) (string, error) {
	if !bus.IsValidType(typ) {
		return "", bus.ErrInvalidMessageType
	}
	id := "msg-" + to
	f.messages = append(f.messages, bus.Message{ID: id, From: from, To: to, Type: typ, Payload: payload, Timestamp: time.Now()})
	return id, nil
}

func (f *fakeBus) ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]bus.Message, error) {
	var out []bus.Message
	for _, m := range f.messages {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	id := "q-" + subagentID
	f.questions[id] = ""
	return id, nil
}

func (f *fakeBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	if _, ok := f.questions[messageID]; !ok {
		return false, bus.ErrNoPendingQuestion
	}
	f.questions[messageID] = answer
	return true, nil
}

func (f *fakeBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	answer, ok := f.questions[messageID]
	return answer, ok && answer != "", nil
}

func (f *fakeBus) GetPendingQuestions(ctx context.Context, runID string) ([]bus.WorkerQuestion, error) {
	return nil, nil
}

func (f *fakeBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	f.heartbeats[agentID] = progress
	return nil
}

func (f *fakeBus) ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeBus) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeBus) {
	t.Helper()
	dir := t.TempDir()
	b := newFakeBus()
	bm, err := budget.New(filepath.Join(dir, "budget.json"), "sess", 10, 50, logging.NoOpLogger{})
	require.NoError(t, err)
	al, err := audit.New(filepath.Join(dir, "audit.ndjson"), "sess")
	require.NoError(t, err)
	s := New(b, nil, bm, nil, al, logging.NoOpLogger{})
	return s, b
}

func TestHandle_ListTools(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "list_tools"})
	require.Nil(t, resp.Error)
	var tools []ToolDescriptor
	require.NoError(t, json.Unmarshal(resp.Result, &tools))
	assert.NotEmpty(t, tools)
}

func TestHandle_UnknownMethod(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
}

func TestHandle_CallTool_UnknownTool(t *testing.T) {
	s, _ := newTestServer(t)
	args, _ := json.Marshal(callToolArgs{Name: "does.not.exist"})
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "call_tool", Arguments: args})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnknownMethod, resp.Error.Code)
}

func TestHandle_HubSendAndReceive(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	sendArgs, _ := json.Marshal(hubSendArgs{From: "worker-1", To: "hub", Type: "QUESTION", Payload: "ping"})
	callArgs, _ := json.Marshal(callToolArgs{Name: "hub.send", Arguments: sendArgs})
	resp := s.Handle(ctx, Request{ID: "1", Method: "call_tool", Arguments: callArgs})
	require.Nil(t, resp.Error)

	recvArgs, _ := json.Marshal(hubReceiveArgs{To: "hub"})
	callArgs, _ = json.Marshal(callToolArgs{Name: "hub.receive", Arguments: recvArgs})
	resp = s.Handle(ctx, Request{ID: "2", Method: "call_tool", Arguments: callArgs})
	require.Nil(t, resp.Error)

	var out struct {
		Messages []bus.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "ping", out.Messages[0].Payload)
}

func TestHandle_HubSendInvalidType(t *testing.T) {
	s, _ := newTestServer(t)
	sendArgs, _ := json.Marshal(hubSendArgs{From: "w", To: "hub", Type: "NOT_A_TYPE", Payload: "x"})
	callArgs, _ := json.Marshal(callToolArgs{Name: "hub.send", Arguments: sendArgs})
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "call_tool", Arguments: callArgs})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidArguments, resp.Error.Code)
}

func TestHandle_BudgetStatus(t *testing.T) {
	s, _ := newTestServer(t)
	callArgs, _ := json.Marshal(callToolArgs{Name: "budget.status"})
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "call_tool", Arguments: callArgs})
	require.Nil(t, resp.Error)
	var status budget.State
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	assert.Equal(t, "sess", status.SessionID)
}

func TestHandle_RouterNotConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	chatArgs, _ := json.Marshal(workerChatArgs{Prompt: "hello"})
	callArgs, _ := json.Marshal(callToolArgs{Name: "worker.chat", Arguments: chatArgs})
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "call_tool", Arguments: callArgs})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)
}

func TestHandle_CallTool_Timeout(t *testing.T) {
	s, _ := newTestServer(t)
	s.tools["test.sleep"] = func(ctx context.Context, s *Server, args json.RawMessage) (interface{}, *Error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, errResult(CodeTimeout, "canceled")
		}
	}
	callArgs, _ := json.Marshal(callToolArgs{Name: "test.sleep", TimeoutMS: 10})
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "call_tool", Arguments: callArgs})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
}

func TestPool_ReusesWithinIdleWindow(t *testing.T) {
	p := NewPool(50 * time.Millisecond)
	builds := 0
	build := func() *Server {
		builds++
		s, _ := newTestServer(t)
		return s
	}
	first := p.Get("ollama", build)
	second := p.Get("ollama", build)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
}

func TestPool_EvictsAfterIdleTimeout(t *testing.T) {
	p := NewPool(10 * time.Millisecond)
	build := func() *Server {
		s, _ := newTestServer(t)
		return s
	}
	p.Get("ollama", build)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 0, p.Len())
}
