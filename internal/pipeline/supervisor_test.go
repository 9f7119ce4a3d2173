package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/contract"
	"github.com/agenthub/kernel/internal/sandbox"
)

// fakeBus is a minimal in-memory bus.Bus double for exercising the
// supervisor's dispatch logic without a real storage backend.
type fakeBus struct {
	mu         sync.Mutex
	inbox      map[string][]bus.Message
	outbox     []bus.Message
	heartbeats int
}

func newFakeBus() *fakeBus {
	return &fakeBus{inbox: make(map[string][]bus.Message)}
}

func (b *fakeBus) SendHubMessage(ctx context.Context, from, to string, typ bus.MessageType, payload string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = append(b.outbox, bus.Message{From: from, To: to, Type: typ, Payload: payload, Timestamp: time.Now().UTC()})
	return "sent-1", nil
}

func (b *fakeBus) ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]bus.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.inbox[to]
	b.inbox[to] = nil
	return msgs, nil
}

func (b *fakeBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	return "q-1", nil
}
func (b *fakeBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	return true, nil
}
func (b *fakeBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	return "", false, nil
}
func (b *fakeBus) GetPendingQuestions(ctx context.Context, runID string) ([]bus.WorkerQuestion, error) {
	return nil, nil
}
func (b *fakeBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats++
	return nil
}
func (b *fakeBus) ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}
func (b *fakeBus) Close() error { return nil }

// noopEnv succeeds every stage immediately.
type noopEnv struct{}

func (noopEnv) RunStage(ctx context.Context, taskID string, stage StageName) error { return nil }

// failingEnv fails on a named stage.
type failingEnv struct{ failOn StageName }

func (f failingEnv) RunStage(ctx context.Context, taskID string, stage StageName) error {
	if stage == f.failOn {
		return assert.AnError
	}
	return nil
}

func newTestSupervisor(t *testing.T, b bus.Bus, env WorkerEnvironment) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	al, err := audit.New(filepath.Join(dir, "audit.ndjson"), "sess-1")
	require.NoError(t, err)
	cb, err := breaker.NewComponentBreaker(filepath.Join(dir, "breaker.json"), filepath.Join(dir, "HALT.md"), breaker.DefaultThresholds(), nil, nil)
	require.NoError(t, err)
	sb := sandbox.New(filepath.Join(dir, "drafts"), dir)
	require.NoError(t, sb.EnsureExists())
	gate := sandbox.NewGate(sb, al, nil, nil)

	s := New(b, dir, filepath.Join(dir, "HALT.md"), dir, true, gate, al, cb, nil, env, nil)
	return s, dir
}

func validProposal(taskID string) contract.Proposal {
	return contract.Proposal{
		TaskID: taskID, Project: "demo", Complexity: contract.ComplexityMinor,
		Implementer: "claude-local", LocalReviewer: "claude-local", Judge: "claude-cloud",
		TargetFile: "pkg/foo.go", AcceptanceCriteria: []string{"compiles"},
	}
}

func TestHandleProposalReady_RunsAllStagesToCompletion(t *testing.T) {
	b := newFakeBus()
	s, dir := newTestSupervisor(t, b, noopEnv{})

	payload, _ := json.Marshal(validProposal("task-1"))
	s.handleProposalReady(context.Background(), bus.Message{ID: "m1", Payload: string(payload)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, running := s.pipelines["task-1"]
		s.mu.Unlock()
		if !running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	contractPath := filepath.Join(dir, "task-1", "TASK_CONTRACT.json")
	store := contract.NewStore(contractPath, filepath.Join(dir, "HALT.md"), nil, nil, nil, nil, nil)
	c, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "task-1", c.TaskID)
}

func TestHandleProposalReady_StageFailureMarksContractTimeout(t *testing.T) {
	b := newFakeBus()
	s, dir := newTestSupervisor(t, b, failingEnv{failOn: StageRunImplementer})

	payload, _ := json.Marshal(validProposal("task-fail"))
	s.handleProposalReady(context.Background(), bus.Message{ID: "m1", Payload: string(payload)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, running := s.pipelines["task-fail"]
		s.mu.Unlock()
		if !running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	contractPath := filepath.Join(dir, "task-fail", "TASK_CONTRACT.json")
	store := contract.NewStore(contractPath, filepath.Join(dir, "HALT.md"), nil, nil, nil, nil, nil)
	c, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, contract.StatusTimeoutImplementer, c.Status)
}

func TestHandleProposalReady_RejectsInvalidProposal(t *testing.T) {
	b := newFakeBus()
	s, dir := newTestSupervisor(t, b, noopEnv{})

	p := contract.Proposal{TaskID: "task-2"} // missing required fields
	payload, _ := json.Marshal(p)
	s.handleProposalReady(context.Background(), bus.Message{ID: "m2", Payload: string(payload)})

	data, err := readFileIfExists(filepath.Join(dir, "PROPOSAL_REJECTED.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "task-2")
}

func TestHandleProposalReady_DuplicateTaskIDIgnored(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestSupervisor(t, b, noopEnv{})

	s.mu.Lock()
	s.pipelines["task-3"] = &runningPipeline{taskID: "task-3"}
	s.mu.Unlock()

	payload, _ := json.Marshal(validProposal("task-3"))
	s.handleProposalReady(context.Background(), bus.Message{ID: "m3", Payload: string(payload)})

	s.mu.Lock()
	_, stillOne := s.pipelines["task-3"]
	count := len(s.pipelines)
	s.mu.Unlock()
	assert.True(t, stillOne)
	assert.Equal(t, 1, count)
}

func TestHandleStopTask_MarksContractEscalatedAndNoopsOnSecondCall(t *testing.T) {
	b := newFakeBus()
	s, dir := newTestSupervisor(t, b, noopEnv{})

	contractPath := filepath.Join(dir, "task-4", "TASK_CONTRACT.json")
	store := contract.NewStore(contractPath, filepath.Join(dir, "HALT.md"), nil, nil, nil, nil, nil)
	c := contract.NewContract("task-4", "demo", contract.ComplexityMinor, time.Now().UTC())
	require.NoError(t, store.Save(c))

	rp := &runningPipeline{taskID: "task-4"}
	s.mu.Lock()
	s.pipelines["task-4"] = rp
	s.mu.Unlock()

	payload, _ := json.Marshal(stopTaskPayload{TaskID: "task-4", Reason: "operator requested"})
	s.handleStopTask(context.Background(), bus.Message{ID: "m4", Payload: string(payload)})

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, contract.StatusErikConsultation, reloaded.Status)
	assert.True(t, rp.isCancelled())

	// Second STOP_TASK against the same pipeline is a no-op.
	s.handleStopTask(context.Background(), bus.Message{ID: "m5", Payload: string(payload)})
}

func TestHandleQuestion_AnswersWithFirstOption(t *testing.T) {
	b := newFakeBus()
	s, _ := newTestSupervisor(t, b, noopEnv{})

	payload, _ := json.Marshal(bus.QuestionPayload{Question: "proceed?", Options: []string{"yes", "no"}})
	s.handleQuestion(context.Background(), bus.Message{ID: "q1", From: "worker-1", Payload: string(payload)})

	require.Len(t, b.outbox, 1)
	var ans bus.AnswerPayload
	require.NoError(t, json.Unmarshal([]byte(b.outbox[0].Payload), &ans))
	assert.Equal(t, 0, ans.SelectedOption)
	assert.Equal(t, "q1", ans.QuestionID)
}

func readFileIfExists(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func TestAdaptivePoller_DoublesOnIdleAndResetsOnActivity(t *testing.T) {
	p := NewAdaptivePoller(time.Second, 10*time.Second)
	assert.Equal(t, time.Second, p.NextInterval())
	p.OnIdle()
	assert.Equal(t, 2*time.Second, p.NextInterval())
	p.OnIdle()
	p.OnIdle()
	p.OnIdle()
	assert.Equal(t, 10*time.Second, p.NextInterval()) // capped
	p.OnActivity()
	assert.Equal(t, time.Second, p.NextInterval())
}
