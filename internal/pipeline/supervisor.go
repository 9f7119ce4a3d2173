package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/contract"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/sandbox"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
)

const (
	agentID          = "pipeline-supervisor"
	heartbeatEvery   = 30 * time.Second
	stageTimeout     = 10 * time.Minute
	defaultBaseStage = time.Second
)

// Supervisor is the message listener / pipeline supervisor (spec.md
// §4.10): it subscribes to the bus as a named agent, emits heartbeats,
// adaptively polls for messages, and owns the map[task_id]*pipeline
// table exclusively — pipelines talk back only through the bus, never
// through a back-pointer into the supervisor (spec.md §9's cyclic
// reference design note).
type Supervisor struct {
	bus         bus.Bus
	contractDir string
	haltPath    string
	gitRoot     string
	dryRunGit   bool

	gate  *sandbox.Gate
	audit *audit.Log
	halt  *breaker.ComponentBreaker
	tel   *telemetry.Telemetry
	env   WorkerEnvironment
	log   logging.Logger

	poller Poller

	mu        sync.Mutex
	pipelines map[string]*runningPipeline
}

// Option customizes Supervisor construction.
type Option func(*Supervisor)

// WithPoller overrides the default adaptive poller, e.g. with a
// FixedPoller when UAS_ADAPTIVE_POLL is disabled.
func WithPoller(p Poller) Option { return func(s *Supervisor) { s.poller = p } }

// New builds a supervisor. contractDir holds each task's TASK_CONTRACT.json
// (one per task subdirectory), haltPath is the global halt sentinel, and
// env runs pipeline stages as external processes. tel may be nil.
func New(b bus.Bus, contractDir, haltPath, gitRoot string, dryRunGit bool, gate *sandbox.Gate, al *audit.Log, cb *breaker.ComponentBreaker, tel *telemetry.Telemetry, env WorkerEnvironment, log logging.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	s := &Supervisor{
		bus: b, contractDir: contractDir, haltPath: haltPath, gitRoot: gitRoot, dryRunGit: dryRunGit,
		gate: gate, audit: al, halt: cb, tel: tel, env: env,
		log:       log.WithComponent("hub/pipeline"),
		poller:    NewAdaptivePoller(defaultBaseStage, 10*time.Second),
		pipelines: make(map[string]*runningPipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, polling the bus for messages and emitting heartbeats,
// until ctx is cancelled. Handler exceptions (panics recovered, errors
// logged) never crash this loop (spec.md §4.10: "handler exceptions do
// not crash the listener loop").
func (s *Supervisor) Run(ctx context.Context) {
	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()

	var lastSeen time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.emitHeartbeat(ctx)
		default:
		}

		msgs, err := s.bus.ReceiveHubMessages(ctx, agentID, sinceOrNil(lastSeen))
		if err != nil {
			s.log.Error("receive messages failed", logging.Fields{"error": err.Error()})
			s.poller.OnIdle()
		} else if len(msgs) == 0 {
			s.poller.OnIdle()
		} else {
			s.poller.OnActivity()
			for _, m := range msgs {
				s.dispatch(ctx, m)
				if m.Timestamp.After(lastSeen) {
					lastSeen = m.Timestamp
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poller.NextInterval()):
		}
	}
}

func sinceOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// dispatch routes one message to its handler, logging first and
// recovering from panics so one bad message cannot kill the loop.
func (s *Supervisor) dispatch(ctx context.Context, m bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", logging.Fields{"type": string(m.Type), "recover": fmt.Sprintf("%v", r)})
		}
	}()
	s.logAudit(audit.EventMessageReceived, m.From, map[string]interface{}{"type": string(m.Type), "message_id": m.ID})

	switch m.Type {
	case bus.TypeProposalReady:
		s.handleProposalReady(ctx, m)
	case bus.TypeDraftReady:
		s.handleDraftReady(ctx, m)
	case bus.TypeStopTask:
		s.handleStopTask(ctx, m)
	case bus.TypeQuestion:
		s.handleQuestion(ctx, m)
	default:
		s.log.Debug("no handler for message type", logging.Fields{"type": string(m.Type)})
	}
}

func (s *Supervisor) emitHeartbeat(ctx context.Context) {
	if err := s.bus.RecordHeartbeat(ctx, agentID, "listening"); err != nil {
		s.log.Error("heartbeat failed", logging.Fields{"error": err.Error()})
	}
}

func (s *Supervisor) logAudit(eventType audit.EventType, runID string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(eventType, "pipeline", data, runID); err != nil {
		s.log.Error("audit log failed", logging.Fields{"error": err.Error()})
	}
}

// --- PROPOSAL_READY ---------------------------------------------------

func (s *Supervisor) handleProposalReady(ctx context.Context, m bus.Message) {
	var p contract.Proposal
	if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
		s.log.Error("malformed proposal payload", logging.Fields{"error": err.Error()})
		s.writeRejection("(unknown)", "malformed proposal: "+err.Error())
		return
	}

	if err := contract.Validate(p); err != nil {
		s.writeRejection(p.TaskID, err.Error())
		return
	}

	s.mu.Lock()
	if _, exists := s.pipelines[p.TaskID]; exists {
		s.mu.Unlock()
		s.log.Info("duplicate proposal ignored, pipeline already running", logging.Fields{"task_id": p.TaskID})
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	rp := &runningPipeline{taskID: p.TaskID, cancel: cancel}
	s.pipelines[p.TaskID] = rp
	s.mu.Unlock()

	go s.runPipeline(pctx, rp, p)
}

func (s *Supervisor) writeRejection(taskID, reason string) {
	path := filepath.Join(s.contractDir, "PROPOSAL_REJECTED.md")
	body := fmt.Sprintf("# Proposal rejected\n\nTask: %s\n\nReason: %s\n", taskID, reason)
	if err := storage.AtomicWriteFile(path, []byte(body), 0o644); err != nil {
		s.log.Error("write rejection file failed", logging.Fields{"error": err.Error()})
	}
}

func (s *Supervisor) runPipeline(ctx context.Context, rp *runningPipeline, p contract.Proposal) {
	defer func() {
		s.mu.Lock()
		delete(s.pipelines, p.TaskID)
		s.mu.Unlock()
	}()

	taskDir := filepath.Join(s.contractDir, p.TaskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		s.log.Error("create task dir failed", logging.Fields{"task_id": p.TaskID, "error": err.Error()})
		return
	}
	contractPath := filepath.Join(taskDir, "TASK_CONTRACT.json")

	git := contract.NewGitManager(s.gitRoot, s.dryRunGit)
	store := contract.NewStore(contractPath, s.haltPath, git, s.audit, s.halt, s.tel, s.log)

	c := contract.FromProposal(p, time.Now().UTC())
	now := time.Now().UTC()
	if err := contract.AcquireLock(c, p.Implementer, c.Limits.MaxRoleTimeout(), now); err != nil {
		s.log.Error("acquire lock for new task failed", logging.Fields{"task_id": p.TaskID, "error": err.Error()})
		return
	}
	if err := contract.Transition(c, contract.EventLockAcquired, "pipeline started", now); err != nil {
		s.log.Error("initial transition failed", logging.Fields{"task_id": p.TaskID, "error": err.Error()})
		return
	}
	if err := store.Save(c); err != nil {
		s.log.Error("save new contract failed", logging.Fields{"task_id": p.TaskID, "error": err.Error()})
		return
	}

	for _, stage := range Stages {
		if rp.isCancelled() {
			return
		}
		if store.IsGloballyHalted() {
			s.log.Info("global halt active, refusing further stages", logging.Fields{"task_id": p.TaskID})
			return
		}

		stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
		err := s.env.RunStage(stageCtx, p.TaskID, stage)
		cancel()

		if err != nil {
			if rp.isCancelled() {
				return
			}
			s.log.Error("stage failed", logging.Fields{"task_id": p.TaskID, "stage": string(stage), "error": err.Error()})
			s.logAudit(audit.EventPipelineStageFailed, p.TaskID, map[string]interface{}{"stage": string(stage), "error": err.Error()})
			if c, loadErr := store.Load(); loadErr == nil {
				_ = store.ApplyTransition(ctx, c, contract.EventTimeout, "stage "+string(stage)+" failed: "+err.Error(), time.Now().UTC())
			}
			return
		}
	}
}

// --- DRAFT_READY -------------------------------------------------------

type draftReadyPayload struct {
	TaskID string `json:"task_id"`
	Worker string `json:"worker"`
}

func (s *Supervisor) handleDraftReady(ctx context.Context, m bus.Message) {
	var p draftReadyPayload
	if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
		s.log.Error("malformed draft_ready payload", logging.Fields{"error": err.Error()})
		return
	}

	result := s.gate.HandleDraftSubmission(ctx, p.TaskID)
	s.recordDraftHandoff(p.TaskID, result)

	switch result.Decision {
	case sandbox.DecisionAccept:
		if err := s.gate.Apply(p.TaskID); err != nil {
			s.log.Error("apply draft failed", logging.Fields{"task_id": p.TaskID, "error": err.Error()})
			s.send(ctx, p.Worker, bus.TypeDraftRejected, p.TaskID, err.Error())
			return
		}
		s.send(ctx, p.Worker, bus.TypeDraftAccepted, p.TaskID, result.Reason)
	case sandbox.DecisionReject:
		s.send(ctx, p.Worker, bus.TypeDraftRejected, p.TaskID, result.Reason)
	case sandbox.DecisionEscalate:
		s.send(ctx, "supervisor", bus.TypeDraftEscalated, p.TaskID, result.Reason)
	}
}

// recordDraftHandoff stamps the gate's diff summary and the submission's
// exact pre-edit line count into the task's handoff data, so a later
// trigger evaluation (spec.md §4.5 trigger 2) computes the
// destructive-diff ratio exactly instead of reconstructing it from the
// diff text. A no-op when the gate never reached the diff stage.
func (s *Supervisor) recordDraftHandoff(taskID string, result sandbox.Result) {
	if result.DiffSummary == "" {
		return
	}
	contractPath := filepath.Join(s.contractDir, taskID, "TASK_CONTRACT.json")
	git := contract.NewGitManager(s.gitRoot, s.dryRunGit)
	store := contract.NewStore(contractPath, s.haltPath, git, s.audit, s.halt, s.tel, s.log)
	c, err := store.Load()
	if err != nil {
		s.log.Error("load contract for draft handoff failed", logging.Fields{"task_id": taskID, "error": err.Error()})
		return
	}
	c.HandoffData.DiffSummary = result.DiffSummary
	c.HandoffData.CurrentFileLines = result.OriginalLines
	if err := store.Save(c); err != nil {
		s.log.Error("save draft handoff failed", logging.Fields{"task_id": taskID, "error": err.Error()})
	}
}

func (s *Supervisor) send(ctx context.Context, to string, typ bus.MessageType, taskID, reason string) {
	payload, _ := json.Marshal(map[string]string{"task_id": taskID, "reason": reason})
	if _, err := s.bus.SendHubMessage(ctx, agentID, to, typ, string(payload)); err != nil {
		s.log.Error("send message failed", logging.Fields{"type": string(typ), "error": err.Error()})
		return
	}
	s.logAudit(audit.EventMessageSent, taskID, map[string]interface{}{"type": string(typ), "to": to})
}

// --- STOP_TASK ----------------------------------------------------------

type stopTaskPayload struct {
	TaskID       string `json:"task_id,omitempty"`
	ContractPath string `json:"contract_path,omitempty"`
	Broadcast    bool   `json:"broadcast,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (s *Supervisor) handleStopTask(ctx context.Context, m bus.Message) {
	var p stopTaskPayload
	if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
		s.log.Error("malformed stop_task payload", logging.Fields{"error": err.Error()})
		return
	}

	s.mu.Lock()
	var targets []*runningPipeline
	for id, rp := range s.pipelines {
		if p.Broadcast || id == p.TaskID || (p.ContractPath != "" && filepath.Base(filepath.Dir(p.ContractPath)) == id) {
			targets = append(targets, rp)
		}
	}
	s.mu.Unlock()

	reason := p.Reason
	if reason == "" {
		reason = "stop_task requested"
	}
	for _, rp := range targets {
		if !rp.markCancelled() {
			continue // already cancelled: no-op
		}
		s.markEscalated(ctx, rp.taskID, reason)
	}
}

func (s *Supervisor) markEscalated(ctx context.Context, taskID, reason string) {
	contractPath := filepath.Join(s.contractDir, taskID, "TASK_CONTRACT.json")
	git := contract.NewGitManager(s.gitRoot, s.dryRunGit)
	store := contract.NewStore(contractPath, s.haltPath, git, s.audit, s.halt, s.tel, s.log)
	c, err := store.Load()
	if err != nil {
		s.log.Error("load contract for cancellation failed", logging.Fields{"task_id": taskID, "error": err.Error()})
		return
	}
	if c.Status == contract.StatusErikConsultation {
		return
	}
	if err := store.ApplyTransition(ctx, c, contract.EventCircuitBreakerHalt, reason, time.Now().UTC()); err != nil {
		s.log.Error("escalate after stop_task failed", logging.Fields{"task_id": taskID, "error": err.Error()})
	}
	s.logAudit(audit.EventPipelineCancelled, taskID, map[string]interface{}{"reason": reason})
}

// --- QUESTION ------------------------------------------------------------

func (s *Supervisor) handleQuestion(ctx context.Context, m bus.Message) {
	var q bus.QuestionPayload
	if err := json.Unmarshal([]byte(m.Payload), &q); err != nil {
		s.log.Error("malformed question payload", logging.Fields{"error": err.Error()})
		return
	}
	if len(q.Options) == 0 {
		return
	}
	// Default policy: always pick the first option. A smarter policy may
	// consult the router instead (spec.md §4.10).
	selected := 0
	answer, _ := json.Marshal(bus.AnswerPayload{QuestionID: m.ID, SelectedOption: selected})
	if _, err := s.bus.SendHubMessage(ctx, agentID, m.From, bus.TypeAnswer, string(answer)); err != nil {
		s.log.Error("send answer failed", logging.Fields{"error": err.Error()})
		return
	}
	s.logAudit(audit.EventQuestionAnswered, m.From, map[string]interface{}{"question_id": m.ID, "selected_option": selected})
}
