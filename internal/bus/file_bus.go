package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
)

// fileBusOp enumerates the append-only event kinds FileBus replays on
// load, mirroring the mutations SQLBus expresses as SQL statements.
type fileBusOp string

const (
	opSendMessage    fileBusOp = "send_message"
	opMarkRead       fileBusOp = "mark_read"
	opAskParent      fileBusOp = "ask_parent"
	opReplyToWorker  fileBusOp = "reply_to_worker"
	opRetrieveAnswer fileBusOp = "retrieve_answer"
	opExpireQuestion fileBusOp = "expire_question"
	opHeartbeat      fileBusOp = "heartbeat"
)

// fileBusEvent is one line of the NDJSON event logs FileBus replays at
// startup to rebuild its in-memory tables, the same preload-on-open
// idiom as audit.Log.
type fileBusEvent struct {
	Op        fileBusOp  `json:"op"`
	Message   *Message   `json:"message,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Question  *WorkerQuestion `json:"question,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

// FileBus is a file-backed Bus implementation, a cgo-free alternative to
// SQLBus for AGENT_HUB_DRY_RUN and hosts without a usable sqlite3 driver
// (SPEC_FULL.md §4.1). It stores three append-only NDJSON logs, one per
// SQLBus table, and keeps an in-memory mirror of current state rebuilt
// by replaying those logs on open — the same durability primitive
// audit.Log and the transition trail already use
// (internal/storage.EventLog), generalized here to cover mutation
// (read-flag flips, question status transitions) rather than pure
// append.
type FileBus struct {
	mu sync.Mutex

	messages  map[string]Message
	questions map[string]WorkerQuestion
	heartbeats map[string]Heartbeat

	messageLog  *storage.EventLog
	questionLog *storage.EventLog
	heartbeatLog *storage.EventLog

	breaker *breaker.ComponentBreaker
	log     logging.Logger
}

// NewFileBus opens (or creates) the three NDJSON logs under dir and
// replays them to rebuild current state. cb may be nil in tests.
func NewFileBus(dir string, cb *breaker.ComponentBreaker, log logging.Logger) (*FileBus, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if !storage.DryRun {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bus: create log dir: %w", err)
		}
	}
	msgLog, err := storage.NewEventLog(filepath.Join(dir, "bus_messages.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("bus: open message log: %w", err)
	}
	qLog, err := storage.NewEventLog(filepath.Join(dir, "bus_questions.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("bus: open question log: %w", err)
	}
	hbLog, err := storage.NewEventLog(filepath.Join(dir, "bus_heartbeats.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("bus: open heartbeat log: %w", err)
	}

	b := &FileBus{
		messages:   map[string]Message{},
		questions:  map[string]WorkerQuestion{},
		heartbeats: map[string]Heartbeat{},
		messageLog: msgLog, questionLog: qLog, heartbeatLog: hbLog,
		breaker: cb, log: log.WithComponent("hub/bus"),
	}

	replay := func(line []byte, apply func(fileBusEvent)) error {
		var e fileBusEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil // skip malformed historical lines, don't fail startup
		}
		apply(e)
		return nil
	}
	_ = msgLog.ReadAll(func(line []byte) error {
		return replay(line, b.applyMessageEvent)
	})
	_ = qLog.ReadAll(func(line []byte) error {
		return replay(line, b.applyQuestionEvent)
	})
	_ = hbLog.ReadAll(func(line []byte) error {
		return replay(line, b.applyHeartbeatEvent)
	})
	return b, nil
}

func (b *FileBus) applyMessageEvent(e fileBusEvent) {
	switch e.Op {
	case opSendMessage:
		if e.Message != nil {
			b.messages[e.Message.ID] = *e.Message
		}
	case opMarkRead:
		if m, ok := b.messages[e.MessageID]; ok {
			m.ReadFlag = true
			b.messages[e.MessageID] = m
		}
	}
}

func (b *FileBus) applyQuestionEvent(e fileBusEvent) {
	if e.Question != nil {
		b.questions[e.Question.MessageID] = *e.Question
	}
}

func (b *FileBus) applyHeartbeatEvent(e fileBusEvent) {
	if e.Heartbeat != nil {
		b.heartbeats[e.Heartbeat.AgentID] = *e.Heartbeat
	}
}

func (b *FileBus) recordFailure(err error) error {
	if err != nil && b.breaker != nil {
		b.breaker.RecordFailure("bus")
	} else if b.breaker != nil {
		b.breaker.RecordSuccess("bus")
	}
	return err
}

func (b *FileBus) SendHubMessage(ctx context.Context, from, to string, typ MessageType, payload string) (string, error) {
	if !IsValidType(typ) {
		return "", ErrInvalidMessageType
	}
	m := Message{
		ID: uuid.NewString(), From: from, To: to, Type: typ,
		Payload: payload, Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordFailure(b.messageLog.Append(fileBusEvent{Op: opSendMessage, Message: &m})); err != nil {
		return "", fmt.Errorf("bus: send message: %w", err)
	}
	b.messages[m.ID] = m
	b.log.Debug("message sent", logging.Fields{"id": m.ID, "from": from, "to": to, "type": typ})
	return m.ID, nil
}

// ReceiveHubMessages selects unread messages for to and marks them read.
// FileBus serializes every mutation behind b.mu, so — unlike SQLBus's
// transactional SELECT-then-UPDATE — two concurrent callers can never
// observe the same unread row (spec.md §8 exactly-once property).
func (b *FileBus) ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if m.To != to || m.ReadFlag {
			continue
		}
		if since != nil && m.Timestamp.Before(*since) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	for i := range out {
		if err := b.messageLog.Append(fileBusEvent{Op: opMarkRead, MessageID: out[i].ID}); err != nil {
			b.recordFailure(err)
			return nil, fmt.Errorf("bus: mark read %s: %w", out[i].ID, err)
		}
		out[i].ReadFlag = true
		b.messages[out[i].ID] = out[i]
	}
	b.recordFailure(nil)
	return out, nil
}

func (b *FileBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	now := time.Now().UTC()
	q := WorkerQuestion{
		MessageID: uuid.NewString(), RunID: runID, SubagentID: subagentID,
		Question: question, Status: QuestionPending, CreatedAt: now, UpdatedAt: now,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordFailure(b.questionLog.Append(fileBusEvent{Op: opAskParent, Question: &q})); err != nil {
		return "", fmt.Errorf("bus: ask parent: %w", err)
	}
	b.questions[q.MessageID] = q
	return q.MessageID, nil
}

func (b *FileBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.questions[messageID]
	if !ok || q.Status != QuestionPending {
		return false, nil
	}
	q.Answer = answer
	q.Status = QuestionAnswered
	q.UpdatedAt = time.Now().UTC()
	if err := b.recordFailure(b.questionLog.Append(fileBusEvent{Op: opReplyToWorker, Question: &q})); err != nil {
		return false, fmt.Errorf("bus: reply to worker: %w", err)
	}
	b.questions[messageID] = q
	return true, nil
}

// CheckAnswer transitions an ANSWERED question to RETRIEVED exactly
// once: the in-memory status check and the append happen under the same
// lock, so a second concurrent caller observes QuestionRetrieved and
// backs off, matching SQLBus's WHERE-clause race guard.
func (b *FileBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.questions[messageID]
	if !ok || q.Status != QuestionAnswered {
		return "", false, nil
	}
	answer := q.Answer
	q.Status = QuestionRetrieved
	q.UpdatedAt = time.Now().UTC()
	if err := b.recordFailure(b.questionLog.Append(fileBusEvent{Op: opRetrieveAnswer, Question: &q})); err != nil {
		return "", false, fmt.Errorf("bus: retrieve answer: %w", err)
	}
	b.questions[messageID] = q
	return answer, true, nil
}

func (b *FileBus) GetPendingQuestions(ctx context.Context, runID string) ([]WorkerQuestion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []WorkerQuestion
	for _, q := range b.questions {
		if q.Status != QuestionPending {
			continue
		}
		if runID != "" && q.RunID != runID {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *FileBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	hb := Heartbeat{AgentID: agentID, LastSeen: time.Now().UTC(), Progress: progress}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordFailure(b.heartbeatLog.Append(fileBusEvent{Op: opHeartbeat, Heartbeat: &hb})); err != nil {
		return fmt.Errorf("bus: record heartbeat: %w", err)
	}
	b.heartbeats[agentID] = hb
	return nil
}

func (b *FileBus) ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, q := range b.questions {
		if q.Status != QuestionPending || q.CreatedAt.After(cutoff) {
			continue
		}
		q.Status = QuestionExpired
		q.UpdatedAt = time.Now().UTC()
		if err := b.questionLog.Append(fileBusEvent{Op: opExpireQuestion, Question: &q}); err != nil {
			b.recordFailure(err)
			return n, fmt.Errorf("bus: expire %s: %w", id, err)
		}
		b.questions[id] = q
		n++
	}
	b.recordFailure(nil)
	return n, nil
}

// Close is a no-op: FileBus holds no open file descriptors between
// Append calls (storage.EventLog opens/closes per write, like the
// audit and transition logs).
func (b *FileBus) Close() error {
	return nil
}
