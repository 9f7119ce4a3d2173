package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
)

// RedisBus implements Bus on top of Redis, selected when UAS_SQLITE_BUS=0
// (SPEC_FULL.md §4.2). FIFO-per-recipient ordering is a sorted set keyed
// by the recipient's agent id, scored by insertion time in nanoseconds;
// the unread->read flip is performed inside a WATCH/MULTI transaction so
// concurrent receivers for the same recipient never double-deliver.
type RedisBus struct {
	client    *redis.Client
	namespace string
	breaker   *breaker.ComponentBreaker
	log       logging.Logger
}

// NewRedisBus connects to redisURL and namespaces all keys under prefix
// (default "agenthub:bus").
func NewRedisBus(redisURL, namespace string, cb *breaker.ComponentBreaker, log logging.Logger) (*RedisBus, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if namespace == "" {
		namespace = "agenthub:bus"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisBus{client: client, namespace: namespace, breaker: cb, log: log.WithComponent("hub/bus")}, nil
}

func (b *RedisBus) recordFailure(err error) error {
	if err != nil && b.breaker != nil {
		b.breaker.RecordFailure("bus")
	} else if b.breaker != nil {
		b.breaker.RecordSuccess("bus")
	}
	return err
}

func (b *RedisBus) inboxKey(to string) string  { return fmt.Sprintf("%s:inbox:%s", b.namespace, to) }
func (b *RedisBus) msgKey(id string) string    { return fmt.Sprintf("%s:msg:%s", b.namespace, id) }
func (b *RedisBus) questionKey(id string) string {
	return fmt.Sprintf("%s:question:%s", b.namespace, id)
}
func (b *RedisBus) runQuestionsKey(runID string) string {
	return fmt.Sprintf("%s:run_questions:%s", b.namespace, runID)
}
func (b *RedisBus) heartbeatKey(agentID string) string {
	return fmt.Sprintf("%s:heartbeat:%s", b.namespace, agentID)
}

func (b *RedisBus) SendHubMessage(ctx context.Context, from, to string, typ MessageType, payload string) (string, error) {
	if !IsValidType(typ) {
		return "", ErrInvalidMessageType
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	msg := Message{ID: id, From: from, To: to, Type: typ, Payload: payload, Timestamp: now}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("bus: marshal message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.msgKey(id), data, 0)
	pipe.ZAdd(ctx, b.inboxKey(to), &redis.Z{Score: float64(now.UnixNano()), Member: id})
	_, err = pipe.Exec(ctx)
	if err := b.recordFailure(err); err != nil {
		return "", fmt.Errorf("bus: send message: %w", err)
	}
	return id, nil
}

func (b *RedisBus) ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]Message, error) {
	inbox := b.inboxKey(to)
	min := "-inf"
	if since != nil {
		min = fmt.Sprintf("%d", since.UnixNano())
	}

	var out []Message
	txf := func(tx *redis.Tx) error {
		ids, err := tx.ZRangeByScore(ctx, inbox, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			out = nil
			return nil
		}
		out = make([]Message, 0, len(ids))
		for _, id := range ids {
			raw, err := tx.Get(ctx, b.msgKey(id)).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			var m Message
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return fmt.Errorf("unmarshal message %s: %w", id, err)
			}
			m.ReadFlag = true
			out = append(out, m)
		}
		_, err = tx.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range ids {
				p.ZRem(ctx, inbox, id)
			}
			return nil
		})
		return err
	}

	err := b.client.Watch(ctx, txf, inbox)
	if err := b.recordFailure(err); err != nil {
		return nil, fmt.Errorf("bus: receive messages: %w", err)
	}
	return out, nil
}

func (b *RedisBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	q := WorkerQuestion{
		MessageID: id, RunID: runID, SubagentID: subagentID, Question: question,
		Status: QuestionPending, CreatedAt: now, UpdatedAt: now,
	}
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("bus: marshal question: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.questionKey(id), data, 0)
	pipe.SAdd(ctx, b.runQuestionsKey(runID), id)
	_, err = pipe.Exec(ctx)
	if err := b.recordFailure(err); err != nil {
		return "", fmt.Errorf("bus: ask parent: %w", err)
	}
	return id, nil
}

func (b *RedisBus) loadQuestion(ctx context.Context, id string) (WorkerQuestion, error) {
	var q WorkerQuestion
	raw, err := b.client.Get(ctx, b.questionKey(id)).Result()
	if err != nil {
		return q, err
	}
	err = json.Unmarshal([]byte(raw), &q)
	return q, err
}

func (b *RedisBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	var replied bool
	txf := func(tx *redis.Tx) error {
		q, err := b.loadQuestionTx(ctx, tx, messageID)
		if err == redis.Nil {
			replied = false
			return nil
		}
		if err != nil {
			return err
		}
		if q.Status != QuestionPending {
			replied = false
			return nil
		}
		q.Status = QuestionAnswered
		q.Answer = answer
		q.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, b.questionKey(messageID), data, 0)
			return nil
		})
		replied = err == nil
		return err
	}
	err := b.client.Watch(ctx, txf, b.questionKey(messageID))
	if err := b.recordFailure(err); err != nil {
		return false, fmt.Errorf("bus: reply to worker: %w", err)
	}
	return replied, nil
}

func (b *RedisBus) loadQuestionTx(ctx context.Context, tx *redis.Tx, id string) (WorkerQuestion, error) {
	var q WorkerQuestion
	raw, err := tx.Get(ctx, b.questionKey(id)).Result()
	if err != nil {
		return q, err
	}
	err = json.Unmarshal([]byte(raw), &q)
	return q, err
}

func (b *RedisBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	var answer string
	var ok bool
	txf := func(tx *redis.Tx) error {
		q, err := b.loadQuestionTx(ctx, tx, messageID)
		if err == redis.Nil {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		if q.Status != QuestionAnswered {
			ok = false
			return nil
		}
		q.Status = QuestionRetrieved
		q.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, b.questionKey(messageID), data, 0)
			return nil
		})
		if err == nil {
			answer = q.Answer
			ok = true
		}
		return err
	}
	err := b.client.Watch(ctx, txf, b.questionKey(messageID))
	if err := b.recordFailure(err); err != nil {
		return "", false, fmt.Errorf("bus: check answer: %w", err)
	}
	return answer, ok, nil
}

func (b *RedisBus) GetPendingQuestions(ctx context.Context, runID string) ([]WorkerQuestion, error) {
	var ids []string
	var err error
	if runID != "" {
		ids, err = b.client.SMembers(ctx, b.runQuestionsKey(runID)).Result()
	} else {
		ids, err = b.client.Keys(ctx, fmt.Sprintf("%s:question:*", b.namespace)).Result()
		for i, k := range ids {
			ids[i] = k[len(b.namespace+":question:"):]
		}
	}
	if err := b.recordFailure(err); err != nil {
		return nil, fmt.Errorf("bus: list pending questions: %w", err)
	}

	var out []WorkerQuestion
	for _, id := range ids {
		q, err := b.loadQuestion(ctx, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bus: load question %s: %w", id, err)
		}
		if q.Status == QuestionPending {
			out = append(out, q)
		}
	}
	return out, nil
}

func (b *RedisBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	hb := Heartbeat{AgentID: agentID, LastSeen: time.Now().UTC(), Progress: progress}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("bus: marshal heartbeat: %w", err)
	}
	err = b.client.Set(ctx, b.heartbeatKey(agentID), data, 0).Err()
	if err := b.recordFailure(err); err != nil {
		return fmt.Errorf("bus: record heartbeat: %w", err)
	}
	return nil
}

func (b *RedisBus) ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := b.client.Keys(ctx, fmt.Sprintf("%s:question:*", b.namespace)).Result()
	if err := b.recordFailure(err); err != nil {
		return 0, fmt.Errorf("bus: list questions for expiry: %w", err)
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	expired := 0
	for _, key := range keys {
		id := key[len(b.namespace+":question:"):]
		q, err := b.loadQuestion(ctx, id)
		if err != nil {
			continue
		}
		if q.Status == QuestionPending && q.CreatedAt.Before(cutoff) {
			q.Status = QuestionExpired
			q.UpdatedAt = time.Now().UTC()
			data, _ := json.Marshal(q)
			if err := b.client.Set(ctx, key, data, 0).Err(); err == nil {
				expired++
			}
		}
	}
	return expired, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
