package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
)

// SQLBus is the embedded-SQLite-backed Bus implementation. It is the
// default backend (UAS_SQLITE_BUS=1).
type SQLBus struct {
	store   *storage.SQLStore
	breaker *breaker.ComponentBreaker
	log     logging.Logger
}

// NewSQLBus wraps an already-opened SQLStore. cb may be nil in tests.
func NewSQLBus(store *storage.SQLStore, cb *breaker.ComponentBreaker, log logging.Logger) *SQLBus {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &SQLBus{store: store, breaker: cb, log: log.WithComponent("hub/bus")}
}

func (b *SQLBus) recordFailure(err error) error {
	if err != nil && b.breaker != nil {
		b.breaker.RecordFailure("bus")
	} else if b.breaker != nil {
		b.breaker.RecordSuccess("bus")
	}
	return err
}

func (b *SQLBus) SendHubMessage(ctx context.Context, from, to string, typ MessageType, payload string) (string, error) {
	if !IsValidType(typ) {
		return "", ErrInvalidMessageType
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := b.store.DB().ExecContext(ctx,
		`INSERT INTO hub_messages (id, from_agent, to_agent, type, payload, created_at, read_flag)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, from, to, string(typ), payload, now.Format(time.RFC3339Nano))
	if err := b.recordFailure(err); err != nil {
		return "", fmt.Errorf("bus: send message: %w", err)
	}
	b.log.Debug("message sent", logging.Fields{"id": id, "from": from, "to": to, "type": typ})
	return id, nil
}

// ReceiveHubMessages atomically selects unread messages for to, marks
// them read, and returns them in timestamp order. The select-then-update
// happens inside one immediate transaction so no two callers can ever
// observe and consume the same row (spec.md §8 exactly-once property).
func (b *SQLBus) ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]Message, error) {
	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err := b.recordFailure(err); err != nil {
		return nil, fmt.Errorf("bus: begin receive tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, from_agent, to_agent, type, payload, created_at, read_flag
		FROM hub_messages WHERE to_agent = ? AND read_flag = 0`
	args := []interface{}{to}
	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err := b.recordFailure(err); err != nil {
		return nil, fmt.Errorf("bus: query unread: %w", err)
	}

	var out []Message
	var ids []string
	for rows.Next() {
		var m Message
		var ts string
		var readFlag int
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Type, &m.Payload, &ts, &readFlag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("bus: scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		m.ReadFlag = true
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bus: iterate messages: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE hub_messages SET read_flag = 1 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("bus: mark read %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bus: commit receive: %w", err)
	}
	b.recordFailure(nil)
	return out, nil
}

func (b *SQLBus) AskParent(ctx context.Context, runID, subagentID, question string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.store.DB().ExecContext(ctx,
		`INSERT INTO subagent_messages (message_id, run_id, subagent_id, question, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, runID, subagentID, question, string(QuestionPending), now, now)
	if err := b.recordFailure(err); err != nil {
		return "", fmt.Errorf("bus: ask parent: %w", err)
	}
	return id, nil
}

func (b *SQLBus) ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := b.store.DB().ExecContext(ctx,
		`UPDATE subagent_messages SET answer = ?, status = ?, updated_at = ?
		 WHERE message_id = ? AND status = ?`,
		answer, string(QuestionAnswered), now, messageID, string(QuestionPending))
	if err := b.recordFailure(err); err != nil {
		return false, fmt.Errorf("bus: reply to worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bus: reply rows affected: %w", err)
	}
	return n == 1, nil
}

// CheckAnswer transitions an ANSWERED question to RETRIEVED exactly once:
// the UPDATE's WHERE clause only matches rows still in ANSWERED status,
// so a second concurrent caller's UPDATE affects zero rows.
func (b *SQLBus) CheckAnswer(ctx context.Context, messageID string) (string, bool, error) {
	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err := b.recordFailure(err); err != nil {
		return "", false, fmt.Errorf("bus: begin check answer: %w", err)
	}
	defer tx.Rollback()

	var answer, status string
	err = tx.QueryRowContext(ctx,
		`SELECT answer, status FROM subagent_messages WHERE message_id = ?`, messageID,
	).Scan(&answer, &status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err := b.recordFailure(err); err != nil {
		return "", false, fmt.Errorf("bus: lookup question: %w", err)
	}
	if status != string(QuestionAnswered) {
		return "", false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`UPDATE subagent_messages SET status = ?, updated_at = ? WHERE message_id = ? AND status = ?`,
		string(QuestionRetrieved), now, messageID, string(QuestionAnswered))
	if err != nil {
		return "", false, fmt.Errorf("bus: retrieve answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("bus: retrieve rows affected: %w", err)
	}
	if n != 1 {
		// Another caller won the race; treat as not-yet-answered.
		return "", false, nil
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("bus: commit check answer: %w", err)
	}
	return answer, true, nil
}

func (b *SQLBus) GetPendingQuestions(ctx context.Context, runID string) ([]WorkerQuestion, error) {
	query := `SELECT message_id, run_id, subagent_id, question, answer, status, created_at, updated_at
		FROM subagent_messages WHERE status = ?`
	args := []interface{}{string(QuestionPending)}
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.store.DB().QueryContext(ctx, query, args...)
	if err := b.recordFailure(err); err != nil {
		return nil, fmt.Errorf("bus: query pending questions: %w", err)
	}
	defer rows.Close()

	var out []WorkerQuestion
	for rows.Next() {
		var q WorkerQuestion
		var answer sql.NullString
		var created, updated string
		if err := rows.Scan(&q.MessageID, &q.RunID, &q.SubagentID, &q.Question, &answer, &q.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("bus: scan question: %w", err)
		}
		q.Answer = answer.String
		q.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		q.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (b *SQLBus) RecordHeartbeat(ctx context.Context, agentID, progress string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.store.DB().ExecContext(ctx,
		`INSERT INTO agent_heartbeats (agent_id, last_seen, progress) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen, progress = excluded.progress`,
		agentID, now, progress)
	if err := b.recordFailure(err); err != nil {
		return fmt.Errorf("bus: record heartbeat: %w", err)
	}
	return nil
}

func (b *SQLBus) ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := b.store.DB().ExecContext(ctx,
		`UPDATE subagent_messages SET status = ?, updated_at = ? WHERE status = ? AND created_at < ?`,
		string(QuestionExpired), time.Now().UTC().Format(time.RFC3339Nano), string(QuestionPending), cutoff)
	if err := b.recordFailure(err); err != nil {
		return 0, fmt.Errorf("bus: expire messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bus: expire rows affected: %w", err)
	}
	return int(n), nil
}

func (b *SQLBus) Close() error {
	return b.store.Close()
}
