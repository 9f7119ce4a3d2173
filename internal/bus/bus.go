package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoPendingQuestion is returned by ReplyToWorker when no PENDING
// question matches the given message ID — losing the race to another
// reply or expiry is an acceptable, non-fatal outcome (spec.md §4.2).
var ErrNoPendingQuestion = errors.New("bus: no pending question for message id")

// ErrInvalidMessageType is returned by SendHubMessage for a type outside
// the finite recognized set.
var ErrInvalidMessageType = errors.New("bus: invalid message type")

// Bus is the capability every message-bus backend implements — a
// SQL-backed store and a Redis-backed store, selected at startup per the
// storage-substrate feature-flag design note (spec.md §9, SPEC_FULL.md
// §4.2). Callers never type-switch on the concrete backend.
type Bus interface {
	SendHubMessage(ctx context.Context, from, to string, typ MessageType, payload string) (string, error)
	ReceiveHubMessages(ctx context.Context, to string, since *time.Time) ([]Message, error)

	AskParent(ctx context.Context, runID, subagentID, question string) (string, error)
	ReplyToWorker(ctx context.Context, messageID, answer string) (bool, error)
	CheckAnswer(ctx context.Context, messageID string) (string, bool, error)
	GetPendingQuestions(ctx context.Context, runID string) ([]WorkerQuestion, error)

	RecordHeartbeat(ctx context.Context, agentID, progress string) error
	ExpireOldMessages(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
