package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/kernel/internal/storage"
)

func newTestSQLBus(t *testing.T) *SQLBus {
	t.Helper()
	store, err := storage.OpenSQLStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSQLBus(store, nil, nil)
}

func TestSQLBus_SendAndReceive(t *testing.T) {
	b := newTestSQLBus(t)
	ctx := context.Background()

	id, err := b.SendHubMessage(ctx, "worker-1", "supervisor", TypeProposalReady, "payload-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.ReceiveHubMessages(ctx, "supervisor", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "worker-1", msgs[0].From)
	assert.True(t, msgs[0].ReadFlag)

	// A second receive sees nothing — exactly-once consumption.
	again, err := b.ReceiveHubMessages(ctx, "supervisor", nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSQLBus_SendRejectsInvalidType(t *testing.T) {
	b := newTestSQLBus(t)
	_, err := b.SendHubMessage(context.Background(), "a", "b", MessageType("NOT_A_TYPE"), "x")
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestSQLBus_AskReplyCheckAnswer(t *testing.T) {
	b := newTestSQLBus(t)
	ctx := context.Background()

	msgID, err := b.AskParent(ctx, "run-1", "sub-1", "which branch?")
	require.NoError(t, err)

	pending, err := b.GetPendingQuestions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, QuestionPending, pending[0].Status)

	ok, err := b.ReplyToWorker(ctx, msgID, "main")
	require.NoError(t, err)
	assert.True(t, ok)

	// Replying twice loses the race: second call affects zero rows.
	ok, err = b.ReplyToWorker(ctx, msgID, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	answer, ok, err := b.CheckAnswer(ctx, msgID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "main", answer)

	// A second check finds the question already RETRIEVED.
	_, ok, err = b.CheckAnswer(ctx, msgID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLBus_ExpireOldMessages(t *testing.T) {
	b := newTestSQLBus(t)
	ctx := context.Background()

	_, err := b.AskParent(ctx, "run-1", "sub-1", "stale question")
	require.NoError(t, err)

	n, err := b.ExpireOldMessages(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := b.GetPendingQuestions(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLBus_RecordHeartbeat(t *testing.T) {
	b := newTestSQLBus(t)
	err := b.RecordHeartbeat(context.Background(), "agent-1", "working")
	require.NoError(t, err)
	// Upsert on the same agent id should not error.
	err = b.RecordHeartbeat(context.Background(), "agent-1", "still working")
	require.NoError(t, err)
}
