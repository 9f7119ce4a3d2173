package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBus(t *testing.T) *FileBus {
	t.Helper()
	b, err := NewFileBus(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return b
}

func TestFileBus_SendAndReceive(t *testing.T) {
	b := newTestFileBus(t)
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

func TestFileBus_SendRejectsInvalidType(t *testing.T) {
	b := newTestFileBus(t)
	_, err := b.SendHubMessage(context.Background(), "a", "b", MessageType("NOT_A_TYPE"), "x")
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestFileBus_AskReplyCheckAnswer(t *testing.T) {
	b := newTestFileBus(t)
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

	// Replying twice loses the race: second call is a no-op.
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

func TestFileBus_ExpireOldMessages(t *testing.T) {
	b := newTestFileBus(t)
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

func TestFileBus_RecordHeartbeat(t *testing.T) {
	b := newTestFileBus(t)
	err := b.RecordHeartbeat(context.Background(), "agent-1", "working")
	require.NoError(t, err)
	// Upsert on the same agent id should not error.
	err = b.RecordHeartbeat(context.Background(), "agent-1", "still working")
	require.NoError(t, err)
}

// TestFileBus_StateSurvivesReopen is the property SQLBus gets for free
// from its embedded database file and FileBus must earn explicitly by
// replaying its NDJSON logs: a fresh FileBus opened over the same
// directory sees the prior process's unread messages and pending
// questions.
func TestFileBus_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileBus(dir, nil, nil)
	require.NoError(t, err)
	_, err = first.SendHubMessage(ctx, "worker-1", "supervisor", TypeDraftReady, "draft-1")
	require.NoError(t, err)
	_, err = first.AskParent(ctx, "run-1", "sub-1", "proceed?")
	require.NoError(t, err)

	second, err := NewFileBus(dir, nil, nil)
	require.NoError(t, err)

	msgs, err := second.ReceiveHubMessages(ctx, "supervisor", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "draft-1", msgs[0].Payload)

	pending, err := second.GetPendingQuestions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
