package visibility

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
)

func setup(t *testing.T) (*Scanner, *broker.MemoryBroker, *queue.Queue) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	q := queue.New(mb, time.Minute)
	tracker := NewTracker()
	s := New(mb, q, tracker, 8, 16, time.Hour)
	return s, mb, q
}

func enqueueBlock(t *testing.T, q *queue.Queue, userID, documentID string, blockIdx int) {
	t.Helper()
	job := models.NewSynthesisJob("fp-"+userID+"-"+documentID+"-"+string(rune('a'+blockIdx)), userID, documentID, blockIdx, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	_, err := q.EnqueueOrSubscribe(context.Background(), job, models.Subscriber{UserID: userID, DocumentID: documentID, BlockIdx: blockIdx})
	require.NoError(t, err)
}

func TestOnCursorMoved_EvictsBlocksOutsideWindow(t *testing.T) {
	s, mb, q := setup(t)
	ctx := context.Background()

	enqueueBlock(t, q, "user-a", "doc-1", 0)
	enqueueBlock(t, q, "user-a", "doc-1", 50)

	ch := broker.Channel("user-a", "doc-1")
	received := make(chan []byte, 1)
	unsub, err := mb.Subscribe(ctx, ch, func(msg []byte) { received <- msg })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.OnCursorMoved(ctx, "user-a", "doc-1", 0))

	pending, err := mb.PendingList(ctx, "user-a", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, pending, "block 0 stays within the window, block 50 is evicted")

	select {
	case msg := <-received:
		var status models.StatusMessage
		require.NoError(t, json.Unmarshal(msg, &status))
		assert.Equal(t, "evicted", status.Type)
		assert.Equal(t, []int{50}, status.BlockIndices)
	default:
		t.Fatal("expected an evicted status publish")
	}
}

func TestOnCursorMoved_NoEvictionWhenEverythingInWindow(t *testing.T) {
	s, mb, q := setup(t)
	ctx := context.Background()
	enqueueBlock(t, q, "user-b", "doc-2", 3)

	require.NoError(t, s.OnCursorMoved(ctx, "user-b", "doc-2", 0))

	pending, err := mb.PendingList(ctx, "user-b", "doc-2")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, pending)
}

func TestReconcile_EvictionIsNoOpAfterClaim(t *testing.T) {
	s, mb, q := setup(t)
	ctx := context.Background()
	enqueueBlock(t, q, "user-c", "doc-3", 99)

	claimed, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99, claimed.BlockIdx)

	// Already claimed: the pending-index entry is gone, so eviction only
	// needs to clear the pending set, not touch a (now nonexistent) queue
	// entry.
	require.NoError(t, s.OnCursorMoved(ctx, "user-c", "doc-3", 0))

	pending, err := mb.PendingList(ctx, "user-c", "doc-3")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
