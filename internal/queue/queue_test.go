package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

func newTestQueue() (*Queue, *broker.MemoryBroker) {
	mb := broker.NewMemoryBroker()
	return New(mb, 5*time.Minute), mb
}

func testJob(fingerprint, userID string, blockIdx int) models.SynthesisJob {
	return models.NewSynthesisJob(fingerprint, userID, "doc-1", blockIdx, "kokoro", "af_heart", "hello", 1.0, "pcm", nil)
}

func TestEnqueueOrSubscribe_FirstCallerEnqueues(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	job := testJob("fp-1", "user-a", 0)
	sub := models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0}

	outcome, err := q.EnqueueOrSubscribe(ctx, job, sub)
	require.NoError(t, err)
	assert.Equal(t, Enqueued, outcome)

	claimed, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.JobID, claimed.JobID)
}

func TestEnqueueOrSubscribe_SecondIdenticalSubmissionOnlySubscribes(t *testing.T) {
	q, mb := newTestQueue()
	ctx := context.Background()
	jobA := testJob("fp-shared", "user-a", 0)
	subA := models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0}
	outcome, err := q.EnqueueOrSubscribe(ctx, jobA, subA)
	require.NoError(t, err)
	require.Equal(t, Enqueued, outcome)

	jobB := testJob("fp-shared", "user-b", 3)
	subB := models.Subscriber{UserID: "user-b", DocumentID: "doc-9", BlockIdx: 3}
	outcome, err = q.EnqueueOrSubscribe(ctx, jobB, subB)
	require.NoError(t, err)
	assert.Equal(t, SubscribedOnly, outcome)

	entries, err := mb.SubscriberDrain(ctx, "fp-shared")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "exactly one queue entry but two subscribers")
}

func TestClaim_NoOpWhenBodyEvicted(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	job := testJob("fp-2", "user-a", 5)
	sub := models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 5}
	_, err := q.EnqueueOrSubscribe(ctx, job, sub)
	require.NoError(t, err)

	require.NoError(t, q.Evict(ctx, "user-a", "doc-1", []int{5}))

	_, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "claim should be a no-op once the body is evicted")
}

func TestClaim_StableFIFOSingleReplica(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	job1 := testJob("fp-a", "user-a", 0)
	job2 := testJob("fp-b", "user-a", 1)
	_, err := q.EnqueueOrSubscribe(ctx, job1, models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0})
	require.NoError(t, err)
	_, err = q.EnqueueOrSubscribe(ctx, job2, models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 1})
	require.NoError(t, err)

	first, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, job1.JobID, first.JobID)
	assert.Equal(t, job2.JobID, second.JobID)
}

func TestEvict_NoOpAfterClaim(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	job := testJob("fp-3", "user-a", 2)
	sub := models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 2}
	_, err := q.EnqueueOrSubscribe(ctx, job, sub)
	require.NoError(t, err)

	_, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// Evicting after claim should not error even though the body is gone.
	assert.NoError(t, q.Evict(ctx, "user-a", "doc-1", []int{2}))
}
