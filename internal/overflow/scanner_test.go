package overflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/elasticpb"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

type failingSynthesizerClient struct{}

func (failingSynthesizerClient) Synthesize(ctx context.Context, in *elasticpb.SynthesizeRequest, opts ...grpc.CallOption) (*elasticpb.SynthesizeResponse, error) {
	return nil, errors.New("remote unavailable")
}

func enqueueAged(t *testing.T, mb *broker.MemoryBroker, modelSlug string, job models.SynthesisJob, age time.Duration) {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	score := float64(time.Now().Add(-age).UnixNano()) / 1e9
	require.NoError(t, mb.QueuePush(context.Background(), modelSlug, job.JobID, body, score))
	require.NoError(t, mb.PendingIndexPut(context.Background(), job.UserID, job.DocumentID, job.BlockIdx, modelSlug+"\x1f"+job.JobID))
}

func TestTick_SkipsFreshHead(t *testing.T) {
	mb := broker.NewMemoryBroker()
	job := models.NewSynthesisJob("fp-1", "user-a", "doc-1", 0, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	enqueueAged(t, mb, "kokoro", job, 0)

	s := &Scanner{Broker: mb, ModelSlug: "kokoro", AgeThreshold: 10 * time.Second}
	require.NoError(t, s.tick(context.Background()))

	_, _, ok, err := mb.QueuePeekHead(context.Background(), "kokoro")
	require.NoError(t, err)
	assert.True(t, ok, "fresh head must not be claimed")
}

func TestTick_RequeuesWhenBreakerOpen(t *testing.T) {
	mb := broker.NewMemoryBroker()
	job := models.NewSynthesisJob("fp-2", "user-b", "doc-2", 1, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	enqueueAged(t, mb, "kokoro", job, time.Minute)

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "overflow-test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	client := NewElasticClientWithBreaker(failingSynthesizerClient{}, breaker, time.Second)
	// First call trips the breaker; its failure result is irrelevant here,
	// only that the breaker is open before tick() dispatches the aged job.
	_, _ = client.Synthesize(context.Background(), &elasticpb.SynthesizeRequest{})

	s := &Scanner{Broker: mb, ModelSlug: "kokoro", Client: client, AgeThreshold: 10 * time.Second}
	require.NoError(t, s.tick(context.Background()))

	// The breaker-open path requeues the job instead of dropping it or
	// pushing a result, so it must be claimable again.
	jobID, _, ok, err := mb.QueuePeekHead(context.Background(), "kokoro")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.JobID, jobID)

	body, ok, err := mb.QueueFetchBody(context.Background(), "kokoro", jobID)
	require.NoError(t, err)
	require.True(t, ok)
	var requeued models.SynthesisJob
	require.NoError(t, json.Unmarshal(body, &requeued))
	assert.Equal(t, job.Fingerprint, requeued.Fingerprint)

	_, err = mb.ResultPop(context.Background(), 10*time.Millisecond)
	assert.True(t, broker.IsTimeout(err), "breaker-open path must not push a result")
}
