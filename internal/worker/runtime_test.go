package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
)

type fakeAdapter struct {
	audio      []byte
	durationMs int64
	err        error
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) Synthesize(ctx context.Context, text string, params map[string]any) ([]byte, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.audio, f.durationMs, nil
}
func (f *fakeAdapter) CalculateDurationMs(audio []byte) int64 { return int64(len(audio)) }

func setup(adapter Adapter) (*Runtime, *broker.MemoryBroker, *queue.Queue) {
	mb := broker.NewMemoryBroker()
	q := queue.New(mb, 5*time.Minute)
	wid := models.WorkerID{Deployment: "local", Model: "kokoro", Device: "cpu"}
	rt := New(wid, "kokoro", adapter, q, mb, 20*time.Millisecond, 1)
	return rt, mb, q
}

func TestRuntime_SuccessPushesResultAndClearsProcessingEntry(t *testing.T) {
	adapter := &fakeAdapter{audio: []byte("pcmpcmpcm"), durationMs: 500}
	rt, mb, q := setup(adapter)
	ctx := context.Background()

	job := models.NewSynthesisJob("fp-1", "user-a", "doc-1", 0, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	_, err := q.EnqueueOrSubscribe(ctx, job, models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0})
	require.NoError(t, err)

	claimed, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	rt.processOne(ctx, rt.WorkerID.String(), claimed)

	raw, err := mb.ResultPop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	var result models.ResultRecord
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.IsError())
	assert.False(t, result.IsSkipped())
	decoded, err := base64.StdEncoding.DecodeString(result.AudioBase64)
	require.NoError(t, err)
	assert.Equal(t, adapter.audio, decoded)

	procs, err := mb.ProcessingScan(ctx, rt.WorkerID.String())
	require.NoError(t, err)
	assert.Empty(t, procs, "processing entry must be cleared regardless of outcome")
}

func TestRuntime_ErrorStillClearsProcessingEntry(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("model exploded")}
	rt, mb, q := setup(adapter)
	ctx := context.Background()

	job := models.NewSynthesisJob("fp-2", "user-a", "doc-1", 1, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	_, err := q.EnqueueOrSubscribe(ctx, job, models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 1})
	require.NoError(t, err)
	claimed, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	rt.processOne(ctx, rt.WorkerID.String(), claimed)

	raw, err := mb.ResultPop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	var result models.ResultRecord
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError())
	assert.Equal(t, "model exploded", result.Error)

	procs, err := mb.ProcessingScan(ctx, rt.WorkerID.String())
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestRuntime_EmptyAudioIsSkippedNotError(t *testing.T) {
	adapter := &fakeAdapter{audio: nil}
	rt, mb, q := setup(adapter)
	ctx := context.Background()

	job := models.NewSynthesisJob("fp-3", "user-a", "doc-1", 2, "kokoro", "af_heart", "", 1.0, "pcm", nil)
	_, err := q.EnqueueOrSubscribe(ctx, job, models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 2})
	require.NoError(t, err)
	claimed, ok, err := q.Claim(ctx, "kokoro", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	rt.processOne(ctx, rt.WorkerID.String(), claimed)

	raw, err := mb.ResultPop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	var result models.ResultRecord
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsSkipped())
	assert.False(t, result.IsError())
}
