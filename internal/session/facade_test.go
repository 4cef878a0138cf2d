package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/cache"
	"github.com/yapit-tts/synthesis-gateway/internal/fingerprint"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
	"github.com/yapit-tts/synthesis-gateway/internal/visibility"
)

func newTestFacade(t *testing.T) (*Facade, *broker.MemoryBroker) {
	t.Helper()
	mb := broker.NewMemoryBroker()
	q := queue.New(mb, time.Minute)
	dir := t.TempDir()
	c, err := cache.NewFSCache(dir, nil)
	require.NoError(t, err)
	v := visibility.New(mb, q, visibility.NewTracker(), 8, 16, time.Second)
	return New(q, c, v), mb
}

func TestSynthesize_FirstCallerEnqueues(t *testing.T) {
	f, _ := newTestFacade(t)
	outcome, err := f.Synthesize(context.Background(), SynthesizeRequest{
		UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0,
		ModelSlug: "kokoro", VoiceSlug: "af_heart", Text: "hello world", Speed: 1.0, Codec: "pcm",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.Enqueued, outcome)
}

func TestSynthesize_ReturnsCacheHitWithoutEnqueueing(t *testing.T) {
	f, mb := newTestFacade(t)
	req := SynthesizeRequest{
		UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0,
		ModelSlug: "kokoro", VoiceSlug: "af_heart", Text: "hello world", Speed: 1.0, Codec: "pcm",
	}
	fp := fingerprint.Compute(req.Text, req.ModelSlug, req.VoiceSlug, req.Speed, req.Codec)
	_, err := f.Cache.Store(context.Background(), fp, []byte("already-synthesized"), req.Codec)
	require.NoError(t, err)

	outcome, err := f.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, queue.CacheHit, outcome)

	_, _, ok, err := mb.QueuePeekHead(context.Background(), req.ModelSlug)
	require.NoError(t, err)
	assert.False(t, ok, "a cache hit must never reach the queue")
}

func TestSynthesize_DuplicateCallerOnlySubscribes(t *testing.T) {
	f, _ := newTestFacade(t)
	req := SynthesizeRequest{
		UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0,
		ModelSlug: "kokoro", VoiceSlug: "af_heart", Text: "hello world", Speed: 1.0, Codec: "pcm",
	}
	_, err := f.Synthesize(context.Background(), req)
	require.NoError(t, err)

	req.UserID = "user-b"
	outcome, err := f.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, queue.SubscribedOnly, outcome)
}

func TestFetchAudio_ReturnsNotFoundBeforeStore(t *testing.T) {
	f, _ := newTestFacade(t)
	_, err := f.FetchAudio(context.Background(), "hello world", "kokoro", "af_heart", 1.0, "pcm")
	assert.True(t, cache.IsNotFound(err))
}

func TestFetchAudio_ReturnsStoredBytesByFingerprint(t *testing.T) {
	f, _ := newTestFacade(t)
	fp := fingerprint.Compute("hello world", "kokoro", "af_heart", 1.0, "pcm")
	_, err := f.Cache.Store(context.Background(), fp, []byte("audio-bytes"), "pcm")
	require.NoError(t, err)

	audio, err := f.FetchAudio(context.Background(), "hello world", "kokoro", "af_heart", 1.0, "pcm")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), audio)
}

func TestCursorMoved_ReconcilesImmediately(t *testing.T) {
	f, mb := newTestFacade(t)
	require.NoError(t, mb.PendingAdd(context.Background(), "user-a", "doc-1", 50))
	require.NoError(t, mb.PendingIndexPut(context.Background(), "user-a", "doc-1", 50, "kokoro\x1fjob-50"))

	require.NoError(t, f.CursorMoved(context.Background(), "user-a", "doc-1", 0))

	pending, err := mb.PendingList(context.Background(), "user-a", "doc-1")
	require.NoError(t, err)
	assert.NotContains(t, pending, 50)
}
