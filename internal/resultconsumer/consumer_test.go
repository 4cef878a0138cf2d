package resultconsumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/events"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/webhooks"
)

type fakeCache struct {
	stored map[string][]byte
	err    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{stored: make(map[string][]byte)}
}

func (f *fakeCache) Store(ctx context.Context, fingerprint string, bytes []byte, format string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.stored[fingerprint] = bytes
	return "ref:" + fingerprint, nil
}

func (f *fakeCache) Fetch(ctx context.Context, fingerprint string) ([]byte, error) {
	b, ok := f.stored[fingerprint]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func (f *fakeCache) VacuumIfNeeded(ctx context.Context, bloatThreshold float64) error { return nil }

func setup() (*Consumer, *broker.MemoryBroker, *fakeCache) {
	mb := broker.NewMemoryBroker()
	c := newFakeCache()
	bus := events.NewMemoryBus()
	consumer := New(mb, c, bus, nil, 10*time.Millisecond)
	return consumer, mb, c
}

func seedInflightAndSubscriber(t *testing.T, mb *broker.MemoryBroker, fingerprint string, sub models.Subscriber) {
	t.Helper()
	ctx := context.Background()
	ok, err := mb.AcquireSingleflight(ctx, fingerprint, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mb.SubscriberAdd(ctx, fingerprint, sub.Encode()))
	require.NoError(t, mb.PendingAdd(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx))
}

func TestProcessOne_SuccessStoresAudioAndPushesBilling(t *testing.T) {
	consumer, mb, cache := setup()
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-a", DocumentID: "doc-1", BlockIdx: 0}
	seedInflightAndSubscriber(t, mb, "fp-1", sub)

	ch := broker.Channel(sub.UserID, sub.DocumentID)
	received := make(chan []byte, 1)
	unsub, err := mb.Subscribe(ctx, ch, func(msg []byte) { received <- msg })
	require.NoError(t, err)
	defer unsub()

	audio := []byte("pcmdata")
	result := models.ResultRecord{
		JobID: "job-1", Fingerprint: "fp-1", UserID: "user-a", DocumentID: "doc-1",
		BlockIdx: 0, ModelSlug: "kokoro", VoiceSlug: "af_heart", TextLength: 10,
		AudioBase64: base64.StdEncoding.EncodeToString(audio), DurationMs: 400,
	}

	require.NoError(t, consumer.processOne(ctx, result))

	assert.Equal(t, audio, cache.stored["fp-1"])

	pending, err := mb.PendingList(ctx, "user-a", "doc-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	billingRaw, err := mb.BillingPop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	var event models.BillingEvent
	require.NoError(t, json.Unmarshal(billingRaw, &event))
	assert.Equal(t, "fp-1", event.Fingerprint)
	assert.Equal(t, "ref:fp-1", event.CacheRef)

	select {
	case msg := <-received:
		var status models.StatusMessage
		require.NoError(t, json.Unmarshal(msg, &status))
		assert.Equal(t, models.StatusCached, status.Status)
		assert.Equal(t, "/audio/fp-1", status.AudioURL)
	default:
		t.Fatal("expected a published status message")
	}
}

func TestProcessOne_DuplicateResultIsDropped(t *testing.T) {
	consumer, mb, _ := setup()
	ctx := context.Background()

	// No singleflight lock acquired first, so release finds nothing to
	// release: this is the "already finalized" duplicate path.
	result := models.ResultRecord{JobID: "job-2", Fingerprint: "fp-2", AudioBase64: base64.StdEncoding.EncodeToString([]byte("x"))}
	require.NoError(t, consumer.processOne(ctx, result))

	_, err := mb.BillingPop(ctx, 10*time.Millisecond)
	assert.True(t, broker.IsTimeout(err), "duplicate result must not push a billing event")
}

func TestProcessOne_ErrorNotifiesSubscriberAndClearsPending(t *testing.T) {
	consumer, mb, _ := setup()
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-b", DocumentID: "doc-2", BlockIdx: 3}
	seedInflightAndSubscriber(t, mb, "fp-3", sub)

	ch := broker.Channel(sub.UserID, sub.DocumentID)
	received := make(chan []byte, 1)
	unsub, err := mb.Subscribe(ctx, ch, func(msg []byte) { received <- msg })
	require.NoError(t, err)
	defer unsub()

	result := models.ResultRecord{
		JobID: "job-3", Fingerprint: "fp-3", UserID: "user-b", DocumentID: "doc-2",
		BlockIdx: 3, Error: "model exploded",
	}
	require.NoError(t, consumer.processOne(ctx, result))

	pending, err := mb.PendingList(ctx, "user-b", "doc-2")
	require.NoError(t, err)
	assert.Empty(t, pending, "pending entry clears even on error")

	select {
	case msg := <-received:
		var status models.StatusMessage
		require.NoError(t, json.Unmarshal(msg, &status))
		assert.Equal(t, models.StatusError, status.Status)
		assert.Equal(t, "model exploded", status.Error)
	default:
		t.Fatal("expected an error status message")
	}

	_, err = mb.BillingPop(ctx, 10*time.Millisecond)
	assert.True(t, broker.IsTimeout(err), "no billing event on an error result")
}

func TestProcessOne_SkippedResultNotifiesWithoutBilling(t *testing.T) {
	consumer, mb, _ := setup()
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-c", DocumentID: "doc-3", BlockIdx: 1}
	seedInflightAndSubscriber(t, mb, "fp-4", sub)

	result := models.ResultRecord{JobID: "job-4", Fingerprint: "fp-4", UserID: "user-c", DocumentID: "doc-3", BlockIdx: 1}
	require.NoError(t, consumer.processOne(ctx, result))

	_, err := mb.BillingPop(ctx, 10*time.Millisecond)
	assert.True(t, broker.IsTimeout(err))
}

func TestProcessOne_CacheStoreFailureSurfacesAsError(t *testing.T) {
	consumer, mb, cache := setup()
	cache.err = assert.AnError
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-d", DocumentID: "doc-4", BlockIdx: 0}
	seedInflightAndSubscriber(t, mb, "fp-5", sub)

	ch := broker.Channel(sub.UserID, sub.DocumentID)
	received := make(chan []byte, 1)
	unsub, err := mb.Subscribe(ctx, ch, func(msg []byte) { received <- msg })
	require.NoError(t, err)
	defer unsub()

	result := models.ResultRecord{
		JobID: "job-5", Fingerprint: "fp-5", UserID: "user-d", DocumentID: "doc-4",
		BlockIdx: 0, AudioBase64: base64.StdEncoding.EncodeToString([]byte("x")),
	}
	require.NoError(t, consumer.processOne(ctx, result))

	select {
	case msg := <-received:
		var status models.StatusMessage
		require.NoError(t, json.Unmarshal(msg, &status))
		assert.Equal(t, models.StatusError, status.Status)
	default:
		t.Fatal("expected an error status message when the cache store fails")
	}
}

type fakeWebhookEmitter struct {
	eventType webhooks.EventType
	userID    string
	data      map[string]interface{}
}

func (f *fakeWebhookEmitter) Emit(eventType webhooks.EventType, userID string, data map[string]interface{}) {
	f.eventType = eventType
	f.userID = userID
	f.data = data
}

func (f *fakeWebhookEmitter) Shutdown() {}

func TestProcessOne_EmitsWebhookOnSuccess(t *testing.T) {
	consumer, mb, _ := setup()
	emitter := &fakeWebhookEmitter{}
	consumer.Webhooks = emitter
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-e", DocumentID: "doc-5", BlockIdx: 0}
	seedInflightAndSubscriber(t, mb, "fp-6", sub)

	result := models.ResultRecord{
		JobID: "job-6", Fingerprint: "fp-6", UserID: "user-e", DocumentID: "doc-5",
		BlockIdx: 0, ModelSlug: "kokoro", AudioBase64: base64.StdEncoding.EncodeToString([]byte("x")),
	}
	require.NoError(t, consumer.processOne(ctx, result))

	assert.Equal(t, webhooks.EventSynthesisCompleted, emitter.eventType)
	assert.Equal(t, "user-e", emitter.userID)
	assert.Equal(t, "fp-6", emitter.data["fingerprint"])
}

func TestProcessOne_EmitsWebhookOnError(t *testing.T) {
	consumer, mb, _ := setup()
	emitter := &fakeWebhookEmitter{}
	consumer.Webhooks = emitter
	ctx := context.Background()
	sub := models.Subscriber{UserID: "user-f", DocumentID: "doc-6", BlockIdx: 0}
	seedInflightAndSubscriber(t, mb, "fp-7", sub)

	result := models.ResultRecord{JobID: "job-7", Fingerprint: "fp-7", UserID: "user-f", DocumentID: "doc-6", Error: "boom"}
	require.NoError(t, consumer.processOne(ctx, result))

	assert.Equal(t, webhooks.EventSynthesisFailed, emitter.eventType)
}
