package webhooks

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversToMatchingSubscriber(t *testing.T) {
	var received int32
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		gotSignature = r.Header.Get("X-Gateway-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventSynthesisCompleted},
		Secret: "shh",
		UserID: "user-1",
	}))

	d := NewDispatcher(registry, 2)
	defer d.Shutdown()

	d.Emit(EventSynthesisCompleted, "user-1", map[string]interface{}{"fingerprint": "fp-1"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, gotSignature)
}

func TestDispatcher_SkipsSubscribersForOtherUsers(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
	}))
	defer srv.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventSynthesisCompleted},
		UserID: "user-1",
	}))

	d := NewDispatcher(registry, 1)
	defer d.Shutdown()

	d.Emit(EventSynthesisCompleted, "user-2", map[string]interface{}{"fingerprint": "fp-1"})

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&received))
}

func TestDispatcher_MarksFailureOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	registry := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventSynthesisFailed}}
	require.NoError(t, registry.Register(sub))

	d := NewDispatcher(registry, 1)
	defer d.Shutdown()

	d.Emit(EventSynthesisFailed, "", map[string]interface{}{"error": "boom"})

	require.Eventually(t, func() bool {
		return sub.FailCount > 0
	}, time.Second, 10*time.Millisecond)
}
