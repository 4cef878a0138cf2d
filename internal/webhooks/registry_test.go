package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_RequiresURLAndEvents(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Subscription{Events: []EventType{EventSynthesisCompleted}})
	assert.Error(t, err)

	err = r.Register(&Subscription{URL: "https://example.com/hook"})
	assert.Error(t, err)
}

func TestRegister_AssignsIDAndActivates(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://example.com/hook", Events: []EventType{EventSynthesisCompleted}}

	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
}

func TestGetSubscribers_FiltersByEventAndActive(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://example.com/a", Events: []EventType{EventSynthesisCompleted}}
	require.NoError(t, r.Register(sub))

	other := &Subscription{URL: "https://example.com/b", Events: []EventType{EventSynthesisFailed}}
	require.NoError(t, r.Register(other))

	got := r.GetSubscribers(EventSynthesisCompleted)
	require.Len(t, got, 1)
	assert.Equal(t, sub.ID, got[0].ID)
}

func TestUnregister_RemovesFromEventIndex(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://example.com/a", Events: []EventType{EventSynthesisCompleted}}
	require.NoError(t, r.Register(sub))

	require.NoError(t, r.Unregister(sub.ID))
	assert.Empty(t, r.GetSubscribers(EventSynthesisCompleted))
	assert.Error(t, r.Unregister(sub.ID))
}

func TestMarkFailed_DisablesAfterTenFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://example.com/a", Events: []EventType{EventSynthesisCompleted}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.True(t, sub.Active)

	r.MarkFailed(sub.ID)
	assert.False(t, sub.Active)
	assert.Empty(t, r.GetSubscribers(EventSynthesisCompleted))
}

func TestSignPayload_IsDeterministic(t *testing.T) {
	sig1 := SignPayload([]byte("payload"), "secret")
	sig2 := SignPayload([]byte("payload"), "secret")
	assert.Equal(t, sig1, sig2)

	sig3 := SignPayload([]byte("payload"), "different")
	assert.NotEqual(t, sig1, sig3)
}
