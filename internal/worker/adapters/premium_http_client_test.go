package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
)

func TestPremiumHTTPClient_Synthesize_Success(t *testing.T) {
	var gotAuth string
	var gotReq premiumSynthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := premiumSynthesizeResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("hosted-audio")),
			DurationMs:  1234,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewPremiumHTTPClient(srv.URL, "api-key-1", time.Second)
	audio, durationMs, err := client.Synthesize(context.Background(), "hello world", "af_heart", 1.2, "pcm")

	require.NoError(t, err)
	assert.Equal(t, []byte("hosted-audio"), audio)
	assert.EqualValues(t, 1234, durationMs)
	assert.Equal(t, "Bearer api-key-1", gotAuth)
	assert.Equal(t, "hello world", gotReq.Text)
	assert.Equal(t, "af_heart", gotReq.Voice)
}

func TestPremiumHTTPClient_Synthesize_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewPremiumHTTPClient(srv.URL, "bad-key", time.Second)
	_, _, err := client.Synthesize(context.Background(), "hello", "af_heart", 1.0, "pcm")
	assert.Error(t, err)
}

func TestPremiumHTTPClient_WithBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "premium-test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	client := NewPremiumHTTPClient(srv.URL, "api-key", time.Second).WithBreaker(breaker)

	for i := 0; i < 2; i++ {
		_, _, err := client.Synthesize(context.Background(), "hello", "af_heart", 1.0, "pcm")
		assert.Error(t, err)
	}

	_, _, err := client.Synthesize(context.Background(), "hello", "af_heart", 1.0, "pcm")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}
