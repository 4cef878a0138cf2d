package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
)

// PremiumHTTPClient calls a hosted third-party voice API over REST. It
// implements PremiumCaller; the API key is supplied once at construction
// and sent as a bearer token on every call.
type PremiumHTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *circuitbreaker.CircuitBreaker
}

func NewPremiumHTTPClient(baseURL, apiKey string, timeout time.Duration) *PremiumHTTPClient {
	return &PremiumHTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// WithBreaker routes every Synthesize call through breaker, so a degraded
// provider trips fast failures instead of stalling every job behind the
// call timeout. Returns c for chaining at construction time.
func (c *PremiumHTTPClient) WithBreaker(breaker *circuitbreaker.CircuitBreaker) *PremiumHTTPClient {
	c.breaker = breaker
	return c
}

type premiumSynthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
	Codec string  `json:"codec"`
}

type premiumSynthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
	DurationMs  int64  `json:"duration_ms"`
}

func (c *PremiumHTTPClient) Synthesize(ctx context.Context, text, voice string, speed float64, codec string) ([]byte, int64, error) {
	if c.breaker == nil {
		return c.doSynthesize(ctx, text, voice, speed, codec)
	}
	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		audio, durationMs, err := c.doSynthesize(ctx, text, voice, speed, codec)
		if err != nil {
			return nil, err
		}
		return premiumResult{audio: audio, durationMs: durationMs}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := result.(premiumResult)
	return r.audio, r.durationMs, nil
}

type premiumResult struct {
	audio      []byte
	durationMs int64
}

func (c *PremiumHTTPClient) doSynthesize(ctx context.Context, text, voice string, speed float64, codec string) ([]byte, int64, error) {
	body, err := json.Marshal(premiumSynthesizeRequest{Text: text, Voice: voice, Speed: speed, Codec: codec})
	if err != nil {
		return nil, 0, fmt.Errorf("premium http client: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("premium http client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("premium http client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("premium http client: unexpected status %d", resp.StatusCode)
	}

	var out premiumSynthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("premium http client: decode response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("premium http client: decode audio: %w", err)
	}
	return audio, out.DurationMs, nil
}
