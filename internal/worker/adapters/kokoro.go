// Package adapters provides concrete Adapter implementations per model.
// Parameter bundles are intentionally not unified across adapters; each
// adapter reads the knobs it understands out of the opaque params map and
// ignores the rest.
package adapters

import (
	"context"
	"fmt"
	"sync"
)

// pcmBytesPerMs approximates the byte rate of 16-bit mono PCM at 24kHz,
// used by CalculateDurationMs when an adapter doesn't already know the
// duration from its own synthesis call.
const pcmBytesPerMs = 24000 * 2 / 1000

// KokoroSynthesizer is the narrow capability the adapter needs from the
// underlying local inference runtime; production wiring supplies a real
// implementation that talks to the loaded Kokoro model.
type KokoroSynthesizer interface {
	Warm(ctx context.Context) error
	Render(ctx context.Context, text, voice string, speed float64) ([]byte, error)
	RenderChunks(ctx context.Context, text, voice string, speed float64) (<-chan []byte, <-chan error)
}

// Kokoro is a local, stateless CPU adapter. It implements the optional
// streaming interface; the worker runtime does not call Stream and uses
// Synthesize only.
type Kokoro struct {
	synth KokoroSynthesizer

	mu          sync.Mutex
	initialized bool
}

func NewKokoro(synth KokoroSynthesizer) *Kokoro {
	return &Kokoro{synth: synth}
}

func (k *Kokoro) Initialize(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initialized {
		return nil
	}
	if err := k.synth.Warm(ctx); err != nil {
		return fmt.Errorf("kokoro: warm up: %w", err)
	}
	k.initialized = true
	return nil
}

func (k *Kokoro) Synthesize(ctx context.Context, text string, params map[string]any) ([]byte, int64, error) {
	voice, _ := params["voice"].(string)
	speed, _ := params["speed"].(float64)
	if speed == 0 {
		speed = 1.0
	}
	audio, err := k.synth.Render(ctx, text, voice, speed)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: render: %w", err)
	}
	return audio, k.CalculateDurationMs(audio), nil
}

func (k *Kokoro) Stream(ctx context.Context, text string, params map[string]any) (<-chan []byte, <-chan error) {
	voice, _ := params["voice"].(string)
	speed, _ := params["speed"].(float64)
	if speed == 0 {
		speed = 1.0
	}
	return k.synth.RenderChunks(ctx, text, voice, speed)
}

func (k *Kokoro) CalculateDurationMs(audio []byte) int64 {
	if pcmBytesPerMs == 0 {
		return 0
	}
	return int64(len(audio) / pcmBytesPerMs)
}
