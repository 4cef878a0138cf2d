package adapters

import (
	"context"
	"fmt"
)

// PremiumCaller is the narrow capability the premium adapter needs from a
// hosted third-party voice API. Unlike Kokoro, premium synthesis is
// single-shot: the remote API returns a complete blob, not a chunk stream.
type PremiumCaller interface {
	Synthesize(ctx context.Context, text, voice string, speed float64, codec string) (audio []byte, durationMs int64, err error)
}

// Premium wraps a hosted voice API. It never implements StreamingAdapter;
// the underlying API has no incremental response mode.
type Premium struct {
	caller PremiumCaller
}

func NewPremium(caller PremiumCaller) *Premium {
	return &Premium{caller: caller}
}

func (p *Premium) Initialize(ctx context.Context) error {
	return nil
}

func (p *Premium) Synthesize(ctx context.Context, text string, params map[string]any) ([]byte, int64, error) {
	voice, _ := params["voice"].(string)
	speed, _ := params["speed"].(float64)
	if speed == 0 {
		speed = 1.0
	}
	codec, _ := params["codec"].(string)
	if codec == "" {
		codec = "pcm"
	}

	audio, durationMs, err := p.caller.Synthesize(ctx, text, voice, speed, codec)
	if err != nil {
		return nil, 0, fmt.Errorf("premium: synthesize: %w", err)
	}
	return audio, durationMs, nil
}

func (p *Premium) CalculateDurationMs(audio []byte) int64 {
	return int64(len(audio) / pcmBytesPerMs)
}
