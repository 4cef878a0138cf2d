// Package session implements the four session-facing operations the core
// exposes to a thin HTTP/websocket transport: Synthesize, CursorMoved,
// FetchAudio, and Subscribe. It owns no storage of its own; it wires
// together the queue, cache, and visibility packages the way a browser
// client's requests expect.
package session

import (
	"context"
	"fmt"

	"github.com/yapit-tts/synthesis-gateway/internal/cache"
	"github.com/yapit-tts/synthesis-gateway/internal/fingerprint"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
	"github.com/yapit-tts/synthesis-gateway/internal/visibility"
)

// SynthesizeRequest is what a browser client sends when a block becomes
// visible and has no cached audio yet.
type SynthesizeRequest struct {
	UserID     string
	DocumentID string
	BlockIdx   int
	ModelSlug  string
	VoiceSlug  string
	Text       string
	Speed      float64
	Codec      string
	Params     map[string]any
}

// Facade is the core's session-facing API surface.
type Facade struct {
	Queue      *queue.Queue
	Cache      cache.Cache
	Visibility *visibility.Scanner
	Metrics    *metrics.Metrics
}

func New(q *queue.Queue, c cache.Cache, v *visibility.Scanner) *Facade {
	return &Facade{Queue: q, Cache: c, Visibility: v}
}

// Synthesize computes the request's fingerprint and either enqueues a new
// job or subscribes to an in-flight one. It returns the outcome so the
// transport layer can decide whether to send an immediate "queued"
// acknowledgement or rely on the eventual pub/sub status message alone.
func (f *Facade) Synthesize(ctx context.Context, req SynthesizeRequest) (queue.EnqueueOutcome, error) {
	fp := fingerprint.Compute(req.Text, req.ModelSlug, req.VoiceSlug, req.Speed, req.Codec)

	if _, err := f.Cache.Fetch(ctx, fp); err == nil {
		if f.Metrics != nil {
			f.Metrics.RecordCacheHit()
		}
		return queue.CacheHit, nil
	} else if !cache.IsNotFound(err) {
		return 0, fmt.Errorf("facade: synthesize: cache lookup: %w", err)
	}

	job := models.NewSynthesisJob(fp, req.UserID, req.DocumentID, req.BlockIdx, req.ModelSlug, req.VoiceSlug, req.Text, req.Speed, req.Codec, req.Params)
	sub := models.Subscriber{UserID: req.UserID, DocumentID: req.DocumentID, BlockIdx: req.BlockIdx}

	outcome, err := f.Queue.EnqueueOrSubscribe(ctx, job, sub)
	if err != nil {
		return 0, fmt.Errorf("facade: synthesize: %w", err)
	}
	if f.Metrics != nil {
		if outcome == queue.Enqueued {
			f.Metrics.RecordEnqueue(req.ModelSlug)
		} else {
			f.Metrics.RecordSubscribeOnly(req.ModelSlug)
		}
	}
	return outcome, nil
}

// CursorMoved updates the session's visibility window and reconciles it
// immediately, rather than waiting for the next scan tick.
func (f *Facade) CursorMoved(ctx context.Context, userID, documentID string, cursor int) error {
	if err := f.Visibility.OnCursorMoved(ctx, userID, documentID, cursor); err != nil {
		return fmt.Errorf("facade: cursor moved: %w", err)
	}
	return nil
}

// FetchAudio computes the fingerprint of the (text, model, voice, speed,
// codec) tuple the same way Synthesize does and returns the bytes cached
// under it, or cache.ErrNotFound if nothing has been cached yet. It does
// not accept a precomputed fingerprint; the /audio/{fingerprint} route
// reads the cache by fingerprint directly.
func (f *Facade) FetchAudio(ctx context.Context, text, modelSlug, voiceSlug string, speed float64, codec string) ([]byte, error) {
	fp := fingerprint.Compute(text, modelSlug, voiceSlug, speed, codec)
	audio, err := f.Cache.Fetch(ctx, fp)
	if err != nil {
		if f.Metrics != nil && cache.IsNotFound(err) {
			f.Metrics.RecordCacheMiss()
		}
		return nil, fmt.Errorf("facade: fetch audio: %w", err)
	}
	if f.Metrics != nil {
		f.Metrics.RecordCacheHit()
	}
	return audio, nil
}
