// Package resultconsumer implements the hot-path loop that finalizes a
// synthesis job: it dedupes via the singleflight release gate, stores audio,
// notifies subscribers, and hands off a billing event. Every step beyond
// the cache write is a small broker operation, so the whole loop body is
// expected to run in a small constant time.
package resultconsumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/cache"
	"github.com/yapit-tts/synthesis-gateway/internal/events"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/webhooks"
)

// UsageMultiplier decides the billing multiplier for a model slug. The
// default implementation categorizes by a "premium" prefix; deployments may
// override it with a richer tariff table.
type UsageMultiplier func(modelSlug string) float64

func DefaultUsageMultiplier(modelSlug string) float64 {
	if len(modelSlug) >= 7 && modelSlug[:7] == "premium" {
		return 2.5
	}
	return 1.0
}

// Consumer drains the shared result list. Multiple replicas may run a
// Consumer concurrently; the singleflight release is what makes
// finalization single-writer across all of them.
type Consumer struct {
	Broker          broker.Broker
	Cache           cache.Cache
	Events          events.Bus
	Metrics         *metrics.Metrics
	Webhooks        webhooks.Emitter
	UsageMultiplier UsageMultiplier
	PollTimeout     time.Duration
}

func New(br broker.Broker, c cache.Cache, bus events.Bus, usage UsageMultiplier, pollTimeout time.Duration) *Consumer {
	if usage == nil {
		usage = DefaultUsageMultiplier
	}
	return &Consumer{Broker: br, Cache: c, Events: bus, UsageMultiplier: usage, PollTimeout: pollTimeout}
}

// Run loops until ctx is cancelled, processing exactly one result record per
// iteration.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := c.Broker.ResultPop(ctx, c.PollTimeout)
		if err != nil {
			if broker.IsTimeout(err) {
				continue
			}
			slog.Error("[ResultConsumer] pop failed", "error", err)
			continue
		}

		var result models.ResultRecord
		if err := json.Unmarshal(raw, &result); err != nil {
			slog.Error("[ResultConsumer] malformed result record, dropping", "error", err)
			continue
		}

		if err := c.processOne(ctx, result); err != nil {
			slog.Error("[ResultConsumer] failed to process result", "job_id", result.JobID, "fingerprint", result.Fingerprint, "error", err)
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, result models.ResultRecord) error {
	existed, err := c.Broker.ReleaseSingleflight(ctx, result.Fingerprint)
	if err != nil {
		return fmt.Errorf("release singleflight: %w", err)
	}
	if !existed {
		// Duplicate result for an already-finalized fingerprint. This is
		// the sole consistency gate guaranteeing exactly-once finalization
		// across replicas; silently drop and move on.
		slog.Debug("[ResultConsumer] duplicate result dropped", "fingerprint", result.Fingerprint, "job_id", result.JobID)
		return nil
	}

	switch {
	case result.IsError():
		return c.finalize(ctx, result, models.StatusError, "", result.Error)
	case result.IsSkipped():
		return c.finalize(ctx, result, models.StatusSkipped, "", "")
	default:
		return c.finalizeSuccess(ctx, result)
	}
}

func (c *Consumer) finalizeSuccess(ctx context.Context, result models.ResultRecord) error {
	audio, err := base64.StdEncoding.DecodeString(result.AudioBase64)
	if err != nil {
		return c.finalize(ctx, result, models.StatusError, "", "internal error decoding audio")
	}

	ref, err := c.Cache.Store(ctx, result.Fingerprint, audio, "pcm")
	if err != nil {
		slog.Error("[ResultConsumer] cache store failed, surfacing as error", "fingerprint", result.Fingerprint, "error", err)
		return c.finalize(ctx, result, models.StatusError, "", "failed to store audio")
	}

	audioURL := "/audio/" + result.Fingerprint
	if err := c.finalize(ctx, result, models.StatusCached, audioURL, ""); err != nil {
		return err
	}

	event := models.BillingEvent{
		Fingerprint:     result.Fingerprint,
		UserID:          result.UserID,
		ModelSlug:       result.ModelSlug,
		VoiceSlug:       result.VoiceSlug,
		TextLength:      result.TextLength,
		UsageMultiplier: c.UsageMultiplier(result.ModelSlug),
		DurationMs:      result.DurationMs,
		DocumentID:      result.DocumentID,
		BlockIdx:        result.BlockIdx,
		CacheRef:        ref,
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal billing event: %w", err)
	}
	if err := c.Broker.BillingPush(ctx, eventBytes); err != nil {
		return fmt.Errorf("billing push: %w", err)
	}
	return nil
}

// finalize publishes status to every subscriber, clears each subscriber's
// pending entry (the block is resolved the moment its outcome is known,
// whether that outcome is audio, a skip, or an error), and drains the
// subscriber set.
func (c *Consumer) finalize(ctx context.Context, result models.ResultRecord, status, audioURL, errMsg string) error {
	entries, err := c.Broker.SubscriberDrain(ctx, result.Fingerprint)
	if err != nil {
		return fmt.Errorf("subscriber drain: %w", err)
	}

	for _, raw := range entries {
		sub, decodeErr := models.DecodeSubscriber(raw)
		if decodeErr != nil {
			slog.Warn("[ResultConsumer] skipping malformed subscriber entry", "raw", raw, "error", decodeErr)
			continue
		}

		msg := models.StatusMessage{
			Type:       "status",
			DocumentID: sub.DocumentID,
			BlockIdx:   sub.BlockIdx,
			Status:     status,
			AudioURL:   audioURL,
			Error:      errMsg,
			ModelSlug:  result.ModelSlug,
			VoiceSlug:  result.VoiceSlug,
		}
		payload, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			slog.Error("[ResultConsumer] failed to marshal status message", "error", marshalErr)
			continue
		}
		if pubErr := c.Broker.Publish(ctx, broker.Channel(sub.UserID, sub.DocumentID), payload); pubErr != nil {
			slog.Error("[ResultConsumer] publish failed", "user_id", sub.UserID, "document_id", sub.DocumentID, "error", pubErr)
		}

		if err := c.Broker.PendingRemove(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx); err != nil {
			slog.Error("[ResultConsumer] pending remove failed", "error", err)
		}
	}

	if c.Metrics != nil {
		c.Metrics.RecordFinalized(status)
	}

	if c.Events != nil {
		eventType := "synthesis.finalized"
		if status == models.StatusError {
			eventType = "synthesis.error"
		}
		c.Events.Emit(ctx, events.Event{
			Type:        eventType,
			Fingerprint: result.Fingerprint,
			Payload: map[string]any{
				"status":     status,
				"model_slug": result.ModelSlug,
				"job_id":     result.JobID,
			},
		})
	}

	if c.Webhooks != nil {
		c.Webhooks.Emit(webhookEventFor(status), result.UserID, map[string]interface{}{
			"fingerprint": result.Fingerprint,
			"document_id": result.DocumentID,
			"block_idx":   result.BlockIdx,
			"model_slug":  result.ModelSlug,
			"voice_slug":  result.VoiceSlug,
			"audio_url":   audioURL,
			"error":       errMsg,
		})
	}

	return nil
}

func webhookEventFor(status string) webhooks.EventType {
	switch status {
	case models.StatusError:
		return webhooks.EventSynthesisFailed
	case models.StatusSkipped:
		return webhooks.EventSynthesisSkipped
	default:
		return webhooks.EventSynthesisCompleted
	}
}
