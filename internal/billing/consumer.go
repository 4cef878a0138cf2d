package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/deadletter"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

// Consumer drains the billing list on its own pool, retrying each event a
// bounded number of times with backoff before escalating it to the
// dead-letter path rather than holding up the rest of the queue.
type Consumer struct {
	Broker         broker.Broker
	Store          Store
	Escalator      deadletter.Escalator
	Metrics        *metrics.Metrics
	PollTimeout    time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
}

func New(br broker.Broker, store Store, escalator deadletter.Escalator, pollTimeout time.Duration, retryAttempts int, retryBackoff time.Duration) *Consumer {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Consumer{
		Broker:        br,
		Store:         store,
		Escalator:     escalator,
		PollTimeout:   pollTimeout,
		RetryAttempts: retryAttempts,
		RetryBackoff:  retryBackoff,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := c.Broker.BillingPop(ctx, c.PollTimeout)
		if err != nil {
			if broker.IsTimeout(err) {
				continue
			}
			slog.Error("[BillingConsumer] pop failed", "error", err)
			continue
		}

		var event models.BillingEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			slog.Error("[BillingConsumer] malformed billing event, dropping", "error", err)
			continue
		}

		if err := c.processWithRetry(ctx, event, raw); err != nil {
			slog.Error("[BillingConsumer] event permanently failed", "fingerprint", event.Fingerprint, "error", err)
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, event models.BillingEvent, raw []byte) error {
	charge := SynthesisCharge{
		Fingerprint:    event.Fingerprint,
		UserID:         event.UserID,
		ModelSlug:      event.ModelSlug,
		VoiceSlug:      event.VoiceSlug,
		TextLength:     event.TextLength,
		UsageType:      ClassifyUsage(event.ModelSlug),
		CharactersUsed: int(float64(event.TextLength) * event.UsageMultiplier),
		DurationMs:     event.DurationMs,
		DocumentID:     event.DocumentID,
		BlockIdx:       event.BlockIdx,
		CacheRef:       event.CacheRef,
	}

	var lastErr error
	for attempt := 1; attempt <= c.RetryAttempts; attempt++ {
		start := time.Now()
		lastErr = c.Store.RecordSynthesis(ctx, charge)
		if lastErr == nil {
			slog.Debug("[BillingConsumer] recorded synthesis", "fingerprint", event.Fingerprint, "attempt", attempt, "elapsed_ms", time.Since(start).Milliseconds())
			if c.Metrics != nil {
				c.Metrics.RecordBillingProcessed(string(charge.UsageType))
			}
			return nil
		}

		slog.Warn("[BillingConsumer] record failed, retrying", "fingerprint", event.Fingerprint, "attempt", attempt, "error", lastErr)
		if c.Metrics != nil {
			c.Metrics.RecordBillingRetry(string(charge.UsageType))
		}
		if attempt < c.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.RetryBackoff * time.Duration(attempt)):
			}
		}
	}

	if c.Metrics != nil {
		c.Metrics.RecordBillingEscalation(string(charge.UsageType))
	}

	if c.Escalator == nil {
		return fmt.Errorf("exhausted %d attempts, no escalator configured: %w", c.RetryAttempts, lastErr)
	}

	entry := deadletter.Entry{Kind: "billing_event", Reason: lastErr.Error(), Attempts: c.RetryAttempts, Payload: raw}
	if escErr := c.Escalator.Escalate(ctx, entry); escErr != nil {
		return fmt.Errorf("exhausted %d attempts and escalation failed: %w", c.RetryAttempts, escErr)
	}
	return nil
}
