// Package queue implements the per-model job queue: a priority index keyed
// by enqueue timestamp, a body map, a singleflight lock per fingerprint, and
// the pending-set bookkeeping that lets eviction run in O(1) per block.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

// Queue is the per-model job queue. A single instance is shared across all
// models since the broker keys are already namespaced by model slug; model
// slug is passed per call rather than baked into the type.
type Queue struct {
	br             broker.Broker
	singleflightTTL time.Duration
}

func New(br broker.Broker, singleflightTTL time.Duration) *Queue {
	return &Queue{br: br, singleflightTTL: singleflightTTL}
}

// EnqueueOutcome distinguishes the two EnqueueOrSubscribe branches
// (Enqueued, SubscribedOnly); CacheHit is reported by the session facade
// when a submission never reaches the queue.
type EnqueueOutcome int

const (
	Enqueued EnqueueOutcome = iota
	SubscribedOnly
	CacheHit
)

// EnqueueOrSubscribe attempts to acquire the singleflight lock for the
// job's fingerprint. On success it inserts the job into the queue and
// registers the subscriber; on failure (another submission is already
// in-flight) it only registers the subscriber and pending entry; the
// caller's job is discarded since an identical one is already running.
func (q *Queue) EnqueueOrSubscribe(ctx context.Context, job models.SynthesisJob, sub models.Subscriber) (EnqueueOutcome, error) {
	acquired, err := q.br.AcquireSingleflight(ctx, job.Fingerprint, q.singleflightTTL)
	if err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: acquire singleflight: %w", err)
	}

	if err := q.br.SubscriberAdd(ctx, job.Fingerprint, sub.Encode()); err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: subscriber add: %w", err)
	}
	if err := q.br.PendingAdd(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx); err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: pending add: %w", err)
	}

	if !acquired {
		return SubscribedOnly, nil
	}

	body, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: marshal job: %w", err)
	}
	score := float64(time.Now().UnixNano()) / 1e9
	if err := q.br.QueuePush(ctx, job.ModelSlug, job.JobID, body, score); err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: queue push: %w", err)
	}
	if err := q.br.PendingIndexPut(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx, encodeIndexValue(job.ModelSlug, job.JobID)); err != nil {
		return 0, fmt.Errorf("enqueue or subscribe: pending index put: %w", err)
	}
	return Enqueued, nil
}

// Claim pops the lowest-scored job off the model's priority index and
// fetches its body. If the body is missing, because the job was evicted
// while still queued, Claim returns (zero-value, false, nil): a no-op, not
// an error.
func (q *Queue) Claim(ctx context.Context, modelSlug string, pollTimeout time.Duration) (models.SynthesisJob, bool, error) {
	jobID, _, err := q.br.QueuePopMin(ctx, modelSlug, pollTimeout)
	if err != nil {
		if broker.IsTimeout(err) {
			return models.SynthesisJob{}, false, nil
		}
		return models.SynthesisJob{}, false, fmt.Errorf("claim: pop min: %w", err)
	}

	body, ok, err := q.br.QueueFetchBody(ctx, modelSlug, jobID)
	if err != nil {
		return models.SynthesisJob{}, false, fmt.Errorf("claim: fetch body: %w", err)
	}
	if !ok {
		return models.SynthesisJob{}, false, nil
	}
	if err := q.br.QueueDeleteBody(ctx, modelSlug, jobID); err != nil {
		return models.SynthesisJob{}, false, fmt.Errorf("claim: delete body: %w", err)
	}

	var job models.SynthesisJob
	if err := json.Unmarshal(body, &job); err != nil {
		return models.SynthesisJob{}, false, fmt.Errorf("claim: unmarshal job %s: %w", jobID, err)
	}
	if err := q.br.PendingIndexDelete(ctx, job.UserID, job.DocumentID, job.BlockIdx); err != nil {
		return models.SynthesisJob{}, false, fmt.Errorf("claim: pending index delete: %w", err)
	}
	return job, true, nil
}

// Evict removes the jobs backing the given (user, document, block) indices
// from their queues. Race-safe against a concurrent Claim: if the body is
// already gone, eviction for that block is a silent no-op and the worker's
// eventual result still reaches subscribers normally.
func (q *Queue) Evict(ctx context.Context, userID, documentID string, blockIndices []int) error {
	for _, idx := range blockIndices {
		raw, ok, err := q.br.PendingIndexGet(ctx, userID, documentID, idx)
		if err != nil {
			return fmt.Errorf("evict: pending index get %s/%s/%d: %w", userID, documentID, idx, err)
		}
		if ok {
			modelSlug, jobID, decodeErr := decodeIndexValue(raw)
			if decodeErr != nil {
				return fmt.Errorf("evict: %w", decodeErr)
			}
			if _, err := q.br.QueueRemoveFromIndex(ctx, modelSlug, jobID); err != nil {
				return fmt.Errorf("evict: remove from index %s: %w", jobID, err)
			}
			if err := q.br.QueueDeleteBody(ctx, modelSlug, jobID); err != nil {
				return fmt.Errorf("evict: delete body %s: %w", jobID, err)
			}
			if err := q.br.PendingIndexDelete(ctx, userID, documentID, idx); err != nil {
				return fmt.Errorf("evict: pending index delete %s/%s/%d: %w", userID, documentID, idx, err)
			}
		}
		if err := q.br.PendingRemove(ctx, userID, documentID, idx); err != nil {
			return fmt.Errorf("evict: pending remove %s/%s/%d: %w", userID, documentID, idx, err)
		}
	}
	return nil
}

func encodeIndexValue(modelSlug, jobID string) string {
	return modelSlug + "\x1f" + jobID
}

func decodeIndexValue(raw string) (modelSlug, jobID string, err error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\x1f' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("decode pending index value %q: missing separator", raw)
}
