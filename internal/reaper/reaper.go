// Package reaper implements a periodic sweep over each worker's
// processing-entry map that detects a worker that died (or hung)
// mid-synthesis and recovers the job, using the same ProcessingPut /
// ProcessingDelete contract the worker runtime writes to.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

// Reaper scans a fixed set of worker IDs for processing entries that have
// been open longer than Threshold and recovers them.
type Reaper struct {
	Broker       broker.Broker
	WorkerIDs    []string
	Metrics      *metrics.Metrics
	Threshold    time.Duration
	ScanInterval time.Duration
}

func New(br broker.Broker, workerIDs []string, threshold, scanInterval time.Duration) *Reaper {
	return &Reaper{Broker: br, WorkerIDs: workerIDs, Threshold: threshold, ScanInterval: scanInterval}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, workerID := range r.WorkerIDs {
				if err := r.sweep(ctx, workerID); err != nil {
					slog.Error("[Reaper] sweep failed", "worker_id", workerID, "error", err)
				}
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, workerID string) error {
	entries, err := r.Broker.ProcessingScan(ctx, workerID)
	if err != nil {
		return err
	}

	now := time.Now()
	for jobID, raw := range entries {
		var entry models.ProcessingEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			slog.Error("[Reaper] malformed processing entry, dropping", "worker_id", workerID, "job_id", jobID, "error", err)
			_ = r.Broker.ProcessingDelete(ctx, workerID, jobID)
			continue
		}

		age := now.Sub(time.UnixMilli(entry.ProcessingStartedMs))
		if age < r.Threshold {
			continue
		}

		r.recover(ctx, workerID, jobID, entry.Job)
	}
	return nil
}

// recover reclaims a stalled job. It only re-enqueues when the pending
// index still points at this job, which is the signal that a subscriber is
// still waiting on it; if the block was evicted or superseded while the
// worker was stuck, the index entry is already gone or points elsewhere
// and the job is simply dropped.
func (r *Reaper) recover(ctx context.Context, workerID, jobID string, job models.SynthesisJob) {
	indexed, ok, err := r.Broker.PendingIndexGet(ctx, job.UserID, job.DocumentID, job.BlockIdx)
	if err != nil {
		slog.Error("[Reaper] failed to read pending index", "job_id", jobID, "error", err)
		return
	}
	if !ok || indexed != job.ModelSlug+"\x1f"+job.JobID {
		slog.Info("[Reaper] stalled job no longer wanted, dropping", "job_id", jobID, "worker_id", workerID)
		if r.Metrics != nil {
			r.Metrics.RecordReaperDropped(workerID)
		}
		_ = r.Broker.ProcessingDelete(ctx, workerID, jobID)
		return
	}

	if err := r.reacquireLock(ctx, job.Fingerprint); err != nil {
		slog.Error("[Reaper] failed to reacquire singleflight lock", "job_id", jobID, "error", err)
		return
	}

	body, err := json.Marshal(job)
	if err != nil {
		slog.Error("[Reaper] failed to marshal job for recovery", "job_id", jobID, "error", err)
		return
	}
	score := float64(time.Now().UnixNano()) / 1e9
	if err := r.Broker.QueuePush(ctx, job.ModelSlug, job.JobID, body, score); err != nil {
		slog.Error("[Reaper] failed to requeue stalled job", "job_id", jobID, "error", err)
		return
	}

	if err := r.Broker.ProcessingDelete(ctx, workerID, jobID); err != nil {
		slog.Error("[Reaper] failed to clear processing entry after recovery", "job_id", jobID, "error", err)
	}
	if r.Metrics != nil {
		r.Metrics.RecordReaperRecovered(workerID)
	}
	slog.Warn("[Reaper] recovered stalled job", "job_id", jobID, "worker_id", workerID, "fingerprint", job.Fingerprint)
}

// reacquireLock ensures the fingerprint's singleflight entry exists before
// the job goes back on the queue. The original lock's TTL may have expired
// while the worker was stuck, in which case AcquireSingleflight simply
// takes it again; if another caller already holds it there is nothing to
// do, the job will be picked up as a duplicate result and dropped safely
// by the result consumer.
func (r *Reaper) reacquireLock(ctx context.Context, fingerprint string) error {
	_, err := r.Broker.AcquireSingleflight(ctx, fingerprint, singleflightRecoveryTTL)
	return err
}

const singleflightRecoveryTTL = 10 * time.Minute
