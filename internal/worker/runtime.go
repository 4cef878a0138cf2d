package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
	"github.com/yapit-tts/synthesis-gateway/internal/queue"
)

// Runtime pulls jobs for one model off its queue and drives them through an
// Adapter. MaxParallel bounds how many jobs this runtime processes
// concurrently via a semaphore; stateless adapters can usefully run many
// in parallel; stateful ones should be configured with MaxParallel=1 to
// serialize.
type Runtime struct {
	WorkerID    models.WorkerID
	ModelSlug   string
	Adapter     Adapter
	Queue       *queue.Queue
	Broker      broker.Broker
	Metrics     *metrics.Metrics
	PollTimeout time.Duration
	MaxParallel int

	sem chan struct{}
}

func New(workerID models.WorkerID, modelSlug string, adapter Adapter, q *queue.Queue, br broker.Broker, pollTimeout time.Duration, maxParallel int) *Runtime {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Runtime{
		WorkerID:    workerID,
		ModelSlug:   modelSlug,
		Adapter:     adapter,
		Queue:       q,
		Broker:      br,
		PollTimeout: pollTimeout,
		MaxParallel: maxParallel,
		sem:         make(chan struct{}, maxParallel),
	}
}

// Run loops until ctx is cancelled. Every iteration suspends on exactly one
// blocking broker call (the queue's Claim), per the core's concurrency
// contract.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("worker %s: initialize adapter: %w", r.WorkerID, err)
	}

	workerIDStr := r.WorkerID.String()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, ok, err := r.Queue.Claim(ctx, r.ModelSlug, r.PollTimeout)
		if err != nil {
			slog.Error("[Worker] claim failed", "worker_id", workerIDStr, "model", r.ModelSlug, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if r.Metrics != nil {
			r.Metrics.RecordClaim(r.ModelSlug, workerIDStr)
		}

		r.sem <- struct{}{}
		go func(job models.SynthesisJob) {
			defer func() { <-r.sem }()
			r.processOne(ctx, workerIDStr, job)
		}(job)
	}
}

func (r *Runtime) processOne(ctx context.Context, workerIDStr string, job models.SynthesisJob) {
	start := time.Now()
	entry := models.ProcessingEntry{ProcessingStartedMs: start.UnixMilli(), Job: job}
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		slog.Error("[Worker] failed to marshal processing entry", "job_id", job.JobID, "error", err)
		return
	}
	if err := r.Broker.ProcessingPut(ctx, workerIDStr, job.JobID, entryBytes); err != nil {
		slog.Error("[Worker] failed to write processing entry", "job_id", job.JobID, "error", err)
		return
	}

	result := r.synthesize(ctx, workerIDStr, job, start)
	if r.Metrics != nil {
		r.Metrics.RecordSynthesis(r.ModelSlug, time.Since(start).Seconds(), result.Error != "")
	}

	// Regardless of outcome, the processing entry must be cleared; this is
	// the invariant the reaper depends on to tell "still working" from
	// "crashed".
	if err := r.Broker.ProcessingDelete(ctx, workerIDStr, job.JobID); err != nil {
		slog.Error("[Worker] failed to delete processing entry", "job_id", job.JobID, "error", err)
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		slog.Error("[Worker] failed to marshal result record", "job_id", job.JobID, "error", err)
		return
	}
	if err := r.Broker.ResultPush(ctx, resultBytes); err != nil {
		slog.Error("[Worker] failed to push result", "job_id", job.JobID, "error", err)
	}
}

func (r *Runtime) synthesize(ctx context.Context, workerIDStr string, job models.SynthesisJob, start time.Time) models.ResultRecord {
	base := models.ResultRecord{
		JobID:       job.JobID,
		Fingerprint: job.Fingerprint,
		UserID:      job.UserID,
		DocumentID:  job.DocumentID,
		BlockIdx:    job.BlockIdx,
		ModelSlug:   job.ModelSlug,
		VoiceSlug:   job.VoiceSlug,
		TextLength:  len(job.Text),
		WorkerID:    workerIDStr,
	}

	params := make(map[string]any, len(job.Params)+3)
	for k, v := range job.Params {
		params[k] = v
	}
	params["voice"] = job.VoiceSlug
	params["speed"] = job.Speed
	params["codec"] = job.Codec

	audio, durationMs, err := r.Adapter.Synthesize(ctx, job.Text, params)
	base.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		base.Error = err.Error()
		return base
	}
	if len(audio) == 0 {
		// Skipped: no error, no bytes. Distinguishable from an error result.
		return base
	}

	if durationMs == 0 {
		durationMs = r.Adapter.CalculateDurationMs(audio)
	}
	base.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
	base.DurationMs = durationMs
	return base
}
