// Package overflow implements a scanner that promotes aged queue heads to a
// remote elastic-compute endpoint when local workers fall behind, using the
// same atomic claim primitive as a local worker so no job is ever processed
// twice.
package overflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/circuitbreaker"
	"github.com/yapit-tts/synthesis-gateway/internal/elasticpb"
	"github.com/yapit-tts/synthesis-gateway/internal/metrics"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

// Scanner polls one model's queue head and, if it has aged past the
// threshold, claims and dispatches it to the elastic client.
type Scanner struct {
	Broker    broker.Broker
	ModelSlug string
	Client    *ElasticClient
	WorkerID  models.WorkerID
	Metrics   *metrics.Metrics
	AgeThreshold time.Duration
	ScanInterval time.Duration
}

func New(br broker.Broker, modelSlug string, client *ElasticClient, workerID models.WorkerID, ageThreshold, scanInterval time.Duration) *Scanner {
	return &Scanner{
		Broker:       br,
		ModelSlug:    modelSlug,
		Client:       client,
		WorkerID:     workerID,
		AgeThreshold: ageThreshold,
		ScanInterval: scanInterval,
	}
}

func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				slog.Error("[Overflow] scan tick failed", "model", s.ModelSlug, "error", err)
			}
		}
	}
}

func (s *Scanner) tick(ctx context.Context) error {
	jobID, score, ok, err := s.Broker.QueuePeekHead(ctx, s.ModelSlug)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	age := time.Since(time.Unix(0, int64(score*1e9)))
	if age < s.AgeThreshold {
		return nil
	}

	// Same atomic operation as a local Claim: remove from index and body
	// in one step so a local worker can never pick up the same job.
	removed, err := s.Broker.QueueRemoveFromIndex(ctx, s.ModelSlug, jobID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	body, ok, err := s.Broker.QueueFetchBody(ctx, s.ModelSlug, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.Broker.QueueDeleteBody(ctx, s.ModelSlug, jobID); err != nil {
		return err
	}

	var job models.SynthesisJob
	if err := json.Unmarshal(body, &job); err != nil {
		return err
	}
	if err := s.Broker.PendingIndexDelete(ctx, job.UserID, job.DocumentID, job.BlockIdx); err != nil {
		return err
	}

	s.dispatch(ctx, job)
	return nil
}

func (s *Scanner) dispatch(ctx context.Context, job models.SynthesisJob) {
	start := time.Now()
	result := models.ResultRecord{
		JobID: job.JobID, Fingerprint: job.Fingerprint, UserID: job.UserID,
		DocumentID: job.DocumentID, BlockIdx: job.BlockIdx, ModelSlug: job.ModelSlug,
		VoiceSlug: job.VoiceSlug, TextLength: len(job.Text), WorkerID: s.WorkerID.String(),
	}

	resp, err := s.Client.Synthesize(ctx, &elasticpb.SynthesizeRequest{
		Fingerprint: job.Fingerprint, ModelSlug: job.ModelSlug, VoiceSlug: job.VoiceSlug,
		Text: job.Text, Speed: job.Speed, Codec: job.Codec,
	})
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		// The remote is degraded; drop this attempt. The job has already
		// been removed from the queue, so requeue it to avoid losing it
		// outright. The requeue stamps a fresh timestamp: the job goes
		// behind anything enqueued since, and its age starts over.
		slog.Warn("[Overflow] breaker open, requeuing job locally", "job_id", job.JobID)
		if s.Metrics != nil {
			s.Metrics.RecordOverflowBreakerOpen(s.ModelSlug)
		}
		s.requeue(ctx, job)
		return
	case err != nil:
		result.Error = err.Error()
	case resp.Error != "":
		result.Error = resp.Error
	default:
		result.AudioBase64 = resp.AudioBase64
		result.DurationMs = resp.DurationMs
	}
	if s.Metrics != nil {
		s.Metrics.RecordOverflowDispatch(s.ModelSlug)
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		slog.Error("[Overflow] failed to marshal result", "job_id", job.JobID, "error", err)
		return
	}
	if err := s.Broker.ResultPush(ctx, resultBytes); err != nil {
		slog.Error("[Overflow] failed to push result", "job_id", job.JobID, "error", err)
	}
}

func (s *Scanner) requeue(ctx context.Context, job models.SynthesisJob) {
	body, err := json.Marshal(job)
	if err != nil {
		slog.Error("[Overflow] failed to marshal job for requeue", "job_id", job.JobID, "error", err)
		return
	}
	score := float64(time.Now().UnixNano()) / 1e9
	if err := s.Broker.QueuePush(ctx, job.ModelSlug, job.JobID, body, score); err != nil {
		slog.Error("[Overflow] failed to requeue job", "job_id", job.JobID, "error", err)
		return
	}
	if err := s.Broker.PendingIndexPut(ctx, job.UserID, job.DocumentID, job.BlockIdx, job.ModelSlug+"\x1f"+job.JobID); err != nil {
		slog.Error("[Overflow] failed to restore pending index on requeue", "job_id", job.JobID, "error", err)
	}
}
