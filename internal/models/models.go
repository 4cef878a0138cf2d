// Package models holds the wire-level records passed between the gateway,
// workers, and the broker. Everything here is serialized to JSON; none of it
// owns any I/O.
package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SynthesisJob is an immutable unit of work for one model-specific queue.
// Its UUID is transport-level identity, distinct from the content fingerprint:
// many jobs across many users may share a fingerprint, but each has its own
// UUID for reaper bookkeeping.
type SynthesisJob struct {
	JobID       string  `json:"job_id"`
	Fingerprint string  `json:"fingerprint"`
	UserID      string  `json:"user_id"`
	DocumentID  string  `json:"document_id"`
	BlockIdx    int     `json:"block_idx"`
	ModelSlug   string  `json:"model_slug"`
	VoiceSlug   string  `json:"voice_slug"`
	Text        string  `json:"text"`
	Speed       float64 `json:"speed"`
	Codec       string  `json:"codec"`
	// Params carries adapter-specific knobs (temperature, reference voice,
	// etc.) opaquely; the core never inspects it.
	Params map[string]any `json:"params,omitempty"`
}

// NewSynthesisJob stamps a fresh job UUID.
func NewSynthesisJob(fingerprint, userID, documentID string, blockIdx int, modelSlug, voiceSlug, text string, speed float64, codec string, params map[string]any) SynthesisJob {
	return SynthesisJob{
		JobID:       uuid.NewString(),
		Fingerprint: fingerprint,
		UserID:      userID,
		DocumentID:  documentID,
		BlockIdx:    blockIdx,
		ModelSlug:   modelSlug,
		VoiceSlug:   voiceSlug,
		Text:        text,
		Speed:       speed,
		Codec:       codec,
		Params:      params,
	}
}

// Subscriber is one live session awaiting a fingerprint's result.
type Subscriber struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
}

// Encode serializes the subscriber into the broker set-member form
// "user_id:document_id:block_idx".
func (s Subscriber) Encode() string {
	return fmt.Sprintf("%s:%s:%d", s.UserID, s.DocumentID, s.BlockIdx)
}

// DecodeSubscriber parses the broker set-member form produced by Encode.
// Malformed entries return an error so the caller can log and skip them
// rather than abort the whole drain.
func DecodeSubscriber(raw string) (Subscriber, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return Subscriber{}, fmt.Errorf("decode subscriber %q: expected 3 colon-separated fields", raw)
	}
	var blockIdx int
	if _, err := fmt.Sscanf(parts[2], "%d", &blockIdx); err != nil {
		return Subscriber{}, fmt.Errorf("decode subscriber %q: bad block index: %w", raw, err)
	}
	return Subscriber{UserID: parts[0], DocumentID: parts[1], BlockIdx: blockIdx}, nil
}

// ProcessingEntry records when a worker claimed a job, so the reaper can
// detect a worker that died mid-synthesis.
type ProcessingEntry struct {
	ProcessingStartedMs int64        `json:"processing_started_ms"`
	Job                 SynthesisJob `json:"job"`
}

// WorkerID identifies a worker instance as (deployment, model, device),
// e.g. "local/kokoro/cpu" or "runpod/kokoro/gpu" for an overflow invocation.
type WorkerID struct {
	Deployment string
	Model      string
	Device     string
}

func (w WorkerID) String() string {
	return fmt.Sprintf("%s/%s/%s", w.Deployment, w.Model, w.Device)
}

// IsOverflow reports whether this worker identity denotes a remote
// elastic-compute invocation rather than a local worker process.
func (w WorkerID) IsOverflow() bool {
	return w.Deployment != "local"
}

func ParseWorkerID(s string) (WorkerID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return WorkerID{}, fmt.Errorf("parse worker id %q: expected deployment/model/device", s)
	}
	return WorkerID{Deployment: parts[0], Model: parts[1], Device: parts[2]}, nil
}

// ResultRecord is what a worker (or the overflow scanner, on a remote
// endpoint's behalf) pushes to the shared result list. Exactly one of
// AudioBase64 or Error is meaningful; both empty means the worker elected to
// skip (e.g. empty input produced no audio), which is distinct from error.
type ResultRecord struct {
	JobID            string `json:"job_id"`
	Fingerprint      string `json:"fingerprint"`
	UserID           string `json:"user_id"`
	DocumentID       string `json:"document_id"`
	BlockIdx         int    `json:"block_idx"`
	ModelSlug        string `json:"model_slug"`
	VoiceSlug        string `json:"voice_slug"`
	TextLength       int    `json:"text_length"`
	WorkerID         string `json:"worker_id"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	AudioBase64      string `json:"audio_base64,omitempty"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (r ResultRecord) IsError() bool {
	return r.Error != ""
}

func (r ResultRecord) IsSkipped() bool {
	return r.Error == "" && r.AudioBase64 == ""
}

// BillingEvent is emitted by the result consumer and drained by the billing
// consumer on its own connection pool. It carries everything the cold path
// needs so it never has to reach back into the hot path's state.
type BillingEvent struct {
	Fingerprint     string  `json:"fingerprint"`
	UserID          string  `json:"user_id"`
	ModelSlug       string  `json:"model_slug"`
	VoiceSlug       string  `json:"voice_slug"`
	TextLength      int     `json:"text_length"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	DurationMs      int64   `json:"duration_ms"`
	DocumentID      string  `json:"document_id"`
	BlockIdx        int     `json:"block_idx"`
	CacheRef        string  `json:"cache_ref"`
}

// StatusMessage is the JSON shape published on a per-(user,document) pub/sub
// channel and ultimately relayed to the browser client.
type StatusMessage struct {
	Type          string `json:"type"` // "status" or "evicted"
	DocumentID    string `json:"document_id"`
	BlockIdx      int    `json:"block_idx,omitempty"`
	BlockIndices  []int  `json:"block_indices,omitempty"`
	Status        string `json:"status,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	Error         string `json:"error,omitempty"`
	ModelSlug     string `json:"model_slug,omitempty"`
	VoiceSlug     string `json:"voice_slug,omitempty"`
}

const (
	StatusQueued  = "queued"
	StatusCached  = "cached"
	StatusSkipped = "skipped"
	StatusEvicted = "evicted"
	StatusError   = "error"
)
