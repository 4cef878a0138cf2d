package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yapit-tts/synthesis-gateway/internal/broker"
	"github.com/yapit-tts/synthesis-gateway/internal/models"
)

func seedProcessing(t *testing.T, mb *broker.MemoryBroker, workerID string, job models.SynthesisJob, age time.Duration) {
	t.Helper()
	entry := models.ProcessingEntry{ProcessingStartedMs: time.Now().Add(-age).UnixMilli(), Job: job}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, mb.ProcessingPut(context.Background(), workerID, job.JobID, raw))
}

func TestSweep_RecoversStalledJobStillWanted(t *testing.T) {
	mb := broker.NewMemoryBroker()
	job := models.NewSynthesisJob("fp-1", "user-a", "doc-1", 0, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	require.NoError(t, mb.PendingIndexPut(context.Background(), job.UserID, job.DocumentID, job.BlockIdx, job.ModelSlug+"\x1f"+job.JobID))
	seedProcessing(t, mb, "local/kokoro/cpu-0", job, time.Minute)

	r := New(mb, []string{"local/kokoro/cpu-0"}, 30*time.Second, time.Second)
	require.NoError(t, r.sweep(context.Background(), "local/kokoro/cpu-0"))

	jobID, _, ok, err := mb.QueuePeekHead(context.Background(), "kokoro")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, job.JobID, jobID)

	entries, err := mb.ProcessingScan(context.Background(), "local/kokoro/cpu-0")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweep_DropsStalledJobNoLongerWanted(t *testing.T) {
	mb := broker.NewMemoryBroker()
	job := models.NewSynthesisJob("fp-2", "user-b", "doc-2", 3, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	// No pending index entry written: the block was evicted while the
	// worker was stuck.
	seedProcessing(t, mb, "local/kokoro/cpu-0", job, time.Minute)

	r := New(mb, []string{"local/kokoro/cpu-0"}, 30*time.Second, time.Second)
	require.NoError(t, r.sweep(context.Background(), "local/kokoro/cpu-0"))

	_, _, ok, err := mb.QueuePeekHead(context.Background(), "kokoro")
	require.NoError(t, err)
	assert.False(t, ok, "job must not be requeued once nobody wants it")

	entries, err := mb.ProcessingScan(context.Background(), "local/kokoro/cpu-0")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweep_SkipsFreshEntry(t *testing.T) {
	mb := broker.NewMemoryBroker()
	job := models.NewSynthesisJob("fp-3", "user-c", "doc-3", 0, "kokoro", "af_heart", "hi", 1.0, "pcm", nil)
	require.NoError(t, mb.PendingIndexPut(context.Background(), job.UserID, job.DocumentID, job.BlockIdx, job.ModelSlug+"\x1f"+job.JobID))
	seedProcessing(t, mb, "local/kokoro/cpu-0", job, 0)

	r := New(mb, []string{"local/kokoro/cpu-0"}, 30*time.Second, time.Second)
	require.NoError(t, r.sweep(context.Background(), "local/kokoro/cpu-0"))

	entries, err := mb.ProcessingScan(context.Background(), "local/kokoro/cpu-0")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "fresh entry must not be touched")
}
