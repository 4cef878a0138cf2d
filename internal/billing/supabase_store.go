package billing

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore is the default billing backend: it writes against the
// project's Supabase-hosted Postgres through its PostgREST API rather than a
// raw SQL connection.
type SupabaseStore struct {
	client *supabase.Client
}

func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase billing store: url and service key are required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase.NewClient: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

type blockVariantUpdate struct {
	DurationMs int64  `json:"duration_ms"`
	CacheRef   string `json:"cache_ref"`
}

type usageLogRow struct {
	UserID      string                 `json:"user_id"`
	UsageType   string                 `json:"usage_type"`
	Amount      int                    `json:"amount"`
	ReferenceID string                 `json:"reference_id"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details"`
}

type userVoiceStatsRow struct {
	UserID          string `json:"user_id"`
	VoiceSlug       string `json:"voice_slug"`
	ModelSlug       string `json:"model_slug"`
	Month           string `json:"month"`
	TotalCharacters int    `json:"total_characters"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	SynthCount      int    `json:"synth_count"`
}

// RecordSynthesis writes the three tables the original billing consumer
// updates per event: the variant's duration/cache ref, a usage-log charge,
// and the month's rolled-up per-voice stats. The three writes are not
// wrapped in a single transaction (PostgREST has no cross-statement
// transaction API) so each is individually retried by the caller on
// failure; a partial write is safe to retry because every write here is
// either idempotent (block_variants update by hash) or additive and
// reference-keyed (usage_log by reference_id upsert).
func (s *SupabaseStore) RecordSynthesis(ctx context.Context, event SynthesisCharge) error {
	var variantResult []blockVariantUpdate
	_, err := s.client.From("block_variants").
		Update(blockVariantUpdate{DurationMs: event.DurationMs, CacheRef: event.CacheRef}, "", "").
		Eq("hash", event.Fingerprint).
		ExecuteTo(&variantResult)
	if err != nil {
		return fmt.Errorf("update block_variants: %w", err)
	}

	usage := usageLogRow{
		UserID:      event.UserID,
		UsageType:   string(event.UsageType),
		Amount:      event.CharactersUsed,
		ReferenceID: event.Fingerprint,
		Description: fmt.Sprintf("TTS synthesis: %d chars (%s)", event.TextLength, event.ModelSlug),
		Details: map[string]interface{}{
			"fingerprint": event.Fingerprint,
			"model_slug":  event.ModelSlug,
			"voice_slug":  event.VoiceSlug,
			"document_id": event.DocumentID,
			"duration_ms": event.DurationMs,
		},
	}
	var usageResult []usageLogRow
	_, err = s.client.From("usage_log").
		Upsert(usage, "reference_id", "", "").
		ExecuteTo(&usageResult)
	if err != nil {
		return fmt.Errorf("upsert usage_log: %w", err)
	}

	monthStart := time.Now().UTC().Format("2006-01") + "-01"
	if err := s.bumpVoiceStats(ctx, event, monthStart); err != nil {
		return fmt.Errorf("bump user_voice_stats: %w", err)
	}

	return nil
}

// bumpVoiceStats rolls the charge into the month's per-voice counters.
// PostgREST upsert replaces a row's columns rather than adding to them, so
// additive counters need a read-modify-write, the same pattern the
// reputation store uses for its balance adjustments over the same API.
func (s *SupabaseStore) bumpVoiceStats(ctx context.Context, event SynthesisCharge, month string) error {
	var existing []userVoiceStatsRow
	_, err := s.client.From("user_voice_stats").
		Select("*", "", false).
		Eq("user_id", event.UserID).
		Eq("voice_slug", event.VoiceSlug).
		Eq("month", month).
		ExecuteTo(&existing)
	if err != nil {
		return fmt.Errorf("select user_voice_stats: %w", err)
	}

	row := userVoiceStatsRow{
		UserID:          event.UserID,
		VoiceSlug:       event.VoiceSlug,
		ModelSlug:       event.ModelSlug,
		Month:           month,
		TotalCharacters: event.CharactersUsed,
		TotalDurationMs: event.DurationMs,
		SynthCount:      1,
	}
	if len(existing) > 0 {
		row.TotalCharacters += existing[0].TotalCharacters
		row.TotalDurationMs += existing[0].TotalDurationMs
		row.SynthCount += existing[0].SynthCount
	}

	var result []userVoiceStatsRow
	_, err = s.client.From("user_voice_stats").
		Upsert(row, "user_id,voice_slug,month", "", "").
		ExecuteTo(&result)
	return err
}

func (s *SupabaseStore) Close() error {
	return nil
}

var _ Store = (*SupabaseStore)(nil)
