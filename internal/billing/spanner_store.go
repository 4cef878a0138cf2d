package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
)

// SpannerStore is the alternate billing backend for deployments that keep
// their ledger in Cloud Spanner instead of Supabase. Unlike the REST-backed
// SupabaseStore, every write here is one atomic read-write transaction.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

func NewSpannerStore(project, instance, database string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner.NewClient: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerBilling] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) RecordSynthesis(ctx context.Context, event SynthesisCharge) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		variantMutation := spanner.Update("BlockVariants",
			[]string{"Hash", "DurationMs", "CacheRef"},
			[]interface{}{event.Fingerprint, event.DurationMs, event.CacheRef},
		)

		usageMutation := spanner.Insert("UsageLog",
			[]string{"ReferenceID", "UserID", "UsageType", "Amount", "Description", "CreatedAt"},
			[]interface{}{
				event.Fingerprint, event.UserID, string(event.UsageType), event.CharactersUsed,
				fmt.Sprintf("TTS synthesis: %d chars (%s)", event.TextLength, event.ModelSlug),
				spanner.CommitTimestamp,
			},
		)

		statsMutation, err := s.bumpVoiceStats(ctx, txn, event)
		if err != nil {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{variantMutation, usageMutation, statsMutation})
	})
	if err != nil {
		return fmt.Errorf("spanner transaction: %w", err)
	}
	return nil
}

func (s *SpannerStore) bumpVoiceStats(ctx context.Context, txn *spanner.ReadWriteTransaction, event SynthesisCharge) (*spanner.Mutation, error) {
	month := time.Now().UTC().Format("2006-01") + "-01"
	key := spanner.Key{event.UserID, event.VoiceSlug, month}

	row, err := txn.ReadRow(ctx, "UserVoiceStats", key, []string{"TotalCharacters", "TotalDurationMs", "SynthCount"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return spanner.Insert("UserVoiceStats",
				[]string{"UserID", "VoiceSlug", "ModelSlug", "Month", "TotalCharacters", "TotalDurationMs", "SynthCount"},
				[]interface{}{event.UserID, event.VoiceSlug, event.ModelSlug, month, event.CharactersUsed, event.DurationMs, int64(1)},
			), nil
		}
		return nil, err
	}

	var chars, durationMs, count int64
	if err := row.Columns(&chars, &durationMs, &count); err != nil {
		return nil, err
	}

	return spanner.Update("UserVoiceStats",
		[]string{"UserID", "VoiceSlug", "Month", "TotalCharacters", "TotalDurationMs", "SynthCount"},
		[]interface{}{event.UserID, event.VoiceSlug, month, chars + int64(event.CharactersUsed), durationMs + event.DurationMs, count + 1},
	), nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

var _ Store = (*SpannerStore)(nil)
