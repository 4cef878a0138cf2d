package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVacuumStore struct {
	sizes      map[string]int64
	staleNames []string
	forgotten  []string
}

func newFakeVacuumStore() *fakeVacuumStore {
	return &fakeVacuumStore{sizes: make(map[string]int64)}
}

func (f *fakeVacuumStore) RecordBlob(_ context.Context, fingerprint string, sizeBytes int64) error {
	f.sizes[fingerprint] = sizeBytes
	return nil
}
func (f *fakeVacuumStore) TouchBlob(_ context.Context, _ string) error { return nil }
func (f *fakeVacuumStore) BloatRatio(_ context.Context) (float64, error) {
	if len(f.staleNames) == 0 {
		return 0, nil
	}
	return 1.0, nil
}
func (f *fakeVacuumStore) StaleBlobs(_ context.Context) ([]string, error) { return f.staleNames, nil }
func (f *fakeVacuumStore) ForgetBlob(_ context.Context, fingerprint string) error {
	f.forgotten = append(f.forgotten, fingerprint)
	return nil
}
func (f *fakeVacuumStore) Close() error { return nil }

func TestFSCache_StoreThenFetchReturnsExactBytes(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFSCache(dir, newFakeVacuumStore())
	require.NoError(t, err)

	ctx := context.Background()
	original := []byte("some audio bytes, opaque to the cache")
	ref, err := c.Store(ctx, "abcd1234", original, "pcm")
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", ref)

	fetched, err := c.Fetch(ctx, "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, original, fetched)
}

func TestFSCache_FetchMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFSCache(dir, newFakeVacuumStore())
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "doesnotexist")
	assert.True(t, IsNotFound(err))
}

func TestFSCache_VacuumRemovesStaleBlobsPastThreshold(t *testing.T) {
	dir := t.TempDir()
	vac := newFakeVacuumStore()
	c, err := NewFSCache(dir, vac)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Store(ctx, "feedface", []byte("stale"), "pcm")
	require.NoError(t, err)
	vac.staleNames = []string{"feedface"}

	require.NoError(t, c.VacuumIfNeeded(ctx, 0.1))

	_, err = c.Fetch(ctx, "feedface")
	assert.True(t, IsNotFound(err), "vacuum should have removed the stale blob")
	assert.Contains(t, vac.forgotten, "feedface")
}

func TestFSCache_VacuumNoopBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	vac := newFakeVacuumStore()
	c, err := NewFSCache(dir, vac)
	require.NoError(t, err)

	require.NoError(t, c.VacuumIfNeeded(context.Background(), 0.5))
	assert.Empty(t, vac.forgotten)
}
