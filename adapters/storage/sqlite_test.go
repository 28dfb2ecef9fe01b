package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitspace/domain/core"
	"traitspace/domain/space"
	"traitspace/ports"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveTrial_RoundtripAndUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fp := core.ComputeFingerprint(map[string]string{"k": "v"}, 42)

	rec := ports.TrialRecord{Fingerprint: fp, Model: "column-shuffle", Trial: 3, Value: 1.5}
	require.NoError(t, store.SaveTrial(ctx, rec))

	// Upsert replaces, never duplicates.
	rec.Value = 2.5
	require.NoError(t, store.SaveTrial(ctx, rec))

	done, err := store.CompletedTrials(ctx, fp, "column-shuffle")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 2.5, done[3].Value)
	assert.False(t, done[3].Failed)
}

func TestValues_ExcludesFailedAndKeepsTrialOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fp := core.ComputeFingerprint(map[string]string{"k": "v"}, 42)

	for _, rec := range []ports.TrialRecord{
		{Fingerprint: fp, Model: "extinction/volume", Trial: 2, Value: 0.2},
		{Fingerprint: fp, Model: "extinction/volume", Trial: 0, Value: 0.0},
		{Fingerprint: fp, Model: "extinction/volume", Trial: 1, Failed: true, FailReason: "degenerate trait matrix"},
		{Fingerprint: fp, Model: "other-model", Trial: 0, Value: 99},
	} {
		require.NoError(t, store.SaveTrial(ctx, rec))
	}

	values, failed, err := store.Values(ctx, fp, "extinction/volume")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.0, 0.2}, values)
	assert.Equal(t, 1, failed)
}

func TestCompletedTrials_ScopedByFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fpA := core.ComputeFingerprint(map[string]string{"k": "a"}, 1)
	fpB := core.ComputeFingerprint(map[string]string{"k": "b"}, 1)

	require.NoError(t, store.SaveTrial(ctx, ports.TrialRecord{Fingerprint: fpA, Model: "m", Trial: 0, Value: 1}))

	done, err := store.CompletedTrials(ctx, fpB, "m")
	require.NoError(t, err)
	assert.Empty(t, done, "a different configuration must never see cached trials")
}

func TestSaveManifest_Upserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := space.RunManifest{
		RunID:        core.RunID(core.NewID()),
		Fingerprint:  core.ComputeFingerprint(map[string]string{"k": "v"}, 7),
		Seed:         7,
		EnsembleSize: 25,
		Components:   5,
		NullTrials:   999,
		CreatedAt:    core.Now(),
	}
	require.NoError(t, store.SaveManifest(ctx, m))

	m.FailedTrials = 3
	m.RuntimeMs = 1200
	require.NoError(t, store.SaveManifest(ctx, m))
}

func TestNewSQLiteStore_CreatesFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trials.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	fp := core.ComputeFingerprint(map[string]string{"k": "v"}, 1)
	require.NoError(t, store.SaveTrial(context.Background(), ports.TrialRecord{
		Fingerprint: fp, Model: "m", Trial: 0, Value: 1,
	}))

	values, failed, err := store.Values(context.Background(), fp, "m")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, values)
	assert.Zero(t, failed)
}
