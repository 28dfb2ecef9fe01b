package app

import (
	"context"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitspace/adapters/rng"
	"traitspace/adapters/storage"
	"traitspace/config"
	"traitspace/domain/core"
	"traitspace/domain/traits"
)

func testConfig() *config.Config {
	return &config.Config{
		Imputation: config.ImputationConfig{Ensemble: 3, Sweeps: 4, Donors: 2},
		PCA:        config.PCAConfig{Components: 2},
		Density:    config.DensityConfig{GridSize: 32, Levels: []float64{0.50, 0.95}, AxisA: 0, AxisB: 1},
		Hypervolume: config.HypervolumeConfig{
			Nu: 0.1, SamplesPerPoint: 60, Padding: 1.0, FitPasses: 15,
		},
		Null:       config.NullConfig{Trials: 12, Modes: []string{"column-shuffle"}},
		Extinction: config.ExtinctionConfig{Trials: 6, Probabilities: map[string]float64{"no-risk": 0.1}},
		Storage:    config.StorageConfig{DSN: ":memory:"},
		Seed:       42,
		Workers:    2,
	}
}

func testDataset(n int) ([]traits.TraitRecord, []core.TraitKey) {
	columns := []core.TraitKey{"mass", "length", "wing"}
	r := rand.New(rand.NewSource(3))
	records := make([]traits.TraitRecord, n)
	for i := range records {
		base := r.NormFloat64()
		values := map[core.TraitKey]float64{
			"mass":   base + 0.2*r.NormFloat64(),
			"length": 2*base + 0.2*r.NormFloat64(),
			"wing":   -base + 0.2*r.NormFloat64(),
		}
		records[i] = traits.TraitRecord{
			Species: core.SpeciesID(string(rune('a'+i/26)) + string(rune('a'+i%26))),
			Traits:  values,
			Group:   "g",
			Risk:    traits.RiskNone,
		}
	}
	// One missing cell exercises the imputation chain end to end.
	delete(records[4].Traits, "wing")
	return records, columns
}

func newTestService(t *testing.T, cfg *config.Config) (*PipelineService, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.DiscardHandler)
	return NewPipelineService(cfg, store, rng.NewStreamFactory(), log), store
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig()
	service, _ := newTestService(t, cfg)
	records, columns := testDataset(16)

	result, err := service.Run(context.Background(), records, columns, nil)
	require.NoError(t, err)

	// Consensus space.
	assert.Len(t, result.Consensus.Points, 16)
	assert.Equal(t, 2, result.Consensus.Components)
	assert.Len(t, result.Consensus.Loadings, 3)

	// Observed hypervolume is constructed once, with run metadata attached.
	assert.Greater(t, result.Observed.Volume, 0.0)
	assert.Equal(t, 2, result.Observed.Dimensions)
	assert.Equal(t, 16, result.Observed.Species)
	assert.Equal(t, cfg.Fingerprint(), result.Observed.Fingerprint)

	// Density surface with monotone thresholds.
	require.Len(t, result.Density.Thresholds, 2)
	assert.GreaterOrEqual(t, result.Density.Thresholds[0].Density, result.Density.Thresholds[1].Density)

	// Null battery.
	require.Len(t, result.NullTests, 1)
	test := result.NullTests[0].Test
	assert.Greater(t, test.PValue, 0.0)
	assert.LessOrEqual(t, test.PValue, 1.0)
	assert.Equal(t, 12, test.Trials+result.NullTests[0].Failed)

	// Extinction scenarios: the volume comparison plus one per trait.
	require.NotNil(t, result.Volume)
	assert.Equal(t, "volume", result.Volume.Name)
	assert.Greater(t, result.Volume.Intact, 0.0)
	require.NotNil(t, result.Volume.VsIntact)
	assert.Greater(t, result.Volume.VsIntact.PValue, 0.0)
	assert.LessOrEqual(t, result.Volume.VsIntact.PValue, 1.0)
	require.NotNil(t, result.Volume.RankTest)
	assert.Len(t, result.TraitMeans, 3)

	// Single taxonomic group: a volume but no pairwise overlaps.
	assert.Len(t, result.Groups, 1)
	assert.Empty(t, result.Overlaps)

	// Manifest bookkeeping.
	assert.Equal(t, int64(42), result.Manifest.Seed)
	assert.Equal(t, 3, result.Manifest.EnsembleSize)
	assert.Equal(t, cfg.Fingerprint(), result.Manifest.Fingerprint)
}

func TestRun_ResumesFromCheckpointedTrials(t *testing.T) {
	cfg := testConfig()
	service, store := newTestService(t, cfg)
	records, columns := testDataset(16)
	ctx := context.Background()

	first, err := service.Run(ctx, records, columns, nil)
	require.NoError(t, err)

	done, err := store.CompletedTrials(ctx, cfg.Fingerprint(), "column-shuffle")
	require.NoError(t, err)
	require.Len(t, done, 12, "every null trial should be checkpointed")

	// Second run against the same store resumes: same fingerprint, same
	// trial values, identical test outcome.
	second, err := service.Run(ctx, records, columns, nil)
	require.NoError(t, err)
	assert.Equal(t, first.NullTests[0].Test.PValue, second.NullTests[0].Test.PValue)
	assert.Equal(t, first.Volume.ScenarioMean, second.Volume.ScenarioMean)
	assert.Equal(t, first.Volume.RandomMean, second.Volume.RandomMean)
}

func TestRun_UnknownNullModeFails(t *testing.T) {
	cfg := testConfig()
	cfg.Null.Modes = []string{"bogus"}
	service, _ := newTestService(t, cfg)
	records, columns := testDataset(16)

	_, err := service.Run(context.Background(), records, columns, nil)
	require.ErrorIs(t, err, core.ErrUnknownNullModel)
}

func TestEnsembleMean_AveragesCellwise(t *testing.T) {
	a, err := traits.NewTraitMatrix(
		[]core.SpeciesID{"a", "b"}, []core.TraitKey{"mass"},
		[][]float64{{1}, {3}})
	require.NoError(t, err)
	b, err := traits.NewTraitMatrix(
		[]core.SpeciesID{"a", "b"}, []core.TraitKey{"mass"},
		[][]float64{{3}, {5}})
	require.NoError(t, err)

	mean, err := ensembleMean(&traits.ImputedEnsemble{Members: []*traits.TraitMatrix{a, b}})
	require.NoError(t, err)
	assert.Equal(t, 2.0, mean.Values[0][0])
	assert.Equal(t, 4.0, mean.Values[1][0])
}
