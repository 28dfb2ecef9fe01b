// Package app orchestrates the full analysis: imputation ensemble, consensus
// trait space, observed hypervolume, null-model batteries, extinction
// scenarios and the run manifest. The service owns stage ordering and
// checkpointing; every numerical method lives in its adapter.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"traitspace/adapters/density"
	"traitspace/adapters/extinction"
	"traitspace/adapters/hypervolume"
	"traitspace/adapters/impute"
	"traitspace/adapters/nullmodel"
	"traitspace/adapters/pca"
	"traitspace/adapters/permtest"
	"traitspace/config"
	"traitspace/domain/core"
	"traitspace/domain/space"
	"traitspace/domain/traits"
	"traitspace/ports"
)

// PipelineService runs the pipeline end to end.
type PipelineService struct {
	cfg   *config.Config
	log   *slog.Logger
	store ports.TrialStore
	rng   ports.RNG

	imputer  *impute.Imputer
	analyzer *pca.Analyzer
	surfaces *density.Estimator
	volumes  *hypervolume.Estimator
	nulls    *nullmodel.Generator
	sim      *extinction.Simulator
}

// NewPipelineService wires the stage adapters from the configuration.
func NewPipelineService(cfg *config.Config, store ports.TrialStore, streams ports.RNG, log *slog.Logger) *PipelineService {
	return &PipelineService{
		cfg:   cfg,
		log:   log,
		store: store,
		rng:   streams,
		imputer: impute.New(impute.Config{
			Ensemble: cfg.Imputation.Ensemble,
			Sweeps:   cfg.Imputation.Sweeps,
			Donors:   cfg.Imputation.Donors,
			BaseSeed: cfg.Seed,
		}, streams),
		analyzer: pca.New(pca.Config{Components: cfg.PCA.Components, Workers: cfg.Workers}),
		surfaces: density.New(density.Config{GridSize: cfg.Density.GridSize, Levels: cfg.Density.Levels}),
		volumes: hypervolume.New(hypervolume.Config{
			Gamma:           cfg.Hypervolume.Gamma,
			Nu:              cfg.Hypervolume.Nu,
			SamplesPerPoint: cfg.Hypervolume.SamplesPerPoint,
			Padding:         cfg.Hypervolume.Padding,
			FitPasses:       cfg.Hypervolume.FitPasses,
		}),
		nulls: nullmodel.New(streams, cfg.Seed),
		sim: extinction.New(extinction.Config{
			Trials:        cfg.Extinction.Trials,
			BaseSeed:      cfg.Seed,
			Probabilities: cfg.RiskProbabilities(),
			Workers:       cfg.Workers,
		}, streams),
	}
}

// NullBatteryResult is one null model's permutation test against the observed
// volume.
type NullBatteryResult struct {
	Mode   nullmodel.Mode           `json:"mode"`
	Test   *space.PermutationResult `json:"test"`
	Failed int                      `json:"failed_trials"`
}

// ScenarioComparison compares a statistic's distribution under risk-biased
// removal against the intact value and against matched-count random removal.
type ScenarioComparison struct {
	Name         string                   `json:"name"`
	Intact       float64                  `json:"intact"`
	ScenarioMean float64                  `json:"scenario_mean"`
	RandomMean   float64                  `json:"random_mean"`
	Trials       int                      `json:"trials"`
	Failed       int                      `json:"failed_trials"`
	VsIntact     *space.PermutationResult `json:"vs_intact"`
	RankTest     *permtest.RankTestResult `json:"rank_test"`
}

// GroupOverlap is the pairwise set decomposition of two taxonomic groups'
// hypervolumes.
type GroupOverlap struct {
	GroupA       string  `json:"group_a"`
	GroupB       string  `json:"group_b"`
	Intersection float64 `json:"intersection"`
	Union        float64 `json:"union"`
	Jaccard      float64 `json:"jaccard"`
	Sorensen     float64 `json:"sorensen"`
}

// PipelineResult is everything one run produces.
type PipelineResult struct {
	Manifest   space.RunManifest     `json:"manifest"`
	Consensus  *space.ConsensusSpace `json:"consensus"`
	Observed   *space.ObservedResult `json:"observed"`
	Density    *density.Surface      `json:"density"`
	NullTests  []NullBatteryResult   `json:"null_tests"`
	Volume     *ScenarioComparison   `json:"volume_scenario"`
	TraitMeans []ScenarioComparison  `json:"trait_mean_scenarios"`
	Overlaps   []GroupOverlap        `json:"group_overlaps"`
	Groups     map[string]float64    `json:"group_volumes"`
}

// Run executes the pipeline over the joined dataset. Trial results are
// checkpointed under the run fingerprint as they complete, so re-running the
// same configuration and seed resumes instead of recomputing.
func (s *PipelineService) Run(ctx context.Context, records []traits.TraitRecord, columns []core.TraitKey, aux map[core.SpeciesID][]float64) (*PipelineResult, error) {
	start := time.Now()
	fp := s.cfg.Fingerprint()
	runID := core.RunID(core.NewID())

	s.log.Info("pipeline starting",
		"run_id", runID, "fingerprint", fp, "seed", s.cfg.Seed,
		"species", len(records), "traits", len(columns))

	ensemble, err := s.imputer.Run(ctx, records, columns, aux)
	if err != nil {
		return nil, fmt.Errorf("imputation: %w", err)
	}
	s.log.Info("imputation ensemble complete", "members", ensemble.Size())

	consensus, err := s.analyzer.Consensus(ctx, ensemble)
	if err != nil {
		return nil, fmt.Errorf("consensus space: %w", err)
	}
	s.log.Info("consensus space complete",
		"components", consensus.Components, "var_explained", consensus.VarExplained)

	// The consensus scores become the working matrix for everything
	// downstream. Standardizing once here means extinction subsets keep the
	// full community's scale, so volume loss stays visible.
	consMatrix, err := consensusMatrix(consensus)
	if err != nil {
		return nil, fmt.Errorf("consensus matrix: %w", err)
	}
	stdMatrix, err := consMatrix.Standardize()
	if err != nil {
		return nil, fmt.Errorf("standardize consensus: %w", err)
	}

	observedHV, err := s.volumes.Fit("observed", stdMatrix, s.cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("observed hypervolume: %w", err)
	}
	observed := &space.ObservedResult{
		Volume:      observedHV.Volume,
		Dimensions:  observedHV.Dim,
		Species:     len(stdMatrix.Species),
		Fingerprint: fp,
		ComputedAt:  core.Now(),
	}
	s.log.Info("observed hypervolume complete", "volume", observed.Volume, "dims", observed.Dimensions)

	axes, err := consensus.Axes(s.cfg.Density.AxisA, s.cfg.Density.AxisB)
	if err != nil {
		return nil, fmt.Errorf("density axes: %w", err)
	}
	surface, err := s.surfaces.Estimate(axes)
	if err != nil {
		return nil, fmt.Errorf("density surface: %w", err)
	}

	modes, err := s.nullModes()
	if err != nil {
		return nil, err
	}
	failedTotal := 0
	nullTests := make([]NullBatteryResult, 0, len(modes))
	for _, mode := range modes {
		res, err := s.runNullBattery(ctx, fp, observed, stdMatrix, mode)
		if err != nil {
			return nil, fmt.Errorf("null battery %s: %w", mode, err)
		}
		failedTotal += res.Failed
		nullTests = append(nullTests, *res)
		s.log.Info("null battery complete",
			"mode", mode, "p_value", res.Test.PValue, "effect", res.Test.Effect, "failed", res.Failed)
	}

	risks := riskBySpecies(records)

	volumeCmp, err := s.runScenario(ctx, fp, stdMatrix, risks, "volume",
		func(m *traits.TraitMatrix, seed int64) (float64, error) { return s.volumes.Volume(m, seed) })
	if err != nil {
		return nil, fmt.Errorf("extinction volume scenario: %w", err)
	}
	failedTotal += volumeCmp.Failed

	meanMatrix, err := ensembleMean(ensemble)
	if err != nil {
		return nil, fmt.Errorf("ensemble mean matrix: %w", err)
	}
	traitMeans := make([]ScenarioComparison, 0, len(columns))
	for _, col := range columns {
		cmp, err := s.runScenario(ctx, fp, meanMatrix, risks, "mean/"+col.String(),
			extinction.TraitMeanStatistic(col))
		if err != nil {
			return nil, fmt.Errorf("extinction trait-mean scenario %s: %w", col, err)
		}
		failedTotal += cmp.Failed
		traitMeans = append(traitMeans, *cmp)
	}

	groupVols, overlaps := s.groupOverlaps(records, stdMatrix)

	manifest := space.RunManifest{
		RunID:        runID,
		Fingerprint:  fp,
		Seed:         s.cfg.Seed,
		EnsembleSize: ensemble.Size(),
		Components:   consensus.Components,
		NullTrials:   s.cfg.Null.Trials,
		FailedTrials: failedTotal,
		RuntimeMs:    time.Since(start).Milliseconds(),
		CreatedAt:    core.Now(),
	}
	if err := s.store.SaveManifest(ctx, manifest); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	s.log.Info("pipeline complete",
		"run_id", runID, "runtime_ms", manifest.RuntimeMs, "failed_trials", failedTotal)

	return &PipelineResult{
		Manifest:   manifest,
		Consensus:  consensus,
		Observed:   observed,
		Density:    surface,
		NullTests:  nullTests,
		Volume:     volumeCmp,
		TraitMeans: traitMeans,
		Overlaps:   overlaps,
		Groups:     groupVols,
	}, nil
}

// runNullBattery computes (or resumes) one null model's volume distribution
// and tests the observed volume against it.
func (s *PipelineService) runNullBattery(ctx context.Context, fp core.Fingerprint, observed *space.ObservedResult, m *traits.TraitMatrix, mode nullmodel.Mode) (*NullBatteryResult, error) {
	model := string(mode)
	done, err := s.store.CompletedTrials(ctx, fp, model)
	if err != nil {
		return nil, err
	}
	if len(done) > 0 {
		s.log.Info("resuming null battery from checkpoint", "mode", mode, "completed", len(done))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for t := 0; t < s.cfg.Null.Trials; t++ {
		if _, ok := done[t]; ok {
			continue
		}
		g.Go(func() error {
			rec := ports.TrialRecord{Fingerprint: fp, Model: model, Trial: t}
			v, err := s.nullTrialVolume(gctx, mode, m, t)
			if err != nil {
				// One bad draw is recorded and excluded, never fatal for
				// the whole battery.
				rec.Failed = true
				rec.FailReason = err.Error()
				s.log.Warn("null trial failed", "mode", mode, "trial", t, "error", err)
			} else {
				rec.Value = v
			}
			return s.store.SaveTrial(gctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	values, failed, err := s.store.Values(ctx, fp, model)
	if err != nil {
		return nil, err
	}
	test, err := permtest.Test(observed.Volume, values, space.AltTwoSided)
	if err != nil {
		return nil, err
	}
	return &NullBatteryResult{Mode: mode, Test: test, Failed: failed}, nil
}

func (s *PipelineService) nullTrialVolume(ctx context.Context, mode nullmodel.Mode, m *traits.TraitMatrix, trial int) (float64, error) {
	synth, err := s.nulls.Generate(ctx, mode, m, trial)
	if err != nil {
		return 0, err
	}
	std, err := synth.Standardize()
	if err != nil {
		return 0, err
	}
	return s.volumes.Volume(std, s.cfg.Seed+int64(trial))
}

// runScenario executes (or resumes) one extinction scenario statistic. Each
// trial's risk-biased and matched-random values persist under paired models
// so the two distributions stay attributable to the same fingerprint.
func (s *PipelineService) runScenario(ctx context.Context, fp core.Fingerprint, m *traits.TraitMatrix, risks map[core.SpeciesID]traits.RiskCategory, name string, statFn extinction.Statistic) (*ScenarioComparison, error) {
	scenarioModel := "extinction/" + name
	randomModel := "random/" + name

	done, err := s.store.CompletedTrials(ctx, fp, scenarioModel)
	if err != nil {
		return nil, err
	}
	skip := make(map[int]bool, len(done))
	for t := range done {
		skip[t] = true
	}
	if len(skip) > 0 {
		s.log.Info("resuming extinction scenario from checkpoint", "statistic", name, "completed", len(skip))
	}

	var saveErr error
	_, err = s.sim.Run(ctx, m, risks, statFn, skip, func(out extinction.TrialOutcome) {
		scenarioRec := ports.TrialRecord{Fingerprint: fp, Model: scenarioModel, Trial: out.Trial, Value: out.Scenario}
		randomRec := ports.TrialRecord{Fingerprint: fp, Model: randomModel, Trial: out.Trial, Value: out.Random}
		if out.Err != nil {
			scenarioRec.Failed, scenarioRec.FailReason = true, out.Err.Error()
			randomRec.Failed, randomRec.FailReason = true, out.Err.Error()
			s.log.Warn("extinction trial failed", "statistic", name, "trial", out.Trial, "error", out.Err)
		}
		if err := s.store.SaveTrial(ctx, scenarioRec); err != nil && saveErr == nil {
			saveErr = err
		}
		if err := s.store.SaveTrial(ctx, randomRec); err != nil && saveErr == nil {
			saveErr = err
		}
	})
	if err != nil {
		return nil, err
	}
	if saveErr != nil {
		return nil, saveErr
	}

	scenarioVals, failed, err := s.store.Values(ctx, fp, scenarioModel)
	if err != nil {
		return nil, err
	}
	randomVals, _, err := s.store.Values(ctx, fp, randomModel)
	if err != nil {
		return nil, err
	}

	// The intact statistic is expected to sit above the scenario
	// distribution when removal erodes it.
	intact, err := statFn(m, s.cfg.Seed)
	if err != nil {
		return nil, err
	}
	vsIntact, err := permtest.Test(intact, scenarioVals, space.AltGreater)
	if err != nil {
		return nil, err
	}
	rank, err := permtest.MannWhitney(scenarioVals, randomVals, space.AltTwoSided)
	if err != nil {
		return nil, err
	}
	scenarioMean, _ := stats.Mean(scenarioVals)
	randomMean, _ := stats.Mean(randomVals)

	return &ScenarioComparison{
		Name:         name,
		Intact:       intact,
		ScenarioMean: scenarioMean,
		RandomMean:   randomMean,
		Trials:       s.cfg.Extinction.Trials,
		Failed:       failed,
		VsIntact:     vsIntact,
		RankTest:     rank,
	}, nil
}

// groupOverlaps fits one hypervolume per taxonomic group with enough species
// and decomposes every pair. Groups too small to bound are skipped with a
// warning, not an error.
func (s *PipelineService) groupOverlaps(records []traits.TraitRecord, stdMatrix *traits.TraitMatrix) (map[string]float64, []GroupOverlap) {
	members := make(map[string]map[core.SpeciesID]bool)
	for _, rec := range records {
		if rec.Extinct {
			continue
		}
		g := string(rec.Group)
		if members[g] == nil {
			members[g] = make(map[core.SpeciesID]bool)
		}
		members[g][rec.Species] = true
	}

	names := make([]string, 0, len(members))
	for g := range members {
		names = append(names, g)
	}
	sort.Strings(names)

	_, dims := stdMatrix.Dims()
	fitted := make(map[string]*hypervolume.Hypervolume)
	volumes := make(map[string]float64)
	var kept []string
	for _, g := range names {
		sub := stdMatrix.SubsetRows(members[g])
		if rows, _ := sub.Dims(); rows <= dims {
			s.log.Warn("group too small for a hypervolume", "group", g, "species", len(members[g]))
			continue
		}
		hv, err := s.volumes.Fit(g, sub, s.cfg.Seed)
		if err != nil {
			s.log.Warn("group hypervolume failed", "group", g, "error", err)
			continue
		}
		fitted[g] = hv
		volumes[g] = hv.Volume
		kept = append(kept, g)
	}

	var overlaps []GroupOverlap
	for i := 0; i < len(kept); i++ {
		for j := i + 1; j < len(kept); j++ {
			ops, err := hypervolume.SetOps(fitted[kept[i]], fitted[kept[j]])
			if err != nil {
				s.log.Warn("set operations failed", "group_a", kept[i], "group_b", kept[j], "error", err)
				continue
			}
			overlaps = append(overlaps, GroupOverlap{
				GroupA:       kept[i],
				GroupB:       kept[j],
				Intersection: ops.Intersection.Volume,
				Union:        ops.Union.Volume,
				Jaccard:      ops.Jaccard,
				Sorensen:     ops.Sorensen,
			})
		}
	}
	return volumes, overlaps
}

func (s *PipelineService) nullModes() ([]nullmodel.Mode, error) {
	if len(s.cfg.Null.Modes) == 0 {
		return nullmodel.Modes, nil
	}
	known := make(map[nullmodel.Mode]bool, len(nullmodel.Modes))
	for _, m := range nullmodel.Modes {
		known[m] = true
	}
	out := make([]nullmodel.Mode, 0, len(s.cfg.Null.Modes))
	for _, raw := range s.cfg.Null.Modes {
		mode := nullmodel.Mode(raw)
		if !known[mode] {
			return nil, fmt.Errorf("%w: %q", core.ErrUnknownNullModel, raw)
		}
		out = append(out, mode)
	}
	return out, nil
}

func (s *PipelineService) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return runtime.NumCPU()
}

// consensusMatrix reshapes the consensus scores into a trait matrix whose
// columns are the component axes.
func consensusMatrix(c *space.ConsensusSpace) (*traits.TraitMatrix, error) {
	columns := make([]core.TraitKey, c.Components)
	for k := range columns {
		columns[k] = core.TraitKey(fmt.Sprintf("PC%d", k+1))
	}
	return traits.NewTraitMatrix(c.SpeciesIDs(), columns, c.Coordinates())
}

// ensembleMean averages the imputed members cell-wise into one matrix on the
// original trait scale, for statistics that read raw values.
func ensembleMean(e *traits.ImputedEnsemble) (*traits.TraitMatrix, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	ref := e.Members[0]
	rows, cols := ref.Dims()
	values := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, cols)
		for _, m := range e.Members {
			for j := 0; j < cols; j++ {
				row[j] += m.Values[i][j] / float64(len(e.Members))
			}
		}
		values[i] = row
	}
	return traits.NewTraitMatrix(ref.Species, ref.Columns, values)
}

// riskBySpecies extracts the risk lookup for the surviving (non-extinct)
// species.
func riskBySpecies(records []traits.TraitRecord) map[core.SpeciesID]traits.RiskCategory {
	out := make(map[core.SpeciesID]traits.RiskCategory, len(records))
	for _, rec := range records {
		if rec.Extinct {
			continue
		}
		out[rec.Species] = rec.Risk
	}
	return out
}
