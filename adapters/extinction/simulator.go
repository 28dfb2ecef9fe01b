// Package extinction projects trait-space loss under probabilistic extinction
// scenarios. Each trial removes a fraction of every risk category's species
// equal to that category's extinction probability, recomputes the target
// statistic on the survivors, and pairs the draw with a matched null that
// removes the same number of species chosen uniformly at random. The matched
// null isolates the effect of risk-biased removal from removal count alone.
package extinction

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"traitspace/domain/core"
	"traitspace/domain/traits"
	"traitspace/ports"
)

// Statistic recomputes the target value (hypervolume volume, trait mean) on a
// surviving subset. seed controls any stochastic component of the statistic.
type Statistic func(m *traits.TraitMatrix, seed int64) (float64, error)

// VolumeStatistic adapts a volume estimator into a trial statistic.
func VolumeStatistic(est ports.VolumeEstimator) Statistic {
	return func(m *traits.TraitMatrix, seed int64) (float64, error) {
		std, err := m.Standardize()
		if err != nil {
			return 0, err
		}
		return est.Volume(std, seed)
	}
}

// TraitMeanStatistic averages one raw (log-scale) trait column over the
// survivors. Trait-mean statistics deliberately use the non-standardized
// values; only hypervolumes consume the standardized space.
func TraitMeanStatistic(key core.TraitKey) Statistic {
	return func(m *traits.TraitMatrix, _ int64) (float64, error) {
		j, err := m.ColumnIndex(key)
		if err != nil {
			return 0, err
		}
		return stat.Mean(m.Column(j), nil), nil
	}
}

// Config holds the scenario parameters.
type Config struct {
	Trials        int
	BaseSeed      int64
	Probabilities traits.RiskProbabilities
	Workers       int // <=0 means NumCPU
}

// Simulator runs extinction scenarios.
type Simulator struct {
	cfg Config
	rng ports.RNG
}

// New creates a simulator.
func New(cfg Config, rng ports.RNG) *Simulator {
	return &Simulator{cfg: cfg, rng: rng}
}

// TrialOutcome is one trial's pair of statistics.
type TrialOutcome struct {
	Trial    int
	Scenario float64 // risk-biased removal
	Random   float64 // matched-count random removal
	Removed  int
	Err      error
}

// Result aggregates all trials of one scenario run.
type Result struct {
	Scenario []float64 // successful risk-biased trial statistics
	Random   []float64 // successful matched-null trial statistics
	Failed   int       // trials excluded from both distributions
	Trials   int
}

// Run executes all trials on a bounded worker pool. skip lists trial indices
// already checkpointed; their outcomes are not recomputed (the caller merges
// stored values). A failed trial is recorded and excluded, never fatal for
// the batch.
func (s *Simulator) Run(ctx context.Context, m *traits.TraitMatrix, risks map[core.SpeciesID]traits.RiskCategory, statFn Statistic, skip map[int]bool, onTrial func(TrialOutcome)) (*Result, error) {
	if s.cfg.Trials < 1 {
		return nil, core.NewStageError("extinction", -1, "0 trials", core.ErrTooFewTrials)
	}
	if err := s.cfg.Probabilities.Validate(); err != nil {
		return nil, core.NewStageError("extinction", -1, "probabilities", err)
	}

	byRisk := groupByRisk(m, risks)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]TrialOutcome, s.cfg.Trials)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for t := 0; t < s.cfg.Trials; t++ {
		if skip[t] {
			outcomes[t] = TrialOutcome{Trial: t, Err: errSkipped}
			continue
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			out := s.RunTrial(gctx, m, byRisk, statFn, t)
			outcomes[t] = out
			if onTrial != nil {
				mu.Lock()
				onTrial(out)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Trials: s.cfg.Trials}
	for _, out := range outcomes {
		switch out.Err {
		case nil:
			res.Scenario = append(res.Scenario, out.Scenario)
			res.Random = append(res.Random, out.Random)
		case errSkipped:
			// merged from the checkpoint store by the caller
		default:
			res.Failed++
		}
	}
	return res, nil
}

var errSkipped = fmt.Errorf("trial skipped")

// RunTrial executes a single trial deterministically: the draw, the matched
// random removal, and both statistic recomputations all derive from
// seed = base seed + trial.
func (s *Simulator) RunTrial(ctx context.Context, m *traits.TraitMatrix, byRisk map[traits.RiskCategory][]core.SpeciesID, statFn Statistic, trial int) TrialOutcome {
	out := TrialOutcome{Trial: trial}

	rng, err := s.rng.TrialStream(ctx, "extinction", s.cfg.BaseSeed, trial)
	if err != nil {
		out.Err = core.NewStageError("extinction", trial, "rng", err)
		return out
	}

	removed := s.drawRemoved(byRisk, rng)
	out.Removed = len(removed)

	survivors := make(map[core.SpeciesID]bool, len(m.Species))
	for _, sp := range m.Species {
		survivors[sp] = !removed[sp]
	}
	scenarioMatrix := m.SubsetRows(onlyTrue(survivors))

	// Matched null: same removal count, risk-blind.
	randomSurvivors := s.drawRandomRemoval(m.Species, len(removed), rng)
	randomMatrix := m.SubsetRows(randomSurvivors)

	statSeed := s.cfg.BaseSeed + int64(trial)
	scenarioVal, err := statFn(scenarioMatrix, statSeed)
	if err != nil {
		out.Err = core.NewStageError("extinction", trial, shapeOf(scenarioMatrix), err)
		return out
	}
	randomVal, err := statFn(randomMatrix, statSeed)
	if err != nil {
		out.Err = core.NewStageError("extinction", trial, shapeOf(randomMatrix), err)
		return out
	}

	out.Scenario = scenarioVal
	out.Random = randomVal
	return out
}

// drawRemoved samples, per risk category and without replacement, a fraction
// of that category's species equal to its extinction probability.
func (s *Simulator) drawRemoved(byRisk map[traits.RiskCategory][]core.SpeciesID, rng *rand.Rand) map[core.SpeciesID]bool {
	removed := make(map[core.SpeciesID]bool)
	for _, cat := range traits.RiskOrder {
		members := byRisk[cat]
		if len(members) == 0 {
			continue
		}
		p := s.cfg.Probabilities.Probability(cat)
		k := int(math.Round(p * float64(len(members))))
		if k <= 0 {
			continue
		}
		if k > len(members) {
			k = len(members)
		}
		for _, idx := range rng.Perm(len(members))[:k] {
			removed[members[idx]] = true
		}
	}
	return removed
}

// drawRandomRemoval removes exactly count species uniformly at random,
// ignoring risk category.
func (s *Simulator) drawRandomRemoval(species []core.SpeciesID, count int, rng *rand.Rand) map[core.SpeciesID]bool {
	survivors := make(map[core.SpeciesID]bool, len(species))
	for _, sp := range species {
		survivors[sp] = true
	}
	for _, idx := range rng.Perm(len(species))[:count] {
		survivors[species[idx]] = false
	}
	return onlyTrue(survivors)
}

// groupByRisk buckets the matrix's species by category, applying the
// least-risk default for unmapped species.
func groupByRisk(m *traits.TraitMatrix, risks map[core.SpeciesID]traits.RiskCategory) map[traits.RiskCategory][]core.SpeciesID {
	byRisk := make(map[traits.RiskCategory][]core.SpeciesID)
	for _, sp := range m.Species {
		cat, ok := risks[sp]
		if !ok {
			cat = traits.DefaultRisk
		}
		byRisk[cat] = append(byRisk[cat], sp)
	}
	return byRisk
}

func onlyTrue(set map[core.SpeciesID]bool) map[core.SpeciesID]bool {
	out := make(map[core.SpeciesID]bool, len(set))
	for k, v := range set {
		if v {
			out[k] = true
		}
	}
	return out
}

func shapeOf(m *traits.TraitMatrix) string {
	r, c := m.Dims()
	return fmt.Sprintf("%dx%d", r, c)
}
