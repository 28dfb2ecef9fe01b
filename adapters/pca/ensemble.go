// Package pca reduces each imputed trait matrix to principal-component scores
// and averages the runs into one consensus trait space.
//
// A single PCA run's component sign is arbitrary, so naive averaging across
// the ensemble can cancel real signal when the sign flips between runs.
// Before averaging, each run's components are aligned to the first run by the
// sign of the loading cross-product, flipping scores and loadings together.
package pca

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"traitspace/domain/core"
	"traitspace/domain/space"
	"traitspace/domain/traits"
)

// Config holds the PCA parameters.
type Config struct {
	Components int // dimensionality of the consensus space, commonly 5
	Workers    int // parallel PCA fits; <=0 means NumCPU
}

// Analyzer computes the ensemble consensus space.
type Analyzer struct {
	cfg Config
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// memberFit is one run's aligned output, written to its own slot.
type memberFit struct {
	scores   *mat.Dense // species x components
	loadings *mat.Dense // traits x components
	varFrac  []float64
}

// Consensus z-transforms and decomposes every ensemble member independently,
// sign-aligns the runs, and averages scores, loadings and variance explained.
// The result is deterministic given the ensemble and invariant to member
// ordering (each member is a plain arithmetic-mean contribution).
func (a *Analyzer) Consensus(ctx context.Context, ensemble *traits.ImputedEnsemble) (*space.ConsensusSpace, error) {
	if err := ensemble.Validate(); err != nil {
		return nil, core.NewStageError("pca", -1, "ensemble", err)
	}
	ref := ensemble.Members[0]
	rows, cols := ref.Dims()
	k := a.cfg.Components
	if k < 1 || k > cols {
		return nil, core.NewStageError("pca", -1, fmt.Sprintf("%dx%d", rows, cols),
			fmt.Errorf("component count %d out of range [1, %d]", k, cols))
	}
	if rows <= k {
		return nil, core.NewStageError("pca", -1, fmt.Sprintf("%dx%d", rows, cols), core.ErrDegenerateMatrix)
	}

	fits := make([]*memberFit, ensemble.Size())

	workers := a.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for m := range ensemble.Members {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			fit, err := a.fitOne(ensemble.Members[m], k)
			if err != nil {
				return core.NewStageError("pca", m, fmt.Sprintf("%dx%d", rows, cols), err)
			}
			fits[m] = fit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Align every run to run 0 before averaging.
	for m := 1; m < len(fits); m++ {
		alignSigns(fits[m], fits[0], k)
	}

	return a.average(fits, ref, k)
}

// fitOne standardizes one member and extracts its principal components.
func (a *Analyzer) fitOne(m *traits.TraitMatrix, k int) (*memberFit, error) {
	std, err := m.Standardize()
	if err != nil {
		return nil, err
	}
	rows, cols := std.Dims()

	data := mat.NewDense(rows, cols, nil)
	for i, row := range std.Values {
		data.SetRow(i, row)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component decomposition failed")
	}

	var vectors mat.Dense
	pc.VectorsTo(&vectors)
	vars := pc.VarsTo(nil)

	total := 0.0
	for _, v := range vars {
		total += v
	}
	varFrac := make([]float64, k)
	for c := 0; c < k; c++ {
		varFrac[c] = vars[c] / total
	}

	loadings := mat.NewDense(cols, k, nil)
	loadings.Copy(vectors.Slice(0, cols, 0, k))

	var scores mat.Dense
	scores.Mul(data, loadings)

	return &memberFit{scores: &scores, loadings: loadings, varFrac: varFrac}, nil
}

// alignSigns flips any component of fit whose loading vector points away from
// the reference run's corresponding component.
func alignSigns(fit, ref *memberFit, k int) {
	traitsN, _ := fit.loadings.Dims()
	speciesN, _ := fit.scores.Dims()
	for c := 0; c < k; c++ {
		dot := 0.0
		for t := 0; t < traitsN; t++ {
			dot += fit.loadings.At(t, c) * ref.loadings.At(t, c)
		}
		if dot >= 0 {
			continue
		}
		for t := 0; t < traitsN; t++ {
			fit.loadings.Set(t, c, -fit.loadings.At(t, c))
		}
		for s := 0; s < speciesN; s++ {
			fit.scores.Set(s, c, -fit.scores.At(s, c))
		}
	}
}

// average folds the aligned fits into the consensus space.
func (a *Analyzer) average(fits []*memberFit, ref *traits.TraitMatrix, k int) (*space.ConsensusSpace, error) {
	rows, cols := ref.Dims()
	mCount := float64(len(fits))

	points := make([]space.TraitSpacePoint, rows)
	for i := 0; i < rows; i++ {
		coords := make([]float64, k)
		perMember := make([][]float64, len(fits))
		for m, fit := range fits {
			memberCoords := make([]float64, k)
			for c := 0; c < k; c++ {
				v := fit.scores.At(i, c)
				memberCoords[c] = v
				coords[c] += v / mCount
			}
			perMember[m] = memberCoords
		}
		points[i] = space.TraitSpacePoint{Species: ref.Species[i], Coords: coords, PerMember: perMember}
	}

	loadings := make(map[core.TraitKey][]float64, cols)
	for t := 0; t < cols; t++ {
		row := make([]float64, k)
		for _, fit := range fits {
			for c := 0; c < k; c++ {
				row[c] += fit.loadings.At(t, c) / mCount
			}
		}
		loadings[ref.Columns[t]] = row
	}

	varExplained := make([]float64, k)
	for _, fit := range fits {
		for c := 0; c < k; c++ {
			varExplained[c] += fit.varFrac[c] / mCount
		}
	}

	return &space.ConsensusSpace{
		Points:       points,
		Loadings:     loadings,
		VarExplained: varExplained,
		Components:   k,
	}, nil
}
