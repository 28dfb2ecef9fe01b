// Package nullmodel produces synthetic trait matrices under four
// randomization schemes, each preserving a different slice of the observed
// data's structure. The generators are the comparison distributions for the
// permutation tests: feed each synthetic matrix through the hypervolume
// estimator and collect the volumes.
package nullmodel

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"traitspace/domain/core"
	"traitspace/domain/traits"
	"traitspace/ports"
)

// Mode selects the randomization scheme.
type Mode string

const (
	// ModeUniform draws each column independently from a uniform spanning
	// that column's observed min/max.
	ModeUniform Mode = "independent-uniform"
	// ModeNormal draws each column from a standard normal, then
	// column-standardizes.
	ModeNormal Mode = "independent-normal"
	// ModeShuffle permutes each column's observed values independently:
	// marginals preserved, cross-trait correlation destroyed.
	ModeShuffle Mode = "column-shuffle"
	// ModeCorrelated transforms a standard normal matrix by the Cholesky
	// factor of the observed trait correlation, then re-standardizes:
	// covariance structure preserved, individual values randomized.
	ModeCorrelated Mode = "correlated-normal"
)

// Modes lists every scheme in canonical order.
var Modes = []Mode{ModeUniform, ModeNormal, ModeShuffle, ModeCorrelated}

// Generator builds synthetic matrices seeded per trial, so trial t of a run
// reproduces exactly regardless of worker scheduling.
type Generator struct {
	rng      ports.RNG
	baseSeed int64
}

// New creates a generator.
func New(rng ports.RNG, baseSeed int64) *Generator {
	return &Generator{rng: rng, baseSeed: baseSeed}
}

// Generate produces the synthetic matrix for one trial. The output shares
// the observed matrix's shape, column names and row identity.
func (g *Generator) Generate(ctx context.Context, mode Mode, observed *traits.TraitMatrix, trial int) (*traits.TraitMatrix, error) {
	rng, err := g.rng.TrialStream(ctx, "null/"+string(mode), g.baseSeed, trial)
	if err != nil {
		return nil, core.NewStageError("nullmodel", trial, string(mode), err)
	}

	rows, cols := observed.Dims()
	shape := fmt.Sprintf("%dx%d", rows, cols)

	var values [][]float64
	switch mode {
	case ModeUniform:
		values = g.uniform(observed, rng)
	case ModeNormal:
		values, err = g.normal(rows, cols, rng)
	case ModeShuffle:
		values = g.shuffle(observed, rng)
	case ModeCorrelated:
		values, err = g.correlated(observed, rng)
	default:
		return nil, core.NewStageError("nullmodel", trial, shape,
			fmt.Errorf("%w: %q", core.ErrUnknownNullModel, mode))
	}
	if err != nil {
		return nil, core.NewStageError("nullmodel", trial, shape, err)
	}

	return traits.NewTraitMatrix(observed.Species, observed.Columns, values)
}

func (g *Generator) uniform(observed *traits.TraitMatrix, rng *rand.Rand) [][]float64 {
	rows, cols := observed.Dims()
	lo := make([]float64, cols)
	hi := make([]float64, cols)
	for j := 0; j < cols; j++ {
		col := observed.Column(j)
		lo[j], hi[j] = col[0], col[0]
		for _, v := range col {
			if v < lo[j] {
				lo[j] = v
			}
			if v > hi[j] {
				hi[j] = v
			}
		}
	}

	values := make([][]float64, rows)
	for i := range values {
		row := make([]float64, cols)
		for j := range row {
			row[j] = lo[j] + rng.Float64()*(hi[j]-lo[j])
		}
		values[i] = row
	}
	return values
}

func (g *Generator) normal(rows, cols int, rng *rand.Rand) ([][]float64, error) {
	values := make([][]float64, rows)
	for i := range values {
		row := make([]float64, cols)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		values[i] = row
	}
	return standardizeColumns(values)
}

func (g *Generator) shuffle(observed *traits.TraitMatrix, rng *rand.Rand) [][]float64 {
	rows, cols := observed.Dims()
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, cols)
	}
	for j := 0; j < cols; j++ {
		col := observed.Column(j)
		perm := rng.Perm(rows)
		for i, p := range perm {
			values[i][j] = col[p]
		}
	}
	return values
}

func (g *Generator) correlated(observed *traits.TraitMatrix, rng *rand.Rand) ([][]float64, error) {
	rows, cols := observed.Dims()

	data := mat.NewDense(rows, cols, nil)
	for i, row := range observed.Values {
		data.SetRow(i, row)
	}
	corr := mat.NewSymDense(cols, nil)
	stat.CorrelationMatrix(corr, data, nil)

	var chol mat.Cholesky
	if ok := chol.Factorize(corr); !ok {
		// Near-singular correlation (collinear traits): nudge the diagonal
		// until the factorization succeeds.
		jittered := mat.NewSymDense(cols, nil)
		jittered.CopySym(corr)
		for d := 0; d < cols; d++ {
			jittered.SetSym(d, d, jittered.At(d, d)+1e-8)
		}
		if ok := chol.Factorize(jittered); !ok {
			return nil, fmt.Errorf("observed correlation matrix is not positive definite")
		}
	}
	var l mat.TriDense
	chol.LTo(&l)

	z := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}

	var synth mat.Dense
	synth.Mul(z, l.T())

	values := make([][]float64, rows)
	for i := range values {
		values[i] = mat.Row(nil, i, &synth)
	}
	return standardizeColumns(values)
}

// standardizeColumns z-scores in place and reports a degenerate draw (zero
// column variance) as an error so the trial is recorded as failed rather
// than silently polluting the null distribution.
func standardizeColumns(values [][]float64) ([][]float64, error) {
	rows := len(values)
	cols := len(values[0])
	for j := 0; j < cols; j++ {
		col := make([]float64, rows)
		for i := range values {
			col[i] = values[i][j]
		}
		mean, sd := stat.MeanStdDev(col, nil)
		if sd == 0 {
			return nil, fmt.Errorf("%w: column %d of synthetic draw", core.ErrZeroVarianceTrait, j)
		}
		for i := range values {
			values[i][j] = (values[i][j] - mean) / sd
		}
	}
	return values, nil
}
