// Package impute fills missing trait values with chained-equation predictive
// mean matching: each incomplete column is repeatedly regressed on every other
// column (traits, including currently-imputed cells, plus auxiliary
// phylogenetic predictors), and each missing cell takes the observed value of
// a randomly-chosen nearest neighbor in predicted-value space. Cycling the
// columns for a fixed number of sweeps lets the joint distribution settle.
//
// Imputation runs separately per taxonomic group because predictor
// relationships differ between groups; the per-group completions are
// concatenated row-wise and re-sorted by species identifier.
package impute

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"traitspace/domain/core"
	"traitspace/domain/traits"
	"traitspace/ports"
)

// Config holds the explicit imputation parameters. Nothing here has a hidden
// default: the pipeline config layer fills every field.
type Config struct {
	Ensemble int   // M: number of independent completions
	Sweeps   int   // chained-equation iterations per completion
	Donors   int   // nearest-neighbor donors per missing cell
	BaseSeed int64 // completion m uses seed BaseSeed + m
}

// Imputer produces multiple-imputation ensembles.
type Imputer struct {
	cfg Config
	rng ports.RNG
}

// New creates an imputer.
func New(cfg Config, rng ports.RNG) *Imputer {
	return &Imputer{cfg: cfg, rng: rng}
}

// Run builds the M-member ensemble. aux maps each species to its auxiliary
// predictor vector (phylogenetic eigenvectors); species without an entry get
// a zero vector. Known-extinct species participate in the imputation model
// (they still inform neighbor statistics) and are dropped from the output.
func (im *Imputer) Run(ctx context.Context, records []traits.TraitRecord, columns []core.TraitKey, aux map[core.SpeciesID][]float64) (*traits.ImputedEnsemble, error) {
	if im.cfg.Ensemble < 1 {
		return nil, core.NewStageError("impute", -1, shapeOf(records, columns), fmt.Errorf("ensemble size must be >= 1, got %d", im.cfg.Ensemble))
	}
	if im.cfg.Sweeps < 1 {
		return nil, core.NewStageError("impute", -1, shapeOf(records, columns), fmt.Errorf("sweep count must be >= 1, got %d", im.cfg.Sweeps))
	}

	groups := splitByGroup(records)

	// Fail fast before any chain starts: a column with no observed value in
	// some group cannot be regressed at all.
	for name, recs := range groups {
		table := traits.NewTableFromRecords(recs, columns)
		for col, missing := range table.MissingCount() {
			if missing == len(recs) {
				return nil, core.NewStageError("impute", -1, fmt.Sprintf("group %s column %s", name, col),
					core.ErrColumnAllMissing)
			}
		}
	}

	members := make([]*traits.TraitMatrix, im.cfg.Ensemble)
	for m := 0; m < im.cfg.Ensemble; m++ {
		var species []core.SpeciesID
		var values [][]float64
		for _, recs := range sortedGroups(groups) {
			rng, err := im.rng.TrialStream(ctx, "impute/"+string(recs[0].Group), im.cfg.BaseSeed, m)
			if err != nil {
				return nil, core.NewStageError("impute", m, shapeOf(recs, columns), err)
			}
			table := traits.NewTableFromRecords(recs, columns)
			completed, err := im.imputeGroup(table, recs, aux, rng)
			if err != nil {
				return nil, core.NewStageError("impute", m, shapeOf(recs, columns), err)
			}
			for i, rec := range recs {
				if rec.Extinct {
					continue // drop post-imputation, never pre
				}
				species = append(species, rec.Species)
				values = append(values, completed[i])
			}
		}

		matrix, err := traits.NewTraitMatrix(species, columns, values)
		if err != nil {
			return nil, core.NewStageError("impute", m, shapeOf(records, columns), err)
		}
		matrix.SortBySpecies()
		members[m] = matrix
	}

	ensemble := &traits.ImputedEnsemble{Members: members}
	if err := ensemble.Validate(); err != nil {
		return nil, core.NewStageError("impute", -1, shapeOf(records, columns), err)
	}
	return ensemble, nil
}

// imputeGroup runs one chained-equation chain over one group's table and
// returns the completed row values in table row order.
func (im *Imputer) imputeGroup(table *traits.TraitTable, recs []traits.TraitRecord, aux map[core.SpeciesID][]float64, rng *rand.Rand) ([][]float64, error) {
	rows, cols := table.Dims()

	// Working copy with missing cells seeded by random observed draws.
	work := make([][]float64, rows)
	missing := make([][]bool, rows)
	for i := range work {
		work[i] = append([]float64(nil), table.Values[i]...)
		missing[i] = make([]bool, cols)
	}
	for j := 0; j < cols; j++ {
		var observed []float64
		for i := 0; i < rows; i++ {
			if !math.IsNaN(work[i][j]) {
				observed = append(observed, work[i][j])
			}
		}
		for i := 0; i < rows; i++ {
			if math.IsNaN(work[i][j]) {
				missing[i][j] = true
				work[i][j] = observed[rng.Intn(len(observed))]
			}
		}
	}

	auxWidth := 0
	for _, rec := range recs {
		if v, ok := aux[rec.Species]; ok {
			auxWidth = len(v)
			break
		}
	}

	incomplete := incompleteColumns(missing, cols)
	for sweep := 0; sweep < im.cfg.Sweeps; sweep++ {
		for _, j := range incomplete {
			if err := im.refreshColumn(work, missing, recs, aux, auxWidth, j, rng); err != nil {
				return nil, fmt.Errorf("column %s: %w", table.Columns[j], err)
			}
		}
	}
	return work, nil
}

// refreshColumn re-imputes column j: regress its observed cells on every
// other column, then predictive-mean-match each missing cell to one of the
// nearest observed donors.
func (im *Imputer) refreshColumn(work [][]float64, missing [][]bool, recs []traits.TraitRecord, aux map[core.SpeciesID][]float64, auxWidth, j int, rng *rand.Rand) error {
	rows := len(work)
	cols := len(work[0])
	p := cols - 1 + auxWidth + 1 // other traits + aux predictors + intercept

	design := mat.NewDense(rows, p, nil)
	for i := 0; i < rows; i++ {
		c := 0
		design.Set(i, c, 1.0)
		c++
		for k := 0; k < cols; k++ {
			if k == j {
				continue
			}
			design.Set(i, c, work[i][k])
			c++
		}
		if auxWidth > 0 {
			v := aux[recs[i].Species]
			for k := 0; k < auxWidth; k++ {
				if k < len(v) {
					design.Set(i, c, v[k])
				}
				c++
			}
		}
	}

	var obsRows, misRows []int
	for i := 0; i < rows; i++ {
		if missing[i][j] {
			misRows = append(misRows, i)
		} else {
			obsRows = append(obsRows, i)
		}
	}
	if len(misRows) == 0 {
		return nil
	}

	// Ridge-stabilized normal equations over the observed rows. The tiny
	// penalty keeps small groups with collinear predictors solvable.
	xObs := mat.NewDense(len(obsRows), p, nil)
	yObs := mat.NewVecDense(len(obsRows), nil)
	for r, i := range obsRows {
		xObs.SetRow(r, mat.Row(nil, i, design))
		yObs.SetVec(r, work[i][j])
	}

	var xtx mat.Dense
	xtx.Mul(xObs.T(), xObs)
	for d := 0; d < p; d++ {
		xtx.Set(d, d, xtx.At(d, d)+1e-8)
	}
	var xty mat.VecDense
	xty.MulVec(xObs.T(), yObs)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return fmt.Errorf("normal equations unsolvable: %w", err)
	}

	var pred mat.VecDense
	pred.MulVec(design, &beta)

	donors := im.cfg.Donors
	if donors < 1 {
		donors = 1
	}
	if donors > len(obsRows) {
		donors = len(obsRows)
	}

	type candidate struct {
		row  int
		dist float64
	}
	for _, i := range misRows {
		cands := make([]candidate, len(obsRows))
		for r, o := range obsRows {
			cands[r] = candidate{row: o, dist: math.Abs(pred.AtVec(o) - pred.AtVec(i))}
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })
		donor := cands[rng.Intn(donors)].row
		work[i][j] = work[donor][j]
	}
	return nil
}

func incompleteColumns(missing [][]bool, cols int) []int {
	var out []int
	for j := 0; j < cols; j++ {
		for i := range missing {
			if missing[i][j] {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

func splitByGroup(records []traits.TraitRecord) map[traits.Group][]traits.TraitRecord {
	groups := make(map[traits.Group][]traits.TraitRecord)
	for _, rec := range records {
		groups[rec.Group] = append(groups[rec.Group], rec)
	}
	return groups
}

// sortedGroups returns the groups in stable name order so member m is
// identical across runs regardless of map iteration.
func sortedGroups(groups map[traits.Group][]traits.TraitRecord) [][]traits.TraitRecord {
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, string(g))
	}
	sort.Strings(names)
	ordered := make([][]traits.TraitRecord, 0, len(names))
	for _, n := range names {
		ordered = append(ordered, groups[traits.Group(n)])
	}
	return ordered
}

func shapeOf(records []traits.TraitRecord, columns []core.TraitKey) string {
	return fmt.Sprintf("%dx%d", len(records), len(columns))
}
