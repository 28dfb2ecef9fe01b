// Package hypervolume estimates the n-dimensional occupancy of a species set
// in standardized trait space: a one-class support-vector boundary fit plus
// Monte-Carlo integration over the bounding box. Volume estimates are
// stochastic; callers needing reproducibility fix the seed, and raising the
// point-cloud density trades computation for estimator variance.
package hypervolume

import (
	"fmt"
	"math/rand"

	"traitspace/domain/core"
	"traitspace/domain/traits"
)

// Config holds the boundary-fit and integration parameters.
type Config struct {
	Gamma           float64 // RBF kernel width; <=0 means 1/dimensions
	Nu              float64 // expected outlier fraction of the one-class fit
	SamplesPerPoint int     // random points per species in the MC integration
	Padding         float64 // bounding-box expansion per axis, in sd units
	FitPasses       int     // coordinate-descent passes over the dual
}

// Estimator fits hypervolumes.
type Estimator struct {
	cfg Config
}

// New creates an estimator, applying the conventional defaults for anything
// left at zero value.
func New(cfg Config) *Estimator {
	if cfg.Nu <= 0 || cfg.Nu >= 1 {
		cfg.Nu = 0.05
	}
	if cfg.SamplesPerPoint <= 0 {
		cfg.SamplesPerPoint = 500
	}
	if cfg.Padding <= 0 {
		cfg.Padding = 1.0
	}
	if cfg.FitPasses <= 0 {
		cfg.FitPasses = 50
	}
	return &Estimator{cfg: cfg}
}

// Hypervolume is an occupancy estimate for a named group of species:
// a scalar volume plus the random point cloud retained inside the boundary.
// Immutable once built; set operations construct new instances.
type Hypervolume struct {
	Name   string      `json:"name"`
	Dim    int         `json:"dim"`
	Volume float64     `json:"volume"`
	Cloud  [][]float64 `json:"cloud"`

	bound *boundary // nil on set-operation results
}

// Contains classifies a point against the fitted boundary. Derived
// (set-operation) hypervolumes carry no boundary and always return false.
func (h *Hypervolume) Contains(p []float64) bool {
	return h.bound != nil && h.bound.contains(p)
}

// Fit builds a hypervolume over the standardized matrix.
// A degenerate matrix (fewer rows than dimensions, or a zero-variance column)
// fails fast rather than producing a silent zero-volume estimate.
func (e *Estimator) Fit(name string, m *traits.TraitMatrix, seed int64) (*Hypervolume, error) {
	rows, dims := m.Dims()
	shape := fmt.Sprintf("%dx%d", rows, dims)
	if rows <= dims {
		return nil, core.NewStageError("hypervolume", -1, shape,
			fmt.Errorf("%w: %d rows for %d dimensions", core.ErrDegenerateMatrix, rows, dims))
	}
	for j := 0; j < dims; j++ {
		col := m.Column(j)
		lo, hi := col[0], col[0]
		for _, v := range col {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if lo == hi {
			return nil, core.NewStageError("hypervolume", -1, shape,
				fmt.Errorf("%w: %s", core.ErrZeroVarianceTrait, m.Columns[j]))
		}
	}

	gamma := e.cfg.Gamma
	if gamma <= 0 {
		gamma = 1.0 / float64(dims)
	}
	bound := fitBoundary(m.Values, gamma, e.cfg.Nu, e.cfg.FitPasses)

	lo, hi := boundingBox(m.Values, e.cfg.Padding)
	boxVol := 1.0
	for j := 0; j < dims; j++ {
		boxVol *= hi[j] - lo[j]
	}

	rng := rand.New(rand.NewSource(seed))
	total := e.cfg.SamplesPerPoint * rows
	var cloud [][]float64
	inside := 0
	for s := 0; s < total; s++ {
		p := make([]float64, dims)
		for j := range p {
			p[j] = lo[j] + rng.Float64()*(hi[j]-lo[j])
		}
		if bound.contains(p) {
			inside++
			cloud = append(cloud, p)
		}
	}

	return &Hypervolume{
		Name:   name,
		Dim:    dims,
		Volume: boxVol * float64(inside) / float64(total),
		Cloud:  cloud,
		bound:  bound,
	}, nil
}

// SetOperations holds the pairwise set decomposition of two hypervolumes.
// INVARIANTS: Intersection.Volume <= min(vol1, vol2);
// Union.Volume >= max(vol1, vol2); Jaccard and Sorensen lie in [0, 1].
type SetOperations struct {
	Intersection *Hypervolume `json:"intersection"`
	Union        *Hypervolume `json:"union"`
	Unique1      *Hypervolume `json:"unique_1"`
	Unique2      *Hypervolume `json:"unique_2"`
	Jaccard      float64      `json:"jaccard"`
	Sorensen     float64      `json:"sorensen"`
}

// SetOps decomposes two hypervolumes by classifying each operand's random
// point cloud against the other's boundary. The intersection volume is the
// smaller of the two directional Monte-Carlo estimates, which keeps it below
// both operand volumes by construction.
func SetOps(a, b *Hypervolume) (*SetOperations, error) {
	if a.bound == nil || b.bound == nil {
		return nil, fmt.Errorf("set operations require directly-fitted hypervolumes")
	}
	if a.Dim != b.Dim {
		return nil, fmt.Errorf("dimension mismatch: %d vs %d", a.Dim, b.Dim)
	}

	var interCloud, uniqueA, uniqueB [][]float64
	inB := 0
	for _, p := range a.Cloud {
		if b.bound.contains(p) {
			inB++
			interCloud = append(interCloud, p)
		} else {
			uniqueA = append(uniqueA, p)
		}
	}
	inA := 0
	for _, p := range b.Cloud {
		if a.bound.contains(p) {
			inA++
			interCloud = append(interCloud, p)
		} else {
			uniqueB = append(uniqueB, p)
		}
	}

	interVol := 0.0
	if len(a.Cloud) > 0 && len(b.Cloud) > 0 {
		va := a.Volume * float64(inB) / float64(len(a.Cloud))
		vb := b.Volume * float64(inA) / float64(len(b.Cloud))
		interVol = va
		if vb < va {
			interVol = vb
		}
	}
	unionVol := a.Volume + b.Volume - interVol

	unionCloud := make([][]float64, 0, len(a.Cloud)+len(b.Cloud))
	unionCloud = append(unionCloud, a.Cloud...)
	unionCloud = append(unionCloud, b.Cloud...)

	jaccard := 0.0
	if unionVol > 0 {
		jaccard = interVol / unionVol
	}
	sorensen := 0.0
	if a.Volume+b.Volume > 0 {
		sorensen = 2 * interVol / (a.Volume + b.Volume)
	}

	name := func(op string) string { return fmt.Sprintf("%s(%s, %s)", op, a.Name, b.Name) }
	return &SetOperations{
		Intersection: &Hypervolume{Name: name("intersection"), Dim: a.Dim, Volume: interVol, Cloud: interCloud},
		Union:        &Hypervolume{Name: name("union"), Dim: a.Dim, Volume: unionVol, Cloud: unionCloud},
		Unique1:      &Hypervolume{Name: fmt.Sprintf("unique(%s)", a.Name), Dim: a.Dim, Volume: a.Volume - interVol, Cloud: uniqueA},
		Unique2:      &Hypervolume{Name: fmt.Sprintf("unique(%s)", b.Name), Dim: a.Dim, Volume: b.Volume - interVol, Cloud: uniqueB},
		Jaccard:      jaccard,
		Sorensen:     sorensen,
	}, nil
}

// Volume implements ports.VolumeEstimator: a throwaway fit returning only the
// scalar volume, used by trial runners.
func (e *Estimator) Volume(m *traits.TraitMatrix, seed int64) (float64, error) {
	hv, err := e.Fit("trial", m, seed)
	if err != nil {
		return 0, err
	}
	return hv.Volume, nil
}

// boundingBox expands each axis range by pad on both sides.
func boundingBox(values [][]float64, pad float64) ([]float64, []float64) {
	dims := len(values[0])
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for j := 0; j < dims; j++ {
		lo[j], hi[j] = values[0][j], values[0][j]
		for _, row := range values {
			if row[j] < lo[j] {
				lo[j] = row[j]
			}
			if row[j] > hi[j] {
				hi[j] = row[j]
			}
		}
		lo[j] -= pad
		hi[j] += pad
	}
	return lo, hi
}
