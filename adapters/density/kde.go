// Package density evaluates a bivariate Gaussian kernel density over a
// regular grid and extracts iso-probability contour thresholds. The surface
// is a visualization artifact; hypothesis testing never consumes it.
package density

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"traitspace/domain/core"
)

// DefaultLevels are the probability masses contoured when none are requested.
var DefaultLevels = []float64{0.50, 0.95, 0.99}

// Config holds the estimation parameters.
type Config struct {
	GridSize int       // grid points per axis
	Levels   []float64 // probability masses for contour thresholds
}

// Estimator computes kernel density surfaces.
type Estimator struct {
	cfg Config
}

// New creates an estimator. GridSize <= 0 falls back to 128 cells per axis.
func New(cfg Config) *Estimator {
	if cfg.GridSize <= 0 {
		cfg.GridSize = 128
	}
	if len(cfg.Levels) == 0 {
		cfg.Levels = DefaultLevels
	}
	return &Estimator{cfg: cfg}
}

// Threshold pairs a probability mass with the density level whose exceedance
// region integrates to that mass.
type Threshold struct {
	Probability float64 `json:"probability"`
	Density     float64 `json:"density"`
}

// Surface is the evaluated density grid.
type Surface struct {
	X          []float64   `json:"x"` // grid coordinates, ascending
	Y          []float64   `json:"y"`
	Density    [][]float64 `json:"density"` // Density[i][j] at (X[i], Y[j])
	BandwidthX float64     `json:"bandwidth_x"`
	BandwidthY float64     `json:"bandwidth_y"`
	Thresholds []Threshold `json:"thresholds"`
}

// Estimate selects the plug-in bandwidth, evaluates the kernel density on the
// grid and computes the contour thresholds.
// GUARANTEE: thresholds are monotonically decreasing as probability increases.
func (e *Estimator) Estimate(points [][2]float64) (*Surface, error) {
	n := len(points)
	if n < 3 {
		return nil, core.NewStageError("density", -1, fmt.Sprintf("%d points", n),
			fmt.Errorf("%w: need at least 3 points", core.ErrDegenerateMatrix))
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range points {
		xs[i] = p[0]
		ys[i] = p[1]
	}

	hx := pluginBandwidth(xs)
	hy := pluginBandwidth(ys)
	if hx == 0 || hy == 0 {
		return nil, core.NewStageError("density", -1, fmt.Sprintf("%d points", n), core.ErrZeroVarianceTrait)
	}

	// Pad the evaluation window by three bandwidths so the tails close.
	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)
	gridX := linspace(minX-3*hx, maxX+3*hx, e.cfg.GridSize)
	gridY := linspace(minY-3*hy, maxY+3*hy, e.cfg.GridSize)

	norm := 1.0 / (float64(n) * hx * hy * 2 * math.Pi)
	density := make([][]float64, len(gridX))
	for i, gx := range gridX {
		row := make([]float64, len(gridY))
		for j, gy := range gridY {
			sum := 0.0
			for k := 0; k < n; k++ {
				dx := (gx - xs[k]) / hx
				dy := (gy - ys[k]) / hy
				sum += math.Exp(-0.5 * (dx*dx + dy*dy))
			}
			row[j] = norm * sum
		}
		density[i] = row
	}

	cellArea := (gridX[1] - gridX[0]) * (gridY[1] - gridY[0])
	thresholds := contourThresholds(density, cellArea, e.cfg.Levels)

	return &Surface{
		X:          gridX,
		Y:          gridY,
		Density:    density,
		BandwidthX: hx,
		BandwidthY: hy,
		Thresholds: thresholds,
	}, nil
}

// pluginBandwidth is the bivariate normal-scale AMISE minimizer for a
// Gaussian kernel: h = sigma * n^(-1/6), the d=2 form of
// sigma * (4/(d+2))^(1/(d+4)) * n^(-1/(d+4)).
func pluginBandwidth(data []float64) float64 {
	sd := stat.StdDev(data, nil)
	return sd * math.Pow(float64(len(data)), -1.0/6.0)
}

// contourThresholds sorts the grid densities ascending, forms the cumulative
// probability mass (density x cell area), and interpolates the density whose
// exceedance region holds each requested mass.
func contourThresholds(density [][]float64, cellArea float64, levels []float64) []Threshold {
	var flat []float64
	for _, row := range density {
		flat = append(flat, row...)
	}
	sort.Float64s(flat)

	cum := make([]float64, len(flat))
	total := 0.0
	for i, d := range flat {
		total += d * cellArea
		cum[i] = total
	}

	out := make([]Threshold, 0, len(levels))
	for _, p := range levels {
		// Exceedance mass p means cumulative mass below the threshold is
		// (1-p) of the total.
		target := (1 - p) * total
		out = append(out, Threshold{Probability: p, Density: interpolate(flat, cum, target)})
	}
	return out
}

// interpolate finds the density at a cumulative-mass target by linear
// interpolation between the bracketing sorted grid values.
func interpolate(flat, cum []float64, target float64) float64 {
	idx := sort.SearchFloat64s(cum, target)
	if idx <= 0 {
		return flat[0]
	}
	if idx >= len(flat) {
		return flat[len(flat)-1]
	}
	lo, hi := cum[idx-1], cum[idx]
	if hi == lo {
		return flat[idx]
	}
	w := (target - lo) / (hi - lo)
	return flat[idx-1]*(1-w) + flat[idx]*w
}

func minMax(data []float64) (float64, float64) {
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}
