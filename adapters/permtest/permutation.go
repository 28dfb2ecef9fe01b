// Package permtest assigns Monte Carlo significance to an observed statistic
// against a simulated null distribution, and compares two simulated
// distributions with a two-sample rank test.
package permtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"

	"traitspace/domain/core"
	"traitspace/domain/space"
)

// Test computes the Monte Carlo p-value for one observed statistic against N
// simulated values. The +1 smoothing counts the observed value as one member
// of its own null distribution, so p is bounded away from 0 and never exactly
// reported as 0 or above 1.
func Test(observed float64, simulated []float64, alt space.Alternative) (*space.PermutationResult, error) {
	n := len(simulated)
	if n < 1 {
		return nil, core.NewStageError("permtest", -1, "0 trials", core.ErrTooFewTrials)
	}

	lessCount, greaterCount := 0, 0
	for _, s := range simulated {
		if s <= observed {
			lessCount++
		}
		if s >= observed {
			greaterCount++
		}
	}
	pLess := float64(1+lessCount) / float64(1+n)
	pGreater := float64(1+greaterCount) / float64(1+n)

	var p float64
	switch alt {
	case space.AltLess:
		p = pLess
	case space.AltGreater:
		p = pGreater
	case space.AltTwoSided:
		p = 2 * math.Min(pLess, pGreater)
		if p > 1 {
			p = 1
		}
	default:
		return nil, core.NewStageError("permtest", -1, fmt.Sprintf("%d trials", n),
			fmt.Errorf("unknown alternative %q", alt))
	}

	// Standardized effect: observed minus null mean, in null sd units.
	nullMean, _ := stats.Mean(simulated)
	nullSD, _ := stats.StandardDeviationSample(simulated)
	effect := 0.0
	if nullSD > 0 {
		effect = (observed - nullMean) / nullSD
	}

	return &space.PermutationResult{
		Observed:    observed,
		Simulated:   simulated,
		PValue:      p,
		Effect:      effect,
		Alternative: alt,
		Trials:      n,
	}, nil
}

// RankTestResult is the outcome of a Mann-Whitney two-sample rank test.
type RankTestResult struct {
	U           float64           `json:"u"`
	Z           float64           `json:"z"`
	PValue      float64           `json:"p_value"`
	Alternative space.Alternative `json:"alternative"`
}

// MannWhitney compares two empirical distributions (e.g. the risk-biased and
// random-removal extinction volume distributions) with the Mann-Whitney U
// test under a tie-corrected normal approximation.
func MannWhitney(x, y []float64, alt space.Alternative) (*RankTestResult, error) {
	nx, ny := len(x), len(y)
	if nx < 1 || ny < 1 {
		return nil, core.NewStageError("permtest", -1, fmt.Sprintf("%dx%d samples", nx, ny), core.ErrTooFewTrials)
	}

	ranks, tieTerm := midRanks(x, y)
	rx := 0.0
	for i := 0; i < nx; i++ {
		rx += ranks[i]
	}
	u := rx - float64(nx*(nx+1))/2

	fn, fm := float64(nx), float64(ny)
	total := fn + fm
	mu := fn * fm / 2
	sigma2 := fn * fm / 12 * (total + 1 - tieTerm/(total*(total-1)))
	if sigma2 <= 0 {
		// All values tied: no evidence either way.
		return &RankTestResult{U: u, Z: 0, PValue: 1, Alternative: alt}, nil
	}

	// Continuity-corrected z.
	z := (u - mu) / math.Sqrt(sigma2)
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	var p float64
	switch alt {
	case space.AltLess:
		p = norm.CDF(z)
	case space.AltGreater:
		p = 1 - norm.CDF(z)
	case space.AltTwoSided:
		p = 2 * norm.CDF(-math.Abs(z))
		if p > 1 {
			p = 1
		}
	default:
		return nil, fmt.Errorf("unknown alternative %q", alt)
	}

	return &RankTestResult{U: u, Z: z, PValue: p, Alternative: alt}, nil
}

// midRanks ranks the pooled sample with ties averaged, returning the ranks in
// pooled order (x first, then y) and the tie-correction term sum(t^3 - t).
func midRanks(x, y []float64) ([]float64, float64) {
	n := len(x) + len(y)
	pooled := make([]float64, 0, n)
	pooled = append(pooled, x...)
	pooled = append(pooled, y...)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return pooled[idx[a]] < pooled[idx[b]] })

	ranks := make([]float64, n)
	tieTerm := 0.0
	for i := 0; i < n; {
		j := i
		for j < n-1 && pooled[idx[j+1]] == pooled[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		if t := float64(j - i + 1); t > 1 {
			tieTerm += t*t*t - t
		}
		i = j + 1
	}
	return ranks, tieTerm
}
