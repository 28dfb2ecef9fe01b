package hypervolume

import (
	"math"
	"sort"
)

// boundary is a one-class support-vector boundary over standardized trait
// space: a Gaussian-kernel dual solved by pairwise coordinate descent, with
// the decision threshold set so roughly a nu-fraction of the training points
// falls outside.
type boundary struct {
	train [][]float64
	alpha []float64
	gamma float64
	rho   float64
}

// fitBoundary solves the one-class dual
//
//	min 1/2 sum_ij a_i a_j K_ij   s.t. 0 <= a_i <= 1/(nu*n), sum a_i = 1
//
// by moving weight from high-gradient points to low-gradient points for a
// fixed number of passes. n is species count, so the dense kernel matrix is
// cheap.
func fitBoundary(train [][]float64, gamma, nu float64, passes int) *boundary {
	n := len(train)
	upper := 1.0 / (nu * float64(n))
	if upper < 1.0/float64(n) {
		upper = 1.0 / float64(n) // feasibility: sum of alphas must reach 1
	}

	kern := make([][]float64, n)
	for i := 0; i < n; i++ {
		kern[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			k := rbf(train[i], train[j], gamma)
			kern[i][j] = k
			kern[j][i] = k
		}
	}

	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = 1.0 / float64(n)
	}

	// grad_i = sum_j alpha_j K_ij
	grad := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			grad[i] += alpha[j] * kern[i][j]
		}
	}

	for pass := 0; pass < passes; pass++ {
		improved := false
		for step := 0; step < n; step++ {
			up, down := -1, -1
			upG, downG := math.Inf(-1), math.Inf(1)
			for i := 0; i < n; i++ {
				if alpha[i] > 0 && grad[i] > upG {
					upG, up = grad[i], i
				}
				if alpha[i] < upper && grad[i] < downG {
					downG, down = grad[i], i
				}
			}
			if up < 0 || down < 0 || up == down || upG-downG < 1e-10 {
				break
			}

			denom := kern[up][up] + kern[down][down] - 2*kern[up][down]
			if denom < 1e-12 {
				denom = 1e-12
			}
			lambda := (upG - downG) / denom
			if lambda > alpha[up] {
				lambda = alpha[up]
			}
			if lambda > upper-alpha[down] {
				lambda = upper - alpha[down]
			}
			if lambda <= 0 {
				break
			}

			alpha[up] -= lambda
			alpha[down] += lambda
			for i := 0; i < n; i++ {
				grad[i] += lambda * (kern[i][down] - kern[i][up])
			}
			improved = true
		}
		if !improved {
			break
		}
	}

	b := &boundary{train: train, alpha: alpha, gamma: gamma}

	// Threshold at the nu-quantile of training scores: the boundary encloses
	// roughly the densest (1-nu) of the fitted points.
	scores := make([]float64, n)
	for i, p := range train {
		scores[i] = b.score(p)
	}
	sort.Float64s(scores)
	idx := int(nu * float64(n))
	if idx >= n {
		idx = n - 1
	}
	b.rho = scores[idx]
	return b
}

// score is the kernel expansion sum_i alpha_i K(p, x_i).
func (b *boundary) score(p []float64) float64 {
	s := 0.0
	for i, x := range b.train {
		if b.alpha[i] == 0 {
			continue
		}
		s += b.alpha[i] * rbf(p, x, b.gamma)
	}
	return s
}

// contains reports whether p lies inside the fitted boundary.
func (b *boundary) contains(p []float64) bool {
	return b.score(p) >= b.rho
}

func rbf(a, b []float64, gamma float64) float64 {
	d2 := 0.0
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-gamma * d2)
}
