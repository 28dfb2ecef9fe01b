// Package space holds the reduced trait-space types shared by every stage
// downstream of the ensemble PCA: consensus coordinates, permutation-test
// results and the immutable observed-result object.
package space

import (
	"fmt"

	"traitspace/domain/core"
)

// TraitSpacePoint is one species' position in reduced trait space, plus the
// per-ensemble-member coordinates it was averaged from.
type TraitSpacePoint struct {
	Species   core.SpeciesID `json:"species"`
	Coords    []float64      `json:"coords"`
	PerMember [][]float64    `json:"per_member,omitempty"` // member index -> coordinate vector
}

// ConsensusSpace is the ensemble-averaged low-dimensional representation used
// by all hypervolume and density computations.
// GUARANTEE: coordinates are arithmetic means of per-run scores, deterministic
// given the ensemble and invariant to member ordering.
type ConsensusSpace struct {
	Points       []TraitSpacePoint           `json:"points"`
	Loadings     map[core.TraitKey][]float64 `json:"loadings"`      // trait -> per-component loading
	VarExplained []float64                   `json:"var_explained"` // mean fraction per component
	Components   int                         `json:"components"`
}

// Coordinates returns the species-by-component score matrix in point order.
func (c *ConsensusSpace) Coordinates() [][]float64 {
	out := make([][]float64, len(c.Points))
	for i, p := range c.Points {
		out[i] = p.Coords
	}
	return out
}

// SpeciesIDs returns the row identity of Coordinates.
func (c *ConsensusSpace) SpeciesIDs() []core.SpeciesID {
	out := make([]core.SpeciesID, len(c.Points))
	for i, p := range c.Points {
		out[i] = p.Species
	}
	return out
}

// Axes extracts two named component axes as a 2D point cloud, for density
// estimation. Components are zero-indexed.
func (c *ConsensusSpace) Axes(a, b int) ([][2]float64, error) {
	if a < 0 || b < 0 || a >= c.Components || b >= c.Components {
		return nil, fmt.Errorf("component axes (%d, %d) out of range, have %d components", a, b, c.Components)
	}
	pts := make([][2]float64, len(c.Points))
	for i, p := range c.Points {
		pts[i] = [2]float64{p.Coords[a], p.Coords[b]}
	}
	return pts, nil
}

// Alternative names the alternative hypothesis of a permutation test.
type Alternative string

const (
	AltLess     Alternative = "less"
	AltGreater  Alternative = "greater"
	AltTwoSided Alternative = "two-sided"
)

// PermutationResult is the outcome of one Monte Carlo permutation test.
// INVARIANT: PValue lies in (0, 1]; the +1 smoothing keeps it away from 0.
type PermutationResult struct {
	Observed    float64     `json:"observed"`
	Simulated   []float64   `json:"simulated"`
	PValue      float64     `json:"p_value"`
	Effect      float64     `json:"effect"` // (observed - null mean) / null sd
	Alternative Alternative `json:"alternative"`
	Trials      int         `json:"trials"`
}

// ObservedResult is the single observed hypervolume statistic, constructed
// once and passed by reference into every downstream test. It is never
// recomputed.
type ObservedResult struct {
	Volume      float64          `json:"volume"`
	Dimensions  int              `json:"dimensions"`
	Species     int              `json:"species"`
	Fingerprint core.Fingerprint `json:"fingerprint"`
	ComputedAt  core.Timestamp   `json:"computed_at"`
}

// RunManifest captures the complete determinism metadata and outcome counts
// for one pipeline run, persisted next to the trial results.
type RunManifest struct {
	RunID        core.RunID       `json:"run_id"`
	Fingerprint  core.Fingerprint `json:"fingerprint"`
	Seed         int64            `json:"seed"`
	EnsembleSize int              `json:"ensemble_size"`
	Components   int              `json:"components"`
	NullTrials   int              `json:"null_trials"`
	FailedTrials int              `json:"failed_trials"`
	RuntimeMs    int64            `json:"runtime_ms"`
	CreatedAt    core.Timestamp   `json:"created_at"`
}
