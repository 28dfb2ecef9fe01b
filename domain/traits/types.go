package traits

import (
	"fmt"
	"math"

	"traitspace/domain/core"
)

// ============================================================================
// STABLE PRIMITIVES (Canonical, never change)
// ============================================================================

// TraitRecord describes one species: its identifier, its (possibly incomplete)
// trait measurements and its taxonomic group tag.
// INVARIANT: Species is unique across the whole population.
type TraitRecord struct {
	Species core.SpeciesID            `json:"species"`
	Traits  map[core.TraitKey]float64 `json:"traits"` // absent key = missing measurement
	Group   Group                     `json:"group"`
	Risk    RiskCategory              `json:"risk"`
	Extinct bool                      `json:"extinct"` // known extinct: informs imputation, dropped afterwards
}

// Group tags the taxonomic group a species belongs to. Imputation models are
// fit per group because predictor relationships differ between groups.
type Group string

// RiskCategory is the ordered extinction-risk scale.
type RiskCategory string

const (
	RiskNone           RiskCategory = "no-risk"
	RiskNearThreatened RiskCategory = "near-threatened"
	RiskVulnerable     RiskCategory = "vulnerable"
	RiskEndangered     RiskCategory = "endangered"
	RiskCritical       RiskCategory = "critical"
)

// RiskOrder lists categories from least to most threatened.
var RiskOrder = []RiskCategory{
	RiskNone, RiskNearThreatened, RiskVulnerable, RiskEndangered, RiskCritical,
}

// DefaultRisk is the explicit policy for species lacking a risk category:
// treat them as the least-risk category, never drop them silently.
const DefaultRisk = RiskNone

// ParseRisk maps a raw label onto the ordered scale. Unknown labels fall back
// to DefaultRisk and report ok=false so callers can count the defaults applied.
func ParseRisk(label string) (RiskCategory, bool) {
	switch RiskCategory(label) {
	case RiskNone, RiskNearThreatened, RiskVulnerable, RiskEndangered, RiskCritical:
		return RiskCategory(label), true
	}
	return DefaultRisk, false
}

// RiskProbabilities maps each risk category to its extinction probability.
type RiskProbabilities map[RiskCategory]float64

// Validate checks every probability lies in [0, 1].
func (rp RiskProbabilities) Validate() error {
	for cat, p := range rp {
		if p < 0 || p > 1 || math.IsNaN(p) {
			return fmt.Errorf("extinction probability for %s out of [0,1]: %v", cat, p)
		}
	}
	return nil
}

// Probability returns the extinction probability for cat, defaulting to the
// least-risk category's probability when cat is unmapped.
func (rp RiskProbabilities) Probability(cat RiskCategory) float64 {
	if p, ok := rp[cat]; ok {
		return p
	}
	return rp[DefaultRisk]
}
