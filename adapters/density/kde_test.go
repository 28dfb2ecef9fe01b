package density

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"traitspace/domain/core"
)

func TestEstimate_ThresholdsDecreaseWithProbability(t *testing.T) {
	est := New(Config{GridSize: 64, Levels: []float64{0.50, 0.95, 0.99}})
	surface, err := est.Estimate(testCloud(200, 3))
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}

	if len(surface.Thresholds) != 3 {
		t.Fatalf("got %d thresholds, want 3", len(surface.Thresholds))
	}
	for i := 1; i < len(surface.Thresholds); i++ {
		prev, cur := surface.Thresholds[i-1], surface.Thresholds[i]
		if cur.Probability <= prev.Probability {
			t.Fatalf("levels not ascending: %v then %v", prev.Probability, cur.Probability)
		}
		if cur.Density > prev.Density {
			t.Errorf("threshold density rose with probability: %.3g mass at %.6g, %.3g mass at %.6g",
				prev.Probability, prev.Density, cur.Probability, cur.Density)
		}
	}
}

func TestEstimate_MassInsideContourApproximatesLevel(t *testing.T) {
	est := New(Config{GridSize: 128, Levels: []float64{0.50}})
	surface, err := est.Estimate(testCloud(500, 7))
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}

	threshold := surface.Thresholds[0].Density
	cellArea := (surface.X[1] - surface.X[0]) * (surface.Y[1] - surface.Y[0])
	inside, total := 0.0, 0.0
	for _, row := range surface.Density {
		for _, d := range row {
			total += d * cellArea
			if d >= threshold {
				inside += d * cellArea
			}
		}
	}
	if frac := inside / total; math.Abs(frac-0.50) > 0.05 {
		t.Errorf("mass inside 50%% contour = %.3f, want ~0.50", frac)
	}
}

func TestEstimate_GridCoversAllPoints(t *testing.T) {
	points := testCloud(50, 1)
	surface, err := New(Config{GridSize: 32}).Estimate(points)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	for _, p := range points {
		if p[0] < surface.X[0] || p[0] > surface.X[len(surface.X)-1] ||
			p[1] < surface.Y[0] || p[1] > surface.Y[len(surface.Y)-1] {
			t.Fatalf("point %v outside the evaluation grid", p)
		}
	}
}

func TestEstimate_DegenerateInputs(t *testing.T) {
	est := New(Config{})

	if _, err := est.Estimate([][2]float64{{0, 0}, {1, 1}}); !errors.Is(err, core.ErrDegenerateMatrix) {
		t.Errorf("expected degenerate-matrix error for 2 points, got %v", err)
	}

	constant := [][2]float64{{1, 2}, {1, 3}, {1, 4}, {1, 5}}
	if _, err := est.Estimate(constant); !errors.Is(err, core.ErrZeroVarianceTrait) {
		t.Errorf("expected zero-variance error for a constant axis, got %v", err)
	}
}

func testCloud(n int, seed int64) [][2]float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{r.NormFloat64(), 0.5*r.NormFloat64() + 1}
	}
	return out
}
