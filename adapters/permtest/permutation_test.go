package permtest

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"traitspace/domain/core"
	"traitspace/domain/space"
)

func TestTest_PValueBoundedAwayFromZero(t *testing.T) {
	// Observed far above every simulated value: p must still be positive.
	simulated := make([]float64, 999)
	for i := range simulated {
		simulated[i] = float64(i) / 1000
	}

	res, err := Test(100.0, simulated, space.AltGreater)
	if err != nil {
		t.Fatalf("test failed: %v", err)
	}
	want := 1.0 / 1000
	if math.Abs(res.PValue-want) > 1e-12 {
		t.Errorf("p = %v, want %v", res.PValue, want)
	}
	if res.PValue <= 0 || res.PValue > 1 {
		t.Errorf("p = %v outside (0, 1]", res.PValue)
	}
}

func TestTest_AlternativesAgree(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	simulated := make([]float64, 500)
	for i := range simulated {
		simulated[i] = r.NormFloat64()
	}
	observed := 0.3

	less, err := Test(observed, simulated, space.AltLess)
	if err != nil {
		t.Fatalf("less: %v", err)
	}
	greater, err := Test(observed, simulated, space.AltGreater)
	if err != nil {
		t.Fatalf("greater: %v", err)
	}
	two, err := Test(observed, simulated, space.AltTwoSided)
	if err != nil {
		t.Fatalf("two-sided: %v", err)
	}

	want := 2 * math.Min(less.PValue, greater.PValue)
	if want > 1 {
		want = 1
	}
	if math.Abs(two.PValue-want) > 1e-12 {
		t.Errorf("two-sided p = %v, want %v", two.PValue, want)
	}
	for _, res := range []*space.PermutationResult{less, greater, two} {
		if res.PValue <= 0 || res.PValue > 1 {
			t.Errorf("%s p = %v outside (0, 1]", res.Alternative, res.PValue)
		}
	}
}

func TestTest_EffectIsStandardized(t *testing.T) {
	simulated := []float64{1, 2, 3, 4, 5}
	res, err := Test(3.0, simulated, space.AltTwoSided)
	if err != nil {
		t.Fatalf("test failed: %v", err)
	}
	// Observed equals the null mean exactly.
	if math.Abs(res.Effect) > 1e-12 {
		t.Errorf("effect = %v, want 0 at the null mean", res.Effect)
	}

	res, _ = Test(3.0+1.5811388300841898, simulated, space.AltTwoSided)
	if math.Abs(res.Effect-1) > 1e-9 {
		t.Errorf("effect = %v, want 1 at one null sd above the mean", res.Effect)
	}
}

func TestTest_RejectsEmptyNull(t *testing.T) {
	_, err := Test(1.0, nil, space.AltTwoSided)
	if !errors.Is(err, core.ErrTooFewTrials) {
		t.Fatalf("expected ErrTooFewTrials, got %v", err)
	}
}

func TestTest_UnknownAlternative(t *testing.T) {
	if _, err := Test(1.0, []float64{1, 2}, space.Alternative("sideways")); err == nil {
		t.Fatal("expected error for unknown alternative")
	}
}

func TestMannWhitney_DetectsObviousShift(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	x := make([]float64, 80)
	y := make([]float64, 80)
	for i := range x {
		x[i] = r.NormFloat64()
		y[i] = r.NormFloat64() + 3
	}

	res, err := MannWhitney(x, y, space.AltTwoSided)
	if err != nil {
		t.Fatalf("rank test failed: %v", err)
	}
	if res.PValue > 0.001 {
		t.Errorf("p = %v for a 3-sd shift, want << 0.001", res.PValue)
	}

	// Direction: x below y means small U for x, negative z.
	if res.Z >= 0 {
		t.Errorf("z = %v, want negative when x sits below y", res.Z)
	}
}

func TestMannWhitney_AllTiedIsInconclusive(t *testing.T) {
	x := []float64{1, 1, 1}
	y := []float64{1, 1, 1}

	res, err := MannWhitney(x, y, space.AltTwoSided)
	if err != nil {
		t.Fatalf("rank test failed: %v", err)
	}
	if res.PValue != 1 || res.Z != 0 {
		t.Errorf("all-tied samples gave p=%v z=%v, want p=1 z=0", res.PValue, res.Z)
	}
}

func TestMannWhitney_RejectsEmptySamples(t *testing.T) {
	if _, err := MannWhitney(nil, []float64{1}, space.AltTwoSided); !errors.Is(err, core.ErrTooFewTrials) {
		t.Fatalf("expected ErrTooFewTrials, got %v", err)
	}
}

func TestMidRanks_TieAveraging(t *testing.T) {
	ranks, tieTerm := midRanks([]float64{1, 2, 2}, []float64{2, 5})
	// Pooled sorted: 1, 2, 2, 2, 5 -> ranks 1, 3, 3, 3, 5.
	want := []float64{1, 3, 3, 3, 5}
	for i := range want {
		if ranks[i] != want[i] {
			t.Fatalf("ranks = %v, want %v", ranks, want)
		}
	}
	if tieTerm != 24 { // one tie group of 3: 27 - 3
		t.Errorf("tie term = %v, want 24", tieTerm)
	}
}
