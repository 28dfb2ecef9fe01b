package nullmodel

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"traitspace/adapters/rng"
	"traitspace/domain/core"
	"traitspace/domain/traits"
)

func TestGenerate_SharesShapeAndIdentity(t *testing.T) {
	observed := testObserved(25, 4, 3)
	g := New(rng.NewStreamFactory(), 42)

	for _, mode := range Modes {
		synth, err := g.Generate(context.Background(), mode, observed, 0)
		if err != nil {
			t.Fatalf("%s: generate failed: %v", mode, err)
		}
		r1, c1 := observed.Dims()
		r2, c2 := synth.Dims()
		if r1 != r2 || c1 != c2 {
			t.Fatalf("%s: shape %dx%d, want %dx%d", mode, r2, c2, r1, c1)
		}
		for i := range observed.Species {
			if synth.Species[i] != observed.Species[i] {
				t.Fatalf("%s: row identity drifted at %d", mode, i)
			}
		}
	}
}

func TestGenerate_DeterministicPerTrial(t *testing.T) {
	observed := testObserved(25, 4, 3)
	g := New(rng.NewStreamFactory(), 42)

	for _, mode := range Modes {
		a, err := g.Generate(context.Background(), mode, observed, 5)
		if err != nil {
			t.Fatalf("%s: generate failed: %v", mode, err)
		}
		b, _ := g.Generate(context.Background(), mode, observed, 5)
		c, _ := g.Generate(context.Background(), mode, observed, 6)

		if !equalValues(a.Values, b.Values) {
			t.Errorf("%s: same trial produced different matrices", mode)
		}
		if equalValues(a.Values, c.Values) {
			t.Errorf("%s: different trials produced identical matrices", mode)
		}
	}
}

func TestShuffle_PreservesColumnMultisets(t *testing.T) {
	observed := testObserved(30, 3, 7)
	g := New(rng.NewStreamFactory(), 42)

	synth, err := g.Generate(context.Background(), ModeShuffle, observed, 0)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	_, cols := observed.Dims()
	for j := 0; j < cols; j++ {
		want := append([]float64(nil), observed.Column(j)...)
		got := append([]float64(nil), synth.Column(j)...)
		sort.Float64s(want)
		sort.Float64s(got)
		for i := range want {
			if want[i] != got[i] {
				t.Fatalf("column %d multiset changed under shuffle", j)
			}
		}
	}
}

func TestUniform_StaysWithinObservedRange(t *testing.T) {
	observed := testObserved(30, 3, 7)
	g := New(rng.NewStreamFactory(), 42)

	synth, err := g.Generate(context.Background(), ModeUniform, observed, 0)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	_, cols := observed.Dims()
	for j := 0; j < cols; j++ {
		col := observed.Column(j)
		lo, hi := col[0], col[0]
		for _, v := range col {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		for _, v := range synth.Column(j) {
			if v < lo || v > hi {
				t.Fatalf("column %d value %v outside observed range [%v, %v]", j, v, lo, hi)
			}
		}
	}
}

func TestStandardizedModes_HaveUnitColumns(t *testing.T) {
	observed := testObserved(40, 3, 9)
	g := New(rng.NewStreamFactory(), 42)

	for _, mode := range []Mode{ModeNormal, ModeCorrelated} {
		synth, err := g.Generate(context.Background(), mode, observed, 0)
		if err != nil {
			t.Fatalf("%s: generate failed: %v", mode, err)
		}
		rows, cols := synth.Dims()
		for j := 0; j < cols; j++ {
			col := synth.Column(j)
			mean, ss := 0.0, 0.0
			for _, v := range col {
				mean += v
			}
			mean /= float64(rows)
			for _, v := range col {
				ss += (v - mean) * (v - mean)
			}
			sd := math.Sqrt(ss / float64(rows-1))
			if math.Abs(mean) > 1e-9 || math.Abs(sd-1) > 1e-9 {
				t.Errorf("%s: column %d mean %v sd %v, want 0 and 1", mode, j, mean, sd)
			}
		}
	}
}

func TestGenerate_UnknownMode(t *testing.T) {
	observed := testObserved(10, 2, 1)
	g := New(rng.NewStreamFactory(), 42)

	_, err := g.Generate(context.Background(), Mode("bogus"), observed, 0)
	if !errors.Is(err, core.ErrUnknownNullModel) {
		t.Fatalf("expected ErrUnknownNullModel, got %v", err)
	}
}

func testObserved(rows, cols int, seed int64) *traits.TraitMatrix {
	r := rand.New(rand.NewSource(seed))
	species := make([]core.SpeciesID, rows)
	columns := make([]core.TraitKey, cols)
	for j := range columns {
		columns[j] = core.TraitKey("t" + string(rune('a'+j)))
	}
	values := make([][]float64, rows)
	for i := range values {
		species[i] = core.SpeciesID(string(rune('a'+i/26)) + string(rune('a'+i%26)))
		base := r.NormFloat64()
		row := make([]float64, cols)
		for j := range row {
			row[j] = base + 0.5*r.NormFloat64()
		}
		values[i] = row
	}
	m, err := traits.NewTraitMatrix(species, columns, values)
	if err != nil {
		panic(err)
	}
	return m
}

func equalValues(a, b [][]float64) bool {
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}
