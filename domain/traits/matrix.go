package traits

import (
	"fmt"
	"math"
	"sort"

	"traitspace/domain/core"
)

// TraitTable is a species-by-trait table that may still contain missing cells,
// encoded as NaN. It is the input to the imputation stage and never flows
// further downstream.
type TraitTable struct {
	Species []core.SpeciesID
	Columns []core.TraitKey
	Values  [][]float64 // row-major; NaN marks a missing measurement
}

// NewTableFromRecords flattens trait records into a table with a fixed column
// order. Missing trait values become NaN cells.
func NewTableFromRecords(records []TraitRecord, columns []core.TraitKey) *TraitTable {
	t := &TraitTable{
		Species: make([]core.SpeciesID, len(records)),
		Columns: columns,
		Values:  make([][]float64, len(records)),
	}
	for i, rec := range records {
		t.Species[i] = rec.Species
		row := make([]float64, len(columns))
		for j, col := range columns {
			if v, ok := rec.Traits[col]; ok {
				row[j] = v
			} else {
				row[j] = math.NaN()
			}
		}
		t.Values[i] = row
	}
	return t
}

// Dims returns (rows, cols).
func (t *TraitTable) Dims() (int, int) { return len(t.Species), len(t.Columns) }

// MissingCount returns the number of NaN cells per column.
func (t *TraitTable) MissingCount() map[core.TraitKey]int {
	counts := make(map[core.TraitKey]int, len(t.Columns))
	for j, col := range t.Columns {
		n := 0
		for i := range t.Values {
			if math.IsNaN(t.Values[i][j]) {
				n++
			}
		}
		counts[col] = n
	}
	return counts
}

// TraitMatrix is a complete species-by-trait table: no missing cells.
// Produced only by the imputation stage and consumed read-only afterwards.
type TraitMatrix struct {
	Species []core.SpeciesID
	Columns []core.TraitKey
	Values  [][]float64
}

// NewTraitMatrix validates completeness: any NaN cell is a construction error.
func NewTraitMatrix(species []core.SpeciesID, columns []core.TraitKey, values [][]float64) (*TraitMatrix, error) {
	if len(values) != len(species) {
		return nil, fmt.Errorf("row count %d does not match species count %d", len(values), len(species))
	}
	for i, row := range values {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(columns))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("cell (%s, %s) is not finite", species[i], columns[j])
			}
		}
	}
	return &TraitMatrix{Species: species, Columns: columns, Values: values}, nil
}

// Dims returns (rows, cols).
func (m *TraitMatrix) Dims() (int, int) { return len(m.Species), len(m.Columns) }

// ColumnIndex returns the position of a trait column.
func (m *TraitMatrix) ColumnIndex(key core.TraitKey) (int, error) {
	for j, col := range m.Columns {
		if col == key {
			return j, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", core.ErrTraitNotFound, key)
}

// Column returns a copy of one trait column.
func (m *TraitMatrix) Column(j int) []float64 {
	out := make([]float64, len(m.Values))
	for i := range m.Values {
		out[i] = m.Values[i][j]
	}
	return out
}

// Clone deep-copies the matrix.
func (m *TraitMatrix) Clone() *TraitMatrix {
	values := make([][]float64, len(m.Values))
	for i, row := range m.Values {
		values[i] = append([]float64(nil), row...)
	}
	return &TraitMatrix{
		Species: append([]core.SpeciesID(nil), m.Species...),
		Columns: append([]core.TraitKey(nil), m.Columns...),
		Values:  values,
	}
}

// SortBySpecies reorders rows by species identifier, in place. Used after
// per-group imputation results are concatenated.
func (m *TraitMatrix) SortBySpecies() {
	idx := make([]int, len(m.Species))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return m.Species[idx[a]] < m.Species[idx[b]] })

	species := make([]core.SpeciesID, len(idx))
	values := make([][]float64, len(idx))
	for pos, i := range idx {
		species[pos] = m.Species[i]
		values[pos] = m.Values[i]
	}
	m.Species = species
	m.Values = values
}

// SubsetRows returns a new matrix holding only the named species, preserving
// row order. Unknown identifiers are ignored.
func (m *TraitMatrix) SubsetRows(keep map[core.SpeciesID]bool) *TraitMatrix {
	var species []core.SpeciesID
	var values [][]float64
	for i, sp := range m.Species {
		if keep[sp] {
			species = append(species, sp)
			values = append(values, m.Values[i])
		}
	}
	return &TraitMatrix{Species: species, Columns: m.Columns, Values: values}
}

// Standardize z-transforms every column: subtract the column mean, divide by
// the sample standard deviation, both computed over this matrix only.
// A zero-variance column is a fatal error, not a silent passthrough.
func (m *TraitMatrix) Standardize() (*TraitMatrix, error) {
	rows, cols := m.Dims()
	if rows < 2 {
		return nil, fmt.Errorf("%w: %d rows", core.ErrDegenerateMatrix, rows)
	}

	out := m.Clone()
	for j := 0; j < cols; j++ {
		mean := 0.0
		for i := 0; i < rows; i++ {
			mean += m.Values[i][j]
		}
		mean /= float64(rows)

		ss := 0.0
		for i := 0; i < rows; i++ {
			d := m.Values[i][j] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(rows-1))
		if sd == 0 {
			return nil, fmt.Errorf("%w: %s", core.ErrZeroVarianceTrait, m.Columns[j])
		}

		for i := 0; i < rows; i++ {
			out.Values[i][j] = (m.Values[i][j] - mean) / sd
		}
	}
	return out, nil
}

// ImputedEnsemble is an ordered sequence of M complete realizations of the
// trait matrix. All members share identical row and column identity; they
// differ only in previously-missing cells.
type ImputedEnsemble struct {
	Members []*TraitMatrix
}

// Validate checks the shared-identity invariant across members.
func (e *ImputedEnsemble) Validate() error {
	if len(e.Members) == 0 {
		return fmt.Errorf("ensemble has no members")
	}
	ref := e.Members[0]
	for k, m := range e.Members[1:] {
		if len(m.Species) != len(ref.Species) || len(m.Columns) != len(ref.Columns) {
			return fmt.Errorf("member %d shape differs from member 0", k+1)
		}
		for i := range ref.Species {
			if m.Species[i] != ref.Species[i] {
				return fmt.Errorf("member %d row %d is %s, want %s", k+1, i, m.Species[i], ref.Species[i])
			}
		}
		for j := range ref.Columns {
			if m.Columns[j] != ref.Columns[j] {
				return fmt.Errorf("member %d column %d is %s, want %s", k+1, j, m.Columns[j], ref.Columns[j])
			}
		}
	}
	return nil
}

// Size returns M.
func (e *ImputedEnsemble) Size() int { return len(e.Members) }
