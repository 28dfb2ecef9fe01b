// Package tabular reads the three input tables (traits, risk categories,
// taxonomic groups) from CSV or XLSX files and joins them by species
// identifier into trait records. Parsing is deliberately thin: the heavy
// lifting lives downstream of these tables.
package tabular

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"traitspace/domain/core"
	"traitspace/domain/traits"
)

// Reader handles reading CSV and XLSX tables.
type Reader struct {
	log *slog.Logger
}

// NewReader creates a reader.
func NewReader(log *slog.Logger) *Reader {
	return &Reader{log: log}
}

// ReadRows reads the raw string rows of a table, dispatching on extension.
func (r *Reader) ReadRows(path string) ([][]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("table file not found: %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return r.readCSV(path)
	case ".xlsx":
		return r.readXLSX(path)
	default:
		return nil, fmt.Errorf("unsupported table format: %s", path)
	}
}

func (r *Reader) readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV %s: %w", path, err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s: need a header row and at least one data row", path)
	}
	return rows, nil
}

func (r *Reader) readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open XLSX %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s: workbook has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s of %s: %w", sheets[0], path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s: need a header row and at least one data row", path)
	}
	return rows, nil
}

// Dataset is the joined input: trait records plus auxiliary predictors.
type Dataset struct {
	Records []traits.TraitRecord
	Columns []core.TraitKey
	Aux     map[core.SpeciesID][]float64 // phylogenetic eigenvectors per species
}

// LoadDataset reads the trait table and joins the risk and group tables onto
// it. Trait columns prefixed with auxPrefix (e.g. "phylo_") are treated as
// auxiliary predictors, not traits. The extinctLabel group value marks
// known-extinct species. Species without a risk row get the least-risk
// category by policy; the count of defaults applied is logged, never hidden.
func (r *Reader) LoadDataset(traitPath, riskPath, groupPath, auxPrefix, extinctLabel string) (*Dataset, error) {
	traitRows, err := r.ReadRows(traitPath)
	if err != nil {
		return nil, err
	}

	riskBySpecies, unknownRisks, err := r.loadLabelTable(riskPath)
	if err != nil {
		return nil, err
	}
	groupBySpecies, _, err := r.loadLabelTable(groupPath)
	if err != nil {
		return nil, err
	}

	header := traitRows[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: trait table needs a species column plus trait columns", traitPath)
	}

	var traitCols []core.TraitKey
	traitIdx := map[int]core.TraitKey{}
	auxIdx := map[int]bool{}
	for i, h := range header[1:] {
		col := strings.TrimSpace(h)
		if auxPrefix != "" && strings.HasPrefix(col, auxPrefix) {
			auxIdx[i+1] = true
			continue
		}
		key := core.TraitKey(col)
		traitCols = append(traitCols, key)
		traitIdx[i+1] = key
	}

	ds := &Dataset{Columns: traitCols, Aux: make(map[core.SpeciesID][]float64)}
	defaulted := 0
	for rowNum, row := range traitRows[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		sp := core.SpeciesID(strings.TrimSpace(row[0]))

		rec := traits.TraitRecord{
			Species: sp,
			Traits:  make(map[core.TraitKey]float64),
		}

		var aux []float64
		for i := 1; i < len(header) && i < len(row); i++ {
			cell := strings.TrimSpace(row[i])
			if cell == "" || strings.EqualFold(cell, "NA") {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %s: %w", traitPath, rowNum+2, header[i], err)
			}
			if auxIdx[i] {
				aux = append(aux, v)
			} else {
				rec.Traits[traitIdx[i]] = v
			}
		}
		if len(aux) > 0 {
			ds.Aux[sp] = aux
		}

		groupLabel := groupBySpecies[sp]
		if extinctLabel != "" && strings.EqualFold(groupLabel, extinctLabel) {
			rec.Extinct = true
		}
		rec.Group = traits.Group(groupLabel)

		if label, ok := riskBySpecies[sp]; ok {
			risk, known := traits.ParseRisk(label)
			rec.Risk = risk
			if !known {
				defaulted++
			}
		} else {
			rec.Risk = traits.DefaultRisk
			defaulted++
		}

		ds.Records = append(ds.Records, rec)
	}

	if defaulted > 0 || unknownRisks > 0 {
		r.log.Warn("risk categories defaulted to least-risk",
			"species_defaulted", defaulted, "unparsed_labels", unknownRisks)
	}
	if err := checkUniqueSpecies(ds.Records); err != nil {
		return nil, err
	}
	return ds, nil
}

// loadLabelTable reads a two-column (species, label) table.
func (r *Reader) loadLabelTable(path string) (map[core.SpeciesID]string, int, error) {
	if path == "" {
		return map[core.SpeciesID]string{}, 0, nil
	}
	rows, err := r.ReadRows(path)
	if err != nil {
		return nil, 0, err
	}

	out := make(map[core.SpeciesID]string, len(rows)-1)
	malformed := 0
	for _, row := range rows[1:] {
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" {
			malformed++
			continue
		}
		out[core.SpeciesID(strings.TrimSpace(row[0]))] = strings.TrimSpace(row[1])
	}
	return out, malformed, nil
}

func checkUniqueSpecies(records []traits.TraitRecord) error {
	seen := make(map[core.SpeciesID]bool, len(records))
	for _, rec := range records {
		if seen[rec.Species] {
			return fmt.Errorf("duplicate species identifier: %s", rec.Species)
		}
		seen[rec.Species] = true
	}
	return nil
}
