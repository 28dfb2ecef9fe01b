package tabular

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"traitspace/domain/core"
)

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testReader() *Reader {
	return NewReader(slog.New(slog.DiscardHandler))
}

func TestLoadDataset_JoinsTablesAndSplitsAux(t *testing.T) {
	traitPath := writeCSV(t, "traits.csv", `species,mass,length,phylo_1
sp_a,1.5,NA,0.2
sp_b,2.0,3.5,0.4
sp_c,,4.0,0.6
`)
	riskPath := writeCSV(t, "risks.csv", `species,risk
sp_a,endangered
sp_b,bogus-label
`)
	groupPath := writeCSV(t, "groups.csv", `species,group
sp_a,birds
sp_b,birds
sp_c,extinct
`)

	ds, err := testReader().LoadDataset(traitPath, riskPath, groupPath, "phylo_", "extinct")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(ds.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(ds.Records))
	}
	if len(ds.Columns) != 2 || ds.Columns[0] != "mass" || ds.Columns[1] != "length" {
		t.Fatalf("aux column leaked into trait columns: %v", ds.Columns)
	}

	byID := make(map[core.SpeciesID]int)
	for i, rec := range ds.Records {
		byID[rec.Species] = i
	}

	a := ds.Records[byID["sp_a"]]
	if a.Risk != "endangered" {
		t.Errorf("sp_a risk = %s, want endangered", a.Risk)
	}
	if _, ok := a.Traits["length"]; ok {
		t.Error("NA cell should be missing, not parsed")
	}
	if len(ds.Aux[a.Species]) != 1 || ds.Aux[a.Species][0] != 0.2 {
		t.Errorf("sp_a aux = %v, want [0.2]", ds.Aux[a.Species])
	}

	b := ds.Records[byID["sp_b"]]
	if b.Risk != "no-risk" {
		t.Errorf("unparsed risk label should default to no-risk, got %s", b.Risk)
	}

	c := ds.Records[byID["sp_c"]]
	if !c.Extinct {
		t.Error("sp_c should be marked extinct by its group label")
	}
	if c.Risk != "no-risk" {
		t.Errorf("species without a risk row should default to no-risk, got %s", c.Risk)
	}
	if _, ok := c.Traits["mass"]; ok {
		t.Error("empty cell should be missing")
	}
}

func TestLoadDataset_DuplicateSpeciesFails(t *testing.T) {
	traitPath := writeCSV(t, "traits.csv", `species,mass
sp_a,1.0
sp_a,2.0
`)
	_, err := testReader().LoadDataset(traitPath, "", "", "", "")
	if err == nil {
		t.Fatal("expected duplicate-species error")
	}
}

func TestLoadDataset_MalformedNumberFails(t *testing.T) {
	traitPath := writeCSV(t, "traits.csv", `species,mass
sp_a,not-a-number
`)
	_, err := testReader().LoadDataset(traitPath, "", "", "", "")
	if err == nil {
		t.Fatal("expected parse error for non-numeric cell")
	}
}

func TestReadRows_UnsupportedFormat(t *testing.T) {
	path := writeCSV(t, "traits.txt", "species,mass\nsp_a,1\n")
	if _, err := testReader().ReadRows(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if _, err := testReader().ReadRows(filepath.Join(t.TempDir(), "absent.csv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
