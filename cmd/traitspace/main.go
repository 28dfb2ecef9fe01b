// Command traitspace runs the full trait-space analysis: impute, reduce,
// bound, test, simulate. Results land in the output directory and the trial
// store; summary tables print to stdout.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"traitspace/adapters/rng"
	"traitspace/adapters/storage"
	"traitspace/adapters/tabular"
	"traitspace/app"
	"traitspace/config"
	"traitspace/domain/core"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	outDir := flag.String("out", "results", "output directory for coordinates, loadings and the result JSON")
	flag.Parse()

	if err := run(*configPath, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "traitspace: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, outDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	reader := tabular.NewReader(log)
	ds, err := reader.LoadDataset(
		cfg.Input.TraitTable, cfg.Input.RiskTable, cfg.Input.GroupTable,
		cfg.Input.AuxPrefix, cfg.Input.ExtinctLabel)
	if err != nil {
		return err
	}
	log.Info("dataset loaded", "species", len(ds.Records), "traits", len(ds.Columns))

	service := app.NewPipelineService(cfg, store, rng.NewStreamFactory(), log)
	result, err := service.Run(context.Background(), ds.Records, ds.Columns, ds.Aux)
	if err != nil {
		return err
	}

	if err := writeOutputs(outDir, result); err != nil {
		return err
	}
	printSummary(os.Stdout, result)
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func writeOutputs(dir string, result *app.PipelineResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := writeCoordinates(filepath.Join(dir, "coordinates.csv"), result); err != nil {
		return err
	}
	if err := writeLoadings(filepath.Join(dir, "loadings.csv"), result); err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644); err != nil {
		return fmt.Errorf("write result.json: %w", err)
	}
	return nil
}

func writeCoordinates(path string, result *app.PipelineResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"species"}
	for k := 0; k < result.Consensus.Components; k++ {
		header = append(header, "PC"+strconv.Itoa(k+1))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, p := range result.Consensus.Points {
		row := []string{p.Species.String()}
		for _, c := range p.Coords {
			row = append(row, strconv.FormatFloat(c, 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeLoadings(path string, result *app.PipelineResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	keys := make([]core.TraitKey, 0, len(result.Consensus.Loadings))
	for k := range result.Consensus.Loadings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })

	w := csv.NewWriter(f)
	header := []string{"trait"}
	for k := 0; k < result.Consensus.Components; k++ {
		header = append(header, "PC"+strconv.Itoa(k+1))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, key := range keys {
		row := []string{key.String()}
		for _, v := range result.Consensus.Loadings[key] {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printSummary(out *os.File, result *app.PipelineResult) {
	fmt.Fprintf(out, "\nObserved hypervolume: %.4f (%d species, %d dimensions)\n\n",
		result.Observed.Volume, result.Observed.Species, result.Observed.Dimensions)

	nulls := tablewriter.NewWriter(out)
	nulls.Header("Null model", "p-value", "Effect (SES)", "Failed")
	for _, nt := range result.NullTests {
		nulls.Append(string(nt.Mode),
			strconv.FormatFloat(nt.Test.PValue, 'f', 4, 64),
			strconv.FormatFloat(nt.Test.Effect, 'f', 3, 64),
			strconv.Itoa(nt.Failed))
	}
	nulls.Render()

	fmt.Fprintln(out)
	scenarios := tablewriter.NewWriter(out)
	scenarios.Header("Statistic", "Intact", "Scenario mean", "Random mean", "p vs intact", "U p-value", "Failed")
	appendScenario := func(c app.ScenarioComparison) {
		scenarios.Append(c.Name,
			strconv.FormatFloat(c.Intact, 'f', 4, 64),
			strconv.FormatFloat(c.ScenarioMean, 'f', 4, 64),
			strconv.FormatFloat(c.RandomMean, 'f', 4, 64),
			strconv.FormatFloat(c.VsIntact.PValue, 'f', 4, 64),
			strconv.FormatFloat(c.RankTest.PValue, 'f', 4, 64),
			strconv.Itoa(c.Failed))
	}
	if result.Volume != nil {
		appendScenario(*result.Volume)
	}
	for _, c := range result.TraitMeans {
		appendScenario(c)
	}
	scenarios.Render()

	if len(result.Overlaps) > 0 {
		fmt.Fprintln(out)
		overlaps := tablewriter.NewWriter(out)
		overlaps.Header("Group A", "Group B", "Intersection", "Union", "Jaccard", "Sorensen")
		for _, o := range result.Overlaps {
			overlaps.Append(o.GroupA, o.GroupB,
				strconv.FormatFloat(o.Intersection, 'f', 4, 64),
				strconv.FormatFloat(o.Union, 'f', 4, 64),
				strconv.FormatFloat(o.Jaccard, 'f', 3, 64),
				strconv.FormatFloat(o.Sorensen, 'f', 3, 64))
		}
		overlaps.Render()
	}
}
