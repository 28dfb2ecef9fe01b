// Package config loads the pipeline configuration from a YAML file with
// .env overrides. Every analysis parameter is an explicit field: there are
// no hidden statistical defaults buried in the stages.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"traitspace/domain/core"
	"traitspace/domain/traits"
)

// Config is the complete pipeline configuration.
type Config struct {
	Input       InputConfig       `yaml:"input"`
	Imputation  ImputationConfig  `yaml:"imputation"`
	PCA         PCAConfig         `yaml:"pca"`
	Density     DensityConfig     `yaml:"density"`
	Hypervolume HypervolumeConfig `yaml:"hypervolume"`
	Null        NullConfig        `yaml:"null"`
	Extinction  ExtinctionConfig  `yaml:"extinction"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Seed        int64             `yaml:"seed"`
	Workers     int               `yaml:"workers"` // <=0 means NumCPU
}

// InputConfig names the three input tables and the join conventions.
type InputConfig struct {
	TraitTable   string `yaml:"trait_table"`
	RiskTable    string `yaml:"risk_table"`
	GroupTable   string `yaml:"group_table"`
	AuxPrefix    string `yaml:"aux_prefix"`    // trait columns with this prefix are phylo predictors
	ExtinctLabel string `yaml:"extinct_label"` // group label marking known-extinct species
}

// ImputationConfig controls the chained-equation ensemble.
type ImputationConfig struct {
	Ensemble int `yaml:"ensemble"` // M
	Sweeps   int `yaml:"sweeps"`
	Donors   int `yaml:"donors"`
}

// PCAConfig controls the dimensionality reduction.
type PCAConfig struct {
	Components int `yaml:"components"`
}

// DensityConfig controls the 2D kernel density surface.
type DensityConfig struct {
	GridSize int       `yaml:"grid_size"`
	Levels   []float64 `yaml:"levels"`
	AxisA    int       `yaml:"axis_a"`
	AxisB    int       `yaml:"axis_b"`
}

// HypervolumeConfig controls the boundary fit and Monte-Carlo integration.
type HypervolumeConfig struct {
	Gamma           float64 `yaml:"gamma"`
	Nu              float64 `yaml:"nu"`
	SamplesPerPoint int     `yaml:"samples_per_point"`
	Padding         float64 `yaml:"padding"`
	FitPasses       int     `yaml:"fit_passes"`
}

// NullConfig controls the null-model batteries.
type NullConfig struct {
	Trials int      `yaml:"trials"` // N per null model
	Modes  []string `yaml:"modes"`  // empty means all four
}

// ExtinctionConfig controls the scenario simulator.
type ExtinctionConfig struct {
	Trials        int                `yaml:"trials"`
	Probabilities map[string]float64 `yaml:"probabilities"` // risk category -> extinction probability
}

// StorageConfig controls where trial results persist.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite path, or ":memory:"
}

// LogConfig controls the log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file, then lets .env values override the seed and log
// settings.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline would only discover mid-run.
func (c *Config) Validate() error {
	if c.Imputation.Ensemble < 1 {
		return fmt.Errorf("imputation.ensemble must be >= 1")
	}
	if c.PCA.Components < 1 {
		return fmt.Errorf("pca.components must be >= 1")
	}
	if c.Null.Trials < 1 || c.Extinction.Trials < 1 {
		return fmt.Errorf("trial counts must be >= 1")
	}
	if err := c.RiskProbabilities().Validate(); err != nil {
		return err
	}
	return nil
}

// RiskProbabilities converts the raw map into the domain type.
func (c *Config) RiskProbabilities() traits.RiskProbabilities {
	out := make(traits.RiskProbabilities, len(c.Extinction.Probabilities))
	for k, v := range c.Extinction.Probabilities {
		out[traits.RiskCategory(k)] = v
	}
	return out
}

// Fingerprint content-addresses this configuration plus the seed. Identical
// fingerprints guarantee identical trial results, which is what makes the
// trial store safe to reuse.
func (c *Config) Fingerprint() core.Fingerprint {
	fields := map[string]string{
		"imputation.ensemble":      strconv.Itoa(c.Imputation.Ensemble),
		"imputation.sweeps":        strconv.Itoa(c.Imputation.Sweeps),
		"imputation.donors":        strconv.Itoa(c.Imputation.Donors),
		"pca.components":           strconv.Itoa(c.PCA.Components),
		"hypervolume.gamma":        fmt.Sprintf("%g", c.Hypervolume.Gamma),
		"hypervolume.nu":           fmt.Sprintf("%g", c.Hypervolume.Nu),
		"hypervolume.samples":      strconv.Itoa(c.Hypervolume.SamplesPerPoint),
		"hypervolume.padding":      fmt.Sprintf("%g", c.Hypervolume.Padding),
		"hypervolume.fit_passes":   strconv.Itoa(c.Hypervolume.FitPasses),
		"null.trials":              strconv.Itoa(c.Null.Trials),
		"extinction.trials":        strconv.Itoa(c.Extinction.Trials),
		"extinction.probabilities": fmt.Sprintf("%v", c.RiskProbabilities()),
		"input.trait_table":        c.Input.TraitTable,
	}
	return core.ComputeFingerprint(fields, c.Seed)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRAITSPACE_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = seed
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Imputation.Ensemble <= 0 {
		cfg.Imputation.Ensemble = 25
	}
	if cfg.Imputation.Sweeps <= 0 {
		cfg.Imputation.Sweeps = 100
	}
	if cfg.Imputation.Donors <= 0 {
		cfg.Imputation.Donors = 5
	}
	if cfg.PCA.Components <= 0 {
		cfg.PCA.Components = 5
	}
	if cfg.Density.GridSize <= 0 {
		cfg.Density.GridSize = 128
	}
	if len(cfg.Density.Levels) == 0 {
		cfg.Density.Levels = []float64{0.50, 0.95, 0.99}
	}
	if cfg.Density.AxisB <= cfg.Density.AxisA {
		cfg.Density.AxisA, cfg.Density.AxisB = 0, 1
	}
	if cfg.Null.Trials <= 0 {
		cfg.Null.Trials = 999
	}
	if cfg.Extinction.Trials <= 0 {
		cfg.Extinction.Trials = 999
	}
	if len(cfg.Extinction.Probabilities) == 0 {
		cfg.Extinction.Probabilities = map[string]float64{
			string(traits.RiskNone):           0.0001,
			string(traits.RiskNearThreatened): 0.01,
			string(traits.RiskVulnerable):     0.1,
			string(traits.RiskEndangered):     0.667,
			string(traits.RiskCritical):       0.999,
		}
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "traitspace.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
