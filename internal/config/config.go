package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetConfig describes the program under study.
type TargetConfig struct {
	Path             string   `yaml:"path"`
	Args             []string `yaml:"args"`
	TimeoutMS        int      `yaml:"timeout_ms"`
	SampleIntervalMS int      `yaml:"sample_interval_ms"`
}

// Timeout returns the per-run hard timeout.
func (t TargetConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// SampleInterval returns the telemetry sampling interval.
func (t TargetConfig) SampleInterval() time.Duration {
	return time.Duration(t.SampleIntervalMS) * time.Millisecond
}

// BatteryConfig selects the payload battery. Path wins over Builtin.
type BatteryConfig struct {
	Builtin string `yaml:"builtin"`
	Path    string `yaml:"path"`
}

// EvolutionConfig holds the search parameters.
type EvolutionConfig struct {
	Population          int     `yaml:"population"`
	Generations         int     `yaml:"generations"`
	EliteCount          int     `yaml:"elite_count"`
	Selection           string  `yaml:"selection"`
	TournamentSize      int     `yaml:"tournament_size"`
	CrossoverRate       float64 `yaml:"crossover_rate"`
	MutationRate        float64 `yaml:"mutation_rate"`
	MutationStrength    float64 `yaml:"mutation_strength"`
	FlipProbability     float64 `yaml:"flip_probability"`
	AddRuleProbability  float64 `yaml:"add_rule_probability"`
	DropRuleProbability float64 `yaml:"drop_rule_probability"`
	MaxRules            int     `yaml:"max_rules"`
	Patience            int     `yaml:"patience"`
	StopOnPerfect       bool    `yaml:"stop_on_perfect"`
	TieBreak            string  `yaml:"tie_break"`
	Workers             int     `yaml:"workers"`
	Seed                int64   `yaml:"seed"`
	RepairAttempts      int     `yaml:"repair_attempts"`
	SeedHeadroom        float64 `yaml:"seed_headroom"`
}

// FitnessConfig holds the scoring weights and how runs are reconciled
// against ground truth.
type FitnessConfig struct {
	Reconcile        string  `yaml:"reconcile"`
	CorrectBlock     float64 `yaml:"correct_block"`
	CorrectPermit    float64 `yaml:"correct_permit"`
	FalsePermit      float64 `yaml:"false_permit"`
	FalseBlock       float64 `yaml:"false_block"`
	OverheadWeight   float64 `yaml:"overhead_weight"`
	OverheadCap      float64 `yaml:"overhead_cap"`
	ComplexityWeight float64 `yaml:"complexity_weight"`
}

// ClassifierConfig selects and tunes the behavioral classifier.
type ClassifierConfig struct {
	Kind            string  `yaml:"kind"`
	ModelPath       string  `yaml:"model_path"`
	CalibrationPath string  `yaml:"calibration_path"`
	MinConfidence   float64 `yaml:"min_confidence"`
	Sigma           float64 `yaml:"sigma"`
	CalibrationRuns int     `yaml:"calibration_runs"`
}

// TelemetryConfig selects the capturer. Kind is "proc" or "replay".
type TelemetryConfig struct {
	Kind      string `yaml:"kind"`
	ReplayDir string `yaml:"replay_dir"`
	RetainDir string `yaml:"retain_dir"`
}

// LedgerConfig locates the hash-chained ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig selects the archive store. Kind is "memory" or "sqlite".
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// FoundryConfig is the complete foundry configuration.
type FoundryConfig struct {
	Target     TargetConfig     `yaml:"target"`
	Battery    BatteryConfig    `yaml:"battery"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
	Fitness    FitnessConfig    `yaml:"fitness"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Champion   string           `yaml:"champion"`
}

// DefaultConfig returns the built-in foundry configuration.
func DefaultConfig() *FoundryConfig {
	return &FoundryConfig{
		Target: TargetConfig{
			TimeoutMS:        5000,
			SampleIntervalMS: 20,
		},
		Battery: BatteryConfig{
			Builtin: "json-parser",
		},
		Evolution: EvolutionConfig{
			Population:          20,
			Generations:         10,
			EliteCount:          2,
			Selection:           "tournament",
			TournamentSize:      5,
			CrossoverRate:       0.7,
			MutationRate:        0.3,
			MutationStrength:    0.2,
			FlipProbability:     0.05,
			AddRuleProbability:  0.1,
			DropRuleProbability: 0.05,
			MaxRules:            16,
			Patience:            5,
			StopOnPerfect:       true,
			TieBreak:            "overhead_then_id",
			Workers:             4,
			Seed:                1,
			RepairAttempts:      8,
			SeedHeadroom:        1.5,
		},
		Fitness: FitnessConfig{
			Reconcile:        "enforce",
			CorrectBlock:     1000,
			CorrectPermit:    500,
			FalsePermit:      -1000,
			FalseBlock:       -2000,
			OverheadWeight:   100,
			OverheadCap:      1.0,
			ComplexityWeight: 0,
		},
		Classifier: ClassifierConfig{
			Kind:            "envelope",
			CalibrationPath: "calibration.json",
			MinConfidence:   0.6,
			Sigma:           3,
			CalibrationRuns: 3,
		},
		Telemetry: TelemetryConfig{
			Kind: "proc",
		},
		Ledger: LedgerConfig{
			Path: "ledger.jsonl",
		},
		Store: StoreConfig{
			Kind: "memory",
		},
		Champion: "champion.json",
	}
}

// DefaultPath returns ~/.aegisforge/foundry.yaml, or "" when the home
// directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aegisforge", "foundry.yaml")
}

// LoadConfig loads the foundry configuration from a YAML file.
// Empty path falls back to ~/.aegisforge/foundry.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*FoundryConfig, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads the configuration and returns the SHA-256 of the
// raw bytes on disk. When no file exists the hash is of empty input.
func LoadConfigWithHash(path string) (*FoundryConfig, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read foundry config: %w", err)
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse foundry config: %w", err)
		}
	}

	return cfg, hash, nil
}

// DefaultConfigYAML returns the commented default configuration written by
// aegisforge init.
func DefaultConfigYAML() string {
	return `# aegisforge foundry configuration
# Generated by: aegisforge init

# Program under study. The payload is written to its stdin.
target:
  path: ""
  args: []
  timeout_ms: 5000
  sample_interval_ms: 20

# Payload battery. path (YAML file) wins over builtin.
# Built-in batteries: json-parser, shell-loop
battery:
  builtin: json-parser
  path: ""

# Search parameters.
#   selection: tournament | roulette
#   tie_break: overhead_then_id | id
evolution:
  population: 20
  generations: 10
  elite_count: 2
  selection: tournament
  tournament_size: 5
  crossover_rate: 0.7
  mutation_rate: 0.3
  mutation_strength: 0.2
  flip_probability: 0.05
  add_rule_probability: 0.1
  drop_rule_probability: 0.05
  max_rules: 16
  patience: 5
  stop_on_perfect: true
  tie_break: overhead_then_id
  workers: 4
  seed: 1
  repair_attempts: 8
  seed_headroom: 1.5

# Scoring weights. Misses on benign traffic cost more than missed attacks.
#   reconcile: enforce (an attack counts as stopped only when the genome
#              blocked it) | detect (also when it crashed, timed out or
#              was judged anomalous)
fitness:
  reconcile: enforce
  correct_block: 1000
  correct_permit: 500
  false_permit: -1000
  false_block: -2000
  overhead_weight: 100
  overhead_cap: 1.0
  complexity_weight: 0

# Behavioral classifier.
#   kind: envelope (from calibration) | centroid (model_path)
# Verdicts below min_confidence are treated as anomalous.
classifier:
  kind: envelope
  model_path: ""
  calibration_path: calibration.json
  min_confidence: 0.6
  sigma: 3
  calibration_runs: 3

# Telemetry capture.
#   kind: proc (live /proc sampling) | replay (recorded snapshots in replay_dir)
# retain_dir keeps per-run snapshots when set.
telemetry:
  kind: proc
  replay_dir: ""
  retain_dir: ""

ledger:
  path: ledger.jsonl

# Archive of generations and champions.
#   kind: memory | sqlite
store:
  kind: memory
  path: ""

# Prometheus /metrics listen address, empty to disable.
metrics:
  addr: ""

champion: champion.json
`
}
