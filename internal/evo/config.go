package evo

import (
	"fmt"
	"math"
)

// Config holds the search parameters of one run.
type Config struct {
	PopulationSize int
	Generations    int
	EliteCount     int
	Selection      string
	TournamentSize int
	Variation      Variation
	// Patience stops the run after this many generations without an
	// improvement of the best score. 0 disables it.
	Patience       int
	StopOnPerfect  bool
	TieBreak       string
	Workers        int
	Seed           int64
	RepairAttempts int
	// SeedHeadroom scales the calibrated baseline into the seeded genome's
	// thresholds.
	SeedHeadroom float64
}

// DefaultConfig returns the built-in search parameters.
func DefaultConfig() Config {
	return Config{
		PopulationSize: 20,
		Generations:    10,
		EliteCount:     2,
		Selection:      "tournament",
		TournamentSize: 5,
		Variation:      DefaultVariation(),
		Patience:       5,
		StopOnPerfect:  true,
		TieBreak:       TieBreakOverheadThenID,
		Workers:        4,
		Seed:           1,
		RepairAttempts: 8,
		SeedHeadroom:   1.5,
	}
}

// Validate checks cfg and fills zero-valued optional fields.
func (cfg *Config) Validate() error {
	if cfg.PopulationSize <= 0 {
		return fmt.Errorf("population size must be > 0")
	}
	if cfg.EliteCount <= 0 || cfg.EliteCount > cfg.PopulationSize {
		return fmt.Errorf("elite count must be in [1, population size]")
	}
	if cfg.Generations <= 0 {
		return fmt.Errorf("generations must be > 0")
	}
	if cfg.Patience < 0 {
		return fmt.Errorf("patience must be >= 0")
	}
	if cfg.RepairAttempts < 0 {
		return fmt.Errorf("repair attempts must be >= 0")
	}
	switch cfg.TieBreak {
	case "":
		cfg.TieBreak = TieBreakOverheadThenID
	case TieBreakOverheadThenID, TieBreakID:
	default:
		return fmt.Errorf("unknown tie break %q", cfg.TieBreak)
	}
	if _, err := NewSelector(cfg.Selection, cfg.TournamentSize); err != nil {
		return err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if math.IsNaN(cfg.SeedHeadroom) || cfg.SeedHeadroom < 0 {
		return fmt.Errorf("seed headroom must be >= 0")
	}
	return cfg.Variation.validate()
}
