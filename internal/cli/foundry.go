package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ppiankov/aegisforge/internal/battery"
	"github.com/ppiankov/aegisforge/internal/config"
	"github.com/ppiankov/aegisforge/internal/evo"
	"github.com/ppiankov/aegisforge/internal/fitness"
	"github.com/ppiankov/aegisforge/internal/oracle"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// loadFoundryConfig loads --config and returns it with the hash of its raw
// bytes.
func loadFoundryConfig() (*config.FoundryConfig, string, error) {
	cfg, hash, err := config.LoadConfigWithHash(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func loadBattery(cfg *config.FoundryConfig) (*battery.Battery, error) {
	b, err := battery.Load(cfg.Battery.Builtin, cfg.Battery.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load battery: %w", err)
	}
	return b, nil
}

func targetOf(cfg *config.FoundryConfig) telemetry.Target {
	return telemetry.Target{Path: cfg.Target.Path, Args: cfg.Target.Args}
}

// newCapturer builds the configured capturer. Live capture needs a target.
func newCapturer(cfg *config.FoundryConfig) (telemetry.Capturer, error) {
	switch cfg.Telemetry.Kind {
	case "", "proc":
		if cfg.Target.Path == "" {
			return nil, fmt.Errorf("target.path is not set")
		}
		return telemetry.NewProcCapturer(logger)
	case "replay":
		if cfg.Telemetry.ReplayDir == "" {
			return nil, fmt.Errorf("telemetry.replay_dir is required for replay capture")
		}
		return telemetry.LoadReplayDir(cfg.Telemetry.ReplayDir)
	default:
		return nil, fmt.Errorf("unknown telemetry kind %q", cfg.Telemetry.Kind)
	}
}

// loadCalibration returns the saved calibration, or nil when the classifier
// does not need one and none exists.
func loadCalibration(cfg *config.FoundryConfig) (*oracle.Calibration, error) {
	cal, err := oracle.LoadCalibration(cfg.Classifier.CalibrationPath)
	if err == nil {
		return cal, nil
	}
	if cfg.Classifier.Kind == "centroid" && errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return nil, err
}

func weightsOf(cfg config.FitnessConfig) fitness.Weights {
	return fitness.Weights{
		CorrectBlock:     cfg.CorrectBlock,
		CorrectPermit:    cfg.CorrectPermit,
		FalsePermit:      cfg.FalsePermit,
		FalseBlock:       cfg.FalseBlock,
		OverheadWeight:   cfg.OverheadWeight,
		OverheadCap:      cfg.OverheadCap,
		ComplexityWeight: cfg.ComplexityWeight,
	}
}

func evoConfigOf(cfg config.EvolutionConfig) evo.Config {
	return evo.Config{
		PopulationSize: cfg.Population,
		Generations:    cfg.Generations,
		EliteCount:     cfg.EliteCount,
		Selection:      cfg.Selection,
		TournamentSize: cfg.TournamentSize,
		Variation: evo.Variation{
			CrossoverRate:       cfg.CrossoverRate,
			MutationRate:        cfg.MutationRate,
			MutationStrength:    cfg.MutationStrength,
			FlipProbability:     cfg.FlipProbability,
			AddRuleProbability:  cfg.AddRuleProbability,
			DropRuleProbability: cfg.DropRuleProbability,
			MaxRules:            cfg.MaxRules,
		},
		Patience:       cfg.Patience,
		StopOnPerfect:  cfg.StopOnPerfect,
		TieBreak:       cfg.TieBreak,
		Workers:        cfg.Workers,
		Seed:           cfg.Seed,
		RepairAttempts: cfg.RepairAttempts,
		SeedHeadroom:   cfg.SeedHeadroom,
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
