package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/config"
	"github.com/ppiankov/aegisforge/internal/evo"
	"github.com/ppiankov/aegisforge/internal/fitness"
	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/harness"
	"github.com/ppiankov/aegisforge/internal/ledger"
	"github.com/ppiankov/aegisforge/internal/metrics"
	"github.com/ppiankov/aegisforge/internal/oracle"
	"github.com/ppiankov/aegisforge/internal/storage"
)

var (
	runGenerations int
	runPopulation  int
	runWorkers     int
	runSeed        int64
	runLedger      string
	runChampion    string
	runStore       string
	runStorePath   string
	runMetricsAddr string
)

func init() {
	runCmd.Flags().IntVarP(&runGenerations, "generations", "g", 0, "Generation limit (default evolution.generations)")
	runCmd.Flags().IntVarP(&runPopulation, "population", "p", 0, "Population size (default evolution.population)")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Concurrent genome evaluations (default evolution.workers)")
	runCmd.Flags().Int64Var(&runSeed, "seed", -1, "Random seed (default evolution.seed)")
	runCmd.Flags().StringVar(&runLedger, "ledger", "", "Ledger path (default ledger.path)")
	runCmd.Flags().StringVar(&runChampion, "champion", "", "Champion genome output, .json or .yaml (default champion)")
	runCmd.Flags().StringVar(&runStore, "store", "", "Archive store: memory or sqlite (default store.kind)")
	runCmd.Flags().StringVar(&runStorePath, "store-path", "", "SQLite archive path (default store.path)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evolve a policy against the target and battery",
	Long: `Evolves a population of policy genomes. Every genome of every generation is
run against the whole battery under enforcement, scored, and appended to the
ledger. The champion genome is written when the run ends.

Requires a calibration (aegisforge calibrate) unless classifier.kind is centroid.
Interrupting a run completes the current generation with degraded records and
closes the ledger cleanly.`,
	RunE: runRun,
}

func applyRunFlags(cfg *config.FoundryConfig) {
	if runGenerations > 0 {
		cfg.Evolution.Generations = runGenerations
	}
	if runPopulation > 0 {
		cfg.Evolution.Population = runPopulation
	}
	if runWorkers > 0 {
		cfg.Evolution.Workers = runWorkers
	}
	if runSeed >= 0 {
		cfg.Evolution.Seed = runSeed
	}
	if runLedger != "" {
		cfg.Ledger.Path = runLedger
	}
	if runChampion != "" {
		cfg.Champion = runChampion
	}
	if runStore != "" {
		cfg.Store.Kind = runStore
	}
	if runStorePath != "" {
		cfg.Store.Path = runStorePath
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadFoundryConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	b, err := loadBattery(cfg)
	if err != nil {
		return err
	}
	capturer, err := newCapturer(cfg)
	if err != nil {
		return err
	}
	cal, err := loadCalibration(cfg)
	if err != nil {
		return err
	}
	classifier, err := oracle.NewClassifier(cfg.Classifier.Kind, cfg.Classifier.ModelPath, cal)
	if err != nil {
		return err
	}

	var (
		baselines harness.Baselines
		seed      *genome.Baseline
	)
	if cal != nil {
		baselines = cal
		s := cal.Seed
		seed = &s
	}

	h, err := harness.New(capturer, oracle.New(classifier, cfg.Classifier.MinConfidence), baselines, harness.Options{
		Target:    targetOf(cfg),
		Timeout:   cfg.Target.Timeout(),
		Interval:  cfg.Target.SampleInterval(),
		MaxRules:  cfg.Evolution.MaxRules,
		Mode:      cfg.Fitness.Reconcile,
		RetainDir: cfg.Telemetry.RetainDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	fit, err := fitness.New(weightsOf(cfg.Fitness))
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Store.Kind, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = storage.CloseIfSupported(store) }()
	if err := store.Init(context.Background()); err != nil {
		return fmt.Errorf("init archive store: %w", err)
	}

	anchor, err := storage.LedgerAnchor(context.Background(), store, cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("read ledger anchor: %w", err)
	}
	l, err := ledger.OpenAnchored(cfg.Ledger.Path, anchor)
	if err != nil {
		return err
	}
	defer l.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Metrics.Addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- metrics.Serve(metricsCtx, cfg.Metrics.Addr, reg, logger) }()
		defer func() {
			stopMetrics()
			if err := <-done; err != nil {
				logger.Warn("metrics endpoint", zap.Error(err))
			}
		}()
	}

	engine, err := evo.New(evo.Options{
		Config:    evoConfigOf(cfg.Evolution),
		Evaluator: h,
		Fitness:   fit,
		Payloads:  b.Payloads,
		Ledger:    l,
		Store:     store,
		Metrics:   m,
		Logger:    logger,
		Header: ledger.RunStart{
			Target:      cfg.Target.Path,
			ConfigHash:  hash,
			Battery:     b.Name,
			BatteryHash: b.Fingerprint(),
			Classifier:  classifierName(cfg),
		},
		Baseline: seed,
	})
	if err != nil {
		return err
	}

	res, runErr := engine.Run(ctx, nil)
	if res.Champion.Genome.ID == "" {
		return runErr
	}

	if err := genome.Save(cfg.Champion, res.Champion.Genome); err != nil {
		return err
	}
	printRunSummary(res, engine.MaxScore(), cfg)
	return runErr
}

func classifierName(cfg *config.FoundryConfig) string {
	if cfg.Classifier.Kind == "" {
		return "envelope"
	}
	return cfg.Classifier.Kind
}

func printRunSummary(res evo.Result, maxScore float64, cfg *config.FoundryConfig) {
	fmt.Printf("Run %s | %d generations | stop: %s\n", res.RunID, res.Generations, res.StopReason)
	fmt.Println()
	fmt.Printf("  %-4s %10s %10s %10s %-12s %4s\n", "GEN", "BEST", "MEAN", "MIN", "BEST GENOME", "DIV")
	for _, s := range res.History {
		fmt.Printf("  %-4d %10.1f %10.1f %10.1f %-12s %4d\n",
			s.Generation, s.BestFitness, s.MeanFitness, s.MinFitness, s.BestGenomeID, s.Diversity)
	}
	fmt.Println()

	score := res.Champion.Score
	fmt.Printf("Champion %s: %.1f / %.1f\n", res.Champion.Genome.ID, score.Total, maxScore)
	fmt.Printf("  correct blocks %d | correct permits %d | false permits %d | false blocks %d | mean overhead %.2f\n",
		score.Tally.CorrectBlock, score.Tally.CorrectPermit, score.Tally.FalsePermit, score.Tally.FalseBlock, score.MeanOverhead)
	fmt.Printf("  %d rules, default %s\n", len(res.Champion.Genome.Rules), res.Champion.Genome.DefaultAction)
	fmt.Println()
	fmt.Printf("Wrote %s\n", cfg.Champion)
	fmt.Printf("Ledger %s head %s (%d evaluations)\n", cfg.Ledger.Path, shortHash(res.LedgerHead), res.Evaluations)
}

func shortHash(h string) string {
	const keep = len("sha256:") + 12
	if len(h) <= keep {
		return h
	}
	return h[:keep]
}
