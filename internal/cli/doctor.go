package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aegisforge/internal/config"
	"github.com/ppiankov/aegisforge/internal/ledger"
	"github.com/ppiankov/aegisforge/internal/oracle"
	"github.com/ppiankov/aegisforge/internal/storage"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check foundry readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := doctorChecks()

	hasFailures := false
	for _, c := range checks {
		mark := "\u2713"
		if !c.ok {
			mark = "\u2717"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

func doctorChecks() []checkResult {
	var checks []checkResult

	// 1. Config.
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, hash, err := loadFoundryConfig()
	switch {
	case err != nil:
		return append(checks, checkResult{label: "config", detail: err.Error(), fix: "aegisforge init --force"})
	case fileExists(path):
		checks = append(checks, checkResult{label: "config", ok: true, detail: fmt.Sprintf("%s (%s)", path, shortHash(hash))})
	default:
		checks = append(checks, checkResult{label: "config", detail: "missing, using defaults", fix: "aegisforge init"})
	}

	// 2. Telemetry and target.
	switch cfg.Telemetry.Kind {
	case "replay":
		if _, err := telemetry.LoadReplayDir(cfg.Telemetry.ReplayDir); err != nil {
			checks = append(checks, checkResult{label: "replay snapshots", detail: err.Error(), fix: "aegisforge calibrate --record <dir>"})
		} else {
			checks = append(checks, checkResult{label: "replay snapshots", ok: true, detail: cfg.Telemetry.ReplayDir})
		}
	default:
		if _, err := telemetry.NewProcCapturer(nil); err != nil {
			checks = append(checks, checkResult{label: "/proc", detail: err.Error()})
		} else {
			checks = append(checks, checkResult{label: "/proc", ok: true, detail: "readable"})
		}
		checks = append(checks, targetCheck(cfg.Target.Path))
	}

	// 3. Battery.
	if b, err := loadBattery(cfg); err != nil {
		checks = append(checks, checkResult{label: "battery", detail: err.Error()})
	} else {
		benign, malicious := b.Counts()
		checks = append(checks, checkResult{label: "battery", ok: true, detail: fmt.Sprintf("%s (%d benign, %d malicious)", b.Name, benign, malicious)})
	}

	// 4. Calibration.
	if cal, err := oracle.LoadCalibration(cfg.Classifier.CalibrationPath); err != nil {
		checks = append(checks, checkResult{label: "calibration", ok: cfg.Classifier.Kind == "centroid", detail: "missing", fix: "aegisforge calibrate"})
	} else {
		checks = append(checks, checkResult{label: "calibration", ok: true, detail: fmt.Sprintf("%s (%s)", cfg.Classifier.CalibrationPath, cal.CreatedAt.Format("2006-01-02 15:04"))})
	}

	// 5. Archive store.
	store, anchor := storeCheck(cfg.Store, cfg.Ledger.Path)

	// 6. Ledger, anchored at the head the archive recorded for it.
	checks = append(checks, ledgerCheck(cfg.Ledger.Path, anchor), store)
	return checks
}

func ledgerCheck(path, anchor string) checkResult {
	if !fileExists(path) {
		if anchor != "" {
			return checkResult{label: "ledger", detail: fmt.Sprintf("missing, archive expects head %s", shortHash(anchor))}
		}
		return checkResult{label: "ledger", ok: true, detail: "not created yet"}
	}
	r := ledger.VerifyAnchored(path, anchor)
	switch {
	case r.Valid:
		return checkResult{label: "ledger", ok: true, detail: fmt.Sprintf("%d entries verified", r.Entries)}
	case r.ErrorLine > 0:
		return checkResult{label: "ledger", detail: fmt.Sprintf("tampered at line %d: %s", r.ErrorLine, r.Error)}
	default:
		return checkResult{label: "ledger", detail: "tampered: " + r.Error}
	}
}

func targetCheck(path string) checkResult {
	if path == "" {
		return checkResult{label: "target", detail: "target.path is not set", fix: "edit the foundry config"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{label: "target", detail: err.Error()}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return checkResult{label: "target", detail: path + " is not executable"}
	}
	return checkResult{label: "target", ok: true, detail: path}
}

func storeCheck(cfg config.StoreConfig, ledgerPath string) (checkResult, string) {
	ctx := context.Background()
	store, err := storage.NewStore(cfg.Kind, cfg.Path)
	if err != nil {
		return checkResult{label: "archive store", detail: err.Error()}, ""
	}
	defer func() { _ = storage.CloseIfSupported(store) }()
	if err := store.Init(ctx); err != nil {
		return checkResult{label: "archive store", detail: err.Error()}, ""
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return checkResult{label: "archive store", detail: err.Error()}, ""
	}
	anchor, err := storage.LedgerAnchor(ctx, store, ledgerPath)
	if err != nil {
		return checkResult{label: "archive store", detail: err.Error()}, ""
	}
	return checkResult{label: "archive store", ok: true, detail: fmt.Sprintf("%s (%d runs)", cfg.Kind, len(runs))}, anchor
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
