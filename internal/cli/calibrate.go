package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ppiankov/aegisforge/internal/oracle"
)

var (
	calibrateRuns   int
	calibrateRecord string
	calibrateOutput string
)

func init() {
	calibrateCmd.Flags().IntVar(&calibrateRuns, "runs", 0, "Unguarded runs per payload (default classifier.calibration_runs)")
	calibrateCmd.Flags().StringVar(&calibrateRecord, "record", "", "Directory to record one telemetry snapshot per payload for replay")
	calibrateCmd.Flags().StringVarP(&calibrateOutput, "output", "o", "", "Calibration output path (default classifier.calibration_path)")
	rootCmd.AddCommand(calibrateCmd)
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure the target's normal behavior on the battery",
	Long: `Runs every payload of the battery against the target without any policy.
Benign runs define the classifier's normal envelope and every run contributes
the baseline duration used for overhead. Fails if a benign run does not
complete or is not judged nominal.

With --record, one snapshot per payload is written for replay-driven runs.`,
	RunE: runCalibrate,
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadFoundryConfig()
	if err != nil {
		return err
	}
	b, err := loadBattery(cfg)
	if err != nil {
		return err
	}
	capturer, err := newCapturer(cfg)
	if err != nil {
		return err
	}

	var classifier oracle.Classifier
	if cfg.Classifier.Kind == "centroid" {
		classifier, err = oracle.NewClassifier(cfg.Classifier.Kind, cfg.Classifier.ModelPath, nil)
		if err != nil {
			return err
		}
	}

	runs := calibrateRuns
	if runs <= 0 {
		runs = cfg.Classifier.CalibrationRuns
	}
	output := calibrateOutput
	if output == "" {
		output = cfg.Classifier.CalibrationPath
	}

	ctx, cancel := signalContext()
	defer cancel()

	cal, err := oracle.Calibrate(ctx, capturer, b.Payloads, oracle.CalibrateOptions{
		Target:        targetOf(cfg),
		Timeout:       cfg.Target.Timeout(),
		Interval:      cfg.Target.SampleInterval(),
		Runs:          runs,
		Sigma:         cfg.Classifier.Sigma,
		MinConfidence: cfg.Classifier.MinConfidence,
		Classifier:    classifier,
		RecordDir:     calibrateRecord,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := oracle.SaveCalibration(output, cal); err != nil {
		return err
	}

	fmt.Printf("Calibrated %s on battery %s (%d payloads, %d runs each)\n", cal.Target, b.Name, len(b.Payloads), runs)
	ids := make([]string, 0, len(cal.BaselineMS))
	for id := range cal.BaselineMS {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-28s %10.1f ms\n", id, cal.BaselineMS[id])
	}
	for _, id := range cal.Undetected {
		fmt.Printf("  warning: %s looks benign when unguarded\n", id)
	}
	fmt.Printf("Wrote %s\n", output)
	if calibrateRecord != "" {
		fmt.Printf("Recorded snapshots in %s\n", calibrateRecord)
	}
	return nil
}
