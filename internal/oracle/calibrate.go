package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// ErrCalibration is returned when the baseline runs do not establish a
// nominal profile for the target.
var ErrCalibration = errors.New("calibration failed")

// Calibration is the persisted result of calibrating a target: the benign
// envelope, the unguarded baseline duration of every payload, and the
// benign resource ceiling used to seed genomes.
type Calibration struct {
	CreatedAt  time.Time          `json:"created_at"`
	Target     string             `json:"target"`
	Envelope   Envelope           `json:"envelope"`
	BaselineMS map[string]float64 `json:"baseline_ms"`
	Seed       genome.Baseline    `json:"seed"`
	Undetected []string           `json:"undetected,omitempty"`
}

// Baseline returns the unguarded duration of payload id.
func (c *Calibration) Baseline(id string) (time.Duration, bool) {
	ms, ok := c.BaselineMS[id]
	if !ok {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// CalibrateOptions configures Calibrate.
type CalibrateOptions struct {
	Target        telemetry.Target
	Timeout       time.Duration
	Interval      time.Duration
	Runs          int
	Sigma         float64
	MinConfidence float64
	// Classifier judges the baseline runs. Nil uses the fitted envelope.
	Classifier Classifier
	// RecordDir, when set, receives one snapshot per payload for replay.
	RecordDir string
	Logger    *zap.Logger
}

// Calibrate runs every payload unguarded opts.Runs times. Benign runs fit
// the envelope; all runs contribute baseline durations. It fails with
// ErrCalibration if any benign baseline run does not complete or is not
// judged nominal.
func Calibrate(ctx context.Context, capturer telemetry.Capturer, payloads []model.Payload, opts CalibrateOptions) (*Calibration, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runs := opts.Runs
	if runs <= 0 {
		runs = 1
	}

	captures := make(map[string][]telemetry.Capture, len(payloads))
	var benign []model.Summary
	for _, p := range payloads {
		for r := 0; r < runs; r++ {
			run := telemetry.Run{
				RunID:    fmt.Sprintf("calibrate-%s-%d", p.ID, r),
				Target:   opts.Target,
				Payload:  p,
				Timeout:  opts.Timeout,
				Interval: opts.Interval,
			}
			c, err := capturer.Capture(ctx, run)
			if err != nil {
				return nil, fmt.Errorf("baseline run %s: %w", run.RunID, err)
			}
			captures[p.ID] = append(captures[p.ID], c)
			if p.Label == model.Benign {
				benign = append(benign, telemetry.Summarize(c.Series))
			}
			if r == 0 && opts.RecordDir != "" {
				path := filepath.Join(opts.RecordDir, p.ID+".jsonl")
				if err := telemetry.WriteSnapshotFile(path, telemetry.NewSnapshot(p.ID, c)); err != nil {
					return nil, err
				}
			}
			logger.Debug("baseline run",
				zap.String("payload", p.ID),
				zap.Int("run", r),
				zap.String("outcome", string(c.Outcome)),
				zap.Duration("duration", c.Duration),
			)
		}
	}
	if len(benign) == 0 {
		return nil, fmt.Errorf("%w: battery has no benign payloads", ErrCalibration)
	}

	env, err := FitEnvelope(benign, opts.Sigma)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibration, err)
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = &env
	}
	judge := New(classifier, opts.MinConfidence)

	cal := &Calibration{
		CreatedAt:  time.Now().UTC(),
		Target:     opts.Target.Path,
		Envelope:   env,
		BaselineMS: make(map[string]float64, len(payloads)),
	}

	for _, p := range payloads {
		var total time.Duration
		for _, c := range captures[p.ID] {
			total += c.Duration
			v := judge.Judge(c.Series)

			if p.Label == model.Benign {
				if c.Outcome != model.Completed {
					return nil, fmt.Errorf("%w: benign payload %s ended %s", ErrCalibration, p.ID, c.Outcome)
				}
				if v.State != model.Nominal {
					return nil, fmt.Errorf("%w: benign payload %s judged %s (confidence %.2f)", ErrCalibration, p.ID, v.State, v.Confidence)
				}
				sum := telemetry.Summarize(c.Series)
				cal.Seed.MaxCPUPercent = max(cal.Seed.MaxCPUPercent, sum.MaxCPUPercent)
				cal.Seed.MaxRSSBytes = max(cal.Seed.MaxRSSBytes, sum.MaxRSSBytes)
				cal.Seed.Syscalls = max(cal.Seed.Syscalls, sum.Syscalls)
				cal.Seed.DurationMS = max(cal.Seed.DurationMS, float64(c.Duration.Milliseconds()))
				continue
			}

			if c.Outcome == model.Completed && v.State == model.Nominal {
				logger.Warn("malicious payload indistinguishable from benign when unguarded",
					zap.String("payload", p.ID))
				cal.Undetected = appendOnce(cal.Undetected, p.ID)
			}
		}
		n := len(captures[p.ID])
		cal.BaselineMS[p.ID] = float64(total) / float64(n) / float64(time.Millisecond)
	}

	logger.Info("calibration complete",
		zap.Int("payloads", len(payloads)),
		zap.Int("benign_runs", len(benign)),
		zap.Int("undetected", len(cal.Undetected)),
	)
	return cal, nil
}

func appendOnce(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// SaveCalibration writes cal as indented JSON.
func SaveCalibration(path string, cal *Calibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create calibration directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return nil
}

// LoadCalibration reads a calibration written by SaveCalibration.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration: %w", err)
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse calibration: %w", err)
	}
	if err := cal.Envelope.validate(); err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	return &cal, nil
}
