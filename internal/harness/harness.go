// Package harness runs one genome against one payload under enforcement and
// turns the run into an execution record.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/oracle"
	"github.com/ppiankov/aegisforge/internal/policy"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// Reconcile modes.
const (
	// ModeEnforce counts a malicious run as stopped only when the genome
	// blocked it.
	ModeEnforce = "enforce"
	// ModeDetect also counts a malicious run as stopped when it did not
	// complete or was judged off-nominal.
	ModeDetect = "detect"
)

// Baselines supplies the unguarded duration of each payload.
// *oracle.Calibration implements it.
type Baselines interface {
	Baseline(payloadID string) (time.Duration, bool)
}

// Options configures a Harness.
type Options struct {
	Target   telemetry.Target
	Timeout  time.Duration
	Interval time.Duration
	MaxRules int
	Mode     string
	// RetainDir keeps a snapshot of every run when set.
	RetainDir string
	Logger    *zap.Logger
}

// Harness evaluates genomes. It holds no per-run state and is safe for
// concurrent use.
type Harness struct {
	capturer  telemetry.Capturer
	oracle    *oracle.Oracle
	baselines Baselines
	opts      Options
	logger    *zap.Logger
}

// New creates a harness. baselines may be nil, in which case overhead is
// always zero.
func New(capturer telemetry.Capturer, o *oracle.Oracle, baselines Baselines, opts Options) (*Harness, error) {
	if capturer == nil {
		return nil, fmt.Errorf("capturer is required")
	}
	if o == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeEnforce
	case ModeEnforce, ModeDetect:
	default:
		return nil, fmt.Errorf("unknown reconcile mode %q", opts.Mode)
	}
	if opts.MaxRules <= 0 {
		opts.MaxRules = genome.DefaultMaxRules
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		capturer:  capturer,
		oracle:    o,
		baselines: baselines,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Evaluate runs g against p and returns exactly one record.
//
// A malformed genome is rejected with a *genome.MalformedError before
// anything executes. If ctx is canceled mid-run the record is degraded
// (timed_out, Degraded set) and returned together with the context error.
// Any other error means the run could not be carried out at all.
func (h *Harness) Evaluate(ctx context.Context, g model.Genome, p model.Payload) (model.ExecutionRecord, error) {
	if err := genome.ValidateWithLimit(g, h.opts.MaxRules); err != nil {
		return model.ExecutionRecord{}, err
	}

	enf := policy.NewEnforcer(g)
	run := telemetry.Run{
		RunID:    g.ID + "/" + p.ID,
		Target:   h.opts.Target,
		Payload:  p,
		Timeout:  h.opts.Timeout,
		Interval: h.opts.Interval,
		Admit:    enf.Admit,
		Guard:    enf.Observe,
	}

	c, err := h.capturer.Capture(ctx, run)
	degraded := false
	if err != nil {
		if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
			return model.ExecutionRecord{}, fmt.Errorf("evaluate %s: %w", run.RunID, err)
		}
		degraded = true
		c.Outcome = model.TimedOut
	}

	verdict := h.oracle.Judge(c.Series)
	rec := model.ExecutionRecord{
		GenomeID:       g.ID,
		PayloadID:      p.ID,
		Label:          p.Label,
		Outcome:        c.Outcome,
		Verdict:        verdict,
		Classification: Reconcile(p.Label, c.Outcome, verdict, h.opts.Mode),
		DurationMS:     toMS(c.Duration),
		ExitCode:       c.ExitCode,
		Summary:        telemetry.Summarize(c.Series),
		Degraded:       degraded,
	}
	if c.Outcome == model.Blocked {
		rec.BlockedBy = enf.Last().PolicyID
	}
	if h.baselines != nil {
		if base, ok := h.baselines.Baseline(p.ID); ok {
			rec.BaselineMS = toMS(base)
			rec.Overhead = Overhead(c.Duration, base)
		}
	}

	if h.opts.RetainDir != "" {
		path := filepath.Join(h.opts.RetainDir, g.ID, p.ID+".jsonl")
		if werr := telemetry.WriteSnapshotFile(path, telemetry.NewSnapshot(p.ID, c)); werr != nil {
			h.logger.Warn("retain snapshot", zap.String("path", path), zap.Error(werr))
		}
	}

	h.logger.Debug("evaluated",
		zap.String("genome", g.ID),
		zap.String("payload", p.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("verdict", string(verdict.State)),
		zap.String("classification", string(rec.Classification)),
		zap.Float64("overhead", rec.Overhead),
	)

	if degraded {
		return rec, err
	}
	return rec, nil
}

// EvaluateBattery runs g against every payload in order. It stops at the
// first error; on cancellation the records gathered so far, including the
// degraded one, are returned with the error.
func (h *Harness) EvaluateBattery(ctx context.Context, g model.Genome, payloads []model.Payload) ([]model.ExecutionRecord, error) {
	records := make([]model.ExecutionRecord, 0, len(payloads))
	for _, p := range payloads {
		rec, err := h.Evaluate(ctx, g, p)
		if err != nil {
			if rec.GenomeID != "" {
				records = append(records, rec)
			}
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Degraded returns the record of a run that never took place because its
// evaluation was canceled. It keeps a canceled generation complete.
func (h *Harness) Degraded(g model.Genome, p model.Payload) model.ExecutionRecord {
	verdict := h.oracle.Judge(telemetry.Series{RunID: g.ID + "/" + p.ID})
	return model.ExecutionRecord{
		GenomeID:       g.ID,
		PayloadID:      p.ID,
		Label:          p.Label,
		Outcome:        model.TimedOut,
		Verdict:        verdict,
		Classification: Reconcile(p.Label, model.TimedOut, verdict, h.opts.Mode),
		ExitCode:       -1,
		Degraded:       true,
	}
}

// Reconcile decides how a run counts against its payload's ground truth.
// A benign run is a correct permit only if it completed and was judged
// nominal; anything else denied legitimate use.
func Reconcile(label model.Label, outcome model.Outcome, v model.Verdict, mode string) model.Classification {
	if label == model.Benign {
		if outcome == model.Completed && v.State == model.Nominal {
			return model.CorrectPermit
		}
		return model.FalseBlock
	}

	stopped := outcome == model.Blocked
	if mode == ModeDetect {
		stopped = outcome != model.Completed || v.State != model.Nominal
	}
	if stopped {
		return model.CorrectBlock
	}
	return model.FalsePermit
}

// Overhead returns the relative slowdown of d over baseline, floored at 0.
func Overhead(d, baseline time.Duration) float64 {
	if baseline <= 0 {
		return 0
	}
	o := (d.Seconds() - baseline.Seconds()) / baseline.Seconds()
	if o < 0 || math.IsNaN(o) {
		return 0
	}
	return o
}

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
