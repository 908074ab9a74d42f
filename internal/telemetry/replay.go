package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
)

// Trace is a recorded, unguarded run of one payload.
type Trace struct {
	Series   Series
	Outcome  model.Outcome
	ExitCode int
	Duration time.Duration
}

// ReplayCapturer replays recorded traces instead of executing the target.
// Guards and timeouts are applied sample by sample against the recorded
// offsets, so a genome sees the same series it would have seen live up to
// the point where it intervenes. Every recorded sample is guarded, including
// the trailing exit sample of a live recording, which a live capture records
// without guarding.
type ReplayCapturer struct {
	traces map[string]Trace
}

// NewReplayCapturer indexes traces by payload id.
func NewReplayCapturer(traces map[string]Trace) *ReplayCapturer {
	return &ReplayCapturer{traces: traces}
}

// LoadReplayDir reads every *.jsonl snapshot in dir. Each payload may be
// recorded only once.
func LoadReplayDir(dir string) (*ReplayCapturer, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Strings(paths)

	traces := make(map[string]Trace, len(paths))
	for _, path := range paths {
		snap, err := ReadSnapshotFile(path)
		if err != nil {
			return nil, err
		}
		if snap.PayloadID == "" {
			return nil, fmt.Errorf("snapshot %s: missing payload id", path)
		}
		if _, dup := traces[snap.PayloadID]; dup {
			return nil, fmt.Errorf("snapshot %s: duplicate trace for payload %q", path, snap.PayloadID)
		}
		traces[snap.PayloadID] = snap.Trace()
	}
	if len(traces) == 0 {
		return nil, fmt.Errorf("no snapshots in %s: %w", dir, os.ErrNotExist)
	}
	return NewReplayCapturer(traces), nil
}

// Capture replays the trace recorded for run.Payload.
func (c *ReplayCapturer) Capture(ctx context.Context, run Run) (Capture, error) {
	trace, ok := c.traces[run.Payload.ID]
	if !ok {
		return Capture{}, fmt.Errorf("no recorded trace for payload %q", run.Payload.ID)
	}
	if res, ok := admit(run); !ok {
		return res, nil
	}

	interval := trace.Series.Interval
	if interval <= 0 {
		interval = run.interval()
	}
	res := Capture{
		Series: Series{RunID: run.RunID, Interval: interval},
	}

	for _, s := range trace.Series.Samples {
		if err := ctx.Err(); err != nil {
			res.Outcome = model.TimedOut
			res.ExitCode = -1
			return res, err
		}
		if run.Timeout > 0 && s.Offset > run.Timeout {
			res.Outcome = model.TimedOut
			res.ExitCode = -1
			res.Duration = run.Timeout
			return res, nil
		}
		res.Series.Samples = append(res.Series.Samples, s)
		res.Duration = s.Offset
		if run.Guard == nil {
			continue
		}
		if err := run.Guard(s); err != nil {
			res.Outcome = model.Blocked
			res.ExitCode = -1
			res.BlockedBy = err.Error()
			return res, nil
		}
	}

	res.Outcome = trace.Outcome
	if res.Outcome == "" {
		res.Outcome = model.Completed
	}
	res.ExitCode = trace.ExitCode
	if trace.Duration > res.Duration {
		res.Duration = trace.Duration
		if run.Timeout > 0 && res.Duration > run.Timeout {
			res.Outcome = model.TimedOut
			res.ExitCode = -1
			res.Duration = run.Timeout
		}
	}
	return res, nil
}

// Payloads returns the ids of all recorded payloads in sorted order.
func (c *ReplayCapturer) Payloads() []string {
	ids := make([]string, 0, len(c.traces))
	for id := range c.traces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
