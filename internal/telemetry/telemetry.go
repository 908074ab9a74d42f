// Package telemetry captures the physical execution signature of a target
// run as a fixed-interval series of resource samples.
package telemetry

import (
	"context"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
)

// DefaultInterval is used when a run does not set a sampling interval.
const DefaultInterval = 20 * time.Millisecond

// Series is the ordered sample sequence of one run.
type Series struct {
	RunID    string         `json:"run_id"`
	Interval time.Duration  `json:"interval"`
	Samples  []model.Sample `json:"samples"`
}

// Len returns the number of samples.
func (s Series) Len() int {
	return len(s.Samples)
}

// Last returns the most recent sample and false when the series is empty.
func (s Series) Last() (model.Sample, bool) {
	if len(s.Samples) == 0 {
		return model.Sample{}, false
	}
	return s.Samples[len(s.Samples)-1], true
}

// Target is the program under study.
type Target struct {
	Path string
	Args []string
}

// Run describes one execution of the target against one payload.
//
// Admit is called once before the target is spawned; a non-nil error blocks
// the run without executing it. Guard is called after every sample taken
// while the target runs; a non-nil error kills the target and tags the run
// blocked. The exit sample a live capture appends after the target has
// exited is recorded but never guarded, so a target that finishes within
// one sampling interval can only be stopped by Admit.
type Run struct {
	RunID    string
	Target   Target
	Payload  model.Payload
	Timeout  time.Duration
	Interval time.Duration
	Admit    func() error
	Guard    func(model.Sample) error
}

func (r Run) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}
	return r.Interval
}

// Capture is the result of one run. Series holds every sample taken before
// the run ended, whatever the outcome.
type Capture struct {
	Series    Series
	Outcome   model.Outcome
	ExitCode  int
	Duration  time.Duration
	BlockedBy string
}

// Capturer executes a run and records its telemetry.
//
// Crashes, timeouts and guard blocks are outcomes, not errors. An error is
// returned only when the run could not be carried out (the target could not
// be started, no trace exists) or when ctx was canceled; in the latter case
// the partial Capture is still returned.
type Capturer interface {
	Capture(ctx context.Context, run Run) (Capture, error)
}

// admit applies the run's admission check.
func admit(run Run) (Capture, bool) {
	if run.Admit == nil {
		return Capture{}, true
	}
	if err := run.Admit(); err != nil {
		return Capture{
			Series:    Series{RunID: run.RunID, Interval: run.interval()},
			Outcome:   model.Blocked,
			ExitCode:  -1,
			BlockedBy: err.Error(),
		}, false
	}
	return Capture{}, true
}
