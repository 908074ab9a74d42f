package ratelimit

import (
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
)

// point is one counter reading at a run offset.
type point struct {
	at    time.Duration
	value float64
}

// Tracker keeps the counter history of a single run. Counters start at zero
// when the run starts, so the origin is an implicit first reading.
// A Tracker is owned by one run and is not safe for concurrent use.
type Tracker struct {
	history map[model.Metric][]point
	horizon time.Duration
}

// NewTracker creates a tracker that retains readings for at least horizon.
func NewTracker(horizon time.Duration) *Tracker {
	return &Tracker{
		history: make(map[model.Metric][]point),
		horizon: horizon,
	}
}

// Observe records the counter metrics of s.
func (t *Tracker) Observe(s model.Sample) {
	for _, m := range []model.Metric{model.MetricReadBytes, model.MetricWriteBytes, model.MetricSyscalls} {
		pts := append(t.history[m], point{at: s.Offset, value: s.Value(m)})
		t.history[m] = prune(pts, s.Offset-t.horizon)
	}
}

// Rate returns the per-second growth of counter m over the trailing window
// ending at the latest reading.
func (t *Tracker) Rate(m model.Metric, window time.Duration) float64 {
	pts := t.history[m]
	if len(pts) == 0 || window <= 0 {
		return 0
	}
	now := pts[len(pts)-1]

	then := point{}
	for i := len(pts) - 2; i >= 0; i-- {
		if pts[i].at <= now.at-window {
			then = pts[i]
			break
		}
	}

	elapsed := (now.at - then.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := now.value - then.value
	if delta < 0 {
		return 0
	}
	return delta / elapsed
}

// prune drops readings older than cutoff, keeping the newest one before it
// so a full window can still be measured.
func prune(pts []point, cutoff time.Duration) []point {
	keep := 0
	for keep+1 < len(pts) && pts[keep+1].at <= cutoff {
		keep++
	}
	if keep == 0 {
		return pts
	}
	return append(pts[:0], pts[keep:]...)
}
