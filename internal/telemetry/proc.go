package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/model"
)

// ProcCapturer runs the target as a child process and samples it through
// /proc at a fixed interval.
type ProcCapturer struct {
	fs     procfs.FS
	logger *zap.Logger
}

// NewProcCapturer opens the default /proc mount.
func NewProcCapturer(logger *zap.Logger) (*ProcCapturer, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcCapturer{fs: fs, logger: logger}, nil
}

const waitDelay = 500 * time.Millisecond

// cpuMark is a cumulative CPU time reading at a wall-clock instant.
type cpuMark struct {
	at  time.Time
	cpu float64
}

// Capture executes run.Target with the payload on stdin.
func (c *ProcCapturer) Capture(ctx context.Context, run Run) (Capture, error) {
	if res, ok := admit(run); !ok {
		return res, nil
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if run.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, run.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, run.Target.Path, run.Target.Args...)
	cmd.Stdin = bytes.NewReader(run.Payload.Data())
	// Orphaned grandchildren may hold the stdin pipe open after a kill.
	cmd.WaitDelay = waitDelay

	interval := run.interval()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Capture{}, fmt.Errorf("start target %s: %w", run.Target.Path, err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	series := Series{RunID: run.RunID, Interval: interval}
	prev := cpuMark{at: start}
	var blockedBy string
	var waitErr error
	exited := false

loop:
	for {
		select {
		case waitErr = <-done:
			exited = true
			break loop
		case now := <-ticker.C:
			s, ok := c.sample(pid, start, now, &prev)
			if !ok {
				continue
			}
			series.Samples = append(series.Samples, s)
			if run.Guard == nil {
				continue
			}
			if err := run.Guard(s); err != nil {
				blockedBy = err.Error()
				if kerr := cmd.Process.Kill(); kerr != nil {
					c.logger.Debug("kill blocked target", zap.Int("pid", pid), zap.Error(kerr))
				}
				waitErr = <-done
				break loop
			}
		}
	}

	elapsed := time.Since(start)
	// Not passed to Guard: there is nothing left to stop.
	if exited && runCtx.Err() == nil && cmd.ProcessState != nil {
		series.Samples = append(series.Samples, exitSample(series, cmd.ProcessState, elapsed))
	}

	res := Capture{
		Series:    series,
		Duration:  elapsed,
		BlockedBy: blockedBy,
	}

	switch {
	case blockedBy != "":
		res.Outcome = model.Blocked
		res.ExitCode = -1
	case ctx.Err() != nil:
		res.Outcome = model.TimedOut
		res.ExitCode = -1
		return res, ctx.Err()
	case runCtx.Err() != nil:
		res.Outcome = model.TimedOut
		res.ExitCode = -1
	case waitErr == nil:
		res.Outcome = model.Completed
	default:
		res.Outcome = model.Crashed
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}

	c.logger.Debug("run captured",
		zap.String("run_id", run.RunID),
		zap.String("payload", run.Payload.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("samples", len(series.Samples)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// exitSample closes a series after the target exited on its own. /proc is
// gone by then, so CPU is averaged over the whole run from the process
// state and the remaining metrics carry their last reading. Targets faster
// than one interval still yield one observation this way.
func exitSample(series Series, ps *os.ProcessState, elapsed time.Duration) model.Sample {
	s, _ := series.Last()
	s.Offset = elapsed
	if sec := elapsed.Seconds(); sec > 0 {
		s.CPUPercent = (ps.UserTime() + ps.SystemTime()).Seconds() / sec * 100
	}
	if s.Threads == 0 {
		s.Threads = 1
	}
	return s
}

// sample reads one observation of pid. It returns false when the process
// is already gone.
func (c *ProcCapturer) sample(pid int, start, now time.Time, prev *cpuMark) (model.Sample, bool) {
	proc, err := c.fs.Proc(pid)
	if err != nil {
		return model.Sample{}, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return model.Sample{}, false
	}

	cpu := stat.CPUTime()
	var cpuPercent float64
	if wall := now.Sub(prev.at).Seconds(); wall > 0 {
		cpuPercent = (cpu - prev.cpu) / wall * 100
	}
	if cpuPercent < 0 {
		cpuPercent = 0
	}
	*prev = cpuMark{at: now, cpu: cpu}

	s := model.Sample{
		Offset:     now.Sub(start),
		CPUPercent: cpuPercent,
		RSSBytes:   float64(stat.ResidentMemory()),
		Threads:    float64(stat.NumThreads),
	}

	// /proc/<pid>/io may be unreadable under restrictive ptrace settings.
	if pio, err := proc.IO(); err == nil {
		s.ReadBytes = float64(pio.ReadBytes)
		s.WriteBytes = float64(pio.WriteBytes)
		s.Syscalls = float64(pio.SyscR + pio.SyscW)
	}
	return s, true
}
