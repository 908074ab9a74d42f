package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
)

// Snapshot is a persisted capture: one meta row followed by one row per
// sample, as JSON lines.
type Snapshot struct {
	RunID     string
	PayloadID string
	Interval  time.Duration
	Outcome   model.Outcome
	ExitCode  int
	Duration  time.Duration
	Samples   []model.Sample
}

// NewSnapshot builds a snapshot from a capture.
func NewSnapshot(payloadID string, c Capture) Snapshot {
	return Snapshot{
		RunID:     c.Series.RunID,
		PayloadID: payloadID,
		Interval:  c.Series.Interval,
		Outcome:   c.Outcome,
		ExitCode:  c.ExitCode,
		Duration:  c.Duration,
		Samples:   c.Series.Samples,
	}
}

// Trace converts the snapshot into a replayable trace.
func (s Snapshot) Trace() Trace {
	return Trace{
		Series:   Series{RunID: s.RunID, Interval: s.Interval, Samples: s.Samples},
		Outcome:  s.Outcome,
		ExitCode: s.ExitCode,
		Duration: s.Duration,
	}
}

// snapshotRow is one JSON line. Type is "meta" or "sample".
type snapshotRow struct {
	Type       string        `json:"type"`
	RunID      string        `json:"run_id"`
	PayloadID  string        `json:"payload_id,omitempty"`
	IntervalMS float64       `json:"interval_ms,omitempty"`
	Outcome    model.Outcome `json:"outcome,omitempty"`
	ExitCode   int           `json:"exit_code,omitempty"`
	DurationMS float64       `json:"duration_ms,omitempty"`
	OffsetMS   float64       `json:"offset_ms,omitempty"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
	RSSBytes   float64       `json:"rss_bytes,omitempty"`
	ReadBytes  float64       `json:"read_bytes,omitempty"`
	WriteBytes float64       `json:"write_bytes,omitempty"`
	Syscalls   float64       `json:"syscalls,omitempty"`
	Threads    float64       `json:"threads,omitempty"`
}

const (
	rowMeta   = "meta"
	rowSample = "sample"
)

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMS(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// WriteSnapshot encodes s to w.
func WriteSnapshot(w io.Writer, s Snapshot) error {
	enc := json.NewEncoder(w)
	meta := snapshotRow{
		Type:       rowMeta,
		RunID:      s.RunID,
		PayloadID:  s.PayloadID,
		IntervalMS: toMS(s.Interval),
		Outcome:    s.Outcome,
		ExitCode:   s.ExitCode,
		DurationMS: toMS(s.Duration),
	}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("write snapshot meta: %w", err)
	}
	for _, smp := range s.Samples {
		row := snapshotRow{
			Type:       rowSample,
			RunID:      s.RunID,
			OffsetMS:   toMS(smp.Offset),
			CPUPercent: smp.CPUPercent,
			RSSBytes:   smp.RSSBytes,
			ReadBytes:  smp.ReadBytes,
			WriteBytes: smp.WriteBytes,
			Syscalls:   smp.Syscalls,
			Threads:    smp.Threads,
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("write snapshot sample: %w", err)
		}
	}
	return nil
}

// ReadSnapshot decodes a snapshot from r. Sample offsets must not decrease.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	sawMeta := false
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row snapshotRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return Snapshot{}, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		switch row.Type {
		case rowMeta:
			if sawMeta {
				return Snapshot{}, fmt.Errorf("line %d: duplicate meta row", lineNum)
			}
			sawMeta = true
			snap.RunID = row.RunID
			snap.PayloadID = row.PayloadID
			snap.Interval = fromMS(row.IntervalMS)
			snap.Outcome = row.Outcome
			snap.ExitCode = row.ExitCode
			snap.Duration = fromMS(row.DurationMS)
		case rowSample:
			s := model.Sample{
				Offset:     fromMS(row.OffsetMS),
				CPUPercent: row.CPUPercent,
				RSSBytes:   row.RSSBytes,
				ReadBytes:  row.ReadBytes,
				WriteBytes: row.WriteBytes,
				Syscalls:   row.Syscalls,
				Threads:    row.Threads,
			}
			if n := len(snap.Samples); n > 0 && s.Offset < snap.Samples[n-1].Offset {
				return Snapshot{}, fmt.Errorf("line %d: sample offset goes backwards", lineNum)
			}
			snap.Samples = append(snap.Samples, s)
		default:
			return Snapshot{}, fmt.Errorf("line %d: unknown row type %q", lineNum, row.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if !sawMeta {
		return Snapshot{}, fmt.Errorf("snapshot has no meta row")
	}
	return snap, nil
}

// WriteSnapshotFile writes s to path, creating parent directories.
func WriteSnapshotFile(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := WriteSnapshot(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSnapshotFile reads the snapshot at path.
func ReadSnapshotFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	snap, err := ReadSnapshot(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return snap, nil
}
