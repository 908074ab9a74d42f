package oracle

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

type fixedClassifier struct {
	state model.State
	conf  float64
}

func (f fixedClassifier) Classify(telemetry.Series) (model.State, float64) {
	return f.state, f.conf
}

func series(n int, cpu, rss float64) telemetry.Series {
	s := telemetry.Series{Interval: 20 * time.Millisecond}
	for i := 1; i <= n; i++ {
		s.Samples = append(s.Samples, model.Sample{
			Offset:     time.Duration(i*20) * time.Millisecond,
			CPUPercent: cpu,
			RSSBytes:   rss,
			Syscalls:   float64(i * 10),
			Threads:    1,
		})
	}
	return s
}

func benignSeries() telemetry.Series { return series(5, 10, 10<<20) }

func attackSeries() telemetry.Series { return series(100, 95, 200<<20) }

func summary(s telemetry.Series) model.Summary { return telemetry.Summarize(s) }

// --- Oracle gate tests ---

func TestJudgeLowConfidenceIsAnomalous(t *testing.T) {
	o := New(fixedClassifier{state: model.Nominal, conf: 0.4}, 0.6)
	v := o.Judge(benignSeries())
	if v.State != model.Anomalous || !v.LowConfidence {
		t.Errorf("expected anomalous low-confidence verdict, got %+v", v)
	}
	if v.Confidence != 0.4 {
		t.Errorf("confidence should be preserved, got %v", v.Confidence)
	}
}

func TestJudgeConfidentVerdictPassesThrough(t *testing.T) {
	o := New(fixedClassifier{state: model.Nominal, conf: 0.9}, 0.6)
	if v := o.Judge(benignSeries()); v.State != model.Nominal || v.LowConfidence {
		t.Errorf("expected nominal verdict, got %+v", v)
	}
}

func TestJudgeEmptySeriesStaysTerminated(t *testing.T) {
	o := New(fixedClassifier{state: model.Terminated, conf: 0.1}, 0.6)
	if v := o.Judge(telemetry.Series{}); v.State != model.Terminated || v.LowConfidence {
		t.Errorf("expected terminated, got %+v", v)
	}
}

func TestJudgeLowConfidenceTerminatedWithSignal(t *testing.T) {
	o := New(fixedClassifier{state: model.Terminated, conf: 0.2}, 0.8)
	s := telemetry.Series{Samples: []model.Sample{{Offset: 20 * time.Millisecond, CPUPercent: 3, Threads: 1}}}
	v := o.Judge(s)
	if v.State != model.Anomalous || !v.LowConfidence || v.Confidence != 0.2 {
		t.Errorf("expected low-confidence anomalous, got %+v", v)
	}
}

// --- Envelope tests ---

func TestFitEnvelope(t *testing.T) {
	a := model.Summary{MaxCPUPercent: 10, AvgCPUPercent: 5}
	b := model.Summary{MaxCPUPercent: 30, AvgCPUPercent: 5}
	env, err := FitEnvelope([]model.Summary{a, b}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if env.Sigma != DefaultSigma {
		t.Errorf("sigma = %v, want default", env.Sigma)
	}
	if env.Mean[0] != 20 || env.Std[0] != 10 {
		t.Errorf("cpu mean/std = %v/%v, want 20/10", env.Mean[0], env.Std[0])
	}
	if env.Std[1] != 0 {
		t.Errorf("constant feature std = %v", env.Std[1])
	}
}

func TestFitEnvelopeEmpty(t *testing.T) {
	if _, err := FitEnvelope(nil, 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnvelopeClassify(t *testing.T) {
	env, err := FitEnvelope([]model.Summary{summary(benignSeries())}, 3)
	if err != nil {
		t.Fatal(err)
	}

	state, conf := env.Classify(benignSeries())
	if state != model.Nominal || conf != 1 {
		t.Errorf("benign: %s %.2f, want nominal 1", state, conf)
	}

	state, conf = env.Classify(attackSeries())
	if state != model.Anomalous || conf != 1 {
		t.Errorf("attack: %s %.2f, want anomalous 1", state, conf)
	}

	state, _ = env.Classify(telemetry.Series{})
	if state != model.Terminated {
		t.Errorf("empty series: %s, want terminated", state)
	}
}

func TestEnvelopeConfidenceAtEdge(t *testing.T) {
	env, err := FitEnvelope([]model.Summary{summary(benignSeries())}, 3)
	if err != nil {
		t.Fatal(err)
	}
	// CPU floor is 5 points, so 3 sigma is 15 points above the 10% mean.
	edge := series(5, 25, 10<<20)
	state, conf := env.Classify(edge)
	if state != model.Nominal || math.Abs(conf-0.5) > 1e-9 {
		t.Errorf("edge: %s %.4f, want nominal 0.5", state, conf)
	}
	z, feature := env.Deviation(summary(edge))
	if math.Abs(z-3) > 1e-9 || feature != "max_cpu_percent" {
		t.Errorf("deviation = %v on %s", z, feature)
	}
}

func TestEnvelopeIsDeterministic(t *testing.T) {
	env, _ := FitEnvelope([]model.Summary{summary(benignSeries()), summary(series(6, 12, 11<<20))}, 3)
	s := series(7, 14, 12<<20)
	st1, c1 := env.Classify(s)
	for i := 0; i < 10; i++ {
		st, c := env.Classify(s)
		if st != st1 || c != c1 {
			t.Fatalf("classification changed on call %d", i)
		}
	}
}

// --- Centroid tests ---

const centroidYAML = `
name: test-model
features: [max_cpu_percent, max_rss_bytes]
scale: [10, 1048576]
centroids:
  - state: nominal
    center: [10, 10485760]
  - state: anomalous
    center: [95, 209715200]
`

func writeModel(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCentroidClassify(t *testing.T) {
	m, err := LoadCentroidModel(writeModel(t, centroidYAML))
	if err != nil {
		t.Fatal(err)
	}

	state, conf := m.Classify(benignSeries())
	if state != model.Nominal || conf != 1 {
		t.Errorf("benign: %s %.3f, want nominal 1", state, conf)
	}
	state, conf = m.Classify(attackSeries())
	if state != model.Anomalous || conf != 1 {
		t.Errorf("attack: %s %.3f, want anomalous 1", state, conf)
	}
	if state, _ := m.Classify(telemetry.Series{}); state != model.Terminated {
		t.Errorf("empty: %s, want terminated", state)
	}
}

func TestCentroidMidpointIsUncertain(t *testing.T) {
	m, err := LoadCentroidModel(writeModel(t, centroidYAML))
	if err != nil {
		t.Fatal(err)
	}
	mid := series(5, 52.5, (10<<20+200<<20)/2)
	_, conf := m.Classify(mid)
	if math.Abs(conf-0.5) > 1e-9 {
		t.Errorf("midpoint confidence = %v, want 0.5", conf)
	}
	v := New(m, 0.6).Judge(mid)
	if v.State != model.Anomalous || !v.LowConfidence {
		t.Errorf("midpoint verdict = %+v, want low-confidence anomalous", v)
	}
}

func TestCentroidModelValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"no centroids", "features: [max_cpu_percent]\n", "no centroids"},
		{"unknown feature", "features: [gpu]\ncentroids:\n  - state: nominal\n    center: [1]\n", "unknown feature"},
		{"bad state", "features: [max_cpu_percent]\ncentroids:\n  - state: happy\n    center: [1]\n", "unknown state"},
		{"dimension mismatch", "features: [max_cpu_percent]\ncentroids:\n  - state: nominal\n    center: [1, 2]\n", "coordinates"},
		{"scale mismatch", "features: [max_cpu_percent]\nscale: [1, 2]\ncentroids:\n  - state: nominal\n    center: [1]\n", "scale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCentroidModel(writeModel(t, tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCentroidDefaultsToAllFeatures(t *testing.T) {
	m := &CentroidModel{Centroids: []Centroid{{State: model.Nominal, Center: make([]float64, len(FeatureNames))}}}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	if len(m.Features) != len(FeatureNames) {
		t.Errorf("features = %v", m.Features)
	}
}

// --- NewClassifier tests ---

func TestNewClassifier(t *testing.T) {
	env, _ := FitEnvelope([]model.Summary{summary(benignSeries())}, 3)
	cal := &Calibration{Envelope: env}

	if _, err := NewClassifier("envelope", "", cal); err != nil {
		t.Errorf("envelope: %v", err)
	}
	if _, err := NewClassifier("envelope", "", nil); err == nil {
		t.Error("envelope without calibration should fail")
	}
	if _, err := NewClassifier("centroid", writeModel(t, centroidYAML), nil); err != nil {
		t.Errorf("centroid: %v", err)
	}
	if _, err := NewClassifier("centroid", "", nil); err == nil {
		t.Error("centroid without model path should fail")
	}
	if _, err := NewClassifier("neural", "", cal); err == nil {
		t.Error("unknown kind should fail")
	}
}

// --- Calibrate tests ---

var (
	benignPayload = model.Payload{ID: "benign-1", Label: model.Benign}
	attackPayload = model.Payload{ID: "attack-1", Label: model.Malicious}
)

func replay(traces map[string]telemetry.Trace) *telemetry.ReplayCapturer {
	return telemetry.NewReplayCapturer(traces)
}

func TestCalibrate(t *testing.T) {
	capturer := replay(map[string]telemetry.Trace{
		benignPayload.ID: {Series: benignSeries(), Outcome: model.Completed},
		attackPayload.ID: {Series: attackSeries(), Outcome: model.Completed},
	})
	record := t.TempDir()

	cal, err := Calibrate(context.Background(), capturer, []model.Payload{benignPayload, attackPayload}, CalibrateOptions{
		Target:        telemetry.Target{Path: "/usr/bin/target"},
		Runs:          3,
		Sigma:         3,
		MinConfidence: 0.6,
		RecordDir:     record,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	if got, ok := cal.Baseline(benignPayload.ID); !ok || got != 100*time.Millisecond {
		t.Errorf("benign baseline = %v, %v", got, ok)
	}
	if got, ok := cal.Baseline(attackPayload.ID); !ok || got != 2*time.Second {
		t.Errorf("attack baseline = %v, %v", got, ok)
	}
	if cal.Seed.MaxCPUPercent != 10 || cal.Seed.Syscalls != 50 {
		t.Errorf("seed baseline = %+v", cal.Seed)
	}
	if len(cal.Undetected) != 0 {
		t.Errorf("undetected = %v", cal.Undetected)
	}
	if cal.Target != "/usr/bin/target" {
		t.Errorf("target = %q", cal.Target)
	}

	for _, id := range []string{benignPayload.ID, attackPayload.ID} {
		if _, err := os.Stat(filepath.Join(record, id+".jsonl")); err != nil {
			t.Errorf("recorded snapshot for %s: %v", id, err)
		}
	}
}

func TestCalibrateFlagsUndetectedAttacks(t *testing.T) {
	capturer := replay(map[string]telemetry.Trace{
		benignPayload.ID: {Series: benignSeries(), Outcome: model.Completed},
		attackPayload.ID: {Series: benignSeries(), Outcome: model.Completed},
	})
	cal, err := Calibrate(context.Background(), capturer, []model.Payload{benignPayload, attackPayload}, CalibrateOptions{Runs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{attackPayload.ID}, cal.Undetected); diff != "" {
		t.Errorf("undetected (-want +got):\n%s", diff)
	}
}

func TestCalibrateFailsOnBenignCrash(t *testing.T) {
	capturer := replay(map[string]telemetry.Trace{
		benignPayload.ID: {Series: benignSeries(), Outcome: model.Crashed, ExitCode: 1},
	})
	_, err := Calibrate(context.Background(), capturer, []model.Payload{benignPayload}, CalibrateOptions{})
	if !errors.Is(err, ErrCalibration) {
		t.Fatalf("expected ErrCalibration, got %v", err)
	}
}

func TestCalibrateFailsWhenBaselineNotNominal(t *testing.T) {
	capturer := replay(map[string]telemetry.Trace{
		benignPayload.ID: {Series: benignSeries(), Outcome: model.Completed},
	})
	_, err := Calibrate(context.Background(), capturer, []model.Payload{benignPayload}, CalibrateOptions{
		Classifier:    fixedClassifier{state: model.Anomalous, conf: 1},
		MinConfidence: 0.6,
	})
	if !errors.Is(err, ErrCalibration) || !strings.Contains(err.Error(), "judged anomalous") {
		t.Fatalf("expected nominal-profile failure, got %v", err)
	}
}

func TestCalibrateRequiresBenignPayload(t *testing.T) {
	capturer := replay(map[string]telemetry.Trace{
		attackPayload.ID: {Series: attackSeries(), Outcome: model.Completed},
	})
	_, err := Calibrate(context.Background(), capturer, []model.Payload{attackPayload}, CalibrateOptions{})
	if !errors.Is(err, ErrCalibration) {
		t.Fatalf("expected ErrCalibration, got %v", err)
	}
}

func TestSaveLoadCalibration(t *testing.T) {
	env, _ := FitEnvelope([]model.Summary{summary(benignSeries())}, 3)
	cal := &Calibration{
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Target:     "/bin/target",
		Envelope:   env,
		BaselineMS: map[string]float64{"a": 12.5},
	}
	path := filepath.Join(t.TempDir(), "sub", "calibration.json")
	if err := SaveCalibration(path, cal); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCalibration(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cal, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCalibrationRejectsBrokenEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	if err := os.WriteFile(path, []byte(`{"envelope":{"features":["x"],"mean":[1],"std":[0],"sigma":3}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibration(path); err == nil {
		t.Fatal("expected envelope validation error")
	}
}
