// Package oracle maps run telemetry to a behavioral state with a confidence
// score and gates low-confidence verdicts.
package oracle

import (
	"fmt"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// Classifier labels a telemetry series. Implementations must be pure: the
// same series always yields the same state and confidence, and a classifier
// may be shared by concurrent evaluations.
type Classifier interface {
	Classify(s telemetry.Series) (model.State, float64)
}

// FeatureNames lists the aggregate features classifiers operate on, in
// vector order.
var FeatureNames = []string{
	"max_cpu_percent",
	"avg_cpu_percent",
	"max_rss_bytes",
	"avg_rss_bytes",
	"duration_ms",
	"syscalls",
	"io_bytes",
}

// FeatureVector flattens a summary in FeatureNames order.
func FeatureVector(s model.Summary) []float64 {
	return []float64{
		s.MaxCPUPercent,
		s.AvgCPUPercent,
		s.MaxRSSBytes,
		s.AvgRSSBytes,
		s.DurationMS,
		s.Syscalls,
		s.IOBytes,
	}
}

func featureIndex(name string) (int, error) {
	for i, n := range FeatureNames {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown feature %q", name)
}

// Oracle wraps a classifier with the confidence gate.
type Oracle struct {
	classifier    Classifier
	minConfidence float64
}

// New creates an oracle. Verdicts below minConfidence are reported as
// anomalous with LowConfidence set.
func New(c Classifier, minConfidence float64) *Oracle {
	return &Oracle{classifier: c, minConfidence: minConfidence}
}

// Judge classifies s and applies the confidence gate. Only an empty series
// (no signal at all) keeps a low-confidence terminated verdict; every other
// low-confidence verdict becomes anomalous.
func (o *Oracle) Judge(s telemetry.Series) model.Verdict {
	state, conf := o.classifier.Classify(s)
	exempt := state == model.Terminated && s.Len() == 0
	if conf < o.minConfidence && !exempt {
		return model.Verdict{State: model.Anomalous, Confidence: conf, LowConfidence: true}
	}
	return model.Verdict{State: state, Confidence: conf}
}

// NewClassifier builds the classifier named by kind. "envelope" uses the
// calibration's envelope; "centroid" loads the model at modelPath.
func NewClassifier(kind, modelPath string, cal *Calibration) (Classifier, error) {
	switch kind {
	case "", "envelope":
		if cal == nil {
			return nil, fmt.Errorf("envelope classifier requires a calibration, run aegisforge calibrate first")
		}
		env := cal.Envelope
		if err := env.validate(); err != nil {
			return nil, fmt.Errorf("calibration envelope: %w", err)
		}
		return &env, nil
	case "centroid":
		if modelPath == "" {
			return nil, fmt.Errorf("centroid classifier requires classifier.model_path")
		}
		return LoadCentroidModel(modelPath)
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", kind)
	}
}
