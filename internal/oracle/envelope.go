package oracle

import (
	"fmt"
	"math"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// DefaultSigma is the envelope half-width in scaled deviations.
const DefaultSigma = 3.0

// featureFloors bound each feature's scale from below so deterministic
// baselines do not turn measurement noise into anomalies.
var featureFloors = []float64{
	5,        // max_cpu_percent
	5,        // avg_cpu_percent
	4 << 20,  // max_rss_bytes
	4 << 20,  // avg_rss_bytes
	20,       // duration_ms
	50,       // syscalls
	64 << 10, // io_bytes
}

// relativeFloor is the minimum scale as a fraction of the feature mean.
const relativeFloor = 0.1

// Envelope classifies a run as nominal when every feature lies within Sigma
// scaled deviations of the calibrated benign mean.
type Envelope struct {
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
	Sigma    float64   `json:"sigma"`
}

// FitEnvelope builds an envelope from benign run summaries.
func FitEnvelope(summaries []model.Summary, sigma float64) (Envelope, error) {
	if len(summaries) == 0 {
		return Envelope{}, fmt.Errorf("no benign runs to fit")
	}
	if sigma <= 0 {
		sigma = DefaultSigma
	}

	n := len(FeatureNames)
	mean := make([]float64, n)
	std := make([]float64, n)
	for _, s := range summaries {
		for i, v := range FeatureVector(s) {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(summaries))
	}
	for _, s := range summaries {
		for i, v := range FeatureVector(s) {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(summaries)))
	}

	return Envelope{
		Features: append([]string(nil), FeatureNames...),
		Mean:     mean,
		Std:      std,
		Sigma:    sigma,
	}, nil
}

func (e *Envelope) validate() error {
	n := len(FeatureNames)
	if len(e.Features) != n || len(e.Mean) != n || len(e.Std) != n {
		return fmt.Errorf("envelope has %d features, want %d", len(e.Mean), n)
	}
	for i, name := range e.Features {
		if name != FeatureNames[i] {
			return fmt.Errorf("envelope feature %d is %q, want %q", i, name, FeatureNames[i])
		}
	}
	if e.Sigma <= 0 {
		return fmt.Errorf("envelope sigma must be > 0")
	}
	return nil
}

// Deviation returns the largest scaled deviation of s from the envelope
// and the feature it occurred on.
func (e *Envelope) Deviation(s model.Summary) (float64, string) {
	worst, at := 0.0, ""
	for i, v := range FeatureVector(s) {
		scale := max(e.Std[i], featureFloors[i], relativeFloor*math.Abs(e.Mean[i]))
		z := math.Abs(v-e.Mean[i]) / scale
		if z > worst {
			worst, at = z, FeatureNames[i]
		}
	}
	return worst, at
}

// Classify implements Classifier. Confidence is 1 at the mean, falls to
// 0.5 at the envelope edge, and rises again to 1 at twice its width.
func (e *Envelope) Classify(s telemetry.Series) (model.State, float64) {
	if s.Len() == 0 {
		return model.Terminated, 1
	}
	z, _ := e.Deviation(telemetry.Summarize(s))
	if z <= e.Sigma {
		return model.Nominal, 1 - z/(2*e.Sigma)
	}
	return model.Anomalous, math.Min(1, 0.5+(z-e.Sigma)/(2*e.Sigma))
}
