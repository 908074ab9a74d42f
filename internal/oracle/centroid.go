package oracle

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

// Centroid is one labeled cluster center.
type Centroid struct {
	State  model.State `yaml:"state" json:"state"`
	Center []float64   `yaml:"center" json:"center"`
}

// CentroidModel is a nearest-centroid classifier trained offline. Features
// selects a subset of FeatureNames; Scale normalizes each of them.
type CentroidModel struct {
	Name      string     `yaml:"name" json:"name"`
	Features  []string   `yaml:"features" json:"features"`
	Scale     []float64  `yaml:"scale" json:"scale"`
	Centroids []Centroid `yaml:"centroids" json:"centroids"`

	index []int
}

// LoadCentroidModel reads a model file. YAML and JSON are both accepted.
func LoadCentroidModel(path string) (*CentroidModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier model: %w", err)
	}
	var m CentroidModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse classifier model: %w", err)
	}
	if err := m.Init(); err != nil {
		return nil, fmt.Errorf("classifier model %s: %w", path, err)
	}
	return &m, nil
}

// Init validates the model and resolves its feature indexes.
func (m *CentroidModel) Init() error {
	if len(m.Features) == 0 {
		m.Features = append([]string(nil), FeatureNames...)
	}
	m.index = make([]int, len(m.Features))
	for i, name := range m.Features {
		idx, err := featureIndex(name)
		if err != nil {
			return err
		}
		m.index[i] = idx
	}
	if len(m.Scale) == 0 {
		m.Scale = make([]float64, len(m.Features))
	}
	if len(m.Scale) != len(m.Features) {
		return fmt.Errorf("scale has %d entries, want %d", len(m.Scale), len(m.Features))
	}
	if len(m.Centroids) == 0 {
		return fmt.Errorf("model has no centroids")
	}
	for i, c := range m.Centroids {
		switch c.State {
		case model.Nominal, model.Anomalous, model.Terminated:
		default:
			return fmt.Errorf("centroid %d: unknown state %q", i, c.State)
		}
		if len(c.Center) != len(m.Features) {
			return fmt.Errorf("centroid %d has %d coordinates, want %d", i, len(c.Center), len(m.Features))
		}
	}
	return nil
}

// Classify implements Classifier. Confidence compares the distance to the
// nearest centroid with the distance to the runner-up.
func (m *CentroidModel) Classify(s telemetry.Series) (model.State, float64) {
	if s.Len() == 0 {
		return model.Terminated, 1
	}
	full := FeatureVector(telemetry.Summarize(s))

	best, second := math.Inf(1), math.Inf(1)
	state := model.Anomalous
	for _, c := range m.Centroids {
		d := m.distance(full, c.Center)
		switch {
		case d < best:
			second = best
			best = d
			state = c.State
		case d < second:
			second = d
		}
	}

	if math.IsInf(second, 1) {
		return state, 1
	}
	if best+second == 0 {
		return state, 0.5
	}
	return state, second / (best + second)
}

func (m *CentroidModel) distance(full, center []float64) float64 {
	var sum float64
	for i, idx := range m.index {
		scale := m.Scale[i]
		if scale <= 0 {
			scale = 1
		}
		d := (full[idx] - center[i]) / scale
		sum += d * d
	}
	return math.Sqrt(sum)
}
