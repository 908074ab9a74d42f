package genome

import (
	"math"
	"math/rand"

	"github.com/ppiankov/aegisforge/internal/model"
)

// searchRanges bound where random rules are drawn. They are much tighter than
// the legal ranges so the initial population lands near realistic workloads.
var searchRanges = map[model.Metric][2]float64{
	model.MetricCPUPercent: {0, 400},
	model.MetricRSSBytes:   {0, 2 << 30},
	model.MetricReadBytes:  {0, 64 << 20},
	model.MetricWriteBytes: {0, 64 << 20},
	model.MetricSyscalls:   {0, 1e6},
	model.MetricThreads:    {0, 256},
}

// SearchRange returns the range random rule bounds are drawn from.
func SearchRange(m model.Metric) (lo, hi float64) {
	r := searchRanges[m]
	return r[0], r[1]
}

var counterMetrics = []model.Metric{model.MetricReadBytes, model.MetricWriteBytes, model.MetricSyscalls}

// RandomRule draws one valid rule.
func RandomRule(rng *rand.Rand) model.Rule {
	kind := model.RuleKinds[rng.Intn(len(model.RuleKinds))]

	switch kind {
	case model.KindRateLimit:
		m := counterMetrics[rng.Intn(len(counterMetrics))]
		lo, hi := SearchRange(m)
		return model.Rule{
			Kind:     kind,
			Metric:   m,
			Max:      round(lo + rng.Float64()*(hi-lo)),
			WindowMS: int64(50 + rng.Intn(1951)),
			Action:   model.Block,
		}
	case model.KindThreshold:
		m := model.Metrics[rng.Intn(len(model.Metrics))]
		lo, hi := SearchRange(m)
		return model.Rule{
			Kind:   kind,
			Metric: m,
			Max:    round(lo + rng.Float64()*(hi-lo)),
			Action: model.Block,
		}
	default:
		m := model.Metrics[rng.Intn(len(model.Metrics))]
		lo, hi := SearchRange(m)
		a := lo + rng.Float64()*(hi-lo)
		b := lo + rng.Float64()*(hi-lo)
		if a > b {
			a, b = b, a
		}
		action := model.Allow
		if kind == model.KindBlock {
			action = model.Block
		}
		return model.Rule{Kind: kind, Metric: m, Min: round(a), Max: round(b), Action: action}
	}
}

// Random draws a valid genome with between 1 and maxRules rules.
func Random(rng *rand.Rand, id string, generation, maxRules int) model.Genome {
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	n := 1 + rng.Intn(min(maxRules, 4))
	rules := make([]model.Rule, n)
	for i := range rules {
		rules[i] = RandomRule(rng)
	}
	return model.Genome{
		ID:            id,
		Generation:    generation,
		Origin:        "random",
		DefaultAction: model.Allow,
		Rules:         rules,
	}
}

// Baseline describes an unguarded benign run, used to seed genomes close to
// the target's normal envelope.
type Baseline struct {
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	MaxRSSBytes   float64 `json:"max_rss_bytes"`
	Syscalls      float64 `json:"syscalls"`
	DurationMS    float64 `json:"duration_ms"`
}

// Seeded builds a genome that blocks once CPU, memory or syscall volume
// exceed the baseline by the given headroom factor (e.g. 1.5).
func Seeded(id string, generation int, b Baseline, headroom float64) model.Genome {
	if headroom <= 1 {
		headroom = 1.5
	}
	rules := []model.Rule{
		{Kind: model.KindThreshold, Metric: model.MetricCPUPercent, Max: clamp(model.MetricCPUPercent, round(b.MaxCPUPercent*headroom+5)), Action: model.Block},
		{Kind: model.KindThreshold, Metric: model.MetricRSSBytes, Max: clamp(model.MetricRSSBytes, round(b.MaxRSSBytes*headroom)), Action: model.Block},
	}
	if b.Syscalls > 0 {
		rules = append(rules, model.Rule{
			Kind:   model.KindThreshold,
			Metric: model.MetricSyscalls,
			Max:    clamp(model.MetricSyscalls, round(b.Syscalls*headroom)),
			Action: model.Block,
		})
	}
	return model.Genome{
		ID:            id,
		Generation:    generation,
		Origin:        "seed",
		DefaultAction: model.Allow,
		Rules:         rules,
	}
}

// Clamp limits v to the legal range of metric m.
func Clamp(m model.Metric, v float64) float64 {
	return clamp(m, v)
}

func clamp(m model.Metric, v float64) float64 {
	lo, hi, ok := LegalRange(m)
	if !ok || math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
