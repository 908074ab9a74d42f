package genome

import (
	"errors"
	"fmt"
	"math"

	"github.com/ppiankov/aegisforge/internal/model"
)

// ErrMalformed is the sentinel wrapped by every MalformedError.
var ErrMalformed = errors.New("malformed genome")

// MalformedError reports a genome with an undefined action or kind, an
// unknown metric, or a parameter outside its legal range. Rule is -1 when
// the violation is not tied to a single rule.
type MalformedError struct {
	GenomeID string
	Rule     int
	Reason   string
}

func (e *MalformedError) Error() string {
	if e.Rule < 0 {
		return fmt.Sprintf("malformed genome %s: %s", e.GenomeID, e.Reason)
	}
	return fmt.Sprintf("malformed genome %s: rule %d: %s", e.GenomeID, e.Rule, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Window bounds for rate_limit rules, in milliseconds.
const (
	MinWindowMS = 10
	MaxWindowMS = 60_000
)

// DefaultMaxRules caps genome length when no limit is configured.
const DefaultMaxRules = 16

// legalRanges are the inclusive bounds a rule parameter may take per metric.
// For rate_limit rules the bound is interpreted per second.
var legalRanges = map[model.Metric][2]float64{
	model.MetricCPUPercent: {0, 6400},
	model.MetricRSSBytes:   {0, 1 << 40},
	model.MetricReadBytes:  {0, 1 << 40},
	model.MetricWriteBytes: {0, 1 << 40},
	model.MetricSyscalls:   {0, 1e9},
	model.MetricThreads:    {0, 65536},
}

// LegalRange returns the inclusive parameter bounds for metric m.
func LegalRange(m model.Metric) (lo, hi float64, ok bool) {
	r, ok := legalRanges[m]
	return r[0], r[1], ok
}

// Validate checks every rule of g and its default action, allowing at most
// DefaultMaxRules rules.
func Validate(g model.Genome) error {
	return ValidateWithLimit(g, DefaultMaxRules)
}

// ValidateWithLimit checks g, allowing at most maxRules rules.
func ValidateWithLimit(g model.Genome, maxRules int) error {
	if g.ID == "" {
		return &MalformedError{Rule: -1, Reason: "missing id"}
	}
	if g.Generation < 0 {
		return &MalformedError{GenomeID: g.ID, Rule: -1, Reason: fmt.Sprintf("negative generation %d", g.Generation)}
	}
	if !g.DefaultAction.Valid() {
		return &MalformedError{GenomeID: g.ID, Rule: -1, Reason: fmt.Sprintf("default action %q is not allow|block", g.DefaultAction)}
	}
	if maxRules > 0 && len(g.Rules) > maxRules {
		return &MalformedError{GenomeID: g.ID, Rule: -1, Reason: fmt.Sprintf("%d rules exceeds limit %d", len(g.Rules), maxRules)}
	}
	for i, r := range g.Rules {
		if reason := checkRule(r); reason != "" {
			return &MalformedError{GenomeID: g.ID, Rule: i, Reason: reason}
		}
	}
	return nil
}

func checkRule(r model.Rule) string {
	lo, hi, ok := LegalRange(r.Metric)
	if !ok {
		return fmt.Sprintf("unknown metric %q", r.Metric)
	}
	if !r.Action.Valid() {
		return fmt.Sprintf("action %q is not allow|block", r.Action)
	}
	for _, v := range []float64{r.Min, r.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite bound"
		}
		if v < lo || v > hi {
			return fmt.Sprintf("bound %g outside [%g, %g] for %s", v, lo, hi, r.Metric)
		}
	}
	if r.Min > r.Max {
		return fmt.Sprintf("min %g > max %g", r.Min, r.Max)
	}

	switch r.Kind {
	case model.KindThreshold:
		if r.WindowMS != 0 {
			return "window_ms only applies to rate_limit"
		}
	case model.KindAllow:
		if r.Action != model.Allow {
			return "allow rule must carry action allow"
		}
		if r.WindowMS != 0 {
			return "window_ms only applies to rate_limit"
		}
	case model.KindBlock:
		if r.Action != model.Block {
			return "block rule must carry action block"
		}
		if r.WindowMS != 0 {
			return "window_ms only applies to rate_limit"
		}
	case model.KindRateLimit:
		if !r.Metric.IsCounter() {
			return fmt.Sprintf("rate_limit requires a counter metric, got %s", r.Metric)
		}
		if r.WindowMS < MinWindowMS || r.WindowMS > MaxWindowMS {
			return fmt.Sprintf("window_ms %d outside [%d, %d]", r.WindowMS, MinWindowMS, MaxWindowMS)
		}
	default:
		return fmt.Sprintf("unknown rule kind %q", r.Kind)
	}
	return ""
}
