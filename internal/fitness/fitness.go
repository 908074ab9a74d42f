// Package fitness turns a genome's execution records into one composite
// score.
package fitness

import (
	"fmt"
	"math"

	"github.com/ppiankov/aegisforge/internal/model"
)

// Weights are the fixed scoring weights. Rewards are positive, penalties
// negative. OverheadWeight and ComplexityWeight are magnitudes applied as
// penalties.
type Weights struct {
	CorrectBlock     float64
	CorrectPermit    float64
	FalsePermit      float64
	FalseBlock       float64
	OverheadWeight   float64
	OverheadCap      float64
	ComplexityWeight float64
}

// DefaultWeights returns the built-in weights. Denying legitimate use costs
// more than letting one attack through.
func DefaultWeights() Weights {
	return Weights{
		CorrectBlock:     1000,
		CorrectPermit:    500,
		FalsePermit:      -1000,
		FalseBlock:       -2000,
		OverheadWeight:   100,
		OverheadCap:      1.0,
		ComplexityWeight: 0,
	}
}

// Evaluator scores record sets. It is stateless and safe for concurrent use.
type Evaluator struct {
	w Weights
}

// New validates w and returns an evaluator.
func New(w Weights) (*Evaluator, error) {
	for name, v := range map[string]float64{
		"correct_block":     w.CorrectBlock,
		"correct_permit":    w.CorrectPermit,
		"false_permit":      w.FalsePermit,
		"false_block":       w.FalseBlock,
		"overhead_weight":   w.OverheadWeight,
		"overhead_cap":      w.OverheadCap,
		"complexity_weight": w.ComplexityWeight,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("fitness weight %s must be finite", name)
		}
	}
	if w.OverheadWeight < 0 || w.OverheadCap < 0 || w.ComplexityWeight < 0 {
		return nil, fmt.Errorf("overhead weight, overhead cap and complexity weight must be >= 0")
	}
	return &Evaluator{w: w}, nil
}

// Weights returns the evaluator's weights.
func (e *Evaluator) Weights() Weights {
	return e.w
}

// Score computes the composite score of g from its records. Every input
// yields a finite score: pathological overhead (NaN, Inf, timeouts) is
// clamped to the cap.
func (e *Evaluator) Score(g model.Genome, records []model.ExecutionRecord) model.FitnessScore {
	var s model.FitnessScore
	var overheadSum float64

	for _, r := range records {
		switch r.Classification {
		case model.CorrectBlock:
			s.Tally.CorrectBlock++
		case model.CorrectPermit:
			s.Tally.CorrectPermit++
		case model.FalsePermit:
			s.Tally.FalsePermit++
		case model.FalseBlock:
			s.Tally.FalseBlock++
		}
		overheadSum += e.clampOverhead(r.Overhead)
	}

	s.AttackStopped = float64(s.Tally.CorrectBlock)*e.w.CorrectBlock +
		float64(s.Tally.FalsePermit)*e.w.FalsePermit
	s.BenignPermitted = float64(s.Tally.CorrectPermit)*e.w.CorrectPermit +
		float64(s.Tally.FalseBlock)*e.w.FalseBlock
	s.OverheadPenalty = -e.w.OverheadWeight * overheadSum
	s.ComplexityPenalty = -e.w.ComplexityWeight * float64(len(g.Rules))
	if len(records) > 0 {
		s.MeanOverhead = overheadSum / float64(len(records))
	}
	s.Total = s.AttackStopped + s.BenignPermitted + s.OverheadPenalty + s.ComplexityPenalty
	return s
}

func (e *Evaluator) clampOverhead(o float64) float64 {
	switch {
	case math.IsNaN(o), math.IsInf(o, 0), o > e.w.OverheadCap:
		return e.w.OverheadCap
	case o < 0:
		return 0
	default:
		return o
	}
}

// MaxAttainable is the score of a rule-free genome that permits every
// benign payload and blocks every malicious one with zero overhead.
func (e *Evaluator) MaxAttainable(benign, malicious int) float64 {
	return float64(benign)*e.w.CorrectPermit + float64(malicious)*e.w.CorrectBlock
}

// Perfect reports whether s classified every record correctly.
func Perfect(s model.FitnessScore) bool {
	return s.Tally.FalseBlock == 0 && s.Tally.FalsePermit == 0 &&
		s.Tally.CorrectBlock+s.Tally.CorrectPermit > 0
}
