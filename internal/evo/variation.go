package evo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/model"
)

// ErrRepairExhausted is returned when no valid offspring could be produced
// within the configured number of fallback mutations.
var ErrRepairExhausted = errors.New("genome repair attempts exhausted")

// Variation holds the offspring operator probabilities. All probabilities
// are in [0, 1].
type Variation struct {
	CrossoverRate       float64
	MutationRate        float64
	MutationStrength    float64
	FlipProbability     float64
	AddRuleProbability  float64
	DropRuleProbability float64
	MaxRules            int
}

// DefaultVariation returns the built-in operator probabilities.
func DefaultVariation() Variation {
	return Variation{
		CrossoverRate:       0.7,
		MutationRate:        0.3,
		MutationStrength:    0.2,
		FlipProbability:     0.05,
		AddRuleProbability:  0.1,
		DropRuleProbability: 0.05,
		MaxRules:            genome.DefaultMaxRules,
	}
}

func (v Variation) validate() error {
	for name, p := range map[string]float64{
		"crossover rate":        v.CrossoverRate,
		"mutation rate":         v.MutationRate,
		"flip probability":      v.FlipProbability,
		"add rule probability":  v.AddRuleProbability,
		"drop rule probability": v.DropRuleProbability,
	} {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%s must be in [0, 1]", name)
		}
	}
	if math.IsNaN(v.MutationStrength) || v.MutationStrength < 0 {
		return fmt.Errorf("mutation strength must be >= 0")
	}
	if v.MaxRules <= 0 {
		return fmt.Errorf("max rules must be > 0")
	}
	return nil
}

// Crossover recombines the rule lists of a and b with one cut point in each
// parent: the child takes a's rules before the first cut and b's rules from
// the second. The default action is inherited from either parent.
func Crossover(rng *rand.Rand, a, b model.Genome, maxRules int) model.Genome {
	cutA := rng.Intn(len(a.Rules) + 1)
	cutB := rng.Intn(len(b.Rules) + 1)

	rules := make([]model.Rule, 0, cutA+len(b.Rules)-cutB)
	rules = append(rules, a.Rules[:cutA]...)
	rules = append(rules, b.Rules[cutB:]...)
	if maxRules > 0 && len(rules) > maxRules {
		rules = rules[:maxRules]
	}

	child := a.Clone()
	child.Rules = rules
	if rng.Intn(2) == 1 {
		child.DefaultAction = b.DefaultAction
	}
	return child
}

// Mutate returns a perturbed copy of g. Each rule's numeric parameters are
// scaled by a factor in [1-strength, 1+strength] with probability
// MutationRate and clamped to the metric's legal range; each rule's action
// (and the default action) flips with FlipProbability. A rule may then be
// dropped or a random one inserted.
func Mutate(rng *rand.Rand, g model.Genome, v Variation) model.Genome {
	out := g.Clone()

	for i := range out.Rules {
		if rng.Float64() < v.MutationRate {
			out.Rules[i] = perturbRule(rng, out.Rules[i], v.MutationStrength)
		}
		if rng.Float64() < v.FlipProbability {
			out.Rules[i] = flipRule(out.Rules[i])
		}
	}
	if rng.Float64() < v.FlipProbability {
		out.DefaultAction = out.DefaultAction.Flip()
	}

	if len(out.Rules) > 0 && rng.Float64() < v.DropRuleProbability {
		i := rng.Intn(len(out.Rules))
		out.Rules = append(out.Rules[:i], out.Rules[i+1:]...)
	}
	if len(out.Rules) < v.MaxRules && rng.Float64() < v.AddRuleProbability {
		i := rng.Intn(len(out.Rules) + 1)
		out.Rules = append(out.Rules, model.Rule{})
		copy(out.Rules[i+1:], out.Rules[i:])
		out.Rules[i] = genome.RandomRule(rng)
	}
	return out
}

// perturbRule scales the bounds of r. A zero bound is moved off zero by a
// step relative to the metric's search range so it can evolve at all.
func perturbRule(rng *rand.Rand, r model.Rule, strength float64) model.Rule {
	scale := func(val float64) float64 {
		factor := 1 + (rng.Float64()*2-1)*strength
		if val == 0 {
			_, hi := genome.SearchRange(r.Metric)
			return genome.Clamp(r.Metric, math.Round(rng.Float64()*strength*hi*0.1))
		}
		return genome.Clamp(r.Metric, math.Round(val*factor*100)/100)
	}

	switch r.Kind {
	case model.KindAllow, model.KindBlock:
		r.Min = scale(r.Min)
		r.Max = scale(r.Max)
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
	case model.KindRateLimit:
		r.Max = scale(r.Max)
		w := float64(r.WindowMS) * (1 + (rng.Float64()*2-1)*strength)
		r.WindowMS = int64(math.Max(genome.MinWindowMS, math.Min(genome.MaxWindowMS, math.Round(w))))
	default:
		r.Max = scale(r.Max)
	}
	return r
}

// flipRule inverts a rule's action. Range rules change kind with it so that
// allow rules keep carrying allow and block rules block.
func flipRule(r model.Rule) model.Rule {
	r.Action = r.Action.Flip()
	switch r.Kind {
	case model.KindAllow:
		r.Kind = model.KindBlock
	case model.KindBlock:
		r.Kind = model.KindAllow
	}
	return r
}

// Breed produces one offspring of a and b with the given id. A malformed
// child is discarded and replaced by a fresh mutation of a, up to attempts
// times; the number of replacements is returned.
func Breed(rng *rand.Rand, a, b model.Genome, id string, generation int, v Variation, attempts int) (model.Genome, int, error) {
	var child model.Genome
	origin := "mutation"
	if rng.Float64() < v.CrossoverRate {
		child = Crossover(rng, a, b, v.MaxRules)
		child.Parents = []string{a.ID, b.ID}
		origin = "crossover"
	} else {
		child = a.Clone()
		child.Parents = []string{a.ID}
	}
	child = Mutate(rng, child, v)
	child.ID = id
	child.Generation = generation
	child.Origin = origin

	err := genome.ValidateWithLimit(child, v.MaxRules)
	for repaired := 0; err != nil; repaired++ {
		if repaired >= attempts {
			return model.Genome{}, repaired, fmt.Errorf("%w: offspring %s of %s: %v", ErrRepairExhausted, id, a.ID, err)
		}
		child = Mutate(rng, a, v)
		child.ID = id
		child.Generation = generation
		child.Parents = []string{a.ID}
		child.Origin = "repair"
		err = genome.ValidateWithLimit(child, v.MaxRules)
		if err == nil {
			return child, repaired + 1, nil
		}
	}
	return child, 0, nil
}
