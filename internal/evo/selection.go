package evo

import (
	"fmt"
	"math/rand"
)

// Selector chooses a parent from a ranked generation.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []Scored) (Scored, error)
}

// TournamentSelector samples Size candidates uniformly and keeps the best
// ranked one.
type TournamentSelector struct {
	Size int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []Scored) (Scored, error) {
	if rng == nil {
		return Scored{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return Scored{}, fmt.Errorf("cannot select from an empty generation")
	}

	size := s.Size
	if size <= 0 {
		size = 3
	}
	if size > len(ranked) {
		size = len(ranked)
	}

	// ranked is best first, so the lowest index wins.
	best := rng.Intn(len(ranked))
	for i := 1; i < size; i++ {
		if c := rng.Intn(len(ranked)); c < best {
			best = c
		}
	}
	return ranked[best], nil
}

// RouletteSelector picks with probability proportional to fitness, shifted
// so the worst genome of the generation still has a small chance.
type RouletteSelector struct{}

func (RouletteSelector) Name() string {
	return "roulette"
}

func (RouletteSelector) PickParent(rng *rand.Rand, ranked []Scored) (Scored, error) {
	if rng == nil {
		return Scored{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return Scored{}, fmt.Errorf("cannot select from an empty generation")
	}

	lo, hi := ranked[0].Score.Total, ranked[0].Score.Total
	for _, s := range ranked {
		lo = min(lo, s.Score.Total)
		hi = max(hi, s.Score.Total)
	}
	floor := (hi - lo) * 0.01
	if floor == 0 {
		floor = 1
	}

	weights := make([]float64, len(ranked))
	var total float64
	for i, s := range ranked {
		weights[i] = s.Score.Total - lo + floor
		total += weights[i]
	}

	pick := rng.Float64() * total
	for i, w := range weights {
		pick -= w
		if pick < 0 {
			return ranked[i], nil
		}
	}
	return ranked[len(ranked)-1], nil
}

// NewSelector returns the selector named by name.
func NewSelector(name string, tournamentSize int) (Selector, error) {
	switch name {
	case "", "tournament":
		return TournamentSelector{Size: tournamentSize}, nil
	case "roulette":
		return RouletteSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown selection %q", name)
	}
}
