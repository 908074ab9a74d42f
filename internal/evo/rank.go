package evo

import (
	"sort"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/model"
)

// Tie-break policies for genomes with equal composite fitness.
const (
	TieBreakOverheadThenID = "overhead_then_id"
	TieBreakID             = "id"
)

// Scored is one evaluated genome of a generation.
type Scored struct {
	model.Evaluation
	// Carried marks an elite copied from the previous generation with its
	// cached records and score.
	Carried bool
}

// Rank sorts scored best first. The order is total and deterministic.
func Rank(scored []Scored, tieBreak string) {
	sort.SliceStable(scored, func(i, j int) bool {
		return outranks(scored[i], scored[j], tieBreak)
	})
}

// outranks reports whether a ranks before b: higher total, then (unless
// tieBreak is "id") lower mean overhead, then lower genome id.
func outranks(a, b Scored, tieBreak string) bool {
	if a.Score.Total != b.Score.Total {
		return a.Score.Total > b.Score.Total
	}
	if tieBreak != TieBreakID && a.Score.MeanOverhead != b.Score.MeanOverhead {
		return a.Score.MeanOverhead < b.Score.MeanOverhead
	}
	return a.Genome.ID < b.Genome.ID
}

// summarize computes statistics for a ranked generation.
func summarize(generation int, ranked []Scored) model.GenerationStats {
	stats := model.GenerationStats{Generation: generation}
	if len(ranked) == 0 {
		return stats
	}

	stats.BestFitness = ranked[0].Score.Total
	stats.BestGenomeID = ranked[0].Genome.ID
	stats.MinFitness = ranked[0].Score.Total

	var total float64
	fingerprints := make(map[string]struct{}, len(ranked))
	for _, s := range ranked {
		total += s.Score.Total
		stats.MinFitness = min(stats.MinFitness, s.Score.Total)
		if s.Carried {
			stats.Carried++
		} else {
			stats.Evaluated++
		}
		fingerprints[genome.Fingerprint(s.Genome)] = struct{}{}
	}
	stats.MeanFitness = total / float64(len(ranked))
	stats.Diversity = len(fingerprints)
	return stats
}
