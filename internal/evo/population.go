package evo

import (
	"fmt"
	"math/rand"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/model"
)

// GenomeID names the genome at position index of a generation.
func GenomeID(generation, index int) string {
	return fmt.Sprintf("g%03d-%04d", generation, index)
}

// InitialPopulation builds generation 0: a genome seeded around the
// calibrated baseline when one is given, then random genomes.
func InitialPopulation(rng *rand.Rand, cfg Config, baseline *genome.Baseline) []model.Genome {
	pop := make([]model.Genome, 0, cfg.PopulationSize)
	if baseline != nil {
		pop = append(pop, genome.Seeded(GenomeID(0, 0), 0, *baseline, cfg.SeedHeadroom))
	}
	for len(pop) < cfg.PopulationSize {
		pop = append(pop, genome.Random(rng, GenomeID(0, len(pop)), 0, cfg.Variation.MaxRules))
	}
	return pop
}
