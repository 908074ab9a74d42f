package model

import "time"

// GenerationStats summarizes one evaluated generation.
type GenerationStats struct {
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	MinFitness   float64 `json:"min_fitness"`
	BestGenomeID string  `json:"best_genome_id"`
	Evaluated    int     `json:"evaluated"`
	Carried      int     `json:"carried"`
	Repaired     int     `json:"repaired"`
	Diversity    int     `json:"diversity"`
}

// RunSummary describes one foundry run from start to champion.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	Target        string    `json:"target"`
	Battery       string    `json:"battery"`
	ConfigHash    string    `json:"config_hash,omitempty"`
	Seed          int64     `json:"seed"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	Generations   int       `json:"generations"`
	StopReason    string    `json:"stop_reason,omitempty"`
	ChampionID    string    `json:"champion_id,omitempty"`
	ChampionScore float64   `json:"champion_score"`
	LedgerPath    string    `json:"ledger_path,omitempty"`
	LedgerHead    string    `json:"ledger_head,omitempty"`
}
