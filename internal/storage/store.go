// Package storage archives foundry runs: per-generation statistics, every
// evaluation, and the champion of each run. The ledger stays the
// authoritative record; the archive exists for querying.
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ppiankov/aegisforge/internal/model"
)

// Store persists run history.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunSummary) error
	GetRun(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	SaveGeneration(ctx context.Context, runID string, stats model.GenerationStats, evaluations []model.Evaluation) error
	GetGenerations(ctx context.Context, runID string) ([]model.GenerationStats, bool, error)
	GetEvaluations(ctx context.Context, runID string, generation int) ([]model.Evaluation, bool, error)
	SaveChampion(ctx context.Context, runID string, champion model.Evaluation) error
	GetChampion(ctx context.Context, runID string) (model.Evaluation, bool, error)
}

// NewStore returns the backend named by kind. sqlitePath is used only by
// the sqlite backend.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes stores that hold resources.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

// FitnessHistory returns the best fitness of every archived generation of a
// run, in generation order.
func FitnessHistory(ctx context.Context, s Store, runID string) ([]float64, error) {
	gens, ok, err := s.GetGenerations(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	history := make([]float64, len(gens))
	for i, g := range gens {
		history[i] = g.BestFitness
	}
	return history, nil
}

// LedgerAnchor returns the ledger head recorded by the most recent finished
// run that wrote to ledgerPath, or "" when there is none.
func LedgerAnchor(ctx context.Context, s Store, ledgerPath string) (string, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	want := filepath.Clean(ledgerPath)
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		if r.LedgerHead != "" && r.LedgerPath != "" && filepath.Clean(r.LedgerPath) == want {
			return r.LedgerHead, nil
		}
	}
	return "", nil
}
