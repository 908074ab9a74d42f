package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ppiankov/aegisforge/internal/model"
)

type generationKey struct {
	runID      string
	generation int
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunSummary
	generations map[string][]model.GenerationStats
	evaluations map[generationKey][]model.Evaluation
	champions   map[string]model.Evaluation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunSummary)
	s.generations = make(map[string][]model.GenerationStats)
	s.evaluations = make(map[generationKey][]model.Evaluation)
	s.champions = make(map[string]model.Evaluation)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveGeneration(_ context.Context, runID string, stats model.GenerationStats, evaluations []model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	gens := s.generations[runID]
	replaced := false
	for i := range gens {
		if gens[i].Generation == stats.Generation {
			gens[i] = stats
			replaced = true
		}
	}
	if !replaced {
		gens = append(gens, stats)
		sort.Slice(gens, func(i, j int) bool { return gens[i].Generation < gens[j].Generation })
	}
	s.generations[runID] = gens
	s.evaluations[generationKey{runID, stats.Generation}] = append([]model.Evaluation(nil), evaluations...)
	return nil
}

func (s *MemoryStore) GetGenerations(_ context.Context, runID string) ([]model.GenerationStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gens, ok := s.generations[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.GenerationStats(nil), gens...), true, nil
}

func (s *MemoryStore) GetEvaluations(_ context.Context, runID string, generation int) ([]model.Evaluation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs, ok := s.evaluations[generationKey{runID, generation}]
	if !ok {
		return nil, false, nil
	}
	return append([]model.Evaluation(nil), evs...), true, nil
}

func (s *MemoryStore) SaveChampion(_ context.Context, runID string, champion model.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.champions[runID] = champion
	return nil
}

func (s *MemoryStore) GetChampion(_ context.Context, runID string) (model.Evaluation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	champion, ok := s.champions[runID]
	return champion, ok, nil
}

var errNotInitialized = errors.New("store is not initialized")

// sortRuns orders runs by start time, then id.
func sortRuns(runs []model.RunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
