// Package evo is the generational search over policy genomes.
package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/aegisforge/internal/fitness"
	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/ledger"
	"github.com/ppiankov/aegisforge/internal/metrics"
	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/storage"
)

// Stop reasons recorded in the run_end entry.
const (
	StopMaxGenerations = "max_generations"
	StopPerfect        = "perfect_score"
	StopStagnation     = "stagnation"
	StopCanceled       = "canceled"
	StopAborted        = "aborted"
)

// Evaluator runs one genome against the whole battery.
// *harness.Harness implements it.
type Evaluator interface {
	EvaluateBattery(ctx context.Context, g model.Genome, payloads []model.Payload) ([]model.ExecutionRecord, error)
	Degraded(g model.Genome, p model.Payload) model.ExecutionRecord
}

// Options wires an Engine to its collaborators. Store and Metrics are
// optional.
type Options struct {
	Config    Config
	Evaluator Evaluator
	Fitness   *fitness.Evaluator
	Payloads  []model.Payload
	Ledger    *ledger.Ledger
	Store     storage.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Header is recorded in the run_start entry. The engine fills in the
	// run id, payload ids, population, generations, seed and max score.
	Header ledger.RunStart
	// Baseline seeds one genome of generation 0 when set.
	Baseline *genome.Baseline
	// RunID is generated when empty.
	RunID string
}

// RunState is everything that carries over from one generation to the
// next.
type RunState struct {
	RunID       string
	Generation  int
	Population  []model.Genome
	Best        Scored
	Stale       int
	Evaluations int
	Repaired    int
	History     []model.GenerationStats

	// carried holds the cached evaluations of elites in Population.
	carried map[string]Scored
}

// Result is the outcome of a completed run.
type Result struct {
	RunID           string
	Champion        model.Evaluation
	Generations     int
	StopReason      string
	History         []model.GenerationStats
	FinalPopulation []Scored
	Evaluations     int
	LedgerHead      string
}

// Engine runs the generational search. An Engine runs one search at a time.
type Engine struct {
	opts     Options
	selector Selector
	rng      *rand.Rand
	logger   *zap.Logger
	maxScore float64
}

// New validates opts and returns an engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if opts.Fitness == nil {
		return nil, fmt.Errorf("fitness evaluator is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if len(opts.Payloads) == 0 {
		return nil, fmt.Errorf("payload battery is empty")
	}
	selector, err := NewSelector(opts.Config.Selection, opts.Config.TournamentSize)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var benign, malicious int
	for _, p := range opts.Payloads {
		if p.Label == model.Benign {
			benign++
		} else {
			malicious++
		}
	}

	return &Engine{
		opts:     opts,
		selector: selector,
		rng:      rand.New(rand.NewSource(opts.Config.Seed)),
		logger:   opts.Logger,
		maxScore: opts.Fitness.MaxAttainable(benign, malicious),
	}, nil
}

// MaxScore is the best composite score attainable on the battery.
func (e *Engine) MaxScore() float64 {
	return e.maxScore
}

// Run searches until the generation limit or an early stop. initial may be
// nil, in which case generation 0 is built by InitialPopulation.
//
// Every generation is committed to the ledger, genome id order, before the
// next one is bred. When ctx is canceled the current generation is
// completed with degraded records, committed, and the run ends with the
// context error alongside a valid Result.
func (e *Engine) Run(ctx context.Context, initial []model.Genome) (Result, error) {
	cfg := e.opts.Config
	if initial == nil {
		initial = InitialPopulation(e.rng, cfg, e.opts.Baseline)
	}
	if err := e.checkInitial(initial); err != nil {
		return Result{}, err
	}

	state := &RunState{
		RunID:      e.opts.RunID,
		Population: append([]model.Genome(nil), initial...),
		carried:    map[string]Scored{},
	}
	if state.RunID == "" {
		state.RunID = uuid.NewString()
	}
	started := time.Now().UTC()

	if err := e.start(ctx, state, started); err != nil {
		return Result{}, err
	}

	var ranked []Scored
	stopReason := ""
	for gen := 0; gen < cfg.Generations; gen++ {
		state.Generation = gen

		scored, err := e.evaluateGeneration(ctx, state)
		if err != nil {
			return e.abort(state, started, err)
		}
		ranked = scored
		Rank(ranked, cfg.TieBreak)

		if err := e.commit(ctx, state, ranked); err != nil {
			return Result{RunID: state.RunID}, err
		}

		stopReason = e.stopReason(ctx, state, ranked)
		if stopReason != "" {
			break
		}

		next, carried, repaired, err := e.nextGeneration(ranked, gen+1)
		state.Repaired += repaired
		if err != nil {
			return e.abort(state, started, err)
		}
		state.Population = next
		state.carried = carried
	}

	res, err := e.finish(ctx, state, started, stopReason, ranked)
	if err != nil {
		return res, err
	}
	if stopReason == StopCanceled {
		return res, ctx.Err()
	}
	return res, nil
}

func (e *Engine) checkInitial(pop []model.Genome) error {
	if len(pop) != e.opts.Config.PopulationSize {
		return fmt.Errorf("initial population mismatch: got=%d want=%d", len(pop), e.opts.Config.PopulationSize)
	}
	seen := make(map[string]bool, len(pop))
	for _, g := range pop {
		if err := genome.ValidateWithLimit(g, e.opts.Config.Variation.MaxRules); err != nil {
			return fmt.Errorf("initial population: %w", err)
		}
		if seen[g.ID] {
			return fmt.Errorf("initial population: duplicate genome id %s", g.ID)
		}
		seen[g.ID] = true
	}
	return nil
}

func (e *Engine) start(ctx context.Context, state *RunState, started time.Time) error {
	cfg := e.opts.Config
	header := e.opts.Header
	header.RunID = state.RunID
	header.Population = cfg.PopulationSize
	header.Generations = cfg.Generations
	header.Seed = cfg.Seed
	header.MaxScore = e.maxScore
	header.Payloads = make([]string, len(e.opts.Payloads))
	for i, p := range e.opts.Payloads {
		header.Payloads[i] = p.ID
	}

	if err := e.append(ledger.KindRunStart, header); err != nil {
		return err
	}
	e.logger.Info("run started",
		zap.String("run_id", state.RunID),
		zap.String("target", header.Target),
		zap.Int("population", cfg.PopulationSize),
		zap.Int("generations", cfg.Generations),
		zap.Int("payloads", len(e.opts.Payloads)),
		zap.Float64("max_score", e.maxScore),
	)

	if e.opts.Store != nil {
		run := model.RunSummary{
			RunID:      state.RunID,
			Target:     header.Target,
			Battery:    header.Battery,
			ConfigHash: header.ConfigHash,
			Seed:       cfg.Seed,
			StartedAt:  started,
			LedgerPath: e.opts.Ledger.Path(),
		}
		if err := e.opts.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			e.logger.Warn("archive run", zap.Error(err))
		}
	}
	return nil
}

type indexed struct {
	idx    int
	scored Scored
}

// evaluateGeneration scores the population on a bounded worker pool. Each
// worker owns its genome's runs; results reach the collector over a
// channel. Carried elites are not re-run.
func (e *Engine) evaluateGeneration(ctx context.Context, state *RunState) ([]Scored, error) {
	pop := state.Population
	results := make(chan indexed, len(pop))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Config.Workers)
	for i, gen := range pop {
		if cached, ok := state.carried[gen.ID]; ok {
			results <- indexed{idx: i, scored: cached}
			continue
		}
		g.Go(func() error {
			records, err := e.opts.Evaluator.EvaluateBattery(gctx, gen, e.opts.Payloads)
			if err != nil {
				if gctx.Err() == nil {
					return fmt.Errorf("evaluate %s: %w", gen.ID, err)
				}
				records = e.complete(gen, records)
			}
			for _, r := range records {
				e.opts.Metrics.ObserveRecord(r)
			}
			results <- indexed{idx: i, scored: Scored{Evaluation: model.Evaluation{
				Genome:  gen,
				Records: records,
				Score:   e.opts.Fitness.Score(gen, records),
			}}}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, len(pop))
	for r := range results {
		scored[r.idx] = r.scored
		if !r.scored.Carried {
			state.Evaluations++
		}
	}
	return scored, nil
}

// complete pads a canceled battery run with degraded records so every
// genome has exactly one record per payload.
func (e *Engine) complete(g model.Genome, records []model.ExecutionRecord) []model.ExecutionRecord {
	for _, p := range e.opts.Payloads[len(records):] {
		records = append(records, e.opts.Evaluator.Degraded(g, p))
	}
	return records
}

// commit appends the generation to the ledger in genome id order, then
// archives it.
func (e *Engine) commit(ctx context.Context, state *RunState, ranked []Scored) error {
	rank := make(map[string]int, len(ranked))
	for i, s := range ranked {
		rank[s.Genome.ID] = i
	}
	ordered := append([]Scored(nil), ranked...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Genome.ID < ordered[j].Genome.ID })

	for _, s := range ordered {
		entry := ledger.Evaluation{
			RunID:      state.RunID,
			Generation: state.Generation,
			Rank:       rank[s.Genome.ID],
			Carried:    s.Carried,
			Genome:     s.Genome,
			Records:    s.Records,
			Score:      s.Score,
		}
		if err := e.append(ledger.KindEvaluation, entry); err != nil {
			return err
		}
	}

	stats := summarize(state.Generation, ranked)
	stats.Repaired = state.Repaired
	state.Repaired = 0
	state.History = append(state.History, stats)
	e.opts.Metrics.ObserveGeneration(stats)

	if len(state.History) == 1 || ranked[0].Score.Total > state.Best.Score.Total {
		state.Stale = 0
	} else {
		state.Stale++
	}
	state.Best = ranked[0]

	if e.opts.Store != nil {
		evs := make([]model.Evaluation, len(ranked))
		for i, s := range ranked {
			evs[i] = s.Evaluation
		}
		if err := e.opts.Store.SaveGeneration(context.WithoutCancel(ctx), state.RunID, stats, evs); err != nil {
			e.logger.Warn("archive generation", zap.Int("generation", state.Generation), zap.Error(err))
		}
	}

	e.logger.Info("generation committed",
		zap.String("run_id", state.RunID),
		zap.Int("generation", state.Generation),
		zap.Float64("best", stats.BestFitness),
		zap.Float64("mean", stats.MeanFitness),
		zap.String("best_genome", stats.BestGenomeID),
		zap.Int("evaluated", stats.Evaluated),
		zap.Int("diversity", stats.Diversity),
	)
	return nil
}

func (e *Engine) stopReason(ctx context.Context, state *RunState, ranked []Scored) string {
	cfg := e.opts.Config
	switch {
	case ctx.Err() != nil:
		return StopCanceled
	case cfg.StopOnPerfect && fitness.Perfect(ranked[0].Score):
		return StopPerfect
	case cfg.Patience > 0 && state.Stale >= cfg.Patience:
		return StopStagnation
	case state.Generation == cfg.Generations-1:
		return StopMaxGenerations
	}
	return ""
}

// nextGeneration carries the elites forward unchanged and breeds the rest.
func (e *Engine) nextGeneration(ranked []Scored, generation int) ([]model.Genome, map[string]Scored, int, error) {
	cfg := e.opts.Config
	next := make([]model.Genome, 0, cfg.PopulationSize)
	carried := make(map[string]Scored, cfg.EliteCount)

	for i := 0; i < cfg.EliteCount; i++ {
		elite := ranked[i]
		elite.Carried = true
		next = append(next, elite.Genome)
		carried[elite.Genome.ID] = elite
	}

	repaired := 0
	for len(next) < cfg.PopulationSize {
		a, err := e.selector.PickParent(e.rng, ranked)
		if err != nil {
			return nil, nil, repaired, err
		}
		b, err := e.selector.PickParent(e.rng, ranked)
		if err != nil {
			return nil, nil, repaired, err
		}
		child, n, err := Breed(e.rng, a.Genome, b.Genome, GenomeID(generation, len(next)), generation, cfg.Variation, cfg.RepairAttempts)
		repaired += n
		if err != nil {
			return nil, nil, repaired, err
		}
		next = append(next, child)
	}
	return next, carried, repaired, nil
}

func (e *Engine) finish(ctx context.Context, state *RunState, started time.Time, reason string, ranked []Scored) (Result, error) {
	end := ledger.RunEnd{
		RunID:         state.RunID,
		Generations:   state.Generation + 1,
		StopReason:    reason,
		Champion:      state.Best.Genome,
		ChampionScore: state.Best.Score,
		Evaluations:   state.Evaluations,
	}
	if err := e.append(ledger.KindRunEnd, end); err != nil {
		return Result{RunID: state.RunID}, err
	}
	_, head := e.opts.Ledger.Head()

	if e.opts.Store != nil {
		archiveCtx := context.WithoutCancel(ctx)
		if err := e.opts.Store.SaveChampion(archiveCtx, state.RunID, state.Best.Evaluation); err != nil {
			e.logger.Warn("archive champion", zap.Error(err))
		}
		run := model.RunSummary{
			RunID:         state.RunID,
			Target:        e.opts.Header.Target,
			Battery:       e.opts.Header.Battery,
			ConfigHash:    e.opts.Header.ConfigHash,
			Seed:          e.opts.Config.Seed,
			StartedAt:     started,
			FinishedAt:    time.Now().UTC(),
			Generations:   end.Generations,
			StopReason:    reason,
			ChampionID:    state.Best.Genome.ID,
			ChampionScore: state.Best.Score.Total,
			LedgerPath:    e.opts.Ledger.Path(),
			LedgerHead:    head,
		}
		if err := e.opts.Store.SaveRun(archiveCtx, run); err != nil {
			e.logger.Warn("archive run", zap.Error(err))
		}
	}

	e.logger.Info("run finished",
		zap.String("run_id", state.RunID),
		zap.String("stop_reason", reason),
		zap.Int("generations", end.Generations),
		zap.String("champion", state.Best.Genome.ID),
		zap.Float64("score", state.Best.Score.Total),
		zap.Int("evaluations", state.Evaluations),
	)

	return Result{
		RunID:           state.RunID,
		Champion:        state.Best.Evaluation,
		Generations:     end.Generations,
		StopReason:      reason,
		History:         state.History,
		FinalPopulation: ranked,
		Evaluations:     state.Evaluations,
		LedgerHead:      head,
	}, nil
}

// abort closes the run after a fatal error and returns that error. A ledger
// integrity error leaves the ledger untouched.
func (e *Engine) abort(state *RunState, started time.Time, cause error) (Result, error) {
	e.logger.Error("run aborted", zap.String("run_id", state.RunID), zap.Error(cause))
	if errors.Is(cause, ledger.ErrIntegrity) || state.Best.Genome.ID == "" {
		return Result{RunID: state.RunID}, cause
	}
	res, err := e.finish(context.Background(), state, started, StopAborted, nil)
	if err != nil {
		return res, errors.Join(cause, err)
	}
	return res, cause
}

func (e *Engine) append(kind ledger.Kind, v any) error {
	if _, err := e.opts.Ledger.Append(kind, v); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	e.opts.Metrics.LedgerAppended(string(kind))
	return nil
}
