package evo

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/aegisforge/internal/fitness"
	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/harness"
	"github.com/ppiankov/aegisforge/internal/ledger"
	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/oracle"
	"github.com/ppiankov/aegisforge/internal/storage"
	"github.com/ppiankov/aegisforge/internal/telemetry"
)

var battery = []model.Payload{
	{ID: "benign-name", Label: model.Benign},
	{ID: "attack-overflow", Label: model.Malicious},
}

func trace(n int, cpu, rss float64) telemetry.Trace {
	s := telemetry.Series{Interval: 20 * time.Millisecond}
	for i := 1; i <= n; i++ {
		s.Samples = append(s.Samples, model.Sample{
			Offset:     time.Duration(i*20) * time.Millisecond,
			CPUPercent: cpu,
			RSSBytes:   rss,
			Syscalls:   float64(i * 10),
			Threads:    1,
		})
	}
	return telemetry.Trace{Series: s, Outcome: model.Completed}
}

func replayHarness(t *testing.T) *harness.Harness {
	t.Helper()
	traces := map[string]telemetry.Trace{
		"benign-name":     trace(5, 10, 10<<20),
		"attack-overflow": trace(100, 95, 200<<20),
	}
	env, err := oracle.FitEnvelope([]model.Summary{telemetry.Summarize(traces["benign-name"].Series)}, 3)
	if err != nil {
		t.Fatal(err)
	}
	h, err := harness.New(telemetry.NewReplayCapturer(traces), oracle.New(&env, 0.6), nil, harness.Options{
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func cpuGuard(id string, max float64) model.Genome {
	return model.Genome{
		ID:            id,
		DefaultAction: model.Allow,
		Rules: []model.Rule{
			{Kind: model.KindThreshold, Metric: model.MetricCPUPercent, Max: max, Action: model.Block},
		},
	}
}

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	path   string
	store  storage.Store
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	fit, err := fitness.New(fitness.DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Options{
		Config:    cfg,
		Evaluator: replayHarness(t),
		Fitness:   fit,
		Payloads:  battery,
		Ledger:    l,
		Store:     store,
		Logger:    zaptest.NewLogger(t),
		Header:    ledger.RunStart{Target: "replay", Battery: "test"},
		RunID:     "run-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{engine: e, ledger: l, path: path, store: store}
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.PopulationSize = 6
	cfg.Generations = 5
	cfg.EliteCount = 2
	cfg.TournamentSize = 3
	cfg.Workers = 3
	cfg.Seed = 42
	cfg.Patience = 0
	cfg.StopOnPerfect = false
	cfg.Variation.MaxRules = 6
	return cfg
}

// --- Engine tests ---

func TestCanonicalCalibrationConvergesInGenerationZero(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := smallConfig()
	cfg.StopOnPerfect = true
	f := newFixture(t, cfg)

	rng := rand.New(rand.NewSource(3))
	initial := []model.Genome{
		{ID: GenomeID(0, 0), DefaultAction: model.Allow},
		{ID: GenomeID(0, 1), DefaultAction: model.Block},
		cpuGuard(GenomeID(0, 2), 50),
		genome.Random(rng, GenomeID(0, 3), 0, 4),
		genome.Random(rng, GenomeID(0, 4), 0, 4),
		genome.Random(rng, GenomeID(0, 5), 0, 4),
	}

	res, err := f.engine.Run(context.Background(), initial)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopPerfect {
		t.Errorf("stop reason = %s, want %s", res.StopReason, StopPerfect)
	}
	if res.Generations != 1 {
		t.Errorf("generations = %d, want 1", res.Generations)
	}
	if res.Champion.Genome.ID != GenomeID(0, 2) {
		t.Errorf("champion = %s, want the cpu guard", res.Champion.Genome.ID)
	}
	if res.Champion.Score.Total != f.engine.MaxScore() {
		t.Errorf("champion score = %v, want max attainable %v", res.Champion.Score.Total, f.engine.MaxScore())
	}

	verify := ledger.Verify(f.path)
	if !verify.Valid {
		t.Fatalf("ledger invalid: %+v", verify)
	}
	if want := 1 + len(initial) + 1; verify.Entries != want {
		t.Errorf("ledger entries = %d, want %d", verify.Entries, want)
	}
}

func TestBlockAllScoresBelowDiscriminatingGenome(t *testing.T) {
	h := replayHarness(t)
	fit, _ := fitness.New(fitness.DefaultWeights())
	ctx := context.Background()

	score := func(g model.Genome) model.FitnessScore {
		records, err := h.EvaluateBattery(ctx, g, battery)
		if err != nil {
			t.Fatal(err)
		}
		return fit.Score(g, records)
	}

	blockAll := score(model.Genome{ID: "block-all", DefaultAction: model.Block})
	guard := score(cpuGuard("guard", 50))

	if blockAll.Tally.FalseBlock != 1 || blockAll.Tally.CorrectBlock != 1 {
		t.Errorf("block-all tally = %+v", blockAll.Tally)
	}
	if blockAll.Total >= guard.Total {
		t.Errorf("block-all %v should score below the guard %v", blockAll.Total, guard.Total)
	}
}

func TestElitismKeepsBestFitnessNonDecreasing(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, smallConfig())
	res, err := f.engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopMaxGenerations || len(res.History) != 5 {
		t.Fatalf("stop=%s history=%d", res.StopReason, len(res.History))
	}
	for g := 1; g < len(res.History); g++ {
		if res.History[g].BestFitness < res.History[g-1].BestFitness {
			t.Errorf("best fitness dropped from %v to %v at generation %d",
				res.History[g-1].BestFitness, res.History[g].BestFitness, g)
		}
		if res.History[g].Carried != 2 {
			t.Errorf("generation %d carried %d elites, want 2", g, res.History[g].Carried)
		}
	}
	if res.Evaluations != 6+4*4 {
		t.Errorf("evaluations = %d, want %d (elites are not re-run)", res.Evaluations, 6+4*4)
	}

	verify := ledger.Verify(f.path)
	if !verify.Valid || verify.Entries != 1+5*6+1 {
		t.Fatalf("unexpected verify result %+v", verify)
	}
}

func TestLedgerCommitOrder(t *testing.T) {
	f := newFixture(t, smallConfig())
	if _, err := f.engine.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	entries, err := ledger.ReadAll(f.path)
	if err != nil {
		t.Fatal(err)
	}

	if entries[0].Kind != ledger.KindRunStart || entries[len(entries)-1].Kind != ledger.KindRunEnd {
		t.Fatalf("run must be framed by run_start and run_end")
	}

	prevGen, prevID := -1, ""
	for _, e := range entries[1 : len(entries)-1] {
		var ev ledger.Evaluation
		if err := e.Decode(&ev); err != nil {
			t.Fatal(err)
		}
		switch {
		case ev.Generation < prevGen:
			t.Fatalf("generation %d committed after %d", ev.Generation, prevGen)
		case ev.Generation == prevGen && ev.Genome.ID <= prevID:
			t.Fatalf("genome %s committed after %s in generation %d", ev.Genome.ID, prevID, ev.Generation)
		}
		if len(ev.Records) != len(battery) {
			t.Errorf("%s has %d records", ev.Genome.ID, len(ev.Records))
		}
		prevGen, prevID = ev.Generation, ev.Genome.ID
	}

	var start ledger.RunStart
	if err := entries[0].Decode(&start); err != nil {
		t.Fatal(err)
	}
	if start.RunID != "run-1" || start.MaxScore != 1500 || len(start.Payloads) != 2 {
		t.Errorf("unexpected run_start %+v", start)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	a, err := newFixture(t, cfg).engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newFixture(t, cfg).engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.History, b.History); diff != "" {
		t.Errorf("history differs (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(a.Champion.Genome, b.Champion.Genome); diff != "" {
		t.Errorf("champion differs (-a +b):\n%s", diff)
	}
}

func TestPatienceStopsStagnantRun(t *testing.T) {
	cfg := smallConfig()
	cfg.Generations = 50
	cfg.Patience = 2
	cfg.PopulationSize = 2
	cfg.EliteCount = 2

	f := newFixture(t, cfg)
	initial := []model.Genome{cpuGuard(GenomeID(0, 0), 50), cpuGuard(GenomeID(0, 1), 70)}
	res, err := f.engine.Run(context.Background(), initial)
	if err != nil {
		t.Fatal(err)
	}
	// With only elites nothing can improve after generation 0.
	if res.StopReason != StopStagnation || res.Generations != 3 {
		t.Errorf("stop=%s generations=%d, want stagnation after 3", res.StopReason, res.Generations)
	}
	if res.Evaluations != 2 {
		t.Errorf("evaluations = %d, want 2", res.Evaluations)
	}
}

func TestCancellationCommitsDegradedGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := smallConfig()
	cfg.PopulationSize = 4
	f := newFixture(t, cfg)
	initial := []model.Genome{
		cpuGuard(GenomeID(0, 0), 30),
		cpuGuard(GenomeID(0, 1), 50),
		cpuGuard(GenomeID(0, 2), 70),
		cpuGuard(GenomeID(0, 3), 90),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.Run(ctx, initial)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.StopReason != StopCanceled || res.Generations != 1 {
		t.Errorf("stop=%s generations=%d", res.StopReason, res.Generations)
	}
	for _, s := range res.FinalPopulation {
		if len(s.Records) != len(battery) {
			t.Fatalf("%s has %d records", s.Genome.ID, len(s.Records))
		}
		for _, r := range s.Records {
			if !r.Degraded || r.Outcome != model.TimedOut {
				t.Errorf("expected degraded record, got %+v", r)
			}
		}
	}
	if v := ledger.Verify(f.path); !v.Valid || v.Entries != 1+4+1 {
		t.Errorf("unexpected verify result %+v", v)
	}
}

func TestRunArchivesToStore(t *testing.T) {
	f := newFixture(t, smallConfig())
	res, err := f.engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	run, ok, err := f.store.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("GetRun = %v, %v", ok, err)
	}
	if run.ChampionID != res.Champion.Genome.ID || run.StopReason != res.StopReason || run.LedgerHead != res.LedgerHead {
		t.Errorf("archived run %+v does not match result", run)
	}

	history, err := storage.FitnessHistory(ctx, f.store, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != len(res.History) {
		t.Errorf("archived %d generations, want %d", len(history), len(res.History))
	}

	champion, ok, err := f.store.GetChampion(ctx, "run-1")
	if err != nil || !ok || champion.Genome.ID != res.Champion.Genome.ID {
		t.Errorf("GetChampion = %s, %v, %v", champion.Genome.ID, ok, err)
	}
}

func TestRunRejectsBadInitialPopulation(t *testing.T) {
	f := newFixture(t, smallConfig())
	ctx := context.Background()

	if _, err := f.engine.Run(ctx, []model.Genome{cpuGuard("a", 50)}); err == nil {
		t.Error("expected population size mismatch")
	}

	pop := InitialPopulation(rand.New(rand.NewSource(1)), smallConfig(), nil)
	pop[3].Rules = []model.Rule{{Kind: model.KindThreshold, Metric: "gpu", Max: 1, Action: model.Block}}
	if _, err := f.engine.Run(ctx, pop); !errors.Is(err, genome.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}

	pop = InitialPopulation(rand.New(rand.NewSource(1)), smallConfig(), nil)
	pop[1].ID = pop[0].ID
	if _, err := f.engine.Run(ctx, pop); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	fit, _ := fitness.New(fitness.DefaultWeights())
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	h := replayHarness(t)

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"elite above population", func(o *Options) { o.Config.EliteCount = 10 }},
		{"zero generations", func(o *Options) { o.Config.Generations = 0 }},
		{"unknown selection", func(o *Options) { o.Config.Selection = "lottery" }},
		{"unknown tie break", func(o *Options) { o.Config.TieBreak = "coin" }},
		{"bad rate", func(o *Options) { o.Config.Variation.CrossoverRate = 1.5 }},
		{"no evaluator", func(o *Options) { o.Evaluator = nil }},
		{"no ledger", func(o *Options) { o.Ledger = nil }},
		{"empty battery", func(o *Options) { o.Payloads = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{Config: smallConfig(), Evaluator: h, Fitness: fit, Payloads: battery, Ledger: l}
			tt.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// --- Variation tests ---

func TestBreedProducesValidOffspring(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	v := DefaultVariation()
	v.MaxRules = 6
	v.MutationRate = 1
	v.FlipProbability = 0.5
	v.AddRuleProbability = 0.5
	v.DropRuleProbability = 0.5

	for i := 0; i < 500; i++ {
		a := genome.Random(rng, "a", 0, 6)
		b := genome.Random(rng, "b", 0, 6)
		child, _, err := Breed(rng, a, b, "child", 1, v, 4)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if err := genome.ValidateWithLimit(child, v.MaxRules); err != nil {
			t.Fatalf("iteration %d produced malformed child: %v", i, err)
		}
		if child.ID != "child" || child.Generation != 1 || len(child.Parents) == 0 {
			t.Fatalf("child identity not set: %+v", child)
		}
	}
}

func TestBreedRepairExhausted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := DefaultVariation()
	v.CrossoverRate = 0
	v.DropRuleProbability = 0
	v.AddRuleProbability = 0

	broken := model.Genome{
		ID:            "broken",
		DefaultAction: model.Allow,
		Rules:         []model.Rule{{Kind: model.KindThreshold, Metric: "gpu", Max: 1, Action: model.Block}},
	}
	_, repaired, err := Breed(rng, broken, broken, "child", 1, v, 3)
	if !errors.Is(err, ErrRepairExhausted) {
		t.Fatalf("expected ErrRepairExhausted, got %v", err)
	}
	if repaired != 3 {
		t.Errorf("repaired = %d, want 3", repaired)
	}
}

func TestMutateClampsToLegalRange(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	g := cpuGuard("g", 6400)
	v := DefaultVariation()
	v.MutationRate = 1
	v.MutationStrength = 5
	v.FlipProbability = 0
	v.AddRuleProbability = 0
	v.DropRuleProbability = 0

	for i := 0; i < 100; i++ {
		m := Mutate(rng, g, v)
		if m.Rules[0].Max < 0 || m.Rules[0].Max > 6400 {
			t.Fatalf("mutated bound %v escaped the legal range", m.Rules[0].Max)
		}
	}
	if g.Rules[0].Max != 6400 {
		t.Error("Mutate must not modify its input")
	}
}

func TestFlipKeepsRangeRulesConsistent(t *testing.T) {
	r := flipRule(model.Rule{Kind: model.KindAllow, Metric: model.MetricThreads, Min: 0, Max: 4, Action: model.Allow})
	if r.Kind != model.KindBlock || r.Action != model.Block {
		t.Errorf("flipped allow rule = %+v", r)
	}
	r = flipRule(model.Rule{Kind: model.KindThreshold, Metric: model.MetricThreads, Max: 4, Action: model.Block})
	if r.Kind != model.KindThreshold || r.Action != model.Allow {
		t.Errorf("flipped threshold rule = %+v", r)
	}
}

func TestCrossoverRespectsMaxRules(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	long := longGenome(rng)
	for i := 0; i < 100; i++ {
		child := Crossover(rng, long, long, 4)
		if len(child.Rules) > 4 {
			t.Fatalf("child has %d rules", len(child.Rules))
		}
	}
}

func longGenome(rng *rand.Rand) model.Genome {
	g := model.Genome{ID: "long", DefaultAction: model.Allow}
	for i := 0; i < 6; i++ {
		g.Rules = append(g.Rules, genome.RandomRule(rng))
	}
	return g
}

// --- Selection and ranking tests ---

func ranked(totals ...float64) []Scored {
	out := make([]Scored, len(totals))
	for i, total := range totals {
		out[i].Genome.ID = GenomeID(0, i)
		out[i].Score.Total = total
	}
	Rank(out, TieBreakOverheadThenID)
	return out
}

func TestSelectorsFavorFitterGenomes(t *testing.T) {
	pool := ranked(1500, 500, -500, -1500, -3000)

	for _, sel := range []Selector{TournamentSelector{Size: 3}, RouletteSelector{}} {
		t.Run(sel.Name(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(11))
			counts := map[string]int{}
			for i := 0; i < 2000; i++ {
				p, err := sel.PickParent(rng, pool)
				if err != nil {
					t.Fatal(err)
				}
				counts[p.Genome.ID]++
			}
			if counts[pool[0].Genome.ID] <= counts[pool[len(pool)-1].Genome.ID] {
				t.Errorf("best picked %d times, worst %d", counts[pool[0].Genome.ID], counts[pool[len(pool)-1].Genome.ID])
			}
		})
	}
}

func TestSelectorsRejectEmptyInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, sel := range []Selector{TournamentSelector{}, RouletteSelector{}} {
		if _, err := sel.PickParent(rng, nil); err == nil {
			t.Errorf("%s accepted an empty generation", sel.Name())
		}
		if _, err := sel.PickParent(nil, ranked(1)); err == nil {
			t.Errorf("%s accepted a nil random source", sel.Name())
		}
	}
}

func TestRankTieBreak(t *testing.T) {
	mk := func(id string, total, overhead float64) Scored {
		var s Scored
		s.Genome.ID = id
		s.Score.Total = total
		s.Score.MeanOverhead = overhead
		return s
	}
	scored := []Scored{mk("c", 100, 0.1), mk("b", 100, 0.5), mk("a", 100, 0.5), mk("d", 200, 0.9)}

	Rank(scored, TieBreakOverheadThenID)
	var ids []string
	for _, s := range scored {
		ids = append(ids, s.Genome.ID)
	}
	if diff := cmp.Diff([]string{"d", "c", "a", "b"}, ids); diff != "" {
		t.Errorf("overhead_then_id order (-want +got):\n%s", diff)
	}

	Rank(scored, TieBreakID)
	ids = ids[:0]
	for _, s := range scored {
		ids = append(ids, s.Genome.ID)
	}
	if diff := cmp.Diff([]string{"d", "a", "b", "c"}, ids); diff != "" {
		t.Errorf("id order (-want +got):\n%s", diff)
	}
}

func TestInitialPopulationSeedsFromBaseline(t *testing.T) {
	cfg := smallConfig()
	pop := InitialPopulation(rand.New(rand.NewSource(1)), cfg, &genome.Baseline{MaxCPUPercent: 10, MaxRSSBytes: 10 << 20})
	if len(pop) != cfg.PopulationSize {
		t.Fatalf("population = %d", len(pop))
	}
	if pop[0].Origin != "seed" || pop[0].ID != "g000-0000" {
		t.Errorf("first genome = %+v", pop[0])
	}
	for _, g := range pop {
		if err := genome.ValidateWithLimit(g, cfg.Variation.MaxRules); err != nil {
			t.Errorf("%s: %v", g.ID, err)
		}
	}
}
