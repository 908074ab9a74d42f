package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/aegisforge/internal/model"
)

func TestObserveRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	m.ObserveRecord(model.ExecutionRecord{Outcome: model.Blocked, Classification: model.CorrectBlock, DurationMS: 12})
	m.ObserveRecord(model.ExecutionRecord{Outcome: model.Completed, Classification: model.CorrectPermit, DurationMS: 40})
	m.ObserveRecord(model.ExecutionRecord{Outcome: model.Blocked, Classification: model.CorrectBlock, DurationMS: 8})

	if got := testutil.ToFloat64(m.records.WithLabelValues("correct_block")); got != 2 {
		t.Errorf("correct_block = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.runDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestObserveGeneration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	m.ObserveGeneration(model.GenerationStats{Generation: 0, BestFitness: 500, MeanFitness: -200, Diversity: 9, Repaired: 1})
	m.ObserveGeneration(model.GenerationStats{Generation: 1, BestFitness: 1500, MeanFitness: 300, Diversity: 7, Repaired: 2})

	expected := `
# HELP aegisforge_best_fitness Best composite fitness of the latest generation.
# TYPE aegisforge_best_fitness gauge
aegisforge_best_fitness 1500
# HELP aegisforge_generations_total Generations evaluated and committed.
# TYPE aegisforge_generations_total counter
aegisforge_generations_total 2
# HELP aegisforge_genome_repairs_total Malformed offspring replaced by a fallback mutation.
# TYPE aegisforge_genome_repairs_total counter
aegisforge_genome_repairs_total 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"aegisforge_best_fitness", "aegisforge_generations_total", "aegisforge_genome_repairs_total"); err != nil {
		t.Error(err)
	}
}

func TestLedgerAppended(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.LedgerAppended("evaluation")
	m.LedgerAppended("evaluation")
	m.LedgerAppended("run_start")
	if got := testutil.ToFloat64(m.ledgerAppend.WithLabelValues("evaluation")); got != 2 {
		t.Errorf("evaluation entries = %v, want 2", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRecord(model.ExecutionRecord{})
	m.ObserveGeneration(model.GenerationStats{})
	m.LedgerAppended("run_end")
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Error("expected duplicate registration error")
	}
}
