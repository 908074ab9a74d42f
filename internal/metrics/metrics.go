// Package metrics exposes foundry progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/model"
)

const namespace = "aegisforge"

// Metrics holds the foundry collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	records      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	generations  prometheus.Counter
	bestFitness  prometheus.Gauge
	meanFitness  prometheus.Gauge
	diversity    prometheus.Gauge
	repairs      prometheus.Counter
	ledgerAppend *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Execution records by classification.",
		}, []string{"classification"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Target runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of guarded target runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations evaluated and committed.",
		}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Best composite fitness of the latest generation.",
		}),
		meanFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mean_fitness",
			Help:      "Mean composite fitness of the latest generation.",
		}),
		diversity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "population_diversity",
			Help:      "Distinct genome fingerprints in the latest generation.",
		}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "genome_repairs_total",
			Help:      "Malformed offspring replaced by a fallback mutation.",
		}),
		ledgerAppend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.records, m.outcomes, m.runDuration, m.generations,
		m.bestFitness, m.meanFitness, m.diversity, m.repairs, m.ledgerAppend,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRecord counts one execution record.
func (m *Metrics) ObserveRecord(rec model.ExecutionRecord) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(string(rec.Classification)).Inc()
	m.outcomes.WithLabelValues(string(rec.Outcome)).Inc()
	m.runDuration.Observe(rec.DurationMS / 1000)
}

// ObserveGeneration records a committed generation.
func (m *Metrics) ObserveGeneration(stats model.GenerationStats) {
	if m == nil {
		return
	}
	m.generations.Inc()
	m.bestFitness.Set(stats.BestFitness)
	m.meanFitness.Set(stats.MeanFitness)
	m.diversity.Set(float64(stats.Diversity))
	m.repairs.Add(float64(stats.Repaired))
}

// LedgerAppended counts one ledger entry.
func (m *Metrics) LedgerAppended(kind string) {
	if m == nil {
		return
	}
	m.ledgerAppend.WithLabelValues(kind).Inc()
}

// Serve exposes the gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
