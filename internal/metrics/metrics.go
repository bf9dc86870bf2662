// Package metrics exports controller progress as Prometheus metrics.
//
// Batch jobs have no scrape endpoint, so the registry is written to a file
// in the text exposition format for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/orbitaldftu/internal/model"
)

const namespace = "orbitaldftu"

var terminalStates = []model.State{
	model.StateConverged,
	model.StateTimeExhausted,
	model.StateIterationExhausted,
	model.StateFatal,
}

// Collector holds the controller metrics. It implements engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	residual       prometheus.Gauge
	solverDuration prometheus.Histogram
	fallbacks      prometheus.Counter
	finalIndex     prometheus.Gauge
	terminalState  *prometheus.GaugeVec

	// mu serializes WriteTextfile with observations.
	mu sync.Mutex
}

// NewCollector creates the metrics and registers them on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Solver invocations by outcome.",
		}, []string{"outcome"}),
		residual: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual",
			Help:      "Final nres2 of the last complete iteration.",
		}),
		solverDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_duration_seconds",
			Help:      "Wall-clock duration of solver invocations.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Iterations whose dmatpawu was carried over because extraction failed.",
		}),
		finalIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "final_index",
			Help:      "Index of the last complete iteration, -1 if none.",
		}),
		terminalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_state",
			Help:      "1 for the state the run stopped in, 0 for the others.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.attempts,
		c.residual,
		c.solverDuration,
		c.fallbacks,
		c.finalIndex,
		c.terminalState,
	)
	for _, o := range []model.Outcome{model.OutcomeComplete, model.OutcomeTruncated, model.OutcomeFailed} {
		c.attempts.WithLabelValues(string(o))
	}
	c.finalIndex.Set(-1)
	return c
}

// Registry returns the registry holding the controller metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveAttempt records one solver attempt.
func (c *Collector) ObserveAttempt(rec model.IterationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts.WithLabelValues(string(rec.Outcome)).Inc()
	c.solverDuration.Observe(rec.Duration.Seconds())
	if !rec.Succeeded() {
		return
	}
	c.residual.Set(rec.Residual)
	c.finalIndex.Set(float64(rec.Index))
	if rec.UsedFallback {
		c.fallbacks.Inc()
	}
}

// ObserveTerminal records the state the run stopped in.
func (c *Collector) ObserveTerminal(state model.State, finalIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range terminalStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.terminalState.WithLabelValues(string(s)).Set(v)
	}
	c.finalIndex.Set(float64(finalIndex))
}

// WriteTextfile writes the registry to path atomically. An empty path is a
// no-op.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
