// Package metrics holds the Prometheus collectors of the deception engine,
// the learner and the control API.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "personashift"

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one. A nil reg leaves c unregistered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Deception instruments the live engine. A nil *Deception is a no-op.
type Deception struct {
	Evaluations    *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	OracleFailures *prometheus.CounterVec
	OracleLatency  prometheus.Histogram
	BiasChecks     *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

func NewDeception(reg prometheus.Registerer) *Deception {
	return &Deception{
		Evaluations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "deception", Name: "evaluations_total", Help: "Decision pipeline runs by outcome (oracle, fallback, stay)."},
			[]string{"outcome"},
		)),
		Transitions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "deception", Name: "transitions_total", Help: "Committed persona transitions."},
			[]string{"from", "to"},
		)),
		OracleFailures: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "oracle", Name: "failures_total", Help: "Oracle calls that fell back to the heuristic, by reason."},
			[]string{"reason"},
		)),
		OracleLatency: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: Namespace, Subsystem: "oracle", Name: "latency_seconds", Help: "Oracle call latency.", Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16}},
		)),
		BiasChecks: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "deception", Name: "bias_checks_total", Help: "Learned-weight bias checks by mode and verdict."},
			[]string{"mode", "verdict"},
		)),
		ActiveSessions: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: Namespace, Subsystem: "deception", Name: "active_sessions", Help: "Open sessions."},
		)),
	}
}

func (m *Deception) Evaluation(outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
}

func (m *Deception) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Deception) OracleCall(start time.Time, failure string) {
	if m == nil {
		return
	}
	m.OracleLatency.Observe(time.Since(start).Seconds())
	if failure != "" {
		m.OracleFailures.WithLabelValues(failure).Inc()
	}
}

func (m *Deception) BiasCheck(mode, verdict string) {
	if m == nil {
		return
	}
	m.BiasChecks.WithLabelValues(mode, verdict).Inc()
}

func (m *Deception) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Deception) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// Learning instruments learner runs. A nil *Learning is a no-op.
type Learning struct {
	Sessions       *prometheus.CounterVec
	Retries        prometheus.Counter
	RunDuration    prometheus.Histogram
	StrategyWeight *prometheus.GaugeVec
}

func NewLearning(reg prometheus.Registerer) *Learning {
	return &Learning{
		Sessions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "learning", Name: "sessions_total", Help: "Session records by result (applied, already_processed, malformed, failed)."},
			[]string{"result"},
		)),
		Retries: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: "learning", Name: "write_retries_total", Help: "Strategy writes retried after a conflict."},
		)),
		RunDuration: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: Namespace, Subsystem: "learning", Name: "run_duration_seconds", Help: "Learner run duration.", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)},
		)),
		StrategyWeight: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: Namespace, Subsystem: "strategy", Name: "weight", Help: "Learned persona weights by kind (engagement, threat)."},
			[]string{"persona", "kind"},
		)),
	}
}

func (m *Learning) Session(result string) {
	if m != nil {
		m.Sessions.WithLabelValues(result).Inc()
	}
}

func (m *Learning) Retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Learning) Run(start time.Time) {
	if m != nil {
		m.RunDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Learning) Weight(persona string, engagement, threat float64) {
	if m == nil {
		return
	}
	m.StrategyWeight.WithLabelValues(persona, "engagement").Set(engagement)
	m.StrategyWeight.WithLabelValues(persona, "threat").Set(threat)
}
