package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/tokenquota"
)

// PrometheusMeter exports quota events as Prometheus metrics. User IDs are
// not used as labels to keep series cardinality bounded.
type PrometheusMeter struct {
	gateDecisions  *prometheus.CounterVec
	invocations    *prometheus.CounterVec
	invokeDuration *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	tokenHistogram *prometheus.HistogramVec
	cost           *prometheus.CounterVec
	debits         *prometheus.CounterVec
}

var _ tokenquota.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler().
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	f := promauto.With(reg)
	return &PrometheusMeter{
		gateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenquota_gate_decisions_total",
				Help: "Admission decisions taken by the quota gate",
			},
			[]string{"decision"},
		),
		invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenquota_invocations_total",
				Help: "Model invocations by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		invokeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenquota_invocation_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "model"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenquota_tokens_total",
				Help: "Tokens consumed by model invocations",
			},
			[]string{"provider", "model", "type"}, // type: input/output
		),
		tokenHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenquota_tokens_per_invocation",
				Help:    "Distribution of tokens consumed per invocation",
				Buckets: prometheus.ExponentialBuckets(1, 2, 17),
			},
			[]string{"provider", "model"},
		),
		cost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenquota_cost_total",
				Help: "Cost attributed to model invocations",
			},
			[]string{"provider", "model"},
		),
		debits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenquota_debits_total",
				Help: "Ledger debits by outcome; status=lost counts consumption that could not be recorded",
			},
			[]string{"status"},
		),
	}
}

func (m *PrometheusMeter) OnGate(e tokenquota.GateEvent) {
	m.gateDecisions.WithLabelValues(string(e.Decision)).Inc()
}

func (m *PrometheusMeter) OnInvoke(e tokenquota.InvokeEvent) {
	if !e.Success {
		status := "error"
		if errors.Is(e.Error, tokenquota.ErrServiceUnavailable) {
			status = "circuit_open"
		}
		m.invocations.WithLabelValues(e.Provider, e.Model, status).Inc()
		if e.Duration > 0 {
			m.invokeDuration.WithLabelValues(e.Provider, e.Model).Observe(e.Duration.Seconds())
		}
		return
	}

	m.invocations.WithLabelValues(e.Provider, e.Model, "success").Inc()
	m.invokeDuration.WithLabelValues(e.Provider, e.Model).Observe(e.Duration.Seconds())
	m.tokens.WithLabelValues(e.Provider, e.Model, "input").Add(float64(e.Usage.InputTokens))
	m.tokens.WithLabelValues(e.Provider, e.Model, "output").Add(float64(e.Usage.OutputTokens))
	m.tokenHistogram.WithLabelValues(e.Provider, e.Model).Observe(float64(e.Usage.Total()))
	m.cost.WithLabelValues(e.Provider, e.Model).Add(e.Cost)
}

func (m *PrometheusMeter) OnDebit(e tokenquota.DebitEvent) {
	switch {
	case e.Error == nil:
		m.debits.WithLabelValues("ok").Inc()
	case e.RequestID != "":
		m.debits.WithLabelValues("lost").Inc()
	default:
		m.debits.WithLabelValues("error").Inc()
	}
}
