// Package metrics exposes the Prometheus registry for nostrdiced.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type registry struct {
	betsCreated     *prometheus.CounterVec
	betsSettled     *prometheus.CounterVec
	roundsStarted   prometheus.Counter
	roundsExpired   prometheus.Counter
	roundsRevealed  prometheus.Counter
	payoutLatency   prometheus.Histogram
	payoutFailures  *prometheus.CounterVec
	relayRetries    *prometheus.CounterVec
}

var (
	once sync.Once
	r    *registry
)

// Registry returns the lazily-initialised metrics registry.
func Registry() *registry {
	once.Do(func() {
		r = &registry{
			betsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "bets",
				Name:      "created_total",
				Help:      "Bets persisted in AwaitingPayment segmented by multiplier note.",
			}, []string{"multiplier_note_id"}),
			betsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "bets",
				Name:      "settled_total",
				Help:      "Bets that reached a terminal roll outcome, segmented by outcome.",
			}, []string{"outcome"}),
			roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "rounds",
				Name:      "started_total",
				Help:      "Nonce rounds transitioned to Active.",
			}),
			roundsExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "rounds",
				Name:      "expired_total",
				Help:      "Nonce rounds transitioned to Expired.",
			}),
			roundsRevealed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "rounds",
				Name:      "revealed_total",
				Help:      "Nonce rounds transitioned to Revealed.",
			}),
			payoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "nostrdice",
				Subsystem: "payout",
				Name:      "dispatch_latency_seconds",
				Help:      "Latency from the start of a payout run to the bet reaching Paid.",
				Buckets:   prometheus.DefBuckets,
			}),
			payoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "payout",
				Name:      "failures_total",
				Help:      "Payout dispatch failures segmented by reason.",
			}, []string{"reason"}),
			relayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nostrdice",
				Subsystem: "relay",
				Name:      "publish_retries_total",
				Help:      "Relay publishes that needed more than one attempt, and relay reconnects, segmented by operation (publish, reconnect).",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			r.betsCreated,
			r.betsSettled,
			r.roundsStarted,
			r.roundsExpired,
			r.roundsRevealed,
			r.payoutLatency,
			r.payoutFailures,
			r.relayRetries,
		)
	})
	return r
}

// RecordBetCreated increments the created-bet counter for a multiplier note.
func (m *registry) RecordBetCreated(noteID string) {
	if m == nil {
		return
	}
	m.betsCreated.WithLabelValues(noteID).Inc()
}

// RecordBetSettled increments the settled-bet counter for an outcome ("won", "lost", "unresolved").
func (m *registry) RecordBetSettled(outcome string) {
	if m == nil {
		return
	}
	m.betsSettled.WithLabelValues(outcome).Inc()
}

// RecordRoundStarted increments the round-started counter.
func (m *registry) RecordRoundStarted() {
	if m == nil {
		return
	}
	m.roundsStarted.Inc()
}

// RecordRoundExpired increments the round-expired counter.
func (m *registry) RecordRoundExpired() {
	if m == nil {
		return
	}
	m.roundsExpired.Inc()
}

// RecordRoundRevealed increments the round-revealed counter.
func (m *registry) RecordRoundRevealed() {
	if m == nil {
		return
	}
	m.roundsRevealed.Inc()
}

// ObservePayoutLatency records the seconds elapsed between the start of a payout run and the bet reaching Paid.
func (m *registry) ObservePayoutLatency(seconds float64) {
	if m == nil {
		return
	}
	m.payoutLatency.Observe(seconds)
}

// RecordPayoutFailure increments the payout-failure counter for a reason.
func (m *registry) RecordPayoutFailure(reason string) {
	if m == nil {
		return
	}
	m.payoutFailures.WithLabelValues(reason).Inc()
}

// RecordRelayRetry increments the relay retry counter for an operation ("publish" or "reconnect").
func (m *registry) RecordRelayRetry(kind string) {
	if m == nil {
		return
	}
	m.relayRetries.WithLabelValues(kind).Inc()
}
