// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	DirectionForward  = "forward"
	DirectionBackward = "backward"

	ReadSourceNewService = "new_service"
	ReadSourceLegacy     = "legacy"
)

var (
	initOnce sync.Once

	mirrorAttemptsCounter   *prometheus.CounterVec
	readsCounter            *prometheus.CounterVec
	phaseTransitionsCounter *prometheus.CounterVec
	eventsPublishedCounter  prometheus.Counter
	deadLettersCounter      prometheus.Counter
	downstreamHealthyGauge  prometheus.Gauge
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		mirrorAttemptsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dual_write_mirror_attempts_total",
				Help: "Total number of mirror write attempts against the new service by outcome.",
			},
			[]string{"outcome"},
		)

		readsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dual_write_reads_total",
				Help: "Total number of read operations by serving store.",
			},
			[]string{"source"},
		)

		phaseTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_phase_transitions_total",
				Help: "Total number of migration phase transitions by direction.",
			},
			[]string{"direction"},
		)

		eventsPublishedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_events_published_total",
				Help: "Total number of events published on the in-process bus.",
			},
		)

		deadLettersCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_dead_letters_total",
				Help: "Total number of handler failures queued to the dead-letter queue.",
			},
		)

		downstreamHealthyGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "downstream_service_healthy",
				Help: "Whether the downstream service passed its last health probe (1 healthy, 0 unhealthy).",
			},
		)

		prometheus.MustRegister(
			mirrorAttemptsCounter,
			readsCounter,
			phaseTransitionsCounter,
			eventsPublishedCounter,
			deadLettersCounter,
			downstreamHealthyGauge,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, outcome := range []string{OutcomeSuccess, OutcomeFailure} {
			mirrorAttemptsCounter.WithLabelValues(outcome)
		}
		for _, source := range []string{ReadSourceNewService, ReadSourceLegacy} {
			readsCounter.WithLabelValues(source)
		}
		for _, direction := range []string{DirectionForward, DirectionBackward} {
			phaseTransitionsCounter.WithLabelValues(direction)
		}
	})
}

func IncMirrorAttempt(outcome string) {
	Init()
	mirrorAttemptsCounter.WithLabelValues(outcome).Inc()
}

func IncRead(source string) {
	Init()
	readsCounter.WithLabelValues(source).Inc()
}

func IncPhaseTransition(direction string) {
	Init()
	phaseTransitionsCounter.WithLabelValues(direction).Inc()
}

func IncEventPublished() {
	Init()
	eventsPublishedCounter.Inc()
}

func IncDeadLetter() {
	Init()
	deadLettersCounter.Inc()
}

func SetDownstreamHealthy(healthy bool) {
	Init()
	if healthy {
		downstreamHealthyGauge.Set(1)
		return
	}
	downstreamHealthyGauge.Set(0)
}
