// Package metrics holds slawarden's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slawarden"

const (
	OutcomeHandled    = "handled"
	OutcomeStale      = "stale"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"

	ReloadApplied  = "applied"
	ReloadRejected = "rejected"

	KindCheck      = "check"
	KindEscalation = "escalation"
)

var (
	timersScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_scheduled_total",
			Help:      "Timers written to the timer store, partitioned by kind (check, escalation).",
		},
		[]string{"kind"},
	)

	timersCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_cancelled_total",
			Help:      "Timer lineages cancelled by lifecycle transitions.",
		},
	)

	timerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_fires_total",
			Help:      "Timer fires processed by workers, partitioned by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)

	timerFireLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timer_fire_lag_seconds",
			Help:      "Delay between a timer's fire_at and the moment a worker picked it up.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)

	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "SLA events recorded in the ledger, partitioned by event type.",
		},
		[]string{"event_type"},
	)

	eventsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_suppressed_total",
			Help:      "SLA events dropped as duplicates of an existing ledger row.",
		},
		[]string{"event_type"},
	)

	renotifyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_renotify_total",
			Help:      "Re-notifications sent after the escalation chain was exhausted.",
		},
	)

	publishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Failed deliveries of SLA events, partitioned by sink.",
		},
		[]string{"sink"},
	)

	lookupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_status_lookup_failures_total",
			Help:      "Task status lookups that failed transiently.",
		},
	)

	configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Policy reload attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	timersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers",
			Help:      "Timers in the store, partitioned by state.",
		},
		[]string{"state"},
	)

	unpublishedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unpublished_events",
			Help:      "Ledger rows waiting for the outbox republisher.",
		},
	)
)

var (
	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_dead_lettered_total",
			Help:      "Timers moved to DEAD_LETTER after exhausting their attempts.",
		},
		[]string{"purpose"},
	)

	outboxRepublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_republished_total",
			Help:      "Ledger rows delivered by the outbox re-scan rather than the first attempt.",
		},
	)

	controlCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Control socket commands handled, partitioned by command and result code (ok on success).",
		},
		[]string{"command", "code"},
	)

	controlCommandSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_command_duration_seconds",
			Help:      "Time spent handling control socket commands.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// Register attaches slawarden collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		timersScheduledTotal,
		timersCancelledTotal,
		timerFiresTotal,
		timerFireLagSeconds,
		eventsEmittedTotal,
		eventsSuppressedTotal,
		renotifyTotal,
		publishFailuresTotal,
		lookupFailuresTotal,
		configReloadsTotal,
		timersByState,
		unpublishedEvents,
		deadLettersTotal,
		outboxRepublishedTotal,
		controlCommandsTotal,
		controlCommandSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func TimersScheduled(kind string, n int) {
	timersScheduledTotal.WithLabelValues(kind).Add(float64(n))
}

func TimersCancelled(n int) {
	timersCancelledTotal.Add(float64(n))
}

// ObserveFire records the outcome of one timer fire and how late it ran.
func ObserveFire(purpose, outcome string, lag time.Duration) {
	timerFiresTotal.WithLabelValues(purpose, outcome).Inc()
	if lag < 0 {
		lag = 0
	}
	timerFireLagSeconds.Observe(lag.Seconds())
}

// DeadLettered counts a dead-lettered timer; every call is an operational alert.
func DeadLettered(purpose string) {
	deadLettersTotal.WithLabelValues(purpose).Inc()
	timerFiresTotal.WithLabelValues(purpose, OutcomeDeadLetter).Inc()
}

func Republished(n int) {
	outboxRepublishedTotal.Add(float64(n))
}

func StaleFire(purpose string) {
	timerFiresTotal.WithLabelValues(purpose, OutcomeStale).Inc()
}

func EventEmitted(eventType string) {
	eventsEmittedTotal.WithLabelValues(eventType).Inc()
}

func EventSuppressed(eventType string) {
	eventsSuppressedTotal.WithLabelValues(eventType).Inc()
}

func Renotified() {
	renotifyTotal.Inc()
}

func PublishFailed(sink string) {
	publishFailuresTotal.WithLabelValues(sink).Inc()
}

func LookupFailed() {
	lookupFailuresTotal.Inc()
}

func ConfigReload(outcome string) {
	configReloadsTotal.WithLabelValues(outcome).Inc()
}

// SetTimerCounts replaces the per-state timer gauge.
func SetTimerCounts(counts map[string]int) {
	timersByState.Reset()
	for state, n := range counts {
		timersByState.WithLabelValues(state).Set(float64(n))
	}
}

func SetUnpublished(n int) {
	unpublishedEvents.Set(float64(n))
}

// ObserveCommand records one control socket command; an empty code is a success.
func ObserveCommand(command, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	controlCommandsTotal.WithLabelValues(command, code).Inc()
	controlCommandSeconds.WithLabelValues(command).Observe(elapsed.Seconds())
}
