package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

// Republisher redelivers events whose publish never completed.
// *events.Emitter satisfies it.
type Republisher interface {
	RepublishPending(ctx context.Context) (int, error)
}

// Reconciler repairs what a crash can leave behind: events recorded in the
// ledger but never delivered. It also refreshes the state gauges.
type Reconciler struct {
	timers store.TimerStore
	ledger store.EventLedger
	outbox Republisher
	logger *zap.Logger
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Republished int                      `json:"republished"`
	Unpublished int                      `json:"unpublished"`
	TimerCounts map[model.TimerState]int `json:"timer_counts"`
}

func NewReconciler(timers store.TimerStore, ledger store.EventLedger, outbox Republisher, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		timers: timers,
		ledger: ledger,
		outbox: outbox,
		logger: logger.Named("reconciler"),
	}
}

// Reconcile runs one pass. A failed republish is logged and the pass goes on
// so the gauges stay fresh; the next pass retries.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	n, err := r.outbox.RepublishPending(ctx)
	report.Republished = n
	if err != nil {
		r.logger.Warn("republish pending events failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("republished pending events", zap.Int("count", n))
	}

	counts, err := r.timers.CountByState(ctx)
	if err != nil {
		return report, fmt.Errorf("count timers: %w", err)
	}
	report.TimerCounts = counts
	gauge := make(map[string]int, len(counts))
	for state, c := range counts {
		gauge[string(state)] = c
	}
	metrics.SetTimerCounts(gauge)

	unpublished, err := r.ledger.CountUnpublished(ctx)
	if err != nil {
		return report, fmt.Errorf("count unpublished events: %w", err)
	}
	report.Unpublished = unpublished
	metrics.SetUnpublished(unpublished)

	if dl := counts[model.TimerStateDeadLetter]; dl > 0 {
		r.logger.Warn("dead-lettered timers awaiting operator requeue", zap.Int("count", dl))
	}
	return report, nil
}
