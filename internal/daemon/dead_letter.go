package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

// TimerAuditor records operator-visible timer actions. *events.AuditLogger
// satisfies it.
type TimerAuditor interface {
	RecordTimer(kind string, t model.Timer, reason string) error
}

// DeadLetterProcessor raises the operational alert for timers that ran out
// of attempts, and sweeps rows whose worker died holding the last attempt.
type DeadLetterProcessor struct {
	store       store.TimerStore
	maxAttempts int
	auditor     TimerAuditor
	logger      *zap.Logger
}

// DeadLetterResult describes a single dead-letter action.
type DeadLetterResult struct {
	Timer  model.Timer
	Reason string
}

func NewDeadLetterProcessor(st store.TimerStore, maxAttempts int, auditor TimerAuditor, logger *zap.Logger) *DeadLetterProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterProcessor{
		store:       st,
		maxAttempts: maxAttempts,
		auditor:     auditor,
		logger:      logger.Named("dead_letter"),
	}
}

// Alert reports one dead-lettered timer through the error log, the
// dead-letter counter and the audit trail.
func (dlp *DeadLetterProcessor) Alert(t model.Timer, reason string) {
	metrics.DeadLettered(string(t.Purpose))
	dlp.logger.Error("timer dead-lettered, operator action required",
		zap.String("task_id", t.TaskID),
		zap.String("purpose", string(t.Purpose)),
		zap.String("sla_type", string(t.SLAType)),
		zap.Int64("generation", t.Generation),
		zap.Int("attempts", t.Attempts),
		zap.Time("fire_at", t.FireAt),
		zap.String("reason", reason))
	if dlp.auditor == nil {
		return
	}
	if err := dlp.auditor.RecordTimer(events.KindDeadLetter, t, reason); err != nil {
		dlp.logger.Warn("audit dead letter failed", zap.String("timer", t.Key().String()), zap.Error(err))
	}
}

// Sweep dead-letters PENDING rows whose lease expired on their final
// attempt. Such rows are never claimed again, so without the sweep they
// would sit due forever.
func (dlp *DeadLetterProcessor) Sweep(ctx context.Context, now time.Time) ([]DeadLetterResult, error) {
	timers, err := dlp.store.DeadLetterExhausted(ctx, dlp.maxAttempts, now)
	if err != nil {
		return nil, err
	}
	results := make([]DeadLetterResult, 0, len(timers))
	for _, t := range timers {
		reason := fmt.Sprintf("lease expired on attempt %d of %d", t.Attempts, dlp.maxAttempts)
		if t.LastError != "" {
			reason += ": " + t.LastError
		}
		dlp.Alert(t, reason)
		results = append(results, DeadLetterResult{Timer: t, Reason: reason})
	}
	return results, nil
}
