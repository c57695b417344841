package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

// Sink delivers notices to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notice) error
}

// Emitter is the only path by which SLA events leave the process. Every
// event is written to the ledger first; delivery follows and the row is marked
// published only when every sink accepted it.
type Emitter struct {
	ledger  store.EventLedger
	sinks   []Sink
	clock   clock.Clock
	timeout time.Duration
	batch   int
	logger  *zap.Logger
}

type EmitterConfig struct {
	PublishTimeout time.Duration
	BatchSize      int
}

func NewEmitter(ledger store.EventLedger, clk clock.Clock, cfg EmitterConfig, logger *zap.Logger, sinks ...Sink) *Emitter {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		ledger:  ledger,
		sinks:   sinks,
		clock:   clk,
		timeout: cfg.PublishTimeout,
		batch:   cfg.BatchSize,
		logger:  logger.Named("emitter"),
	}
}

// Publish records ev under fence and delivers it. A row that already exists
// for the natural key is returned with model.ErrDuplicateEvent and is not
// delivered again. Delivery failures are logged and left to the outbox.
func (e *Emitter) Publish(ctx context.Context, ev model.SLAEvent, fence *model.Fence) (model.SLAEvent, error) {
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = e.clock.Now()
	}
	stored, inserted, err := e.ledger.InsertEvent(ctx, ev, fence)
	if err != nil {
		return model.SLAEvent{}, err
	}
	if !inserted {
		metrics.EventSuppressed(string(ev.EventType))
		e.logger.Debug("duplicate event suppressed",
			zap.String("task_id", ev.TaskID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int("level", ev.EscalationLevel))
		return stored, fmt.Errorf("%s %s level %d: %w", stored.TaskID, stored.EventType, stored.EscalationLevel, model.ErrDuplicateEvent)
	}

	metrics.EventEmitted(string(stored.EventType))
	e.logger.Info("sla event recorded",
		zap.String("event_id", stored.ID),
		zap.String("task_id", stored.TaskID),
		zap.String("event_type", string(stored.EventType)),
		zap.String("severity", string(stored.Severity)),
		zap.Int("level", stored.EscalationLevel),
		zap.String("recipient", stored.Recipient))
	return e.deliverAndMark(ctx, stored), nil
}

// Renotify bumps the notify count of an existing event and delivers it again.
func (e *Emitter) Renotify(ctx context.Context, key model.EventKey, fence *model.Fence) (model.SLAEvent, error) {
	ev, err := e.ledger.Renotify(ctx, key, fence)
	if err != nil {
		return model.SLAEvent{}, err
	}
	metrics.Renotified()
	e.logger.Info("sla event re-notified",
		zap.String("event_id", ev.ID),
		zap.String("task_id", ev.TaskID),
		zap.Int("level", ev.EscalationLevel),
		zap.Int("notify_count", ev.NotifyCount))
	return e.deliverAndMark(ctx, ev), nil
}

// RepublishPending delivers ledger rows that were recorded but never marked
// published. It returns how many were delivered.
func (e *Emitter) RepublishPending(ctx context.Context) (int, error) {
	pending, err := e.ledger.ListUnpublished(ctx, e.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if out := e.deliverAndMark(ctx, ev); out.PublishedAt != nil {
			delivered++
		}
	}
	if n, err := e.ledger.CountUnpublished(ctx); err == nil {
		metrics.SetUnpublished(n)
	}
	if delivered > 0 {
		metrics.Republished(delivered)
		e.logger.Info("outbox republished", zap.Int("delivered", delivered), zap.Int("scanned", len(pending)))
	}
	return delivered, nil
}

func (e *Emitter) deliverAndMark(ctx context.Context, ev model.SLAEvent) model.SLAEvent {
	if err := e.deliver(ctx, ev); err != nil {
		e.logger.Warn("event delivery failed, left for outbox",
			zap.String("event_id", ev.ID),
			zap.String("task_id", ev.TaskID),
			zap.Error(err))
		return ev
	}
	now := e.clock.Now()
	if err := e.ledger.MarkPublished(ctx, ev.ID, now); err != nil {
		e.logger.Warn("mark published failed", zap.String("event_id", ev.ID), zap.Error(err))
		return ev
	}
	ev.PublishedAt = &now
	return ev
}

func (e *Emitter) deliver(ctx context.Context, ev model.SLAEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n := NoticeFor(ev)
	var errs []error
	for _, s := range e.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			metrics.PublishFailed(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
