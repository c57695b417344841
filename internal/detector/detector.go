// Package detector decides, when a START_CHECK or RESOLVE_CHECK fires,
// whether the task is approaching or past its deadline.
package detector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/escalation"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/scheduler"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/taskstatus"
)

type Detector struct {
	states    store.EscalationStates
	reader    taskstatus.Reader
	emitter   *events.Emitter
	scheduler *scheduler.Scheduler
	engine    *escalation.Engine
	clock     clock.Clock
	logger    *zap.Logger
}

func New(states store.EscalationStates, reader taskstatus.Reader, emitter *events.Emitter,
	sched *scheduler.Scheduler, engine *escalation.Engine, clk clock.Clock, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		states:    states,
		reader:    reader,
		emitter:   emitter,
		scheduler: sched,
		engine:    engine,
		clock:     clk,
		logger:    logger.Named("detector"),
	}
}

// HandleFire processes one START_CHECK or RESOLVE_CHECK fire. Stale fires,
// duplicates and closed tasks are absorbed; only transient lookup and
// persistence failures are returned for the worker to retry.
func (d *Detector) HandleFire(ctx context.Context, fired model.Timer) error {
	slaType, ok := fired.Purpose.SLAType()
	if !ok {
		return fmt.Errorf("%w: detector cannot handle %s", model.ErrConfiguration, fired.Purpose)
	}
	log := d.logger.With(
		zap.String("task_id", fired.TaskID),
		zap.String("purpose", string(fired.Purpose)),
		zap.Int64("generation", fired.Generation))

	current, err := d.scheduler.IsCurrent(ctx, fired)
	if err != nil {
		return err
	}
	if !current {
		metrics.StaleFire(string(fired.Purpose))
		log.Debug("stale fire discarded")
		return nil
	}

	view, err := d.reader.GetTaskStatus(ctx, fired.TaskID)
	if errors.Is(err, model.ErrTaskNotFound) {
		log.Info("task no longer exists, check retired")
		return d.scheduler.Finish(ctx, fired)
	}
	if err != nil {
		metrics.LookupFailed()
		return model.NewOpError("status lookup", fired.TaskID, err)
	}
	if view.MilestoneMet(slaType) {
		log.Debug("milestone met, no event", zap.String("status", string(view.Status)))
		return d.scheduler.Finish(ctx, fired)
	}

	now := d.clock.Now()
	if now.Before(fired.Deadline) {
		return d.warn(ctx, fired, slaType, log)
	}
	return d.breach(ctx, fired, slaType, log)
}

// warn emits the warning and re-arms the same check at the deadline.
func (d *Detector) warn(ctx context.Context, fired model.Timer, slaType model.SLAType, log *zap.Logger) error {
	stale, err := d.emitWarning(ctx, fired, slaType)
	if err != nil || stale {
		return err
	}
	if _, err := d.scheduler.Rearm(ctx, fired, fired.Deadline); err != nil {
		if errors.Is(err, model.ErrStaleTimerFire) {
			metrics.StaleFire(string(fired.Purpose))
			return nil
		}
		return err
	}
	log.Info("warning emitted, check re-armed at deadline", zap.Time("deadline", fired.Deadline))
	return nil
}

// breach emits an outstanding warning first when the warning instant was
// missed, then the breach, then hands the lineage to the escalation engine.
func (d *Detector) breach(ctx context.Context, fired model.Timer, slaType model.SLAType, log *zap.Logger) error {
	if stale, err := d.emitWarning(ctx, fired, slaType); err != nil || stale {
		return err
	}

	ev := model.SLAEvent{
		TaskID:           fired.TaskID,
		EventType:        model.BreachEventFor(slaType),
		Severity:         model.SeverityCritical,
		SLAType:          slaType,
		ExpectedDeadline: fired.Deadline,
		EscalationLevel:  0,
		Recipient:        d.engine.Recipient(ctx, fired.TaskID, 0),
		TriggeredAt:      d.clock.Now(),
	}
	_, err := d.emitter.Publish(ctx, ev, fired.Fence())
	switch {
	case errors.Is(err, model.ErrStaleTimerFire):
		metrics.StaleFire(string(fired.Purpose))
		return nil
	case errors.Is(err, model.ErrDuplicateEvent):
		log.Debug("breach already recorded")
	case err != nil:
		return model.NewOpError("record breach", fired.TaskID, err)
	}

	if err := d.engine.OnBreach(ctx, fired); err != nil {
		return err
	}
	log.Warn("sla breached", zap.Time("deadline", fired.Deadline), zap.String("recipient", ev.Recipient))
	return nil
}

// emitWarning records the warning for the lineage. It reports stale when the
// fire lost its fence before the write.
func (d *Detector) emitWarning(ctx context.Context, fired model.Timer, slaType model.SLAType) (bool, error) {
	ev := model.SLAEvent{
		TaskID:           fired.TaskID,
		EventType:        model.WarningEventFor(slaType),
		Severity:         model.SeverityWarning,
		SLAType:          slaType,
		ExpectedDeadline: fired.Deadline,
		TriggeredAt:      d.clock.Now(),
	}
	_, err := d.emitter.Publish(ctx, ev, fired.Fence())
	switch {
	case errors.Is(err, model.ErrStaleTimerFire):
		metrics.StaleFire(string(fired.Purpose))
		return true, nil
	case errors.Is(err, model.ErrDuplicateEvent):
		return false, nil
	case err != nil:
		return false, model.NewOpError("record warning", fired.TaskID, err)
	}

	rec, err := d.states.GetEscalation(ctx, fired.TaskID, slaType)
	if err != nil {
		return false, model.NewOpError("escalation state", fired.TaskID, err)
	}
	if rec.State == model.EscalationStateNone {
		rec.State = model.EscalationStateWarned
		rec.UpdatedAt = d.clock.Now()
		if err := d.states.SetEscalation(ctx, rec); err != nil {
			return false, model.NewOpError("escalation state", fired.TaskID, err)
		}
	}
	return false, nil
}
