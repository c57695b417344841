// Package escalation walks a breached SLA up its chain of responsible
// parties, one level per ESCALATION_CHECK fire, until the milestone is met or
// the task closes.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/scheduler"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/taskstatus"
)

// AssigneeParty in a chain stands for the task's current assignee.
const AssigneeParty = "assignee"

// State is the persistence the engine reads and writes besides timers.
type State interface {
	store.EscalationStates
	store.TaskSnapshots
}

type Engine struct {
	state     State
	reader    taskstatus.Reader
	emitter   *events.Emitter
	scheduler *scheduler.Scheduler
	policy    config.PolicySource
	clock     clock.Clock
	logger    *zap.Logger
}

func New(state State, reader taskstatus.Reader, emitter *events.Emitter, sched *scheduler.Scheduler,
	policy config.PolicySource, clk clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		state:     state,
		reader:    reader,
		emitter:   emitter,
		scheduler: sched,
		policy:    policy,
		clock:     clk,
		logger:    logger.Named("escalation"),
	}
}

// Recipient resolves the party for level on taskID's chain at this moment.
// The "assignee" placeholder becomes the task's current assignee when known.
func (e *Engine) Recipient(ctx context.Context, taskID string, level int) string {
	var task model.Task
	if t, err := e.state.GetTask(ctx, taskID); err == nil {
		task = t
	}
	party := model.Recipient(e.policy.Policy().ChainFor(task.Type, task.Priority), level)
	if party == AssigneeParty && task.Assignee != "" {
		return task.Assignee
	}
	return party
}

// OnBreach records the breach at level 0 and schedules the first escalation
// check. fired is the START_CHECK or RESOLVE_CHECK that detected the breach;
// it is retired in the same write.
func (e *Engine) OnBreach(ctx context.Context, fired model.Timer) error {
	if err := e.setState(ctx, fired.TaskID, fired.SLAType, model.EscalationStateBreached, 0); err != nil {
		return err
	}
	if fired.SLAType == model.SLATypeStart {
		live, ok, err := e.scheduler.LiveEscalation(ctx, fired.TaskID)
		if err != nil {
			return err
		}
		// A running RESOLVE chain outranks a late START breach; the START
		// breach is recorded but does not take over the lineage.
		if ok && live.SLAType == model.SLATypeResolve {
			e.logger.Info("start breach left resolve escalation in place",
				zap.String("task_id", fired.TaskID),
				zap.Int("resolve_level", live.EscalationLevel))
			return e.scheduler.Finish(ctx, fired)
		}
	}
	_, err := e.scheduler.OnEscalationNeeded(ctx, fired.TaskID, fired.SLAType, 0, fired.Deadline, fired.Fence())
	if errors.Is(err, model.ErrStaleTimerFire) {
		metrics.StaleFire(string(fired.Purpose))
		e.logger.Debug("breach hand-off lost its fence", zap.String("timer", fired.Key().String()))
		return nil
	}
	return err
}

// HandleFire processes one ESCALATION_CHECK fire.
func (e *Engine) HandleFire(ctx context.Context, fired model.Timer) error {
	if fired.Purpose != model.PurposeEscalationCheck {
		return fmt.Errorf("%w: escalation engine cannot handle %s", model.ErrConfiguration, fired.Purpose)
	}
	log := e.logger.With(
		zap.String("task_id", fired.TaskID),
		zap.String("sla_type", string(fired.SLAType)),
		zap.Int("level", fired.EscalationLevel),
		zap.Int64("generation", fired.Generation))

	current, err := e.scheduler.IsCurrent(ctx, fired)
	if err != nil {
		return err
	}
	if !current {
		metrics.StaleFire(string(fired.Purpose))
		log.Debug("stale escalation fire discarded")
		return nil
	}

	view, err := e.reader.GetTaskStatus(ctx, fired.TaskID)
	if errors.Is(err, model.ErrTaskNotFound) {
		log.Info("task no longer exists, escalation stopped")
		return e.scheduler.Finish(ctx, fired)
	}
	if err != nil {
		metrics.LookupFailed()
		return model.NewOpError("escalation status lookup", fired.TaskID, err)
	}
	if view.MilestoneMet(fired.SLAType) {
		log.Info("milestone met, escalation stopped", zap.String("status", string(view.Status)))
		return e.scheduler.Finish(ctx, fired)
	}

	level := fired.EscalationLevel
	ev := model.SLAEvent{
		TaskID:           fired.TaskID,
		EventType:        model.EventEscalation,
		Severity:         model.SeverityCritical,
		SLAType:          fired.SLAType,
		ExpectedDeadline: fired.Deadline,
		EscalationLevel:  level,
		Recipient:        e.Recipient(ctx, fired.TaskID, level),
		TriggeredAt:      e.clock.Now(),
	}
	_, err = e.emitter.Publish(ctx, ev, fired.Fence())
	switch {
	case errors.Is(err, model.ErrStaleTimerFire):
		metrics.StaleFire(string(fired.Purpose))
		log.Debug("escalation fire cancelled before the event was recorded")
		return nil
	case errors.Is(err, model.ErrDuplicateEvent) && level >= e.policy.Policy().MaxLevel():
		if _, err := e.emitter.Renotify(ctx, ev.Key(), fired.Fence()); err != nil {
			if errors.Is(err, model.ErrStaleTimerFire) {
				return nil
			}
			return model.NewOpError("renotify", fired.TaskID, err)
		}
		log.Info("escalation chain exhausted, re-notified top party",
			zap.String("recipient", ev.Recipient),
			zap.NamedError("reason", model.ErrEscalationChainExhausted))
	case errors.Is(err, model.ErrDuplicateEvent):
		log.Debug("escalation already recorded for level")
	case err != nil:
		return model.NewOpError("record escalation", fired.TaskID, err)
	}

	if err := e.setState(ctx, fired.TaskID, fired.SLAType, model.EscalationStateBreached, level); err != nil {
		return err
	}
	_, err = e.scheduler.OnEscalationNeeded(ctx, fired.TaskID, fired.SLAType, level, fired.Deadline, fired.Fence())
	if errors.Is(err, model.ErrStaleTimerFire) {
		metrics.StaleFire(string(fired.Purpose))
		return nil
	}
	return err
}

func (e *Engine) setState(ctx context.Context, taskID string, slaType model.SLAType, state model.EscalationState, level int) error {
	err := e.state.SetEscalation(ctx, model.EscalationRecord{
		TaskID:    taskID,
		SLAType:   slaType,
		State:     state,
		Level:     level,
		UpdatedAt: e.clock.Now(),
	})
	if err != nil {
		return model.NewOpError("escalation state", taskID, err)
	}
	return nil
}
