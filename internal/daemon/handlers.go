package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/uds"
)

// TaskEventParams is the task_event command payload.
type TaskEventParams = intake.LifecycleEvent

// TaskQueryParams selects one task for the timers and events commands.
type TaskQueryParams struct {
	TaskID string `json:"task_id"`
}

// RequeueParams names a dead-lettered timer.
type RequeueParams struct {
	TaskID  string             `json:"task_id"`
	Purpose model.TimerPurpose `json:"purpose"`
}

// TimersResult is returned by the timers command.
type TimersResult struct {
	TaskID string        `json:"task_id"`
	Timers []model.Timer `json:"timers"`
}

// EventsResult is returned by the events command.
type EventsResult struct {
	TaskID string           `json:"task_id"`
	Events []model.SLAEvent `json:"events"`
}

func (s *services) applyEvent(ctx context.Context, ev intake.LifecycleEvent) (model.Task, error) {
	return s.intake.Apply(ctx, ev)
}

func (s *services) listTimers(ctx context.Context, taskID string) (TimersResult, error) {
	if taskID == "" {
		return TimersResult{}, fmt.Errorf("%w: task_id is required", intake.ErrRejected)
	}
	timers, err := s.store.ListTimers(ctx, taskID)
	if err != nil {
		return TimersResult{}, err
	}
	if timers == nil {
		timers = []model.Timer{}
	}
	return TimersResult{TaskID: taskID, Timers: timers}, nil
}

func (s *services) listEvents(ctx context.Context, taskID string) (EventsResult, error) {
	if taskID == "" {
		return EventsResult{}, fmt.Errorf("%w: task_id is required", intake.ErrRejected)
	}
	evs, err := s.store.ListEvents(ctx, taskID)
	if err != nil {
		return EventsResult{}, err
	}
	store.SortEvents(evs)
	if evs == nil {
		evs = []model.SLAEvent{}
	}
	return EventsResult{TaskID: taskID, Events: evs}, nil
}

func (s *services) requeue(ctx context.Context, p RequeueParams) error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", intake.ErrRejected)
	}
	switch p.Purpose {
	case model.PurposeStartCheck, model.PurposeResolveCheck, model.PurposeEscalationCheck:
	default:
		return fmt.Errorf("%w: unknown purpose %q", intake.ErrRejected, p.Purpose)
	}
	key := model.TimerKey{TaskID: p.TaskID, Purpose: p.Purpose}
	cur, err := s.store.Current(ctx, key)
	if err != nil {
		return err
	}
	if cur.State != model.TimerStateDeadLetter {
		return fmt.Errorf("%w: timer %s is %s, only %s timers can be requeued",
			intake.ErrRejected, key, cur.State, model.TimerStateDeadLetter)
	}
	if err := s.scheduler.Requeue(ctx, key); err != nil {
		return err
	}
	if s.auditor != nil {
		if t, err := s.store.Current(ctx, key); err == nil {
			if err := s.auditor.RecordTimer(events.KindRequeue, t, "operator requeue"); err != nil {
				s.logger.Warn("audit requeue failed", zap.String("timer", key.String()), zap.Error(err))
			}
		}
	}
	return nil
}

// errorCode maps an operation error onto a wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, intake.ErrRejected), errors.Is(err, model.ErrConfiguration):
		return uds.ErrCodeValidation
	case errors.Is(err, model.ErrTaskNotFound), errors.Is(err, model.ErrTimerNotFound):
		return uds.ErrCodeNotFound
	case errors.Is(err, model.ErrStaleTimerFire):
		return uds.ErrCodeConflict
	case errors.Is(err, model.ErrTransientLookup), errors.Is(err, model.ErrPersistence):
		return uds.ErrCodeUnavailable
	}
	return uds.ErrCodeInternal
}

// registerHandlers registers the control socket commands.
func (d *Daemon) registerHandlers() {
	svc := d.svc

	d.server.SetObserver(metrics.ObserveCommand)
	d.server.Handle("ping", uds.Typed(errorCode, func(ctx context.Context, _ uds.NoParams) (any, error) {
		return map[string]string{"status": "ok", "owner": svc.leases.Owner()}, nil
	}))
	d.server.Handle("task_event", uds.Typed(errorCode, func(ctx context.Context, ev TaskEventParams) (any, error) {
		return svc.applyEvent(ctx, ev)
	}))
	d.server.Handle("timers", uds.Typed(errorCode, func(ctx context.Context, p TaskQueryParams) (any, error) {
		return svc.listTimers(ctx, p.TaskID)
	}))
	d.server.Handle("events", uds.Typed(errorCode, func(ctx context.Context, p TaskQueryParams) (any, error) {
		return svc.listEvents(ctx, p.TaskID)
	}))
	d.server.Handle("requeue", uds.Typed(errorCode, func(ctx context.Context, p RequeueParams) (any, error) {
		if err := svc.requeue(ctx, p); err != nil {
			return nil, err
		}
		return map[string]string{"status": "requeued"}, nil
	}))
	d.server.Handle("scan", uds.Typed(errorCode, func(ctx context.Context, _ uds.NoParams) (any, error) {
		return svc.reconciler.Reconcile(ctx)
	}))
	d.server.Handle("shutdown", uds.Typed(errorCode, func(ctx context.Context, _ uds.NoParams) (any, error) {
		go d.requestShutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	}))

	d.logger.Debug("uds handlers registered", zap.Strings("commands", d.server.Commands()))
}
