// Package scheduler owns the timer lineages of every task: it admits the
// START/RESOLVE checks, cancels them on lifecycle transitions and performs the
// fenced re-arm and escalation hand-off requested by fired timers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/deadline"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

type Scheduler struct {
	store  store.TimerStore
	policy config.PolicySource
	clock  clock.Clock
	logger *zap.Logger
	wake   chan struct{}
}

func New(st store.TimerStore, policy config.PolicySource, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		policy: policy,
		clock:  clk,
		logger: logger.Named("scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake is signalled after every write that may move the next fire time.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// OnTaskCreated admits the START_CHECK and RESOLVE_CHECK timers at their
// warning instants. Timers that already exist, tombstones included, are kept.
func (s *Scheduler) OnTaskCreated(ctx context.Context, task model.Task) error {
	if model.IsTaskTerminal(task.Status) {
		s.logger.Debug("task already closed, nothing to schedule", zap.String("task_id", task.ID))
		return nil
	}
	if err := model.ValidateTaskSLA(&task); err != nil {
		return model.NewOpError("schedule", task.ID, err)
	}

	d := deadline.ForTask(&task, s.policy.Policy().ThresholdPct())
	now := s.clock.Now()

	var timers []model.Timer
	if task.StartedAt == nil && !model.HasStarted(task.Status) {
		timers = append(timers, checkTimer(task.ID, model.PurposeStartCheck, d.StartWarningAt, d.StartDeadline, now))
	}
	timers = append(timers, checkTimer(task.ID, model.PurposeResolveCheck, d.ResolveWarningAt, d.ResolveDeadline, now))

	n, err := s.store.InsertTimers(ctx, timers)
	if err != nil {
		return model.NewOpError("schedule", task.ID, err)
	}
	metrics.TimersScheduled(metrics.KindCheck, n)
	s.logger.Info("timers admitted",
		zap.String("task_id", task.ID),
		zap.Int("inserted", n),
		zap.Time("start_deadline", d.StartDeadline),
		zap.Time("resolve_deadline", d.ResolveDeadline))
	s.poke()
	return nil
}

// OnTaskStarted retires the START_CHECK lineage.
func (s *Scheduler) OnTaskStarted(ctx context.Context, taskID string) error {
	return s.cancel(ctx, taskID, []model.TimerPurpose{model.PurposeStartCheck})
}

// OnTaskCompleted retires every lineage of the task.
func (s *Scheduler) OnTaskCompleted(ctx context.Context, taskID string) error {
	return s.cancel(ctx, taskID, model.AllPurposes)
}

// OnTaskCancelled retires every lineage of the task.
func (s *Scheduler) OnTaskCancelled(ctx context.Context, taskID string) error {
	return s.cancel(ctx, taskID, model.AllPurposes)
}

// OnTaskReassigned leaves timers alone; recipients are resolved when a timer fires.
func (s *Scheduler) OnTaskReassigned(ctx context.Context, taskID, assignee string) error {
	s.logger.Info("task reassigned", zap.String("task_id", taskID), zap.String("assignee", assignee))
	return nil
}

func (s *Scheduler) cancel(ctx context.Context, taskID string, purposes []model.TimerPurpose) error {
	if err := s.store.Cancel(ctx, taskID, purposes, s.clock.Now()); err != nil {
		return model.NewOpError("cancel timers", taskID, err)
	}
	metrics.TimersCancelled(len(purposes))
	s.logger.Debug("timers cancelled", zap.String("task_id", taskID), zap.Int("purposes", len(purposes)))
	s.poke()
	return nil
}

// OnEscalationNeeded schedules the ESCALATION_CHECK that follows level for the
// slaType lineage and retires the fired timer named by fence in the same write.
// The new timer carries min(level+1, max_level). At the top of the chain the
// check repeats at the ceiling backoff.
func (s *Scheduler) OnEscalationNeeded(ctx context.Context, taskID string, slaType model.SLAType, level int, slaDeadline time.Time, fence *model.Fence) (model.Timer, error) {
	p := s.policy.Policy()
	now := s.clock.Now()

	next := level + 1
	if next > p.MaxLevel() {
		next = p.MaxLevel()
	}
	delay := p.Backoff(level)
	if level >= p.MaxLevel() && p.Escalation.CeilingMinutes > 0 {
		delay = time.Duration(p.Escalation.CeilingMinutes * float64(time.Minute)).Round(time.Millisecond)
	}

	t := model.Timer{
		TaskID:          taskID,
		Purpose:         model.PurposeEscalationCheck,
		SLAType:         slaType,
		FireAt:          now.Add(delay),
		Deadline:        slaDeadline,
		EscalationLevel: next,
	}
	row, err := s.store.Transition(ctx, fence, t, now)
	if err != nil {
		return model.Timer{}, model.NewOpError("schedule escalation", taskID, err)
	}
	metrics.TimersScheduled(metrics.KindEscalation, 1)
	s.logger.Info("escalation check scheduled",
		zap.String("task_id", taskID),
		zap.String("sla_type", string(slaType)),
		zap.Int("level", next),
		zap.Time("fire_at", row.FireAt),
		zap.Int64("generation", row.Generation))
	s.poke()
	return row, nil
}

// LiveEscalation returns the task's pending ESCALATION_CHECK, if any.
func (s *Scheduler) LiveEscalation(ctx context.Context, taskID string) (model.Timer, bool, error) {
	cur, err := s.store.Current(ctx, model.TimerKey{TaskID: taskID, Purpose: model.PurposeEscalationCheck})
	if errors.Is(err, model.ErrTimerNotFound) {
		return model.Timer{}, false, nil
	}
	if err != nil {
		return model.Timer{}, false, model.NewOpError("load escalation", taskID, err)
	}
	if cur.State != model.TimerStatePending {
		return model.Timer{}, false, nil
	}
	return cur, true, nil
}

// Rearm moves the fired timer to fireAt under a new generation.
func (s *Scheduler) Rearm(ctx context.Context, fired model.Timer, fireAt time.Time) (model.Timer, error) {
	next := fired
	next.FireAt = fireAt
	row, err := s.store.Transition(ctx, fired.Fence(), next, s.clock.Now())
	if err != nil {
		return model.Timer{}, model.NewOpError("rearm", fired.TaskID, err)
	}
	s.logger.Debug("timer re-armed",
		zap.String("timer", fired.Key().String()),
		zap.Time("fire_at", fireAt),
		zap.Int64("generation", row.Generation))
	s.poke()
	return row, nil
}

// IsCurrent reports whether fired still holds the live generation and lease
// of its key. A false result means the fire was cancelled or superseded.
func (s *Scheduler) IsCurrent(ctx context.Context, fired model.Timer) (bool, error) {
	cur, err := s.store.Current(ctx, fired.Key())
	if errors.Is(err, model.ErrTimerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, model.NewOpError("check generation", fired.TaskID, err)
	}
	return store.FenceCurrent(&cur, fired.Fence()), nil
}

// Finish marks a fired timer DONE. A fire that lost its fence is left alone.
func (s *Scheduler) Finish(ctx context.Context, fired model.Timer) error {
	err := s.store.Complete(ctx, fired.Fence(), s.clock.Now())
	if errors.Is(err, model.ErrStaleTimerFire) {
		return nil
	}
	if err != nil {
		return model.NewOpError("finish timer", fired.TaskID, err)
	}
	return nil
}

// Requeue returns a dead-lettered timer to PENDING, due now.
func (s *Scheduler) Requeue(ctx context.Context, key model.TimerKey) error {
	now := s.clock.Now()
	if err := s.store.Requeue(ctx, key, now, now); err != nil {
		return model.NewOpError("requeue", key.TaskID, fmt.Errorf("%s: %w", key.Purpose, err))
	}
	s.logger.Info("timer requeued", zap.String("timer", key.String()))
	s.poke()
	return nil
}

func checkTimer(taskID string, purpose model.TimerPurpose, fireAt, slaDeadline, now time.Time) model.Timer {
	sla, _ := purpose.SLAType()
	return model.Timer{
		TaskID:    taskID,
		Purpose:   purpose,
		SLAType:   sla,
		FireAt:    fireAt,
		Deadline:  slaDeadline,
		State:     model.TimerStatePending,
		UpdatedAt: now,
	}
}
