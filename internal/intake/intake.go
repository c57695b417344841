// Package intake turns task lifecycle callbacks into snapshot updates and
// scheduler calls.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/lock"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/scheduler"
	"github.com/msageha/slawarden/internal/store"
)

type Kind string

const (
	KindCreated    Kind = "created"
	KindAssigned   Kind = "assigned"
	KindStarted    Kind = "started"
	KindBlocked    Kind = "blocked"
	KindCompleted  Kind = "completed"
	KindCancelled  Kind = "cancelled"
	KindReassigned Kind = "reassigned"
)

// ErrRejected marks a callback that would move a task backwards or is
// otherwise malformed.
var ErrRejected = errors.New("lifecycle event rejected")

var kindStatus = map[Kind]model.TaskStatus{
	KindAssigned:  model.TaskStatusAssigned,
	KindStarted:   model.TaskStatusInProgress,
	KindBlocked:   model.TaskStatusBlocked,
	KindCompleted: model.TaskStatusCompleted,
	KindCancelled: model.TaskStatusCancelled,
}

// LifecycleEvent is one callback from the task service. Task is required for
// created and ignored otherwise.
type LifecycleEvent struct {
	Kind     Kind        `json:"kind"`
	TaskID   string      `json:"task_id"`
	Task     *model.Task `json:"task,omitempty"`
	Assignee string      `json:"assignee,omitempty"`
	At       time.Time   `json:"at,omitempty"`
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if k == KindCreated || k == KindReassigned {
		return k, nil
	}
	if _, ok := kindStatus[k]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown event kind %q", ErrRejected, s)
}

type Intake struct {
	tasks     store.TaskSnapshots
	scheduler *scheduler.Scheduler
	policy    config.PolicySource
	clock     clock.Clock
	locks     *lock.MutexMap
	logger    *zap.Logger
}

func New(tasks store.TaskSnapshots, sched *scheduler.Scheduler, policy config.PolicySource, clk clock.Clock, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		tasks:     tasks,
		scheduler: sched,
		policy:    policy,
		clock:     clk,
		locks:     lock.NewMutexMap(),
		logger:    logger.Named("intake"),
	}
}

// Apply records ev against the task snapshot and routes it to the scheduler.
// Callbacks for one task are applied one at a time; replays of the current
// status are accepted and re-run their scheduler call.
func (in *Intake) Apply(ctx context.Context, ev LifecycleEvent) (model.Task, error) {
	if ev.TaskID == "" && ev.Task != nil {
		ev.TaskID = ev.Task.ID
	}
	if ev.TaskID == "" {
		return model.Task{}, fmt.Errorf("%w: task_id is required", ErrRejected)
	}
	if _, err := ParseKind(string(ev.Kind)); err != nil {
		return model.Task{}, err
	}

	in.locks.Lock(ev.TaskID)
	defer in.locks.Unlock(ev.TaskID)

	prev, err := in.tasks.GetTask(ctx, ev.TaskID)
	found := err == nil
	if err != nil && !errors.Is(err, model.ErrTaskNotFound) {
		return model.Task{}, model.NewOpError("load snapshot", ev.TaskID, err)
	}
	if !found {
		// Callbacks may overtake the created one; start from a placeholder.
		prev = model.Task{ID: ev.TaskID, Status: model.TaskStatusCreated}
	}
	at := ev.At
	if at.IsZero() {
		at = in.clock.Now()
	}

	log := in.logger.With(zap.String("task_id", ev.TaskID), zap.String("kind", string(ev.Kind)))

	if ev.Kind == KindCreated {
		return in.created(ctx, ev, prev, found, at, log)
	}

	task := prev
	if status, ok := kindStatus[ev.Kind]; ok {
		if err := model.ValidateTaskStatusTransition(prev.Status, status); err != nil {
			return model.Task{}, fmt.Errorf("%w: task %s: %w", ErrRejected, ev.TaskID, err)
		}
		task.Status = status
	}
	if ev.Assignee != "" {
		task.Assignee = ev.Assignee
	}
	startedNow := model.HasStarted(task.Status) && task.StartedAt == nil
	if startedNow {
		task.StartedAt = &at
	}
	if task.Status == model.TaskStatusCompleted && task.CompletedAt == nil {
		task.CompletedAt = &at
	}
	task.UpdatedAt = at

	if err := in.tasks.SaveTask(ctx, task); err != nil {
		return model.Task{}, model.NewOpError("save snapshot", ev.TaskID, err)
	}

	switch ev.Kind {
	case KindCompleted:
		err = in.scheduler.OnTaskCompleted(ctx, ev.TaskID)
	case KindCancelled:
		err = in.scheduler.OnTaskCancelled(ctx, ev.TaskID)
	case KindReassigned:
		err = in.scheduler.OnTaskReassigned(ctx, ev.TaskID, task.Assignee)
	default:
		if model.HasStarted(task.Status) {
			err = in.scheduler.OnTaskStarted(ctx, ev.TaskID)
		}
	}
	if err != nil {
		return model.Task{}, err
	}
	log.Debug("lifecycle event applied", zap.String("status", string(task.Status)))
	return task, nil
}

func (in *Intake) created(ctx context.Context, ev LifecycleEvent, prev model.Task, found bool, at time.Time, log *zap.Logger) (model.Task, error) {
	if ev.Task == nil {
		return model.Task{}, fmt.Errorf("%w: created event for %s carries no task", ErrRejected, ev.TaskID)
	}
	task := *ev.Task
	task.ID = ev.TaskID
	if task.Status == "" {
		task.Status = model.TaskStatusCreated
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = at
	}
	in.policy.Policy().ApplySLADefaults(&task)
	if err := model.ValidateTaskSLA(&task); err != nil {
		return model.Task{}, err
	}
	if !model.IsKnownTaskStatus(task.Status) {
		return model.Task{}, fmt.Errorf("%w: task %s has unknown status %q", ErrRejected, task.ID, task.Status)
	}

	// A late or replayed created never rewinds progress already recorded.
	if found && model.ValidateTaskStatusTransition(prev.Status, task.Status) != nil {
		task.Status = prev.Status
	}
	if found {
		if task.StartedAt == nil {
			task.StartedAt = prev.StartedAt
		}
		if task.CompletedAt == nil {
			task.CompletedAt = prev.CompletedAt
		}
		if task.Assignee == "" {
			task.Assignee = prev.Assignee
		}
	}
	task.UpdatedAt = at

	if err := in.tasks.SaveTask(ctx, task); err != nil {
		return model.Task{}, model.NewOpError("save snapshot", task.ID, err)
	}
	if err := in.scheduler.OnTaskCreated(ctx, task); err != nil {
		return model.Task{}, err
	}
	log.Info("task admitted",
		zap.String("status", string(task.Status)),
		zap.Float64("start_sla_minutes", task.StartSLAMinutes),
		zap.Float64("resolve_sla_minutes", task.ResolveSLAMinutes))
	return task, nil
}
