// Package taskstatus answers "what is this task's status right now" for fired
// timers. The answer must come from the source of truth at fire time, never
// from the state captured when the timer was scheduled.
package taskstatus

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

type Reader interface {
	GetTaskStatus(ctx context.Context, taskID string) (model.TaskStatusView, error)
}

// Local reads the snapshot table written by the intake.
type Local struct {
	tasks store.TaskSnapshots
}

func NewLocal(tasks store.TaskSnapshots) *Local {
	return &Local{tasks: tasks}
}

func (l *Local) GetTaskStatus(ctx context.Context, taskID string) (model.TaskStatusView, error) {
	t, err := l.tasks.GetTask(ctx, taskID)
	if errors.Is(err, model.ErrTaskNotFound) {
		return model.TaskStatusView{}, err
	}
	if err != nil {
		return model.TaskStatusView{}, fmt.Errorf("read snapshot %s: %w: %w", taskID, model.ErrTransientLookup, err)
	}
	return t.StatusView(), nil
}
