package model

import (
	"fmt"
	"time"
)

type TaskType string

const (
	TaskTypeTask     TaskType = "TASK"
	TaskTypeIncident TaskType = "INCIDENT"
)

// Task is the read-only snapshot of a task as reported by the task service.
type Task struct {
	ID                string     `json:"id" yaml:"id"`
	Type              TaskType   `json:"type" yaml:"type"`
	Priority          string     `json:"priority" yaml:"priority"`
	Status            TaskStatus `json:"status" yaml:"status"`
	Assignee          string     `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	StartSLAMinutes   float64    `json:"start_sla_minutes" yaml:"start_sla_minutes"`
	ResolveSLAMinutes float64    `json:"resolve_sla_minutes" yaml:"resolve_sla_minutes"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"updated_at"`
}

// TaskStatusView is the result of get_task_status: the fields a fired timer
// needs to decide whether its condition is still real.
type TaskStatusView struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) StatusView() TaskStatusView {
	return TaskStatusView{
		TaskID:      t.ID,
		Status:      t.Status,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// MilestoneMet reports whether the milestone guarded by slaType has been
// reached, or the task is closed so the SLA no longer applies.
func (v TaskStatusView) MilestoneMet(slaType SLAType) bool {
	if IsTaskTerminal(v.Status) {
		return true
	}
	switch slaType {
	case SLATypeStart:
		return v.StartedAt != nil || HasStarted(v.Status)
	case SLATypeResolve:
		return v.CompletedAt != nil
	}
	return false
}

// ValidateTaskSLA rejects tasks whose SLA minutes are missing or non-positive.
func ValidateTaskSLA(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrConfiguration)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("%w: task %s has no created_at", ErrConfiguration, t.ID)
	}
	if t.StartSLAMinutes <= 0 {
		return fmt.Errorf("%w: task %s start_sla_minutes must be > 0, got %v", ErrConfiguration, t.ID, t.StartSLAMinutes)
	}
	if t.ResolveSLAMinutes <= 0 {
		return fmt.Errorf("%w: task %s resolve_sla_minutes must be > 0, got %v", ErrConfiguration, t.ID, t.ResolveSLAMinutes)
	}
	return nil
}
