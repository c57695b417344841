package model

import "fmt"

// TaskStatus is the lifecycle status owned by the task-management service.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// TimerState is the storage state of a timer row.
type TimerState string

const (
	TimerStatePending    TimerState = "PENDING"
	TimerStateDone       TimerState = "DONE"
	TimerStateCancelled  TimerState = "CANCELLED"
	TimerStateDeadLetter TimerState = "DEAD_LETTER"
)

// EscalationState is the denormalised per-(task, sla_type) machine state.
type EscalationState string

const (
	EscalationStateNone     EscalationState = "NONE"
	EscalationStateWarned   EscalationState = "WARNED"
	EscalationStateBreached EscalationState = "BREACHED"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusCancelled: true,
}

// taskStatusRank orders the forward chain. BLOCKED shares a rank with
// IN_PROGRESS so a task can bounce between the two.
var taskStatusRank = map[TaskStatus]int{
	TaskStatusCreated:    0,
	TaskStatusAssigned:   1,
	TaskStatusInProgress: 2,
	TaskStatusBlocked:    2,
	TaskStatusCompleted:  3,
}

// Timer transitions: pending → terminal, with dead_letter → pending allowed
// for operator requeue.
var validTimerTransitions = map[TimerState]map[TimerState]bool{
	TimerStatePending: {
		TimerStatePending:    true, // re-arm / lease release
		TimerStateDone:       true,
		TimerStateCancelled:  true,
		TimerStateDeadLetter: true,
	},
	TimerStateDeadLetter: {
		TimerStatePending:   true,
		TimerStateCancelled: true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsKnownTaskStatus(s TaskStatus) bool {
	if s == TaskStatusCancelled {
		return true
	}
	_, ok := taskStatusRank[s]
	return ok
}

// HasStarted reports whether the start milestone has been met for a status.
func HasStarted(s TaskStatus) bool {
	switch s {
	case TaskStatusInProgress, TaskStatusBlocked, TaskStatusCompleted:
		return true
	}
	return false
}

// ValidateTaskStatusTransition enforces the monotonic task lifecycle.
// Repeating the current status is allowed so callbacks can be replayed.
func ValidateTaskStatusTransition(from, to TaskStatus) error {
	if !IsKnownTaskStatus(from) {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !IsKnownTaskStatus(to) {
		return fmt.Errorf("unknown task status %q", to)
	}
	if from == to {
		return nil
	}
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	if to == TaskStatusCancelled {
		return nil
	}
	if taskStatusRank[to] < taskStatusRank[from] {
		return fmt.Errorf("invalid task status transition: %q → %q", from, to)
	}
	return nil
}

func IsTimerTerminal(s TimerState) bool {
	return s == TimerStateDone || s == TimerStateCancelled
}

func ValidateTimerTransition(from, to TimerState) error {
	if IsTimerTerminal(from) {
		return fmt.Errorf("cannot transition from terminal timer state %q", from)
	}
	allowed, ok := validTimerTransitions[from]
	if !ok {
		return fmt.Errorf("unknown timer state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid timer transition: %q → %q", from, to)
	}
	return nil
}
