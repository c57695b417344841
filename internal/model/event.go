package model

import "time"

type SLAType string

const (
	SLATypeStart   SLAType = "START"
	SLATypeResolve SLAType = "RESOLVE"
)

type EventType string

const (
	EventStartWarning   EventType = "START_WARNING"
	EventStartBreach    EventType = "START_BREACH"
	EventResolveWarning EventType = "RESOLVE_WARNING"
	EventResolveBreach  EventType = "RESOLVE_BREACH"
	EventEscalation     EventType = "ESCALATION"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// WarningEventFor returns the warning event type for an SLA.
func WarningEventFor(s SLAType) EventType {
	if s == SLATypeStart {
		return EventStartWarning
	}
	return EventResolveWarning
}

// BreachEventFor returns the breach event type for an SLA.
func BreachEventFor(s SLAType) EventType {
	if s == SLATypeStart {
		return EventStartBreach
	}
	return EventResolveBreach
}

// SLAEvent is a warning, breach or escalation recorded in the event ledger.
type SLAEvent struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	EventType        EventType  `json:"event_type"`
	Severity         Severity   `json:"severity"`
	SLAType          SLAType    `json:"sla_type"`
	ExpectedDeadline time.Time  `json:"expected_deadline"`
	ActualTime       *time.Time `json:"actual_time,omitempty"`
	EscalationLevel  int        `json:"escalation_level"`
	Recipient        string     `json:"recipient,omitempty"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	NotifyCount      int        `json:"notify_count"`
}

// EventKey is the natural deduplication key of an SLAEvent.
type EventKey struct {
	TaskID          string
	SLAType         SLAType
	EventType       EventType
	EscalationLevel int
}

func (e *SLAEvent) Key() EventKey {
	return EventKey{
		TaskID:          e.TaskID,
		SLAType:         e.SLAType,
		EventType:       e.EventType,
		EscalationLevel: e.EscalationLevel,
	}
}

// EscalationRecord is the denormalised escalation position for a task's SLA.
type EscalationRecord struct {
	TaskID    string          `json:"task_id"`
	SLAType   SLAType         `json:"sla_type"`
	State     EscalationState `json:"state"`
	Level     int             `json:"level"`
	UpdatedAt time.Time       `json:"updated_at"`
}
