package model

import "time"

// TimerPurpose identifies which check a timer drives.
type TimerPurpose string

const (
	PurposeStartCheck      TimerPurpose = "START_CHECK"
	PurposeResolveCheck    TimerPurpose = "RESOLVE_CHECK"
	PurposeEscalationCheck TimerPurpose = "ESCALATION_CHECK"
)

// AllPurposes lists every purpose in a stable order.
var AllPurposes = []TimerPurpose{PurposeStartCheck, PurposeResolveCheck, PurposeEscalationCheck}

// SLAType maps a deadline check purpose to the SLA it guards. Escalation
// timers carry their lineage explicitly.
func (p TimerPurpose) SLAType() (SLAType, bool) {
	switch p {
	case PurposeStartCheck:
		return SLATypeStart, true
	case PurposeResolveCheck:
		return SLATypeResolve, true
	}
	return "", false
}

// TimerKey is the identity of a logical timer lineage.
type TimerKey struct {
	TaskID  string       `json:"task_id"`
	Purpose TimerPurpose `json:"purpose"`
}

func (k TimerKey) String() string {
	return k.TaskID + "/" + string(k.Purpose)
}

// Timer is one row of the timer store.
type Timer struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	Purpose         TimerPurpose `json:"purpose"`
	SLAType         SLAType      `json:"sla_type"`
	FireAt          time.Time    `json:"fire_at"`
	Deadline        time.Time    `json:"deadline"`
	EscalationLevel int          `json:"escalation_level"`
	Generation      int64        `json:"generation"`
	State           TimerState   `json:"state"`
	Attempts        int          `json:"attempts"`
	LeaseOwner      *string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time   `json:"lease_expires_at,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (t *Timer) Key() TimerKey {
	return TimerKey{TaskID: t.TaskID, Purpose: t.Purpose}
}

// Fence returns the fencing token for the lease this timer was claimed under.
func (t *Timer) Fence() *Fence {
	f := &Fence{TimerKey: t.Key(), Generation: t.Generation}
	if t.LeaseOwner != nil {
		f.Owner = *t.LeaseOwner
	}
	return f
}

// Fence guards a write with the (key, generation, lease owner) a worker
// observed when it claimed the timer. A write under a fence only applies while
// the row is still PENDING at that generation and, if Owner is set, still
// leased to that owner.
type Fence struct {
	TimerKey
	Generation int64  `json:"generation"`
	Owner      string `json:"owner,omitempty"`
}
