// Package store defines the durable state shared by every worker: the timer
// store, the SLA event ledger, the denormalised escalation state and the local
// task snapshot mirror.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/msageha/slawarden/internal/model"
)

// ErrEventNotFound is returned by GetEvent for an unknown natural key.
var ErrEventNotFound = errors.New("sla event not found")

// ClaimRequest parameterises a ClaimDue call.
type ClaimRequest struct {
	Owner       string
	Now         time.Time
	LeaseTTL    time.Duration
	Limit       int
	MaxAttempts int // rows at or above this many attempts are left for the reconciler
}

// ReleaseRequest gives up a lease after a failed attempt.
type ReleaseRequest struct {
	Fence      *model.Fence
	RetryAt    time.Time
	LastError  string
	DeadLetter bool
	Now        time.Time
}

// TimerStore holds one row per (task, purpose). Every method is a single
// atomic write from the caller's point of view.
type TimerStore interface {
	// InsertTimers inserts timers whose key has no row yet. Existing rows,
	// tombstones included, are left untouched.
	InsertTimers(ctx context.Context, timers []model.Timer) (int, error)
	// Cancel bumps the generation of each purpose and marks it CANCELLED.
	// Missing rows become tombstones so a late insert cannot resurrect them.
	Cancel(ctx context.Context, taskID string, purposes []model.TimerPurpose, now time.Time) error
	// Transition checks the fence, marks the fenced row DONE and upserts next
	// with generation+1 when its key already has a row. next may share the
	// fenced key (re-arm). CANCELLED rows are never resurrected.
	Transition(ctx context.Context, fence *model.Fence, next model.Timer, now time.Time) (model.Timer, error)
	// Complete marks the fenced row DONE.
	Complete(ctx context.Context, fence *model.Fence, now time.Time) error
	// Current returns the live row for key, or model.ErrTimerNotFound.
	Current(ctx context.Context, key model.TimerKey) (model.Timer, error)
	ListTimers(ctx context.Context, taskID string) ([]model.Timer, error)
	// ClaimDue leases up to Limit due PENDING rows whose lease is free or
	// expired, incrementing their attempt count.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]model.Timer, error)
	// Release clears a lease after a failed attempt, either re-queueing the
	// row at RetryAt or moving it to DEAD_LETTER.
	Release(ctx context.Context, req ReleaseRequest) error
	// DeadLetterExhausted moves PENDING rows whose lease expired with
	// attempts >= maxAttempts to DEAD_LETTER and returns them.
	DeadLetterExhausted(ctx context.Context, maxAttempts int, now time.Time) ([]model.Timer, error)
	// Requeue moves a DEAD_LETTER row back to PENDING with a fresh attempt budget.
	Requeue(ctx context.Context, key model.TimerKey, fireAt, now time.Time) error
	// NextFireAt returns the earliest fire_at among PENDING rows.
	NextFireAt(ctx context.Context) (time.Time, bool, error)
	CountByState(ctx context.Context) (map[model.TimerState]int, error)
}

// EventLedger stores SLA events, unique on their natural key.
type EventLedger interface {
	// InsertEvent records ev unless its natural key exists, returning the
	// stored row and whether it was inserted. With a non-nil fence the insert
	// only applies while the fence is current; otherwise model.ErrStaleTimerFire.
	InsertEvent(ctx context.Context, ev model.SLAEvent, fence *model.Fence) (model.SLAEvent, bool, error)
	GetEvent(ctx context.Context, key model.EventKey) (model.SLAEvent, error)
	ListEvents(ctx context.Context, taskID string) ([]model.SLAEvent, error)
	ListUnpublished(ctx context.Context, limit int) ([]model.SLAEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// Renotify bumps notify_count of an existing event and clears
	// published_at, fenced like InsertEvent.
	Renotify(ctx context.Context, key model.EventKey, fence *model.Fence) (model.SLAEvent, error)
	CountUnpublished(ctx context.Context) (int, error)
}

// EscalationStates keeps the denormalised escalation level per (task, sla_type).
type EscalationStates interface {
	// SetEscalation upserts rec; the stored level never decreases.
	SetEscalation(ctx context.Context, rec model.EscalationRecord) error
	// GetEscalation returns the record, or a NONE record at level 0.
	GetEscalation(ctx context.Context, taskID string, slaType model.SLAType) (model.EscalationRecord, error)
}

// TaskSnapshots mirrors the task fields received through lifecycle callbacks.
type TaskSnapshots interface {
	SaveTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
}

// Store is the full persistence surface.
type Store interface {
	TimerStore
	EventLedger
	EscalationStates
	TaskSnapshots
	Close() error
}

// FenceCurrent reports whether row still satisfies fence.
func FenceCurrent(row *model.Timer, fence *model.Fence) bool {
	if row == nil || fence == nil {
		return false
	}
	if row.Generation != fence.Generation || row.State != model.TimerStatePending {
		return false
	}
	if fence.Owner != "" {
		return row.LeaseOwner != nil && *row.LeaseOwner == fence.Owner
	}
	return true
}

// LeaseFree reports whether row can be claimed at now.
func LeaseFree(row *model.Timer, now time.Time) bool {
	return row.LeaseOwner == nil || row.LeaseExpiresAt == nil || !row.LeaseExpiresAt.After(now)
}

var eventTypeRank = map[model.EventType]int{
	model.EventStartWarning:   0,
	model.EventResolveWarning: 0,
	model.EventStartBreach:    1,
	model.EventResolveBreach:  1,
	model.EventEscalation:     2,
}

// SortEvents orders events by trigger time, then by their position in the
// warning → breach → escalation sequence.
func SortEvents(evs []model.SLAEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.TriggeredAt.Equal(b.TriggeredAt) {
			return a.TriggeredAt.Before(b.TriggeredAt)
		}
		if eventTypeRank[a.EventType] != eventTypeRank[b.EventType] {
			return eventTypeRank[a.EventType] < eventTypeRank[b.EventType]
		}
		if a.EscalationLevel != b.EscalationLevel {
			return a.EscalationLevel < b.EscalationLevel
		}
		return a.ID < b.ID
	})
}
