// Package deadline computes SLA deadlines and warning thresholds for a task.
// Everything here is pure: identical inputs always yield identical instants.
package deadline

import (
	"time"

	"github.com/msageha/slawarden/internal/model"
)

// Deadlines holds the four instants derived from a task's SLA minutes.
type Deadlines struct {
	StartWarningAt   time.Time
	StartDeadline    time.Time
	ResolveWarningAt time.Time
	ResolveDeadline  time.Time
}

// Calculate derives deadlines from the creation time. thresholdPct outside
// (0, 100] falls back to the default 75%.
func Calculate(createdAt time.Time, startMinutes, resolveMinutes, thresholdPct float64) Deadlines {
	if thresholdPct <= 0 || thresholdPct > 100 {
		thresholdPct = model.DefaultWarningThresholdPct
	}
	frac := thresholdPct / 100
	return Deadlines{
		StartWarningAt:   createdAt.Add(minutes(startMinutes * frac)),
		StartDeadline:    createdAt.Add(minutes(startMinutes)),
		ResolveWarningAt: createdAt.Add(minutes(resolveMinutes * frac)),
		ResolveDeadline:  createdAt.Add(minutes(resolveMinutes)),
	}
}

// ForTask is Calculate over a task snapshot.
func ForTask(t *model.Task, thresholdPct float64) Deadlines {
	return Calculate(t.CreatedAt, t.StartSLAMinutes, t.ResolveSLAMinutes, thresholdPct)
}

// For returns the (warning, deadline) pair guarded by slaType.
func (d Deadlines) For(slaType model.SLAType) (warningAt, deadline time.Time) {
	if slaType == model.SLATypeStart {
		return d.StartWarningAt, d.StartDeadline
	}
	return d.ResolveWarningAt, d.ResolveDeadline
}

// minutes converts fractional minutes at millisecond precision.
func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute)).Round(time.Millisecond)
}
