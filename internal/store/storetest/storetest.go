// Package storetest is a contract suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertTimersIsIdempotent", testInsertTimersIdempotent},
		{"ClaimDueLeasesInFireOrder", testClaimDue},
		{"ClaimDueSkipsLiveLeases", testClaimSkipsLiveLease},
		{"ConcurrentClaimsNeverOverlap", func(t *testing.T, s store.Store) { ConcurrentClaims(t, s, s) }},
		{"TransitionRearmsSameKey", testTransitionRearm},
		{"TransitionToOtherKey", testTransitionOtherKey},
		{"TransitionRejectsStaleFence", testTransitionStale},
		{"TransitionNeverResurrectsCancelled", testTransitionCancelled},
		{"CancelLeavesTombstones", testCancelTombstones},
		{"ReleaseRetriesThenDeadLetters", testRelease},
		{"DeadLetterExhaustedLeases", testDeadLetterExhausted},
		{"RequeueDeadLetter", testRequeue},
		{"NextFireAt", testNextFireAt},
		{"InsertEventDeduplicates", testInsertEventDedup},
		{"InsertEventFenced", testInsertEventFenced},
		{"OutboxPublishAndRenotify", testOutbox},
		{"EscalationLevelNeverDecreases", testEscalationState},
		{"TaskSnapshots", testTaskSnapshots},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func pendingTimer(taskID string, p model.TimerPurpose, fireAt time.Time) model.Timer {
	sla, _ := p.SLAType()
	return model.Timer{
		TaskID:    taskID,
		Purpose:   p,
		SLAType:   sla,
		FireAt:    fireAt,
		Deadline:  fireAt.Add(time.Hour),
		State:     model.TimerStatePending,
		UpdatedAt: base,
	}
}

func claimOne(t *testing.T, s store.Store, owner string, now time.Time) model.Timer {
	t.Helper()
	got, err := s.ClaimDue(context.Background(), store.ClaimRequest{
		Owner: owner, Now: now, LeaseTTL: time.Minute, Limit: 1, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

// ConcurrentClaims seeds timers through seed and has workers race ClaimDue
// against the given handles, which may share one database. Every timer must
// be leased exactly once and no claim may fail.
func ConcurrentClaims(t *testing.T, seed store.Store, handles ...store.Store) {
	t.Helper()
	ctx := context.Background()
	const (
		timers  = 200
		workers = 8
	)
	batch := make([]model.Timer, 0, timers)
	for i := 0; i < timers; i++ {
		batch = append(batch, pendingTimer(fmt.Sprintf("t%03d", i), model.PurposeStartCheck, base.Add(time.Duration(i)*time.Second)))
	}
	n, err := seed.InsertTimers(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, timers, n)

	now := base.Add(time.Hour)
	seen := make(map[model.TimerKey]string)
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		dupes []model.TimerKey
		errs  []error
	)
	for w := 0; w < workers; w++ {
		h := handles[w%len(handles)]
		owner := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := h.ClaimDue(ctx, store.ClaimRequest{Owner: owner, Now: now, LeaseTTL: time.Hour, Limit: 7})
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				for _, tm := range got {
					if prev, ok := seen[tm.Key()]; ok {
						dupes = append(dupes, tm.Key())
						t.Logf("%s claimed by %s and %s", tm.Key(), prev, owner)
						continue
					}
					seen[tm.Key()] = owner
				}
				mu.Unlock()
				if len(got) == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Empty(t, dupes)
	assert.Len(t, seen, timers)
}

func testInsertTimersIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	timers := []model.Timer{
		pendingTimer("t1", model.PurposeStartCheck, base),
		pendingTimer("t1", model.PurposeResolveCheck, base.Add(time.Hour)),
	}
	n, err := s.InsertTimers(ctx, timers)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertTimers(ctx, timers)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	list, err := s.ListTimers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.PurposeStartCheck, list[0].Purpose)
	assert.Equal(t, model.PurposeResolveCheck, list[1].Purpose)
	assert.NotEmpty(t, list[0].ID)
	assert.True(t, list[0].FireAt.Equal(base))
}

func testClaimDue(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{
		pendingTimer("late", model.PurposeStartCheck, base.Add(2*time.Minute)),
		pendingTimer("early", model.PurposeStartCheck, base.Add(time.Minute)),
		pendingTimer("future", model.PurposeStartCheck, base.Add(time.Hour)),
	})
	require.NoError(t, err)

	now := base.Add(5 * time.Minute)
	got, err := s.ClaimDue(ctx, store.ClaimRequest{Owner: "w1", Now: now, LeaseTTL: time.Minute, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].TaskID)
	assert.Equal(t, "late", got[1].TaskID)
	for _, tm := range got {
		require.NotNil(t, tm.LeaseOwner)
		assert.Equal(t, "w1", *tm.LeaseOwner)
		assert.Equal(t, 1, tm.Attempts)
		require.NotNil(t, tm.LeaseExpiresAt)
		assert.True(t, tm.LeaseExpiresAt.Equal(now.Add(time.Minute)))
	}
}

func testClaimSkipsLiveLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)

	claimOne(t, s, "w1", base)

	got, err := s.ClaimDue(ctx, store.ClaimRequest{Owner: "w2", Now: base.Add(30 * time.Second), LeaseTTL: time.Minute, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Empty(t, got, "live lease must not be stolen")

	// After expiry another worker takes over and the attempt count grows.
	stolen := claimOne(t, s, "w2", base.Add(2*time.Minute))
	assert.Equal(t, "w2", *stolen.LeaseOwner)
	assert.Equal(t, 2, stolen.Attempts)
}

func testTransitionRearm(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeEscalationCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	next := claimed
	next.FireAt = base.Add(15 * time.Minute)
	next.EscalationLevel = 2
	row, err := s.Transition(ctx, claimed.Fence(), next, base)
	require.NoError(t, err)
	assert.Equal(t, claimed.Generation+1, row.Generation)

	cur, err := s.Current(ctx, claimed.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, cur.State)
	assert.Equal(t, 2, cur.EscalationLevel)
	assert.Equal(t, 0, cur.Attempts)
	assert.Nil(t, cur.LeaseOwner)
	assert.True(t, cur.FireAt.Equal(base.Add(15*time.Minute)))

	// The old fence is now stale.
	_, err = s.Transition(ctx, claimed.Fence(), next, base)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)
}

func testTransitionOtherKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	esc := model.Timer{
		TaskID: "t1", Purpose: model.PurposeEscalationCheck, SLAType: model.SLATypeStart,
		FireAt: base.Add(5 * time.Minute), Deadline: base, EscalationLevel: 1,
	}
	row, err := s.Transition(ctx, claimed.Fence(), esc, base)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.Generation)

	start, err := s.Current(ctx, claimed.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateDone, start.State)

	cur, err := s.Current(ctx, esc.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, cur.State)
	assert.Equal(t, model.SLATypeStart, cur.SLAType)
}

func testTransitionStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	wrongOwner := claimed.Fence()
	wrongOwner.Owner = "w2"
	_, err = s.Transition(ctx, wrongOwner, claimed, base)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)

	err = s.Complete(ctx, wrongOwner, base)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)

	require.NoError(t, s.Complete(ctx, claimed.Fence(), base))
	err = s.Complete(ctx, claimed.Fence(), base)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire, "completed timer cannot complete twice")
}

func testTransitionCancelled(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	require.NoError(t, s.Cancel(ctx, "t1", []model.TimerPurpose{model.PurposeEscalationCheck}, base))

	esc := model.Timer{TaskID: "t1", Purpose: model.PurposeEscalationCheck, SLAType: model.SLATypeStart, FireAt: base}
	_, err = s.Transition(ctx, claimed.Fence(), esc, base)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)

	cur, err := s.Current(ctx, esc.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateCancelled, cur.State)
}

func testCancelTombstones(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	require.NoError(t, s.Cancel(ctx, "t1", model.AllPurposes, base))

	list, err := s.ListTimers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, tm := range list {
		assert.Equal(t, model.TimerStateCancelled, tm.State, tm.Purpose)
		assert.Nil(t, tm.LeaseOwner)
	}
	assert.Equal(t, claimed.Generation+1, list[0].Generation)

	// A late insert does not resurrect the cancelled lineage.
	n, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeResolveCheck, base)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, _, err = s.InsertEvent(ctx, model.SLAEvent{
		TaskID: "t1", EventType: model.EventStartWarning, SLAType: model.SLATypeStart, TriggeredAt: base,
	}, claimed.Fence())
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)

	next, ok, err := s.NextFireAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "got next fire %v", next)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	retryAt := base.Add(time.Second)
	require.NoError(t, s.Release(ctx, store.ReleaseRequest{
		Fence: claimed.Fence(), RetryAt: retryAt, LastError: "lookup timeout", Now: base,
	}))
	cur, err := s.Current(ctx, claimed.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, cur.State)
	assert.Nil(t, cur.LeaseOwner)
	assert.Equal(t, "lookup timeout", cur.LastError)
	assert.True(t, cur.FireAt.Equal(retryAt))

	again := claimOne(t, s, "w1", retryAt)
	assert.Equal(t, 2, again.Attempts)
	require.NoError(t, s.Release(ctx, store.ReleaseRequest{
		Fence: again.Fence(), LastError: "lookup timeout", DeadLetter: true, Now: retryAt,
	}))
	cur, err = s.Current(ctx, claimed.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateDeadLetter, cur.State)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.TimerStateDeadLetter])
}

func testDeadLetterExhausted(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)

	now := base
	for i := 1; i <= 3; i++ {
		c := claimOne(t, s, "crashing", now)
		assert.Equal(t, i, c.Attempts)
		now = now.Add(2 * time.Minute)
	}

	got, err := s.ClaimDue(ctx, store.ClaimRequest{Owner: "w1", Now: now, LeaseTTL: time.Minute, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Empty(t, got, "exhausted rows are not claimed")

	dead, err := s.DeadLetterExhausted(ctx, 3, now)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.TimerStateDeadLetter, dead[0].State)
	assert.NotEmpty(t, dead[0].LastError)
}

func testRequeue(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck}

	err := s.Requeue(ctx, key, base, base)
	assert.ErrorIs(t, err, model.ErrTimerNotFound)

	_, err = s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	assert.Error(t, s.Requeue(ctx, key, base, base), "pending timers cannot be requeued")

	claimed := claimOne(t, s, "w1", base)
	require.NoError(t, s.Release(ctx, store.ReleaseRequest{Fence: claimed.Fence(), DeadLetter: true, Now: base}))
	require.NoError(t, s.Requeue(ctx, key, base.Add(time.Minute), base))

	cur, err := s.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, cur.State)
	assert.Equal(t, 0, cur.Attempts)
	assert.True(t, cur.FireAt.Equal(base.Add(time.Minute)))
}

func testNextFireAt(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, ok, err := s.NextFireAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.InsertTimers(ctx, []model.Timer{
		pendingTimer("t1", model.PurposeStartCheck, base.Add(10*time.Minute)),
		pendingTimer("t2", model.PurposeStartCheck, base.Add(3*time.Minute)),
	})
	require.NoError(t, err)

	next, ok, err := s.NextFireAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(base.Add(3*time.Minute)))

	// A leased row is not due again until its lease expires.
	claimOne(t, s, "w1", base.Add(3*time.Minute))
	next, ok, err = s.NextFireAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(base.Add(4*time.Minute)), "got %v", next)
}

func warning(taskID string) model.SLAEvent {
	actual := base.Add(2 * time.Minute)
	return model.SLAEvent{
		TaskID:           taskID,
		EventType:        model.EventStartWarning,
		Severity:         model.SeverityWarning,
		SLAType:          model.SLATypeStart,
		ExpectedDeadline: base.Add(15 * time.Minute),
		ActualTime:       &actual,
		TriggeredAt:      base.Add(11 * time.Minute),
	}
}

func testInsertEventDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, inserted, err := s.InsertEvent(ctx, warning("t1"), nil)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.NotifyCount)

	dup := warning("t1")
	dup.TriggeredAt = base.Add(12 * time.Minute)
	second, inserted, err := s.InsertEvent(ctx, dup, nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.TriggeredAt.Equal(first.TriggeredAt))

	got, err := s.GetEvent(ctx, first.Key())
	require.NoError(t, err)
	require.NotNil(t, got.ActualTime)
	assert.True(t, got.ActualTime.Equal(base.Add(2*time.Minute)))

	_, err = s.GetEvent(ctx, model.EventKey{TaskID: "nope"})
	assert.True(t, errors.Is(err, store.ErrEventNotFound))

	breach := warning("t1")
	breach.EventType = model.EventStartBreach
	breach.TriggeredAt = base.Add(11 * time.Minute)
	_, _, err = s.InsertEvent(ctx, breach, nil)
	require.NoError(t, err)

	evs, err := s.ListEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventStartWarning, evs[0].EventType)
	assert.Equal(t, model.EventStartBreach, evs[1].EventType)
}

func testInsertEventFenced(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.InsertTimers(ctx, []model.Timer{pendingTimer("t1", model.PurposeStartCheck, base)})
	require.NoError(t, err)
	claimed := claimOne(t, s, "w1", base)

	_, inserted, err := s.InsertEvent(ctx, warning("t1"), claimed.Fence())
	require.NoError(t, err)
	assert.True(t, inserted)

	stale := claimed.Fence()
	stale.Generation--
	breach := warning("t1")
	breach.EventType = model.EventStartBreach
	_, _, err = s.InsertEvent(ctx, breach, stale)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)

	_, err = s.GetEvent(ctx, breach.Key())
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	ev, _, err := s.InsertEvent(ctx, warning("t1"), nil)
	require.NoError(t, err)

	n, err := s.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ID, pending[0].ID)

	require.NoError(t, s.MarkPublished(ctx, ev.ID, base.Add(12*time.Minute)))
	pending, err = s.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, s.MarkPublished(ctx, "evt_missing", base), store.ErrEventNotFound)

	renotified, err := s.Renotify(ctx, ev.Key(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, renotified.NotifyCount)
	assert.Nil(t, renotified.PublishedAt)

	n, err = s.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Renotify(ctx, model.EventKey{TaskID: "missing"}, nil)
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

func testEscalationState(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.GetEscalation(ctx, "t1", model.SLATypeStart)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStateNone, rec.State)
	assert.Equal(t, 0, rec.Level)

	require.NoError(t, s.SetEscalation(ctx, model.EscalationRecord{
		TaskID: "t1", SLAType: model.SLATypeStart, State: model.EscalationStateBreached, Level: 2, UpdatedAt: base,
	}))
	require.NoError(t, s.SetEscalation(ctx, model.EscalationRecord{
		TaskID: "t1", SLAType: model.SLATypeStart, State: model.EscalationStateBreached, Level: 1, UpdatedAt: base,
	}))
	rec, err = s.GetEscalation(ctx, "t1", model.SLATypeStart)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStateBreached, rec.State)
	assert.Equal(t, 2, rec.Level)

	other, err := s.GetEscalation(ctx, "t1", model.SLATypeResolve)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStateNone, other.State)
}

func testTaskSnapshots(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)

	started := base.Add(5 * time.Minute)
	task := model.Task{
		ID: "t1", Type: model.TaskTypeIncident, Priority: "P1", Status: model.TaskStatusInProgress,
		StartSLAMinutes: 15, ResolveSLAMinutes: 240, CreatedAt: base, StartedAt: &started, UpdatedAt: started,
	}
	require.NoError(t, s.SaveTask(ctx, task))

	task.Assignee = "alice"
	require.NoError(t, s.SaveTask(ctx, task))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Assignee)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}
