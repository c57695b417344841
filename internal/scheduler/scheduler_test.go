package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/store/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Store, *clock.Manual) {
	st := memory.New()
	clk := clock.NewManual(t0)
	cfg := model.DefaultConfig()
	return New(st, config.NewPolicies(cfg.Policy()), clk, zaptest.NewLogger(t)), st, clk
}

func incident(id string) model.Task {
	return model.Task{
		ID:                id,
		Type:              model.TaskTypeIncident,
		Priority:          "P1",
		Status:            model.TaskStatusCreated,
		StartSLAMinutes:   15,
		ResolveSLAMinutes: 120,
		CreatedAt:         t0,
	}
}

func claimAll(t *testing.T, st store.TimerStore, now time.Time) []model.Timer {
	t.Helper()
	got, err := st.ClaimDue(context.Background(), store.ClaimRequest{Owner: "w1", Now: now, LeaseTTL: time.Minute, Limit: 100})
	require.NoError(t, err)
	return got
}

func TestOnTaskCreated_SchedulesWarningChecks(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	timers, err := st.ListTimers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, timers, 2)

	start := timers[0]
	assert.Equal(t, model.PurposeStartCheck, start.Purpose)
	assert.Equal(t, model.SLATypeStart, start.SLAType)
	assert.True(t, start.FireAt.Equal(t0.Add(11*time.Minute+15*time.Second)), "fire_at %v", start.FireAt)
	assert.True(t, start.Deadline.Equal(t0.Add(15*time.Minute)))
	assert.Equal(t, int64(0), start.Generation)

	resolve := timers[1]
	assert.Equal(t, model.PurposeResolveCheck, resolve.Purpose)
	assert.True(t, resolve.FireAt.Equal(t0.Add(90*time.Minute)))
	assert.True(t, resolve.Deadline.Equal(t0.Add(120*time.Minute)))

	select {
	case <-s.Wake():
	default:
		t.Error("scheduler should wake the dispatcher")
	}
}

func TestOnTaskCreated_Idempotent(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	timers, err := st.ListTimers(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, timers, 2)
}

func TestOnTaskCreated_AlreadyStartedSkipsStartCheck(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	task := incident("t1")
	task.Status = model.TaskStatusInProgress
	require.NoError(t, s.OnTaskCreated(ctx, task))

	timers, err := st.ListTimers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, model.PurposeResolveCheck, timers[0].Purpose)
}

func TestOnTaskCreated_TerminalSchedulesNothing(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	task := incident("t1")
	task.Status = model.TaskStatusCancelled
	require.NoError(t, s.OnTaskCreated(ctx, task))

	timers, err := st.ListTimers(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestOnTaskCreated_RejectsMissingSLA(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	task := incident("t1")
	task.StartSLAMinutes = 0
	err := s.OnTaskCreated(context.Background(), task)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestOnTaskStarted_CancelsStartCheckOnly(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	require.NoError(t, s.OnTaskStarted(ctx, "t1"))

	start, err := st.Current(ctx, model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateCancelled, start.State)
	assert.Equal(t, int64(1), start.Generation)

	resolve, err := st.Current(ctx, model.TimerKey{TaskID: "t1", Purpose: model.PurposeResolveCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStatePending, resolve.State)
}

func TestOnTaskStarted_BeforeCreatedLeavesTombstone(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	// Callbacks arrive out of order: started, then a late created.
	require.NoError(t, s.OnTaskStarted(ctx, "t1"))
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	start, err := st.Current(ctx, model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateCancelled, start.State, "late created must not resurrect START_CHECK")
}

func TestOnTaskCompleted_CancelsEverything(t *testing.T) {
	s, st, clk := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	clk.Advance(12 * time.Minute)
	due := claimAll(t, st, clk.Now())
	require.Len(t, due, 1)

	require.NoError(t, s.OnTaskCompleted(ctx, "t1"))

	current, err := s.IsCurrent(ctx, due[0])
	require.NoError(t, err)
	assert.False(t, current, "already claimed fire must become stale")

	timers, err := st.ListTimers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, timers, 3)
	for _, tm := range timers {
		assert.Equal(t, model.TimerStateCancelled, tm.State)
	}
	_, ok, err := st.NextFireAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnEscalationNeeded_Backoff(t *testing.T) {
	tests := []struct {
		name      string
		level     int
		wantLevel int
		wantDelay time.Duration
	}{
		{"from breach", 0, 1, 5 * time.Minute},
		{"level one", 1, 2, 15 * time.Minute},
		{"level two", 2, 3, 30 * time.Minute},
		{"at max", 3, 3, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st, clk := newTestScheduler(t)
			ctx := context.Background()
			require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))
			clk.Advance(15 * time.Minute)
			fired := claimAll(t, st, clk.Now())[0]

			row, err := s.OnEscalationNeeded(ctx, "t1", model.SLATypeStart, tt.level, fired.Deadline, fired.Fence())
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, row.EscalationLevel)
			assert.True(t, row.FireAt.Equal(clk.Now().Add(tt.wantDelay)), "fire_at %v", row.FireAt)
			assert.Equal(t, model.SLATypeStart, row.SLAType)

			start, err := st.Current(ctx, fired.Key())
			require.NoError(t, err)
			assert.Equal(t, model.TimerStateDone, start.State)
		})
	}
}

func TestRearm(t *testing.T) {
	s, st, clk := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))
	clk.Advance(12 * time.Minute)
	fired := claimAll(t, st, clk.Now())[0]

	row, err := s.Rearm(ctx, fired, fired.Deadline)
	require.NoError(t, err)
	assert.Equal(t, fired.Generation+1, row.Generation)
	assert.True(t, row.FireAt.Equal(t0.Add(15*time.Minute)))

	_, err = s.Rearm(ctx, fired, fired.Deadline)
	assert.ErrorIs(t, err, model.ErrStaleTimerFire)
}

func TestFinishIgnoresStaleFence(t *testing.T) {
	s, st, clk := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))
	clk.Advance(12 * time.Minute)
	fired := claimAll(t, st, clk.Now())[0]

	require.NoError(t, s.OnTaskStarted(ctx, "t1"))
	assert.NoError(t, s.Finish(ctx, fired))

	cur, err := st.Current(ctx, fired.Key())
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateCancelled, cur.State)
}

func TestRequeue(t *testing.T) {
	s, st, clk := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))
	clk.Advance(12 * time.Minute)
	fired := claimAll(t, st, clk.Now())[0]
	require.NoError(t, st.Release(ctx, store.ReleaseRequest{Fence: fired.Fence(), DeadLetter: true, Now: clk.Now()}))

	require.NoError(t, s.Requeue(ctx, fired.Key()))
	again := claimAll(t, st, clk.Now())
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Attempts)

	assert.Error(t, s.Requeue(ctx, fired.Key()))
}

func TestLiveEscalation(t *testing.T) {
	s, st, clk := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.OnTaskCreated(ctx, incident("t1")))

	_, ok, err := s.LiveEscalation(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(15 * time.Minute)
	fired := claimAll(t, st, clk.Now())[0]
	_, err = s.OnEscalationNeeded(ctx, "t1", model.SLATypeStart, 0, fired.Deadline, fired.Fence())
	require.NoError(t, err)

	live, ok, err := s.LiveEscalation(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SLATypeStart, live.SLAType)
	assert.Equal(t, 1, live.EscalationLevel)

	require.NoError(t, s.OnTaskCompleted(ctx, "t1"))
	_, ok, err = s.LiveEscalation(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}
