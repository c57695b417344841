package detector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/escalation"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/scheduler"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/store/memory"
	"github.com/msageha/slawarden/internal/taskstatus"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	st     *memory.Store
	clk    *clock.Manual
	sched  *scheduler.Scheduler
	det    *Detector
	eng    *escalation.Engine
	reader taskstatus.Reader
}

type flakyReader struct {
	inner taskstatus.Reader
	err   error
}

func (f *flakyReader) GetTaskStatus(ctx context.Context, id string) (model.TaskStatusView, error) {
	if f.err != nil {
		return model.TaskStatusView{}, f.err
	}
	return f.inner.GetTaskStatus(ctx, id)
}

func newHarness(t *testing.T) (*harness, *flakyReader) {
	st := memory.New()
	clk := clock.NewManual(t0)
	logger := zaptest.NewLogger(t)
	cfg := model.DefaultConfig()
	policy := config.NewPolicies(cfg.Policy())
	reader := &flakyReader{inner: taskstatus.NewLocal(st)}

	sched := scheduler.New(st, policy, clk, logger)
	emitter := events.NewEmitter(st, clk, events.EmitterConfig{}, logger)
	eng := escalation.New(st, reader, emitter, sched, policy, clk, logger)
	det := New(st, reader, emitter, sched, eng, clk, logger)
	return &harness{t: t, st: st, clk: clk, sched: sched, det: det, eng: eng, reader: reader}, reader
}

func (h *harness) create(task model.Task) {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.st.SaveTask(ctx, task))
	require.NoError(h.t, h.sched.OnTaskCreated(ctx, task))
}

func (h *harness) setStatus(id string, status model.TaskStatus) {
	h.t.Helper()
	ctx := context.Background()
	task, err := h.st.GetTask(ctx, id)
	require.NoError(h.t, err)
	now := h.clk.Now()
	task.Status = status
	switch status {
	case model.TaskStatusInProgress:
		task.StartedAt = &now
		require.NoError(h.t, h.sched.OnTaskStarted(ctx, id))
	case model.TaskStatusCompleted:
		task.CompletedAt = &now
		require.NoError(h.t, h.sched.OnTaskCompleted(ctx, id))
	case model.TaskStatusCancelled:
		require.NoError(h.t, h.sched.OnTaskCancelled(ctx, id))
	}
	require.NoError(h.t, h.st.SaveTask(ctx, task))
}

func (h *harness) claim() []model.Timer {
	h.t.Helper()
	got, err := h.st.ClaimDue(context.Background(), store.ClaimRequest{
		Owner: "worker", Now: h.clk.Now(), LeaseTTL: time.Minute, Limit: 100,
	})
	require.NoError(h.t, err)
	return got
}

func (h *harness) handle(tm model.Timer) error {
	if tm.Purpose == model.PurposeEscalationCheck {
		return h.eng.HandleFire(context.Background(), tm)
	}
	return h.det.HandleFire(context.Background(), tm)
}

// at moves the clock to t0+offset and processes every due timer.
func (h *harness) at(offset time.Duration) {
	h.t.Helper()
	h.clk.Set(t0.Add(offset))
	for _, tm := range h.claim() {
		require.NoError(h.t, h.handle(tm))
	}
}

func (h *harness) events(taskID string) []model.SLAEvent {
	h.t.Helper()
	evs, err := h.st.ListEvents(context.Background(), taskID)
	require.NoError(h.t, err)
	return evs
}

func eventTypes(evs []model.SLAEvent) []model.EventType {
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventType
	}
	return out
}

func incident(id string) model.Task {
	return model.Task{
		ID:                id,
		Type:              model.TaskTypeIncident,
		Priority:          "P1",
		Status:            model.TaskStatusAssigned,
		Assignee:          "alice",
		StartSLAMinutes:   15,
		ResolveSLAMinutes: 120,
		CreatedAt:         t0,
	}
}

func TestStartSLA_WarningBreachEscalation(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	h.at(11*time.Minute + 14*time.Second)
	assert.Empty(t, h.events("t1"))

	h.at(11*time.Minute + 15*time.Second)
	evs := h.events("t1")
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventStartWarning, evs[0].EventType)
	assert.Equal(t, model.SeverityWarning, evs[0].Severity)
	assert.True(t, evs[0].ExpectedDeadline.Equal(t0.Add(15*time.Minute)))

	rec, err := h.st.GetEscalation(context.Background(), "t1", model.SLATypeStart)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStateWarned, rec.State)

	h.at(15 * time.Minute)
	evs = h.events("t1")
	require.Len(t, evs, 2)
	breach := evs[1]
	assert.Equal(t, model.EventStartBreach, breach.EventType)
	assert.Equal(t, model.SeverityCritical, breach.Severity)
	assert.Equal(t, 0, breach.EscalationLevel)
	assert.Equal(t, "alice", breach.Recipient, "assignee placeholder resolves to the current assignee")

	esc, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeEscalationCheck})
	require.NoError(t, err)
	assert.True(t, esc.FireAt.Equal(t0.Add(20*time.Minute)))
	assert.Equal(t, 1, esc.EscalationLevel)

	h.at(20 * time.Minute)
	evs = h.events("t1")
	require.Len(t, evs, 3)
	assert.Equal(t, model.EventEscalation, evs[2].EventType)
	assert.Equal(t, 1, evs[2].EscalationLevel)
	assert.Equal(t, "team-lead", evs[2].Recipient)

	rec, err = h.st.GetEscalation(context.Background(), "t1", model.SLATypeStart)
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStateBreached, rec.State)
	assert.Equal(t, 1, rec.Level)
}

func TestEscalation_HaltsAtMaxAndRenotifies(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("t1")
	task.ResolveSLAMinutes = 600
	h.create(task)

	h.at(11*time.Minute + 15*time.Second)
	h.at(15 * time.Minute)
	h.at(20 * time.Minute) // level 1, next in 15m
	h.at(35 * time.Minute) // level 2, next in 30m
	h.at(65 * time.Minute) // level 3 = max, next at ceiling
	h.at(95 * time.Minute) // re-notify level 3
	h.at(125 * time.Minute)

	var levels []int
	var top model.SLAEvent
	for _, ev := range h.events("t1") {
		if ev.EventType == model.EventEscalation {
			levels = append(levels, ev.EscalationLevel)
			top = ev
		}
	}
	assert.Equal(t, []int{1, 2, 3}, levels, "one escalation per level, never past max")
	assert.Equal(t, "director", top.Recipient)
	assert.Equal(t, 3, top.NotifyCount)

	esc, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeEscalationCheck})
	require.NoError(t, err)
	assert.Equal(t, 3, esc.EscalationLevel)
	assert.True(t, esc.FireAt.Equal(t0.Add(155*time.Minute)))
}

func TestStartedBeforeWarning_NoStartEvents(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	h.at(5 * time.Minute)
	h.setStatus("t1", model.TaskStatusInProgress)

	h.at(11*time.Minute + 15*time.Second)
	h.at(16 * time.Minute)
	assert.Empty(t, h.events("t1"))
}

func TestMilestoneMetAtFireTimeRetiresCheck(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	// The snapshot says started but the started callback never reached the scheduler.
	task, err := h.st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	started := t0.Add(time.Minute)
	task.Status = model.TaskStatusInProgress
	task.StartedAt = &started
	require.NoError(t, h.st.SaveTask(context.Background(), task))

	h.at(12 * time.Minute)
	assert.Empty(t, h.events("t1"))

	cur, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateDone, cur.State)
}

func TestResolveCompletedBeforeWarning_NoEvents(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("t1")
	task.Status = model.TaskStatusInProgress
	started := t0
	task.StartedAt = &started
	h.create(task)

	h.at(89*time.Minute + 59*time.Second)
	h.setStatus("t1", model.TaskStatusCompleted)
	h.at(90 * time.Minute)
	h.at(121 * time.Minute)

	assert.Empty(t, h.events("t1"))
}

func TestCompletionRaceWithClaimedFire(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("t1")
	task.Status = model.TaskStatusInProgress
	started := t0
	task.StartedAt = &started
	h.create(task)

	h.clk.Set(t0.Add(90 * time.Minute))
	claimed := h.claim()
	require.Len(t, claimed, 1)

	// Completion lands between the claim and the handler.
	h.setStatus("t1", model.TaskStatusCompleted)
	require.NoError(t, h.handle(claimed[0]))

	assert.Empty(t, h.events("t1"))
}

func TestCancelledTaskWithDueTimers_ZeroEvents(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	h.clk.Set(t0.Add(200 * time.Minute))
	claimed := h.claim()
	require.Len(t, claimed, 2)

	h.setStatus("t1", model.TaskStatusCancelled)
	for _, tm := range claimed {
		require.NoError(t, h.handle(tm))
	}
	h.at(300 * time.Minute)

	assert.Empty(t, h.events("t1"))
}

func TestMissedWarning_RecoveryEmitsWarningThenBreach(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	// The daemon was down across both the warning instant and the deadline.
	h.at(16 * time.Minute)

	assert.Equal(t, []model.EventType{model.EventStartWarning, model.EventStartBreach}, eventTypes(h.events("t1")))
}

func TestRedeliveredFireIsDeduplicated(t *testing.T) {
	h, _ := newHarness(t)
	h.create(incident("t1"))

	h.clk.Set(t0.Add(12 * time.Minute))
	claimed := h.claim()
	require.Len(t, claimed, 1)

	require.NoError(t, h.handle(claimed[0]))
	require.NoError(t, h.handle(claimed[0]))

	evs := h.events("t1")
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].NotifyCount)
}

func TestTransientLookupIsReturnedForRetry(t *testing.T) {
	h, reader := newHarness(t)
	h.create(incident("t1"))

	h.clk.Set(t0.Add(12 * time.Minute))
	claimed := h.claim()
	require.Len(t, claimed, 1)

	reader.err = fmt.Errorf("task service unavailable: %w", model.ErrTransientLookup)
	err := h.handle(claimed[0])
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
	assert.Empty(t, h.events("t1"))
}

func TestUnknownTaskRetiresCheck(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("ghost")
	require.NoError(t, h.sched.OnTaskCreated(context.Background(), task))

	h.at(12 * time.Minute)
	assert.Empty(t, h.events("ghost"))
	cur, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "ghost", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateDone, cur.State)
}

func TestResolveBreachSupersedesStartEscalation(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("t1")
	task.ResolveSLAMinutes = 30
	h.create(task)

	h.at(15 * time.Minute) // START warning + breach, escalation check at 20m
	h.at(20 * time.Minute) // START escalation level 1, next at 35m
	h.at(30 * time.Minute) // RESOLVE warning + breach takes over the escalation lineage

	esc, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeEscalationCheck})
	require.NoError(t, err)
	assert.Equal(t, model.SLATypeResolve, esc.SLAType)
	assert.Equal(t, 1, esc.EscalationLevel)
	assert.True(t, esc.FireAt.Equal(t0.Add(35*time.Minute)))

	h.at(35 * time.Minute)
	var resolveLevels []int
	for _, ev := range h.events("t1") {
		if ev.EventType == model.EventEscalation && ev.SLAType == model.SLATypeResolve {
			resolveLevels = append(resolveLevels, ev.EscalationLevel)
		}
	}
	assert.Equal(t, []int{1}, resolveLevels)
}

func TestStartBreachKeepsLiveResolveEscalation(t *testing.T) {
	h, _ := newHarness(t)
	task := incident("t1")
	task.StartSLAMinutes = 60
	task.ResolveSLAMinutes = 20
	h.create(task)

	// RESOLVE breaches at 20m and escalates at 25m, 40m and 70m; START
	// breaches at 60m while that chain is running.
	for m := 1; m <= 110; m++ {
		h.at(time.Duration(m) * time.Minute)
		if m == 61 {
			h.setStatus("t1", model.TaskStatusInProgress)
		}
	}

	evs := h.events("t1")
	assert.Contains(t, eventTypes(evs), model.EventStartBreach)
	var resolveLevels []int
	var top model.SLAEvent
	for _, ev := range evs {
		if ev.EventType != model.EventEscalation {
			continue
		}
		assert.Equal(t, model.SLATypeResolve, ev.SLAType)
		resolveLevels = append(resolveLevels, ev.EscalationLevel)
		if ev.EscalationLevel == 3 {
			top = ev
		}
	}
	assert.Equal(t, []int{1, 2, 3}, resolveLevels)
	assert.Equal(t, 2, top.NotifyCount, "ceiling re-notify at 100m")

	esc, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeEscalationCheck})
	require.NoError(t, err)
	assert.Equal(t, model.SLATypeResolve, esc.SLAType)
	assert.Equal(t, model.TimerStatePending, esc.State)
	assert.Equal(t, 3, esc.EscalationLevel)
	assert.True(t, esc.FireAt.Equal(t0.Add(130*time.Minute)))

	start, err := h.st.Current(context.Background(), model.TimerKey{TaskID: "t1", Purpose: model.PurposeStartCheck})
	require.NoError(t, err)
	assert.Equal(t, model.TimerStateCancelled, start.State)
}

func TestHandleFireRejectsEscalationTimers(t *testing.T) {
	h, _ := newHarness(t)
	err := h.det.HandleFire(context.Background(), model.Timer{TaskID: "t1", Purpose: model.PurposeEscalationCheck})
	assert.Error(t, err)
}
