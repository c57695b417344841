package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type auditRecord struct {
	Kind   string
	Timer  model.Timer
	Reason string
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditRecord
}

func (a *recordingAuditor) RecordTimer(kind string, t model.Timer, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditRecord{Kind: kind, Timer: t, Reason: reason})
	return nil
}

func (a *recordingAuditor) records() []auditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditRecord(nil), a.entries...)
}

type recordingSink struct {
	mu      sync.Mutex
	notices []events.Notice
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n events.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, 0, len(s.notices))
	for _, n := range s.notices {
		out = append(out, n.Event().EventType)
	}
	return out
}

type testEnv struct {
	t     *testing.T
	cfg   *model.Config
	st    *memory.Store
	clk   *clock.Manual
	audit *recordingAuditor
	sink  *recordingSink
	svc   *services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Worker.Count = 2
	cfg.Worker.PollIntervalSec = 1

	e := &testEnv{
		t:     t,
		cfg:   &cfg,
		st:    memory.New(),
		clk:   clock.NewManual(t0),
		audit: &recordingAuditor{},
		sink:  &recordingSink{},
	}
	e.svc = newServices(e.cfg, e.st, nil, e.clk, e.audit, zaptest.NewLogger(t), e.sink)
	t.Cleanup(e.svc.bus.Close)
	return e
}

// createIncident registers a P1 incident: start SLA 15m, resolve SLA 240m.
func (e *testEnv) createIncident(id string) {
	e.t.Helper()
	_, err := e.svc.applyEvent(context.Background(), intake.LifecycleEvent{
		Kind:   intake.KindCreated,
		TaskID: id,
		Task: &model.Task{
			ID:       id,
			Type:     model.TaskTypeIncident,
			Priority: "P1",
			Assignee: "alice",
		},
	})
	require.NoError(e.t, err)
}

func (e *testEnv) at(offset time.Duration) {
	e.clk.Set(t0.Add(offset))
}

// drain runs claim rounds until nothing is due, processing every claim
// inline. It returns the number of fires processed.
func (e *testEnv) drain(d *Dispatcher) int {
	e.t.Helper()
	total := 0
	for i := 0; i < 100; i++ {
		claimed, err := d.Poll(context.Background())
		require.NoError(e.t, err)
		if len(claimed) == 0 {
			return total
		}
		for _, t := range claimed {
			d.Process(context.Background(), t)
		}
		total += len(claimed)
	}
	e.t.Fatal("drain did not settle")
	return total
}

func (e *testEnv) timer(taskID string, p model.TimerPurpose) model.Timer {
	e.t.Helper()
	tm, err := e.st.Current(context.Background(), model.TimerKey{TaskID: taskID, Purpose: p})
	require.NoError(e.t, err)
	return tm
}

// stubHandler fails every fire with err, or runs fn when set.
type stubHandler struct {
	mu    sync.Mutex
	calls int
	err   error
	fn    func(ctx context.Context, t model.Timer) error
}

func (h *stubHandler) HandleFire(ctx context.Context, t model.Timer) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, t)
	}
	return h.err
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (e *testEnv) stubDispatcher(h FireHandler) *Dispatcher {
	return NewDispatcher(e.st, e.svc.leases, e.svc.deadLetters, h, h, e.clk, nil,
		DispatcherConfig{Workers: 1, BatchSize: 8, PollInterval: time.Second}, zaptest.NewLogger(e.t))
}
