package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store/memory"
)

type toggleSink struct {
	down      atomic.Bool
	delivered atomic.Int32
}

func (s *toggleSink) Name() string { return "toggle" }

func (s *toggleSink) Deliver(context.Context, events.Notice) error {
	if s.down.Load() {
		return errors.New("sink unavailable")
	}
	s.delivered.Add(1)
	return nil
}

type failingRepublisher struct{}

func (failingRepublisher) RepublishPending(context.Context) (int, error) {
	return 0, errors.New("ledger offline")
}

func TestReconciler_RepublishesUndeliveredEvents(t *testing.T) {
	st := memory.New()
	clk := clock.NewManual(t0)
	sink := &toggleSink{}
	sink.down.Store(true)
	emitter := events.NewEmitter(st, clk, events.EmitterConfig{}, zaptest.NewLogger(t), sink)

	_, err := emitter.Publish(context.Background(), model.SLAEvent{
		TaskID:           "T-1",
		EventType:        model.EventStartBreach,
		Severity:         model.SeverityCritical,
		SLAType:          model.SLATypeStart,
		ExpectedDeadline: t0,
		TriggeredAt:      t0,
	}, nil)
	require.NoError(t, err)
	seedTimer(t, st, "T-1", t0.Add(time.Hour))

	r := NewReconciler(st, st, emitter, zaptest.NewLogger(t))

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Republished)
	assert.Equal(t, 1, report.Unpublished)
	assert.Equal(t, 1, report.TimerCounts[model.TimerStatePending])

	sink.down.Store(false)
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, 0, report.Unpublished)
	assert.Equal(t, int32(1), sink.delivered.Load())

	// Nothing left to redeliver.
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Republished)
	assert.Equal(t, int32(1), sink.delivered.Load())
}

func TestReconciler_RepublishFailureStillRefreshesCounts(t *testing.T) {
	st := memory.New()
	seedTimer(t, st, "T-2", t0)
	r := NewReconciler(st, st, failingRepublisher{}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimerCounts[model.TimerStatePending])
}

func TestReconciler_CountsDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.createIncident("INC-1")
	env.at(12 * time.Minute)
	env.drain(env.stubDispatcher(&stubHandler{err: model.ErrConfiguration}))

	report, err := env.svc.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimerCounts[model.TimerStateDeadLetter])
	assert.Equal(t, 1, report.TimerCounts[model.TimerStatePending])
}
