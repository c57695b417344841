package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/store"
)

const minWait = 50 * time.Millisecond

// FireHandler processes one claimed timer. The detector handles deadline
// checks and the escalation engine handles escalation checks.
type FireHandler interface {
	HandleFire(ctx context.Context, fired model.Timer) error
}

// Dispatcher claims due timers under lease and feeds them to a fixed pool of
// workers.
type Dispatcher struct {
	store       store.TimerStore
	leases      *LeaseManager
	deadLetters *DeadLetterProcessor
	checks      FireHandler
	escalations FireHandler
	clock       clock.Clock
	wake        <-chan struct{}
	workers     int
	batch       int
	poll        time.Duration
	logger      *zap.Logger
}

type DispatcherConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

func NewDispatcher(st store.TimerStore, leases *LeaseManager, deadLetters *DeadLetterProcessor,
	checks, escalations FireHandler, clk clock.Clock, wake <-chan struct{}, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       st,
		leases:      leases,
		deadLetters: deadLetters,
		checks:      checks,
		escalations: escalations,
		clock:       clk,
		wake:        wake,
		workers:     cfg.Workers,
		batch:       cfg.BatchSize,
		poll:        cfg.PollInterval,
		logger:      logger.Named("dispatcher"),
	}
}

// Run claims and processes timers until ctx is done. Fires already handed to
// a worker finish under a context detached from ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan model.Timer, d.batch)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			work := context.WithoutCancel(gctx)
			for t := range jobs {
				d.Process(work, t)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		return d.loop(gctx, jobs)
	})
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, jobs chan<- model.Timer) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		claimed, err := d.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("claim round failed", zap.Error(err))
		}
		for _, t := range claimed {
			select {
			case jobs <- t:
			case <-ctx.Done():
				// Unsent claims keep their lease and are reclaimed after it expires.
				return nil
			}
		}
		if len(claimed) == d.batch {
			continue
		}

		timer.Reset(d.nextWait(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// Poll runs one claim round: exhausted rows are dead-lettered first, then up
// to a batch of due timers is leased to this daemon.
func (d *Dispatcher) Poll(ctx context.Context) ([]model.Timer, error) {
	now := d.clock.Now()
	if _, err := d.deadLetters.Sweep(ctx, now); err != nil {
		return nil, fmt.Errorf("dead letter sweep: %w", err)
	}
	claimed, err := d.store.ClaimDue(ctx, d.leases.ClaimRequest(now, d.batch))
	if err != nil {
		return nil, fmt.Errorf("claim due timers: %w", err)
	}
	if len(claimed) > 0 {
		d.logger.Debug("timers claimed", zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

// nextWait returns how long to sleep before the next round: until the
// earliest pending fire, bounded by the poll interval.
func (d *Dispatcher) nextWait(ctx context.Context) time.Duration {
	next, ok, err := d.store.NextFireAt(ctx)
	if err != nil || !ok {
		return d.poll
	}
	wait := next.Sub(d.clock.Now())
	if wait < minWait {
		return minWait
	}
	if wait > d.poll {
		return d.poll
	}
	return wait
}

func (d *Dispatcher) route(p model.TimerPurpose) (FireHandler, error) {
	switch p {
	case model.PurposeStartCheck, model.PurposeResolveCheck:
		return d.checks, nil
	case model.PurposeEscalationCheck:
		return d.escalations, nil
	}
	return nil, fmt.Errorf("%w: no handler for timer purpose %q", model.ErrConfiguration, p)
}

// Process runs one claimed timer through its handler. A failed fire gives
// its lease back for a retry, or is dead-lettered once its attempts are spent.
func (d *Dispatcher) Process(ctx context.Context, t model.Timer) {
	lag := d.clock.Now().Sub(t.FireAt)
	h, err := d.route(t.Purpose)
	if err == nil {
		err = h.HandleFire(ctx, t)
	}
	if err == nil {
		metrics.ObserveFire(string(t.Purpose), metrics.OutcomeHandled, lag)
		return
	}

	now := d.clock.Now()
	req := d.leases.ReleaseRequest(t, err, now)
	if rerr := d.store.Release(ctx, req); rerr != nil {
		if errors.Is(rerr, model.ErrStaleTimerFire) {
			metrics.StaleFire(string(t.Purpose))
			d.logger.Debug("failed fire already superseded", zap.String("timer", t.Key().String()), zap.Error(err))
			return
		}
		d.logger.Error("release lease failed, timer will be reclaimed after lease expiry",
			zap.String("timer", t.Key().String()), zap.NamedError("cause", err), zap.Error(rerr))
		return
	}

	if req.DeadLetter {
		d.deadLetters.Alert(t, err.Error())
		return
	}
	metrics.ObserveFire(string(t.Purpose), metrics.OutcomeRetry, lag)
	d.logger.Warn("timer fire failed, retry scheduled",
		zap.String("task_id", t.TaskID),
		zap.String("purpose", string(t.Purpose)),
		zap.Int("attempts", t.Attempts),
		zap.Time("retry_at", req.RetryAt),
		zap.Error(err))
}
