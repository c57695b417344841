// Package daemon runs the slawarden process: it claims due timers, feeds
// them to the detector and escalation engine, accepts task lifecycle
// callbacks and serves the operator surfaces.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/clock"
	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/detector"
	"github.com/msageha/slawarden/internal/escalation"
	"github.com/msageha/slawarden/internal/events"
	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/lock"
	"github.com/msageha/slawarden/internal/metrics"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/notify"
	"github.com/msageha/slawarden/internal/scheduler"
	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/store/memory"
	"github.com/msageha/slawarden/internal/store/sqlstore"
	"github.com/msageha/slawarden/internal/taskstatus"
	"github.com/msageha/slawarden/internal/uds"
)

// services is the wired core, independent of files, sockets and signals.
type services struct {
	clock       clock.Clock
	store       store.Store
	policies    *config.Policies
	bus         *events.Bus
	emitter     *events.Emitter
	scheduler   *scheduler.Scheduler
	engine      *escalation.Engine
	detector    *detector.Detector
	intake      *intake.Intake
	leases      *LeaseManager
	deadLetters *DeadLetterProcessor
	dispatcher  *Dispatcher
	reconciler  *Reconciler
	auditor     TimerAuditor
	logger      *zap.Logger
}

// newServices wires the core on st. A nil reader reads the local snapshot
// mirror. The bus is always the first sink.
func newServices(cfg *model.Config, st store.Store, reader taskstatus.Reader, clk clock.Clock,
	auditor TimerAuditor, logger *zap.Logger, sinks ...events.Sink) *services {
	if reader == nil {
		reader = taskstatus.NewLocal(st)
	}
	policies := config.NewPolicies(cfg.Policy())
	bus := events.NewBus(256, logger)

	emitter := events.NewEmitter(st, clk, events.EmitterConfig{
		PublishTimeout: time.Duration(cfg.Outbox.PublishTimeoutMs) * time.Millisecond,
		BatchSize:      cfg.Outbox.BatchSize,
	}, logger, append([]events.Sink{bus}, sinks...)...)

	sched := scheduler.New(st, policies, clk, logger)
	engine := escalation.New(st, reader, emitter, sched, policies, clk, logger)
	det := detector.New(st, reader, emitter, sched, engine, clk, logger)
	leases := NewLeaseManager(NewOwnerID(), cfg.Worker, logger)
	deadLetters := NewDeadLetterProcessor(st, leases.MaxAttempts(), auditor, logger)

	dispatcher := NewDispatcher(st, leases, deadLetters, det, engine, clk, sched.Wake(), DispatcherConfig{
		Workers:      cfg.Worker.Count,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSec) * time.Second,
	}, logger)

	return &services{
		clock:       clk,
		store:       st,
		policies:    policies,
		bus:         bus,
		emitter:     emitter,
		scheduler:   sched,
		engine:      engine,
		detector:    det,
		intake:      intake.New(st, sched, policies, clk, logger),
		leases:      leases,
		deadLetters: deadLetters,
		dispatcher:  dispatcher,
		reconciler:  NewReconciler(st, st, emitter, logger),
		auditor:     auditor,
		logger:      logger,
	}
}

// Daemon is the slawarden process.
type Daemon struct {
	cfg        *model.Config
	configPath string
	dataDir    string
	logger     *zap.Logger

	fileLock   *lock.FileLock
	svc        *services
	audit      *events.AuditLogger
	redis      *redis.Client
	watcher    *config.Watcher
	server     *uds.Server
	httpSrv    *http.Server
	metricsSrv *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

func New(cfg *model.Config, configPath string, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dataDir := cfg.Daemon.DataDir
	return &Daemon{
		cfg:        cfg,
		configPath: configPath,
		dataDir:    dataDir,
		logger:     logger.Named("daemon"),
		fileLock:   lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SocketPath returns where the control socket listens.
func (d *Daemon) SocketPath() string {
	return SocketPathFor(d.cfg)
}

// SocketPathFor resolves the control socket for cfg; relative names live in the
// data dir.
func SocketPathFor(cfg *model.Config) string {
	name := cfg.Server.Socket
	if name == "" {
		name = uds.DefaultSocketName
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.Daemon.DataDir, name)
}

// Run starts the daemon and blocks until a signal or a shutdown command.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the data dir, opens the store and starts every loop and
// listener. It does not block.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting", zap.String("data_dir", d.dataDir))

	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}

	d.server = uds.NewServer(d.SocketPath(), d.logger)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("UDS server listening", zap.String("socket", d.SocketPath()))

	if err := d.startHTTP(); err != nil {
		_ = d.server.Stop()
		d.cleanup()
		return err
	}

	// Deliver what a previous run recorded but never published.
	if _, err := d.svc.reconciler.Reconcile(d.ctx); err != nil {
		d.logger.Warn("startup reconcile failed", zap.Error(err))
	}

	d.goLoop("dispatcher", d.svc.dispatcher.Run)
	d.goLoop("reconciler", d.reconcileLoop)
	if d.watcher != nil {
		d.goLoop("config watcher", d.watcher.Run)
	}
	d.logger.Info("daemon ready",
		zap.String("owner", d.svc.leases.Owner()),
		zap.Int("workers", d.cfg.Worker.Count))
	return nil
}

func (d *Daemon) open() error {
	st, err := openStore(d.ctx, d.cfg)
	if err != nil {
		return err
	}

	var sinks []events.Sink
	var auditor TimerAuditor
	if d.cfg.Audit.Path != "" {
		path := d.cfg.Audit.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.dataDir, path)
		}
		audit, err := events.NewAuditLogger(path, d.cfg.Audit.MaxBytes)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(d.cfg.Audit.Checksum)
		d.audit = audit
		auditor = audit
		sinks = append(sinks, audit)
	}
	if d.cfg.Redis.Enabled {
		rdb, err := events.NewRedisClient(d.ctx, d.cfg.Redis)
		if err != nil {
			_ = st.Close()
			return err
		}
		d.redis = rdb
		sinks = append(sinks, events.NewRedisSink(rdb, d.cfg.Redis.TopicPrefix, d.logger))
	}
	if d.cfg.Notify.Desktop {
		sinks = append(sinks, notify.NewDesktopSink(d.cfg.Notify, d.logger))
	}

	var reader taskstatus.Reader
	if d.cfg.TaskStatus.Source == "http" {
		reader = taskstatus.NewHTTP(taskstatus.HTTPConfig{
			BaseURL:        d.cfg.TaskStatus.BaseURL,
			Timeout:        time.Duration(d.cfg.TaskStatus.TimeoutMs) * time.Millisecond,
			RequestsPerSec: d.cfg.TaskStatus.RequestsPerSec,
			Burst:          d.cfg.TaskStatus.Burst,
		}, d.logger)
	}

	d.svc = newServices(d.cfg, st, reader, clock.Real{}, auditor, d.logger, sinks...)
	d.svc.subscribeLog()
	if d.configPath != "" {
		d.watcher = config.NewWatcher(d.configPath, d.svc.policies, d.logger)
	}
	return nil
}

func openStore(ctx context.Context, cfg *model.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(), nil
	case sqlstore.DriverSQLite:
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = sqlstore.DefaultSQLiteDSN(cfg.Daemon.DataDir)
		}
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn)
	default:
		return sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	}
}

// subscribeLog mirrors breaches and escalations into the daemon log.
func (s *services) subscribeLog() {
	log := s.logger.Named("notices")
	for _, topic := range []events.Topic{events.TopicBreach, events.TopicEscalation} {
		s.bus.Subscribe(topic, func(n events.Notice) {
			ev := n.Event()
			log.Warn("sla notice",
				zap.String("event_type", string(ev.EventType)),
				zap.String("task_id", ev.TaskID),
				zap.Int("level", ev.EscalationLevel),
				zap.String("recipient", ev.Recipient),
				zap.Int("notify_count", ev.NotifyCount))
		})
	}
}

// startHTTP binds the metrics and HTTP listeners before serving on them, so
// an address in use fails Start instead of a background goroutine.
func (d *Daemon) startHTTP() error {
	type listener struct {
		name string
		srv  *http.Server
		ln   net.Listener
	}
	var bound []listener
	bind := func(name string, srv *http.Server) error {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range bound {
				_ = l.ln.Close()
			}
			return fmt.Errorf("%s listener on %s: %w", name, srv.Addr, err)
		}
		bound = append(bound, listener{name: name, srv: srv, ln: ln})
		return nil
	}

	if addr := d.cfg.Server.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := bind("metrics", srv); err != nil {
			return err
		}
	}
	if addr := d.cfg.Server.HTTPAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: d.svc.router(), ReadHeaderTimeout: 5 * time.Second}
		if err := bind("http", srv); err != nil {
			return err
		}
	}

	for _, l := range bound {
		switch l.name {
		case "metrics":
			d.metricsSrv = l.srv
		case "http":
			d.httpSrv = l.srv
		}
		d.serve(l.name, l.srv, l.ln)
	}
	return nil
}

func (d *Daemon) serve(name string, srv *http.Server, ln net.Listener) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("http listener started", zap.String("listener", name), zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("http listener stopped", zap.String("listener", name), zap.Error(err))
		}
	}()
}

func (d *Daemon) goLoop(name string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(d.ctx); err != nil {
			d.logger.Error("loop exited", zap.String("loop", name), zap.Error(err))
		}
	}()
}

func (d *Daemon) reconcileLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.Outbox.RescanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.svc.reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// waitSignals blocks until a shutdown signal or a shutdown command.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case <-d.ctx.Done():
	}

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops intake, drains in-flight fires within the configured
// timeout and releases the data dir. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		d.cancel()

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		stopCtx, stop := context.WithTimeout(context.Background(), timeout)
		defer stop()

		if d.server != nil {
			_ = d.server.Stop()
		}
		for _, srv := range []*http.Server{d.httpSrv, d.metricsSrv} {
			if srv != nil {
				_ = srv.Shutdown(stopCtx)
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("all loops drained")
		case <-stopCtx.Done():
			d.logger.Warn("shutdown timeout, in-flight fires will be reclaimed after lease expiry",
				zap.Duration("timeout", timeout))
		}

		d.cleanup()
		d.logger.Info("daemon stopped")
	})
}

// requestShutdown is used by the shutdown command; Run notices the
// cancelled context and drains.
func (d *Daemon) requestShutdown() {
	d.logger.Info("shutdown requested via UDS")
	d.cancel()
}

// Done is closed once shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *Daemon) cleanup() {
	if d.svc != nil {
		d.svc.bus.Close()
		if err := d.svc.store.Close(); err != nil {
			d.logger.Warn("close store", zap.Error(err))
		}
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	_ = os.Remove(d.SocketPath())
	d.fileLock.Unlock()
	_ = d.logger.Sync()
}
