package daemon

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/slawarden/internal/intake"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/uds"
)

func testDaemonConfig(t *testing.T) *model.Config {
	t.Helper()
	// Unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("/tmp", "sw-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := model.DefaultConfig()
	cfg.Daemon.DataDir = dir
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Store.Driver = "memory"
	cfg.Server.MetricsAddr = ""
	cfg.Server.HTTPAddr = ""
	cfg.Worker.Count = 1
	return &cfg
}

func startDaemon(t *testing.T, cfg *model.Config) (*Daemon, *uds.Client) {
	t.Helper()
	d := New(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	client := uds.NewClient(d.SocketPath())
	client.SetTimeout(5 * time.Second)
	return d, client
}

func TestDaemon_ServesControlCommands(t *testing.T) {
	cfg := testDaemonConfig(t)
	_, client := startDaemon(t, cfg)

	var ping map[string]string
	require.NoError(t, client.Call("ping", nil, &ping))
	assert.Equal(t, "ok", ping["status"])
	assert.NotEmpty(t, ping["owner"])

	var task model.Task
	require.NoError(t, client.Call("task_event", TaskEventParams{
		Kind:   intake.KindCreated,
		TaskID: "INC-1",
		Task:   &model.Task{ID: "INC-1", Type: model.TaskTypeIncident, Priority: "P1"},
	}, &task))
	assert.Equal(t, 15.0, task.StartSLAMinutes)
	assert.Equal(t, 240.0, task.ResolveSLAMinutes)

	var timers TimersResult
	require.NoError(t, client.Call("timers", TaskQueryParams{TaskID: "INC-1"}, &timers))
	assert.Len(t, timers.Timers, 2)

	var evs EventsResult
	require.NoError(t, client.Call("events", TaskQueryParams{TaskID: "INC-1"}, &evs))
	assert.Empty(t, evs.Events)

	var report ReconcileReport
	require.NoError(t, client.Call("scan", nil, &report))
	assert.Equal(t, 2, report.TimerCounts[model.TimerStatePending])

	require.NoError(t, client.Call("task_event", TaskEventParams{Kind: intake.KindStarted, TaskID: "INC-1"}, &task))
	assert.Equal(t, model.TaskStatusInProgress, task.Status)
}

func TestDaemon_CommandErrorsCarryCodes(t *testing.T) {
	cfg := testDaemonConfig(t)
	_, client := startDaemon(t, cfg)

	var detail *uds.ErrorDetail

	err := client.Call("task_event", map[string]string{"kind": "exploded", "task_id": "X"}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call("requeue", RequeueParams{TaskID: "nope", Purpose: model.PurposeStartCheck}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)

	err = client.Call("timers", TaskQueryParams{}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call("no_such_command", nil, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeUnknownCommand, detail.Code)
}

func TestDaemon_SecondInstanceIsLockedOut(t *testing.T) {
	cfg := testDaemonConfig(t)
	startDaemon(t, cfg)

	other := New(cfg, "", zaptest.NewLogger(t))
	err := other.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_HTTPAddressInUseFailsStart(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testDaemonConfig(t)
	cfg.Server.HTTPAddr = taken.Addr().String()
	d := New(cfg, "", zaptest.NewLogger(t))
	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http listener")
	assert.NoFileExists(t, d.SocketPath())

	// The failed start released the data dir.
	cfg.Server.HTTPAddr = ""
	_, client := startDaemon(t, cfg)
	require.NoError(t, client.Call("ping", nil, nil))
}

func TestDaemon_ShutdownCommand(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, client := startDaemon(t, cfg)

	var resp map[string]string
	require.NoError(t, client.Call("shutdown", nil, &resp))
	assert.Equal(t, "shutdown_accepted", resp["status"])

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not requested")
	}

	d.Shutdown()
	d.Shutdown()
	_, err := os.Stat(d.SocketPath())
	assert.True(t, os.IsNotExist(err))

	// The data dir is free again.
	again := New(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, again.Start())
	again.Shutdown()
}

func TestDaemon_WritesAuditLogUnderDataDir(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, _ := startDaemon(t, cfg)
	d.Shutdown()

	_, err := os.Stat(filepath.Join(cfg.Daemon.DataDir, "logs", "audit.jsonl"))
	assert.NoError(t, err)
}

func TestSocketPath(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Daemon.DataDir = "/var/lib/sw"
	assert.Equal(t, "/var/lib/sw/daemon.sock", SocketPathFor(&cfg))

	cfg.Server.Socket = "/run/sw.sock"
	assert.Equal(t, "/run/sw.sock", SocketPathFor(&cfg))

	cfg.Server.Socket = ""
	assert.Equal(t, filepath.Join("/var/lib/sw", uds.DefaultSocketName), SocketPathFor(&cfg))
}
