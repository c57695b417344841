package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/metrics"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the policy section when the config file changes. Only
// sla and escalation are hot: store, server and worker settings need a
// restart.
type Watcher struct {
	path     string
	policies *Policies
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(path string, policies *Policies, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		policies: policies,
		debounce: defaultDebounce,
		logger:   logger.Named("config"),
	}
}

// Reload reads the file once. An invalid file leaves the current policy in
// force and is reported in the returned error.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		metrics.ConfigReload(metrics.ReloadRejected)
		w.logger.Warn("config reload rejected, keeping current policy",
			zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.policies.Swap(cfg.Policy())
	metrics.ConfigReload(metrics.ReloadApplied)
	w.logger.Info("policy reloaded",
		zap.String("path", w.path),
		zap.Float64("warning_threshold_pct", cfg.SLA.WarningThresholdPct),
		zap.Int("max_level", cfg.Escalation.MaxLevel))
	return nil
}

// Run watches the file's directory until ctx is done. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(w.path)

	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}
