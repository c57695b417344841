// Package config loads slawarden's YAML configuration, applies environment
// overrides and keeps the escalation policy hot-reloadable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/yaml"
)

const DefaultFileName = "config.yaml"

const defaultHeader = `slawarden configuration.
The sla and escalation sections are reloaded by a running daemon on save;
other sections apply on restart. SLAWARDEN_* environment variables override
the store, redis and data_dir settings.`

// Load reads path over the defaults, applies SLAWARDEN_* overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yamlv3.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", model.ErrConfiguration, path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the default configuration to path. An existing file is
// kept unless force is set, in which case it is preserved as path.bak.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return yaml.AtomicWriteWithHeader(path, defaultHeader, model.DefaultConfig())
}

func applyEnvOverrides(cfg *model.Config) {
	if v := os.Getenv("SLAWARDEN_DATA_DIR"); v != "" {
		cfg.Daemon.DataDir = v
	}
	if v := os.Getenv("SLAWARDEN_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SLAWARDEN_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("SLAWARDEN_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SLAWARDEN_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SLAWARDEN_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SLAWARDEN_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("SLAWARDEN_TASK_STATUS_URL"); v != "" {
		cfg.TaskStatus.Source = "http"
		cfg.TaskStatus.BaseURL = v
	}
	if v := os.Getenv("SLAWARDEN_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("SLAWARDEN_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("SLAWARDEN_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Count = n
		}
	}
	if v := os.Getenv("SLAWARDEN_WARNING_THRESHOLD_PCT"); v != "" {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SLA.WarningThresholdPct = pct
		}
	}
	if v := os.Getenv("SLAWARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SLAWARDEN_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
}
