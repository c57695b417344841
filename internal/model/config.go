// Package model defines the data structures for slawarden's configuration, timers and SLA events.
package model

import (
	"fmt"
	"time"
)

type Config struct {
	SLA        SLAConfig        `yaml:"sla"`
	Escalation EscalationConfig `yaml:"escalation"`
	Worker     WorkerConfig     `yaml:"worker"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	TaskStatus TaskStatusConfig `yaml:"task_status"`
	Server     ServerConfig     `yaml:"server"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type SLAConfig struct {
	WarningThresholdPct float64      `yaml:"warning_threshold_pct"`
	Defaults            []SLADefault `yaml:"defaults"`
}

// SLADefault supplies SLA minutes for tasks that omit them. Type and Priority
// accept "*" as a wildcard.
type SLADefault struct {
	Type              string  `yaml:"type"`
	Priority          string  `yaml:"priority"`
	StartSLAMinutes   float64 `yaml:"start_sla_minutes"`
	ResolveSLAMinutes float64 `yaml:"resolve_sla_minutes"`
}

type EscalationConfig struct {
	BackoffMinutes []float64         `yaml:"backoff_minutes"`
	CeilingMinutes float64           `yaml:"ceiling_minutes"`
	MaxLevel       int               `yaml:"max_level"`
	Chains         []EscalationChain `yaml:"chains"`
}

type EscalationChain struct {
	Type     string   `yaml:"type"`
	Priority string   `yaml:"priority"`
	Parties  []string `yaml:"parties"`
}

type WorkerConfig struct {
	Count           int `yaml:"count"`
	LeaseSec        int `yaml:"lease_sec"`
	MaxAttempts     int `yaml:"max_attempts"`
	RetryBackoffMs  int `yaml:"retry_backoff_ms"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
	BatchSize       int `yaml:"batch_size"`
}

type OutboxConfig struct {
	RescanIntervalSec int `yaml:"rescan_interval_sec"`
	PublishTimeoutMs  int `yaml:"publish_timeout_ms"`
	BatchSize         int `yaml:"batch_size"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type TaskStatusConfig struct {
	Source         string  `yaml:"source"` // local, http
	BaseURL        string  `yaml:"base_url"`
	TimeoutMs      int     `yaml:"timeout_ms"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

type ServerConfig struct {
	Socket      string `yaml:"socket"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type DaemonConfig struct {
	DataDir            string `yaml:"data_dir"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
	Checksum bool   `yaml:"checksum"`
}

// NotifyConfig controls desktop notifications on the daemon host. Topics
// lists the notice topics shown; empty means breaches and escalations.
type NotifyConfig struct {
	Desktop bool     `yaml:"desktop"`
	Topics  []string `yaml:"topics,omitempty"`
}

const (
	DefaultWarningThresholdPct = 75.0
	DefaultMaxEscalationLevel  = 3
	DefaultMaxAttempts         = 3
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		SLA: SLAConfig{
			WarningThresholdPct: DefaultWarningThresholdPct,
			Defaults: []SLADefault{
				{Type: string(TaskTypeIncident), Priority: "P1", StartSLAMinutes: 15, ResolveSLAMinutes: 240},
				{Type: string(TaskTypeIncident), Priority: "*", StartSLAMinutes: 30, ResolveSLAMinutes: 480},
				{Type: "*", Priority: "*", StartSLAMinutes: 240, ResolveSLAMinutes: 2880},
			},
		},
		Escalation: EscalationConfig{
			BackoffMinutes: []float64{5, 15, 30},
			CeilingMinutes: 30,
			MaxLevel:       DefaultMaxEscalationLevel,
			Chains: []EscalationChain{
				{Type: "*", Priority: "*", Parties: []string{"assignee", "team-lead", "manager", "director"}},
			},
		},
		Worker: WorkerConfig{
			Count:           4,
			LeaseSec:        60,
			MaxAttempts:     DefaultMaxAttempts,
			RetryBackoffMs:  1000,
			PollIntervalSec: 10,
			BatchSize:       32,
		},
		Outbox: OutboxConfig{
			RescanIntervalSec: 30,
			PublishTimeoutMs:  2000,
			BatchSize:         100,
		},
		Store:      StoreConfig{Driver: "sqlite"},
		Redis:      RedisConfig{TopicPrefix: ""},
		TaskStatus: TaskStatusConfig{Source: "local", TimeoutMs: 2000, RequestsPerSec: 50, Burst: 10},
		Server:     ServerConfig{Socket: "daemon.sock", MetricsAddr: ":9090"},
		Daemon:     DaemonConfig{DataDir: ".slawarden", ShutdownTimeoutSec: 30},
		Logging:    LoggingConfig{Level: "info"},
		Audit:      AuditConfig{Path: "logs/audit.jsonl"},
	}
}

// Validate checks the policy sections that drive timer arithmetic.
func (c *Config) Validate() error {
	if c.SLA.WarningThresholdPct <= 0 || c.SLA.WarningThresholdPct > 100 {
		return fmt.Errorf("%w: sla.warning_threshold_pct must be in (0, 100], got %v", ErrConfiguration, c.SLA.WarningThresholdPct)
	}
	for i, d := range c.SLA.Defaults {
		if d.StartSLAMinutes <= 0 || d.ResolveSLAMinutes <= 0 {
			return fmt.Errorf("%w: sla.defaults[%d] minutes must be > 0", ErrConfiguration, i)
		}
	}
	if len(c.Escalation.BackoffMinutes) == 0 {
		return fmt.Errorf("%w: escalation.backoff_minutes must not be empty", ErrConfiguration)
	}
	for i, m := range c.Escalation.BackoffMinutes {
		if m <= 0 {
			return fmt.Errorf("%w: escalation.backoff_minutes[%d] must be > 0", ErrConfiguration, i)
		}
	}
	if c.Escalation.CeilingMinutes < 0 {
		return fmt.Errorf("%w: escalation.ceiling_minutes must be >= 0", ErrConfiguration)
	}
	if c.Escalation.MaxLevel < 0 {
		return fmt.Errorf("%w: escalation.max_level must be >= 0", ErrConfiguration)
	}
	for i, ch := range c.Escalation.Chains {
		if len(ch.Parties) == 0 {
			return fmt.Errorf("%w: escalation.chains[%d] has no parties", ErrConfiguration, i)
		}
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrConfiguration, c.Store.Driver)
	}
	switch c.TaskStatus.Source {
	case "local":
	case "http":
		if c.TaskStatus.BaseURL == "" {
			return fmt.Errorf("%w: task_status.base_url is required for source=http", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown task_status.source %q", ErrConfiguration, c.TaskStatus.Source)
	}
	return nil
}

// Policy is the hot-reloadable part of the configuration.
type Policy struct {
	SLA        SLAConfig
	Escalation EscalationConfig
}

func (c *Config) Policy() *Policy {
	return &Policy{SLA: c.SLA, Escalation: c.Escalation}
}

func (p *Policy) ThresholdPct() float64 {
	if p.SLA.WarningThresholdPct <= 0 || p.SLA.WarningThresholdPct > 100 {
		return DefaultWarningThresholdPct
	}
	return p.SLA.WarningThresholdPct
}

func (p *Policy) MaxLevel() int {
	if p.Escalation.MaxLevel < 0 {
		return 0
	}
	return p.Escalation.MaxLevel
}

// Backoff returns the delay before the escalation check that follows level.
// Levels past the configured sequence reuse its last entry; the ceiling caps
// every value when set.
func (p *Policy) Backoff(level int) time.Duration {
	seq := p.Escalation.BackoffMinutes
	if len(seq) == 0 {
		seq = []float64{5, 15, 30}
	}
	if level < 0 {
		level = 0
	}
	if level >= len(seq) {
		level = len(seq) - 1
	}
	minutes := seq[level]
	if c := p.Escalation.CeilingMinutes; c > 0 && minutes > c {
		minutes = c
	}
	return minutesToDuration(minutes)
}

// ApplySLADefaults fills missing SLA minutes from the most specific matching
// default. Explicit values are never overwritten.
func (p *Policy) ApplySLADefaults(t *Task) {
	if t.StartSLAMinutes > 0 && t.ResolveSLAMinutes > 0 {
		return
	}
	best := -1
	bestScore := -1
	for i, d := range p.SLA.Defaults {
		score, ok := matchScore(d.Type, d.Priority, t)
		if ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return
	}
	d := p.SLA.Defaults[best]
	if t.StartSLAMinutes <= 0 {
		t.StartSLAMinutes = d.StartSLAMinutes
	}
	if t.ResolveSLAMinutes <= 0 {
		t.ResolveSLAMinutes = d.ResolveSLAMinutes
	}
}

// ChainFor returns the escalation chain for a task, or nil if none matches.
func (p *Policy) ChainFor(taskType TaskType, priority string) []string {
	probe := &Task{Type: taskType, Priority: priority}
	var best []string
	bestScore := -1
	for _, ch := range p.Escalation.Chains {
		score, ok := matchScore(ch.Type, ch.Priority, probe)
		if ok && score > bestScore {
			best, bestScore = ch.Parties, score
		}
	}
	return best
}

// Recipient resolves chain[level], clamping to the last member.
func Recipient(chain []string, level int) string {
	if len(chain) == 0 {
		return ""
	}
	if level < 0 {
		level = 0
	}
	if level >= len(chain) {
		return chain[len(chain)-1]
	}
	return chain[level]
}

func matchScore(typ, priority string, t *Task) (int, bool) {
	score := 0
	switch typ {
	case "", "*":
	case string(t.Type):
		score += 2
	default:
		return 0, false
	}
	switch priority {
	case "", "*":
	case t.Priority:
		score++
	default:
		return 0, false
	}
	return score, true
}

func minutesToDuration(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute)).Round(time.Millisecond)
}
