package config

import (
	"errors"
	"fmt"
	"strings"

	logx "tasksched/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Journal   *JournalConfig  `json:"journal,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the event bus as
// log.alert events.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the worker pool and the trigger service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 4
//   - worker_idle_timeout: "5s" ("0s" keeps idle workers forever)
//   - history_limit: 0 (unbounded)
//   - startup_spread: "30s"
type SchedulerConfig struct {
	MaxWorkers        int    `json:"max_workers,omitempty"`
	WorkerIdleTimeout string `json:"worker_idle_timeout,omitempty"`
	TemporalWorkers   bool   `json:"temporal_workers,omitempty"`
	Background        bool   `json:"background,omitempty"`
	HistoryLimit      int    `json:"history_limit,omitempty"`

	// Trigger settings.
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`
}

// JournalConfig controls the optional result journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./data/results.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Buffer      int    `json:"buffer,omitempty"`
}

// OpsConfig controls the optional ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	PProf         bool   `json:"pprof,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig declares a scheduled job.
//
// Kinds:
//   - "log": writes Message to the log on every firing
//   - "exec": runs Command with Args, bounded by Timeout
type JobConfig struct {
	Name       string   `json:"name"`
	Schedule   string   `json:"schedule"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message,omitempty"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	Background bool     `json:"background,omitempty"`
	DependsOn  string   `json:"depends_on,omitempty"`
	Disabled   bool     `json:"disabled,omitempty"`
}

const (
	JobKindLog  = "log"
	JobKindExec = "exec"
)

// Validate checks the structure of cfg. Schedule strings are checked by the
// app's validator, which knows the trigger syntax.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logx.ValidLevel(c.Logging.Alert.MinLevel) {
		add("logging.alert.min_level: unknown level %q", c.Logging.Alert.MinLevel)
	}
	if c.Logging.Alert.RatePerSec < 0 {
		add("logging.alert.rate_per_sec: must be >= 0")
	}

	if c.Scheduler.MaxWorkers < 0 {
		add("scheduler.max_workers: must be >= 0")
	}
	if c.Scheduler.HistoryLimit < 0 {
		add("scheduler.history_limit: must be >= 0")
	}
	dur("scheduler.worker_idle_timeout", c.Scheduler.WorkerIdleTimeout)
	dur("scheduler.startup_spread", c.Scheduler.StartupSpread)

	if j := c.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				add("journal.path: required for driver %q", j.Driver)
			}
		default:
			add("journal.driver: unknown driver %q", j.Driver)
		}
		dur("journal.busy_timeout", j.BusyTimeout)
		if j.Buffer < 0 {
			add("journal.buffer: must be >= 0")
		}
	}

	dur("ops.read_timeout", c.Ops.ReadTimeout)
	dur("ops.write_timeout", c.Ops.WriteTimeout)
	dur("ops.idle_timeout", c.Ops.IdleTimeout)

	names := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add("%s.name: required", path)
		} else if names[name] {
			add("%s.name: duplicate job %q", path, name)
		}
		names[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			add("%s.schedule: required", path)
		}
		switch j.Kind {
		case JobKindLog:
		case JobKindExec:
			if strings.TrimSpace(j.Command) == "" {
				add("%s.command: required for kind exec", path)
			}
		default:
			add("%s.kind: must be %q or %q", path, JobKindLog, JobKindExec)
		}
		dur(path+".timeout", j.Timeout)
	}
	for i, j := range c.Jobs {
		dep := strings.TrimSpace(j.DependsOn)
		if dep == "" {
			continue
		}
		if dep == strings.TrimSpace(j.Name) {
			add("jobs[%d].depends_on: job depends on itself", i)
		} else if !names[dep] {
			add("jobs[%d].depends_on: unknown job %q", i, dep)
		}
	}
	return errors.Join(errs...)
}

// EnabledJobs returns the jobs not marked disabled.
func (c *Config) EnabledJobs() []JobConfig {
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if !j.Disabled {
			out = append(out, j)
		}
	}
	return out
}
