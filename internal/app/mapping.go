package app

import (
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/journal"
	"tasksched/internal/observability/ops"
	"tasksched/internal/task/pool"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	idle := pool.DefaultIdleTimeout
	if raw := strings.TrimSpace(s.WorkerIdleTimeout); raw != "" {
		d, err := config.ParseDurationField("scheduler.worker_idle_timeout", raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		idle = d
	}
	workers := s.MaxWorkers
	if workers <= 0 {
		workers = pool.DefaultMaxWorkers
	}
	return scheduler.Config{
		MaxWorkers:        workers,
		WorkerIdleTimeout: idle,
		TemporalWorkers:   s.TemporalWorkers,
		Background:        s.Background,
		HistoryLimit:      max(s.HistoryLimit, 0),
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	s := cfg.Scheduler
	spread := trigger.DefaultStartupSpread
	if raw := strings.TrimSpace(s.StartupSpread); raw != "" {
		d, err := config.ParseDurationField("scheduler.startup_spread", raw)
		if err != nil {
			return trigger.Config{}, err
		}
		spread = d
	}
	return trigger.Config{Timezone: strings.TrimSpace(s.Timezone), StartupSpread: spread}, nil
}

// mapJournalConfig reports false when the journal is disabled.
func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	j := cfg.Journal
	if j == nil {
		return journal.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(j.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", j.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, false, err
	}
	return journal.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(j.Path),
		BusyTimeout: busy,
		Buffer:      j.Buffer,
	}, true, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		PProf:         o.PProf,
		Metrics:       o.Metrics,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
