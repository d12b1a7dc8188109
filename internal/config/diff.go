package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	logx "tasksched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of jobs that were added, removed, or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.max_workers", s.MaxWorkers),
			logx.String("scheduler.worker_idle_timeout", strings.TrimSpace(s.WorkerIdleTimeout)),
			logx.Bool("scheduler.temporal_workers", s.TemporalWorkers),
			logx.Bool("scheduler.background", s.Background),
			logx.Int("scheduler.history_limit", s.HistoryLimit),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		if j := newCfg.Journal; j != nil {
			attrs = append(attrs,
				logx.String("journal.driver", j.Driver),
				logx.String("journal.path", j.Path),
			)
		} else {
			attrs = append(attrs, logx.String("journal.driver", "none"))
		}
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		o := newCfg.Ops
		attrs = append(attrs,
			logx.Bool("ops.enabled", o.Enabled),
			logx.String("ops.addr", strings.TrimSpace(o.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(o.Token) != ""),
			logx.Bool("ops.allow_insecure", o.AllowInsecure),
			logx.Bool("ops.pprof", o.PProf),
			logx.Bool("ops.metrics", o.Metrics),
		)
	}

	jobs := changedJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.changed", len(jobs)),
		)
	}

	return changed, attrs, jobs
}

// changedJobs returns the sorted names present in only one side or whose
// definitions differ.
func changedJobs(a, b []JobConfig) []string {
	index := func(list []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(list))
		for _, j := range list {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldJobs, newJobs := index(a), index(b)

	set := make(map[string]struct{})
	for name, oj := range oldJobs {
		nj, ok := newJobs[name]
		if !ok || !reflect.DeepEqual(oj, nj) {
			set[name] = struct{}{}
		}
	}
	for name := range newJobs {
		if _, ok := oldJobs[name]; !ok {
			set[name] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
