package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/journal"
	"tasksched/internal/task/trigger"
)

// Validate checks what Config.Validate cannot: schedule syntax, the
// timezone, and every mapped section.
func Validate(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if jc, ok, err := mapJournalConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if ok && !journal.ValidDriver(jc.Driver) {
		errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", jc.Driver))
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for i, j := range cfg.Jobs {
		if _, err := trigger.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d].schedule: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
