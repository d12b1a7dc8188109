package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"tasksched/internal/config"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

const maxOutputTail = 512

// buildJob turns a declared job into what the trigger service runs.
func (a *App) buildJob(jc config.JobConfig) (trigger.Job, error) {
	timeout, err := config.ParseDurationField("jobs."+jc.Name+".timeout", jc.Timeout)
	if err != nil {
		return trigger.Job{}, err
	}
	job := trigger.Job{
		Name:       strings.TrimSpace(jc.Name),
		Timeout:    timeout,
		Background: jc.Background,
		DependsOn:  strings.TrimSpace(jc.DependsOn),
	}
	log := a.log.With(logx.String("job", job.Name))

	switch jc.Kind {
	case config.JobKindLog:
		msg := jc.Message
		if msg == "" {
			msg = "job fired"
		}
		job.Run = func(context.Context) error {
			log.Info(msg)
			return nil
		}
	case config.JobKindExec:
		command, args := jc.Command, append([]string(nil), jc.Args...)
		job.Run = func(ctx context.Context) error {
			return runCommand(ctx, log, command, args)
		}
	default:
		return trigger.Job{}, fmt.Errorf("jobs.%s.kind: unknown kind %q", jc.Name, jc.Kind)
	}
	return job, nil
}

func runCommand(ctx context.Context, log logx.Logger, command string, args []string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	tail := outputTail(out.Bytes())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		if tail != "" {
			return fmt.Errorf("%s: %w: %s", command, err, tail)
		}
		return fmt.Errorf("%s: %w", command, err)
	}
	log.Debug("command finished", logx.String("command", command), logx.String("output", tail))
	return nil
}

func outputTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return s
}

// syncJobs registers every enabled job whose name is in names (all jobs when
// names is nil) and removes schedules no longer declared.
func (a *App) syncJobs(cfg *config.Config, names []string) error {
	want := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.EnabledJobs() {
		want[strings.TrimSpace(jc.Name)] = jc
	}
	if names == nil {
		for _, n := range a.trig.Names() {
			if _, ok := want[n]; !ok {
				a.trig.Remove(n)
			}
		}
		for n := range want {
			names = append(names, n)
		}
	}

	var errs []error
	for _, name := range names {
		jc, ok := want[name]
		if !ok {
			if a.trig.Remove(name) {
				a.log.Info("job removed", logx.String("job", name))
			}
			continue
		}
		job, err := a.buildJob(jc)
		if err == nil {
			err = a.trig.Add(job, jc.Schedule)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		a.log.Debug("job registered", logx.String("job", name), logx.String("schedule", jc.Schedule))
	}
	return errors.Join(errs...)
}
