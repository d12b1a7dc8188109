package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"tasksched/internal/app"
	"tasksched/internal/config"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the scheduler with the jobs declared in the config file",
		Flags: []cli.Flag{
			configFlag(),
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Value: 10 * time.Second,
				Usage: "upper bound for a graceful stop",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	a, err := app.New(ctx, c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("load: %v", err), 1)
	}
	if err := a.Start(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("start: %v", err), 1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 1)
	}
	if stopErr != nil {
		return cli.Exit(fmt.Sprintf("stop: %v", stopErr), 1)
	}
	return nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the config file and exit",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			cfg, err := config.NewConfigManager(path).Parse()
			if err == nil {
				err = app.Validate(c.Context, cfg)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("%s: %v", path, err), 1)
			}
			fmt.Fprintf(c.App.Writer, "%s: ok (%d jobs)\n", path, len(cfg.Jobs))
			return nil
		},
	}
}
