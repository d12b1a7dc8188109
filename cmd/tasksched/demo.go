package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"tasksched/internal/dispatch"
	"tasksched/internal/task"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "run a short scripted workload and print the history",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 3, Usage: "max concurrent task bodies"},
			&cli.IntFlag{Name: "burst", Value: 50, Usage: "tasks submitted concurrently in the burst phase"},
			&cli.StringFlag{Name: "log-level", Value: "warn"},
		},
		Action: demoAction,
	}
}

func demoAction(c *cli.Context) error {
	log := logx.NewConsole(c.String("log-level"))
	loop := dispatch.NewLoop(log)
	defer loop.Close()

	cfg := scheduler.DefaultConfig()
	cfg.MaxWorkers = c.Int("workers")
	s := scheduler.New(cfg, scheduler.WithLogger(log), scheduler.WithDispatcher(loop))

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	}()

	phases := []struct {
		name string
		run  func(context.Context, *scheduler.Scheduler) error
	}{
		{"dependency chain", demoChain},
		{"periodic heartbeat", demoHeartbeat},
		{"designated context", demoDesignated},
		{"burst", func(ctx context.Context, s *scheduler.Scheduler) error {
			return demoBurst(ctx, s, c.Int("burst"))
		}},
	}
	for _, p := range phases {
		start := time.Now()
		if err := p.run(ctx, s); err != nil {
			return cli.Exit(fmt.Sprintf("%s: %v", p.name, err), 1)
		}
		fmt.Printf("== %s done in %s\n", p.name, time.Since(start).Round(time.Millisecond))
	}

	snap := s.Snapshot()
	fmt.Printf("history: %d results, pool: %+v\n", snap.HistoryLen, snap.Pool)
	return nil
}

func sleepBody(d time.Duration, label string) task.RunFunc {
	return func(ctx context.Context, t *task.Task) (*task.Result, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r := task.OK(t.ID(), label)
		return &r, nil
	}
}

func waitResult(ctx context.Context, s *scheduler.Scheduler, id int64) (task.Result, error) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if r, ok := s.SearchHistory(id); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		case <-tick.C:
		}
	}
}

// demoChain runs extract -> transform -> load, submitted in reverse order.
func demoChain(ctx context.Context, s *scheduler.Scheduler) error {
	extract := task.New(0, sleepBody(30*time.Millisecond, "extracted"), task.WithName("extract"))
	transform := task.New(0, sleepBody(20*time.Millisecond, "transformed"),
		task.WithName("transform"), task.DependsOn(extract.ID()))
	load := task.New(0, sleepBody(10*time.Millisecond, "loaded"),
		task.WithName("load"), task.DependsOn(transform.ID()))

	if err := s.SubmitBatch(load, transform, extract); err != nil {
		return err
	}
	for _, t := range []*task.Task{extract, transform, load} {
		r, err := waitResult(ctx, s, t.ID())
		if err != nil {
			return err
		}
		fmt.Printf("  %-9s %s at %s\n", t.Name(), r.Code(), r.At().Format("15:04:05.000"))
	}
	return nil
}

// demoHeartbeat fires a periodic task a few times and then kills it.
func demoHeartbeat(ctx context.Context, s *scheduler.Scheduler) error {
	var beats atomic.Int32
	hb := task.NewPeriodic(0, 50*time.Millisecond, func(context.Context, *task.Task) (*task.Result, error) {
		n := beats.Add(1)
		fmt.Printf("  heartbeat %d\n", n)
		return nil, nil
	}, task.WithName("heartbeat"), task.WithBackground(true))
	if err := s.Submit(hb); err != nil {
		return err
	}
	for beats.Load() < 3 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !s.Kill(hb.ID()) {
		return errors.New("heartbeat not found")
	}
	return nil
}

// demoDesignated runs a body and its finish hook on the dispatch loop.
func demoDesignated(ctx context.Context, s *scheduler.Scheduler) error {
	finished := make(chan struct{})
	t := task.New(0, sleepBody(5*time.Millisecond, "designated"),
		task.WithName("designated"),
		task.WithDesignatedRun(),
		task.WithDesignatedFinish(),
		task.WithOnFinish(func(t *task.Task, r task.Result) {
			fmt.Printf("  %s finished with %s\n", t.Name(), r.Code())
			close(finished)
		}),
	)
	if err := s.Submit(t); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// demoBurst submits n tasks from concurrent goroutines and reports the
// highest observed concurrency.
func demoBurst(ctx context.Context, s *scheduler.Scheduler, n int) error {
	var live, peak atomic.Int32
	body := func(context.Context, *task.Task) (*task.Result, error) {
		cur := live.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		live.Add(-1)
		return nil, nil
	}

	ids := make([]int64, n)
	g, _ := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			t := task.New(0, body, task.WithName(fmt.Sprintf("burst-%d", i)))
			ids[i] = t.ID()
			return s.Submit(t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := waitResult(ctx, s, id); err != nil {
			return err
		}
	}
	fmt.Printf("  %d tasks, peak concurrency %d (max %d)\n", n, peak.Load(), s.Config().MaxWorkers)
	return nil
}
