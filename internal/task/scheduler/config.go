package scheduler

import (
	"time"

	"tasksched/internal/task/pool"
)

// Config holds the runtime-mutable settings. Apply swaps them live.
type Config struct {
	MaxWorkers        int           `json:"max_workers"`
	WorkerIdleTimeout time.Duration `json:"worker_idle_timeout"` // <= 0 never retires idle workers
	TemporalWorkers   bool          `json:"temporal_workers"`
	Background        bool          `json:"background"`
	HistoryLimit      int           `json:"history_limit"` // <= 0 unbounded
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:        pool.DefaultMaxWorkers,
		WorkerIdleTimeout: pool.DefaultIdleTimeout,
	}
}

func (c Config) normalized() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = pool.DefaultMaxWorkers
	}
	return c
}
