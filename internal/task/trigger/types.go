package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// DefaultStartupSpread caps the random delay before an interval schedule
// fires for the first time.
const DefaultStartupSpread = 30 * time.Second

// Config controls the trigger service.
type Config struct {
	Timezone      string        // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	StartupSpread time.Duration // <= 0 fires interval schedules right away
}

// Submitter is the part of the scheduler the trigger service drives.
type Submitter interface {
	Submit(t *task.Task) error
	Kill(id int64) bool
	// Pending reports whether task id is queued or on a worker.
	Pending(id int64) bool
}

// Job is what a schedule runs.
type Job struct {
	Name       string
	Run        func(ctx context.Context) error
	Timeout    time.Duration // <= 0 no timeout
	Background bool          // allowed to run in background mode
	DependsOn  string        // name of a schedule whose latest firing must finish first
}

type scheduleKind string

const (
	kindCron     scheduleKind = "cron"
	kindInterval scheduleKind = "interval"
	kindOnce     scheduleKind = "once"
)

type scheduleDef struct {
	job     Job
	kind    scheduleKind
	spec    string // cron spec or interval duration
	every   time.Duration
	at      time.Time
	entryID cron.EntryID
	timer   *time.Timer
	spread  time.Duration

	current *task.Task // periodic task, or the latest cron/once firing
	fires   uint64
	skips   uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	sub Submitter

	c       *cron.Cron
	started bool
	defs    map[string]*scheduleDef

	repMu      sync.Mutex
	lastReport map[string]time.Time
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	DependsOn string        `json:"depends_on,omitempty"`
	TaskID    int64         `json:"task_id,omitempty"`
	Fires     uint64        `json:"fires"`
	Skips     uint64        `json:"skips,omitempty"`
	Spread    time.Duration `json:"spread,omitempty"`
	Next      time.Time     `json:"next,omitzero"`
	Prev      time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
