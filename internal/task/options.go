package task

import "time"

type Option func(*Task)

func WithName(name string) Option {
	return func(t *Task) { t.name = name }
}

// WithBackground lets a periodic task fire while the scheduler sleeps.
func WithBackground(allow bool) Option {
	return func(t *Task) { t.allowBackground = allow }
}

// WithDesignatedRun runs the body through Dispatcher.Run.
func WithDesignatedRun() Option {
	return func(t *Task) { t.designatedRun = true }
}

// WithDesignatedFinish posts the finish hook through Dispatcher.Post.
func WithDesignatedFinish() Option {
	return func(t *Task) { t.designatedFinish = true }
}

func WithOnFinish(fn FinishFunc) Option {
	return func(t *Task) { t.onFinish = fn }
}

func WithOnKill(fn KillFunc) Option {
	return func(t *Task) { t.onKill = fn }
}

func WithCheckDependencies(fn CheckFunc) Option {
	return func(t *Task) { t.check = fn }
}

// DependsOn is WaitFor as a constructor option.
func DependsOn(id int64) Option {
	return func(t *Task) {
		if id != 0 {
			t.WaitFor(id)
		}
	}
}

// WithLastRunAt seeds a periodic task's last firing time.
func WithLastRunAt(at time.Time) Option {
	return func(t *Task) { t.SetLastRunAt(at) }
}
