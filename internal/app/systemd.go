package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tasksched/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdStopping  = daemon.SdNotifyStopping
	sdReloading = daemon.SdNotifyReloading
	sdWatchdog  = daemon.SdNotifyWatchdog
)

// sdNotifier talks to systemd's notify socket. Outside a Type=notify unit
// every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *sdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *sdNotifier) watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// watchdog pings systemd every interval while healthy reports true.
func (n *sdNotifier) watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy() {
				n.notify(sdWatchdog)
			}
		}
	}
}
