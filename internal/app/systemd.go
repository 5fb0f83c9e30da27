package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "crontick/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Every call is a no-op when
// disabled or when NOTIFY_SOCKET is unset.
type sdNotifier struct {
	enabled  bool
	log      logx.Logger
	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

func newSDNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{
		enabled:  enabled,
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *sdNotifier) Ready() bool    { return n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Watchdog pings at half of WATCHDOG_USEC until ctx ends. It returns at once
// when the unit has no watchdog.
func (n *sdNotifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	iv, err := n.interval()
	if err != nil || iv <= 0 {
		return nil
	}
	every := iv / 2
	n.log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
