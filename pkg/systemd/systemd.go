// Package systemd speaks the sd_notify protocol to the service manager.
// Outside systemd (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type notifyFunc func(unsetEnv bool, state string) (bool, error)

type Notifier struct {
	notify   notifyFunc
	watchdog time.Duration
}

// NewNotifier reads NOTIFY_SOCKET and WATCHDOG_USEC from the environment.
func NewNotifier() *Notifier {
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		wd = 0
	}
	return &Notifier{notify: daemon.SdNotify, watchdog: wd}
}

// Ready tells systemd that startup finished (Type=notify units).
func (n *Notifier) Ready() error { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() error { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() error { return n.send(daemon.SdNotifyReloading) }

// Watchdog pings the service watchdog.
func (n *Notifier) Watchdog() error { return n.send(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by `systemctl status`.
func (n *Notifier) Status(line string) error {
	line = strings.ReplaceAll(strings.TrimSpace(line), "\n", " ")
	return n.send("STATUS=" + line)
}

// WatchdogInterval is WatchdogSec, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil {
		return 0
	}
	return n.watchdog
}

func (n *Notifier) send(state string) error {
	if n == nil || n.notify == nil {
		return nil
	}
	_, err := n.notify(false, state)
	return err
}
