// Package systemd reports service state to the service manager through
// sd_notify. Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "keptpush/pkg/logx"
)

// Ready tells systemd that startup finished. It reports whether a
// notification was sent.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns at once when the unit has no WatchdogSec.
func Watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
