//go:build linux

package monitor

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// RebootResetter flushes filesystems and restarts the machine. It needs
// CAP_SYS_BOOT; when the reboot call fails it falls back to Fallback.
type RebootResetter struct {
	Logger   *slog.Logger
	Fallback Resetter
}

// Reset reboots the device.
func (r RebootResetter) Reset(reason string) {
	if r.Logger != nil {
		r.Logger.Error("rebooting for watchdog reset", "reason", reason)
	}
	unix.Sync()
	err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
	if r.Logger != nil {
		r.Logger.Error("reboot failed", "error", err)
	}
	if r.Fallback != nil {
		r.Fallback.Reset(reason)
	}
}

// NewResetter returns the resetter for the configured action: "reboot" or
// "exit".
func NewResetter(action string, logger *slog.Logger) Resetter {
	exit := ExitResetter{Code: 1, Logger: logger}
	if action == "reboot" {
		return RebootResetter{Logger: logger, Fallback: exit}
	}
	return exit
}
