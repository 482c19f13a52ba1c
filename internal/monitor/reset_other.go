//go:build !linux

package monitor

import "log/slog"

// NewResetter returns the resetter for the configured action. Rebooting is
// only supported on Linux, so every action exits the process.
func NewResetter(_ string, logger *slog.Logger) Resetter {
	return ExitResetter{Code: 1, Logger: logger}
}
