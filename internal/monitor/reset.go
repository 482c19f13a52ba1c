package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ExitResetter terminates the process with Code, leaving the restart to the
// service supervisor.
type ExitResetter struct {
	Code   int
	Logger *slog.Logger

	exit func(int)
}

// Reset logs the reason and exits.
func (r ExitResetter) Reset(reason string) {
	if r.Logger != nil {
		r.Logger.Error("exiting for watchdog reset", "reason", reason)
	}
	exit := r.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(r.Code)
}

// DeviceWatchdog kicks a kernel watchdog device such as /dev/watchdog.
// Any write resets the kernel timer.
type DeviceWatchdog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenWatchdog opens the watchdog device at path. Opening arms the timer.
func OpenWatchdog(path string) (*DeviceWatchdog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open watchdog: %w", err)
	}
	return &DeviceWatchdog{file: f}, nil
}

// Kick resets the watchdog timer.
func (w *DeviceWatchdog) Kick() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	_, err := w.file.Write([]byte{0})
	return err
}

// Close disarms the watchdog with the magic close character and closes
// the device.
func (w *DeviceWatchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	_, _ = w.file.Write([]byte("V"))
	err := w.file.Close()
	w.file = nil
	return err
}
