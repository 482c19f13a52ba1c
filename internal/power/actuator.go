package power

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// SystemActuator acts on the host: it reboots or powers off through the
// kernel, suspends through /sys/power/state and powers the radio down by
// soft-blocking every wlan rfkill switch.
type SystemActuator struct {
	// SysfsRoot defaults to /sys.
	SysfsRoot string

	reboot func(State) error
}

// Act implements Actuator.
func (a SystemActuator) Act(state State) error {
	switch state {
	case SoftwareReset, PowerOff:
		reboot := a.reboot
		if reboot == nil {
			reboot = kernelReboot
		}
		return reboot(state)
	case Standby:
		return writeSysfs(filepath.Join(a.root(), "power", "state"), "mem")
	case WlanPowerdown:
		return a.blockWireless()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, state)
	}
}

func (a SystemActuator) root() string {
	if a.SysfsRoot == "" {
		return "/sys"
	}
	return a.SysfsRoot
}

func (a SystemActuator) blockWireless() error {
	switches, err := filepath.Glob(filepath.Join(a.root(), "class", "rfkill", "rfkill*"))
	if err != nil {
		return err
	}

	blocked := 0
	for _, dir := range switches {
		typ, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || !bytes.Equal(bytes.TrimSpace(typ), []byte("wlan")) {
			continue
		}
		if err := writeSysfs(filepath.Join(dir, "soft"), "1"); err != nil {
			return err
		}
		blocked++
	}
	if blocked == 0 {
		return fmt.Errorf("%w: no wlan rfkill switch", ErrUnsupported)
	}
	return nil
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
