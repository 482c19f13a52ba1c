//go:build linux

package power

import "golang.org/x/sys/unix"

func kernelReboot(state State) error {
	cmd := unix.LINUX_REBOOT_CMD_RESTART
	if state == PowerOff {
		cmd = unix.LINUX_REBOOT_CMD_POWER_OFF
	}
	unix.Sync()
	return unix.Reboot(cmd)
}
