//go:build !linux

package power

import "fmt"

func kernelReboot(state State) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, state)
}
