//go:build !(linux || darwin)

package health

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space not available on this platform")
}
