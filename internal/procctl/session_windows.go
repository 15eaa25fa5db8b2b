//go:build windows

package procctl

import (
	"errors"

	"golang.org/x/sys/windows"
)

func sessionIDOf(pid int32) (int, error) {
	var sid uint32
	if err := windows.ProcessIdToSessionId(uint32(pid), &sid); err != nil {
		return 0, err
	}
	return int(sid), nil
}

// OpenProcess on an exited PID fails with ERROR_INVALID_PARAMETER.
func isInvalidHandle(err error) bool {
	return errors.Is(err, windows.ERROR_INVALID_PARAMETER)
}
