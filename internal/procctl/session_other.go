//go:build !linux && !windows

package procctl

import "errors"

var errNoSessionLookup = errors.New("procctl: process session lookup is not supported on this platform")

func sessionIDOf(int32) (int, error) { return 0, errNoSessionLookup }

func isInvalidHandle(error) bool { return false }
