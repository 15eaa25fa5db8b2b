//go:build !windows

package main

import "fmt"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

func runAsService(_ func() (*components, error)) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
