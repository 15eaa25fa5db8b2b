//go:build !windows

package logging

import "errors"

var errNoEventLog = errors.New("logging: windows event log is not available on this platform")

// OpenEventLog is unavailable outside Windows; journald/syslog pick up stdout instead.
func OpenEventLog(string) (Sink, error) { return nil, errNoEventLog }

// InstallEventSource is a no-op outside Windows.
func InstallEventSource(string) error { return nil }

// RemoveEventSource is a no-op outside Windows.
func RemoveEventSource(string) error { return nil }
