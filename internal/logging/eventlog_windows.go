//go:build windows

package logging

import (
	"log/slog"

	"golang.org/x/sys/windows/svc/eventlog"
)

const eventID uint32 = 1

type eventLogSink struct {
	log *eventlog.Log
}

// OpenEventLog opens the Windows Event Log source as a Sink. The source
// must have been registered with InstallEventSource.
func OpenEventLog(source string) (Sink, error) {
	l, err := eventlog.Open(source)
	if err != nil {
		return nil, err
	}
	return &eventLogSink{log: l}, nil
}

// InstallEventSource registers source with the Event Log service.
func InstallEventSource(source string) error {
	return eventlog.InstallAsEventCreate(source, eventlog.Error|eventlog.Warning|eventlog.Info)
}

// RemoveEventSource deletes the registry entries for source.
func RemoveEventSource(source string) error {
	return eventlog.Remove(source)
}

func (s *eventLogSink) Write(level slog.Level, line string) error {
	switch {
	case level >= slog.LevelError:
		return s.log.Error(eventID, line)
	case level >= slog.LevelWarn:
		return s.log.Warning(eventID, line)
	default:
		return s.log.Info(eventID, line)
	}
}

func (s *eventLogSink) Close() error {
	return s.log.Close()
}
