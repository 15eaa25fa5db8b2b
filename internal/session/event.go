package session

import (
	"errors"
	"fmt"
)

// Reason identifies the kind of session change. Values match the Windows
// WTS_* session-change codes so service notifications convert directly.
type Reason uint32

const (
	ConsoleConnect    Reason = 1
	ConsoleDisconnect Reason = 2
	RemoteConnect     Reason = 3
	RemoteDisconnect  Reason = 4
	Logon             Reason = 5
	Logoff            Reason = 6
	Lock              Reason = 7
	Unlock            Reason = 8
	RemoteControl     Reason = 9
)

var reasonNames = map[Reason]string{
	ConsoleConnect:    "ConsoleConnect",
	ConsoleDisconnect: "ConsoleDisconnect",
	RemoteConnect:     "RemoteConnect",
	RemoteDisconnect:  "RemoteDisconnect",
	Logon:             "SessionLogon",
	Logoff:            "SessionLogoff",
	Lock:              "SessionLock",
	Unlock:            "SessionUnlock",
	RemoteControl:     "SessionRemoteControl",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", uint32(r))
}

// IsDisconnect reports whether the reason detaches the session's display.
func (r Reason) IsDisconnect() bool {
	return r == ConsoleDisconnect || r == RemoteDisconnect
}

// Event is a single session change delivered by the OS.
type Event struct {
	Reason    Reason `json:"reason"`
	SessionID int    `json:"sessionId"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%d)", e.Reason, e.SessionID)
}

// FromServiceNotification converts a service control manager session-change
// notification (event type and WTSSESSION_NOTIFICATION session id).
func FromServiceNotification(eventType, sessionID uint32) Event {
	return Event{Reason: Reason(eventType), SessionID: int(sessionID)}
}

// ErrUnsupported is returned by detectors on platforms without a session API.
var ErrUnsupported = errors.New("session: session detection is not supported on this platform")
