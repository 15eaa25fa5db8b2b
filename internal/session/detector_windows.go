//go:build windows

package session

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsDetector struct {
	interval time.Duration
}

// NewDetector creates a Windows session detector using the WTS API. It is
// used when the monitor runs in a console; under the service control
// manager events arrive through the service handler instead.
func NewDetector(interval time.Duration) Detector {
	return &windowsDetector{interval: interval}
}

var (
	modWtsapi32              = windows.NewLazySystemDLL("wtsapi32.dll")
	procWTSEnumerateSessions = modWtsapi32.NewProc("WTSEnumerateSessionsW")
	procWTSFreeMemory        = modWtsapi32.NewProc("WTSFreeMemory")
	procWTSQuerySessionInfo  = modWtsapi32.NewProc("WTSQuerySessionInformationW")
)

const (
	wtsCurrentServerHandle = 0

	wtsUserName           = 5
	wtsClientProtocolType = 16
	wtsSessionInfoEx      = 25

	wtsActive       = 0
	wtsDisconnected = 4

	wtsProtocolConsole = 0

	wtsSessionStateLock = 0
	// offset of SessionFlags in WTSINFOEXW: Level, SessionId, SessionState.
	wtsInfoExFlagsOffset = 12
)

type wtsSessionInfo struct {
	SessionID      uint32
	WinStationName *uint16
	State          uint32
}

func (d *windowsDetector) ListSessions() ([]DetectedSession, error) {
	var sessionInfo uintptr
	var count uint32

	r1, _, err := procWTSEnumerateSessions.Call(
		wtsCurrentServerHandle,
		0, // reserved
		1, // version
		uintptr(unsafe.Pointer(&sessionInfo)),
		uintptr(unsafe.Pointer(&count)),
	)
	if r1 == 0 {
		return nil, fmt.Errorf("WTSEnumerateSessions: %w", err)
	}
	defer procWTSFreeMemory.Call(sessionInfo)

	var sessions []DetectedSession
	size := unsafe.Sizeof(wtsSessionInfo{})

	for i := uint32(0); i < count; i++ {
		info := (*wtsSessionInfo)(unsafe.Pointer(sessionInfo + uintptr(i)*size))

		// Session 0 hosts services, not users.
		if info.SessionID == 0 {
			continue
		}
		if info.State != wtsActive && info.State != wtsDisconnected {
			continue
		}

		username := d.queryString(info.SessionID, wtsUserName)
		if username == "" {
			continue
		}

		sessions = append(sessions, DetectedSession{
			ID:        int(info.SessionID),
			Username:  username,
			Remote:    d.isRemote(info.SessionID),
			Connected: info.State == wtsActive,
			Locked:    d.isLocked(info.SessionID),
		})
	}

	return sessions, nil
}

func (d *windowsDetector) WatchSessions(ctx context.Context) <-chan Event {
	return poll(ctx, d.interval, d.ListSessions)
}

// query returns the raw WTSQuerySessionInformation buffer. The caller must
// release it with procWTSFreeMemory.
func (d *windowsDetector) query(sessionID, infoClass uint32) (uintptr, uint32, bool) {
	var buf uintptr
	var bytesReturned uint32

	r1, _, _ := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		uintptr(infoClass),
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&bytesReturned)),
	)
	if r1 == 0 || buf == 0 {
		return 0, 0, false
	}
	return buf, bytesReturned, true
}

func (d *windowsDetector) queryString(sessionID, infoClass uint32) string {
	buf, _, ok := d.query(sessionID, infoClass)
	if !ok {
		return ""
	}
	defer procWTSFreeMemory.Call(buf)

	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(buf)))
}

func (d *windowsDetector) isRemote(sessionID uint32) bool {
	buf, n, ok := d.query(sessionID, wtsClientProtocolType)
	if !ok {
		return false
	}
	defer procWTSFreeMemory.Call(buf)

	if n < 2 {
		return false
	}
	return *(*uint16)(unsafe.Pointer(buf)) != wtsProtocolConsole
}

func (d *windowsDetector) isLocked(sessionID uint32) bool {
	buf, n, ok := d.query(sessionID, wtsSessionInfoEx)
	if !ok {
		return false
	}
	defer procWTSFreeMemory.Call(buf)

	if n < wtsInfoExFlagsOffset+4 {
		return false
	}
	flags := *(*int32)(unsafe.Pointer(buf + wtsInfoExFlagsOffset))
	return flags == wtsSessionStateLock
}
