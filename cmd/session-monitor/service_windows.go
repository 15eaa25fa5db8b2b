//go:build windows

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"

	"github.com/breeze-rmm/session-monitor/internal/session"
)

const windowsServiceName = "UserSessionMonitor"

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// monitorService implements svc.Handler for the Windows SCM.
type monitorService struct {
	startFn func() (*components, error)
}

// runAsService runs the monitor under the Windows Service Control Manager.
// Session changes arrive as SCM control requests instead of being polled.
func runAsService(startFn func() (*components, error)) error {
	return svc.Run(windowsServiceName, &monitorService{startFn: startFn})
}

// Execute is the SCM callback. It reports Running once the monitor is up,
// forwards session-change notifications and blocks until Stop or Shutdown.
func (s *monitorService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptSessionChange

	changes <- svc.Status{State: svc.StartPending}

	comps, err := s.startFn()
	if err != nil {
		log.Error("monitor start failed", "error", err.Error())
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("session monitor running as Windows service", "version", version)

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.SessionChange:
			comps.monitor.HandleSessionEvent(sessionEvent(cr))
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			shutdownMonitor(comps)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	shutdownMonitor(comps)
	return false, 0
}

// sessionEvent decodes the WTSSESSION_NOTIFICATION carried by a
// SERVICE_CONTROL_SESSIONCHANGE request.
func sessionEvent(cr svc.ChangeRequest) session.Event {
	var sid uint32
	if cr.EventData != 0 {
		sid = (*windows.WTSSESSION_NOTIFICATION)(unsafe.Pointer(cr.EventData)).SessionID
	}
	return session.FromServiceNotification(cr.EventType, sid)
}
