package procctl

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessGone is returned when the process exited (or its PID was reused)
// between enumeration and termination.
var ErrProcessGone = errors.New("procctl: process no longer running")

// Process is a snapshot of a live process belonging to a session.
type Process struct {
	PID        int32  `json:"pid"`
	Name       string `json:"name"`
	SessionID  int    `json:"sessionId"`
	CreateTime int64  `json:"createTime"` // ms since epoch
}

// Controller lists and kills processes through gopsutil.
type Controller struct {
	// sessionOf resolves a PID to its OS session id. Overridden in tests.
	sessionOf func(pid int32) (int, error)
}

// New returns a Controller using the platform session lookup.
func New() *Controller {
	return &Controller{sessionOf: sessionIDOf}
}

// ListByName returns every process whose executable name matches name.
// Processes whose details cannot be read (exited, access denied) are skipped.
func (c *Controller) ListByName(name string) ([]Process, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	var matches []Process
	for _, p := range procs {
		procName, err := p.Name()
		if err != nil || !MatchName(procName, name) {
			continue
		}

		sid, err := c.sessionOf(p.Pid)
		if err != nil {
			continue
		}

		createTime, _ := p.CreateTime()
		matches = append(matches, Process{
			PID:        p.Pid,
			Name:       procName,
			SessionID:  sid,
			CreateTime: createTime,
		})
	}
	return matches, nil
}

// Terminate kills the process outright. The process is re-opened and its
// creation time compared to the snapshot so a reused PID is never killed.
func (c *Controller) Terminate(target Process) error {
	p, err := process.NewProcess(target.PID)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("pid %d: %w", target.PID, ErrProcessGone)
		}
		return fmt.Errorf("open pid %d: %w", target.PID, err)
	}

	if target.CreateTime != 0 {
		if ct, err := p.CreateTime(); err == nil && ct != target.CreateTime {
			return fmt.Errorf("pid %d reused: %w", target.PID, ErrProcessGone)
		}
	}

	if err := p.Kill(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("pid %d: %w", target.PID, ErrProcessGone)
		}
		return fmt.Errorf("kill pid %d (%s): %w", target.PID, target.Name, err)
	}
	return nil
}

// MatchName reports whether a process image name matches the configured
// target. Matching ignores case and a trailing ".exe".
func MatchName(procName, target string) bool {
	trim := func(s string) string {
		s = strings.TrimSpace(s)
		if strings.HasSuffix(strings.ToLower(s), ".exe") {
			s = s[:len(s)-len(".exe")]
		}
		return s
	}
	return strings.EqualFold(trim(procName), trim(target))
}

// ErrorCode returns the OS error number carried by err, or -1 if none.
func ErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}

func isNotFound(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, process.ErrorProcessNotRunning) || isInvalidHandle(err)
}
