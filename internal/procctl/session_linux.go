//go:build linux

package procctl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procRoot is the procfs mount point. Overridden in tests.
var procRoot = "/proc"

// unsetSessionID is the audit session id of processes outside any login.
const unsetSessionID = 4294967295

var errNoSession = errors.New("procctl: process has no login session")

// sessionIDOf reads the audit session id, which systemd-logind uses as the
// session id for sessions opened through pam_loginuid.
func sessionIDOf(pid int32) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/sessionid", procRoot, pid))
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse sessionid for pid %d: %w", pid, err)
	}
	if id == unsetSessionID {
		return 0, errNoSession
	}
	return int(id), nil
}

func isInvalidHandle(error) bool { return false }
