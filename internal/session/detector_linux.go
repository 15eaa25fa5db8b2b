//go:build linux

package session

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type linuxDetector struct {
	interval time.Duration
	run      func(args ...string) ([]byte, error)
}

// NewDetector creates a Linux session detector backed by systemd-logind
// (loginctl). Session ids are the numeric logind/audit session ids.
func NewDetector(interval time.Duration) Detector {
	return &linuxDetector{interval: interval, run: loginctl}
}

func loginctl(args ...string) ([]byte, error) {
	return exec.Command("loginctl", args...).Output()
}

func (d *linuxDetector) ListSessions() ([]DetectedSession, error) {
	out, err := d.run("list-sessions", "--no-legend", "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("loginctl list-sessions: %w", err)
	}

	var sessions []DetectedSession
	for _, id := range parseSessionList(string(out)) {
		props, err := d.run("show-session", strconv.Itoa(id),
			"--property=Name,Remote,Active,LockedHint,State,Class")
		if err != nil {
			// Session ended between list and show.
			continue
		}
		if s, ok := parseSessionProperties(id, string(props)); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func (d *linuxDetector) WatchSessions(ctx context.Context) <-chan Event {
	return poll(ctx, d.interval, d.ListSessions)
}

// parseSessionList extracts numeric session ids from `loginctl list-sessions`.
// Non-numeric ids (e.g. greeter sessions "c1") are skipped.
func parseSessionList(out string) []int {
	var ids []int
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			log.Debug("skipping non-numeric session", "session", fields[0])
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// parseSessionProperties reads `loginctl show-session --property=...` output.
// Only live user sessions are reported.
func parseSessionProperties(id int, out string) (DetectedSession, bool) {
	s := DetectedSession{ID: id}
	class := "user"
	state := ""

	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "Name":
			s.Username = value
		case "Remote":
			s.Remote = value == "yes"
		case "Active":
			s.Connected = value == "yes"
		case "LockedHint":
			s.Locked = value == "yes"
		case "State":
			state = value
		case "Class":
			class = value
		}
	}

	if class != "user" || state == "closing" {
		return DetectedSession{}, false
	}
	return s, true
}
