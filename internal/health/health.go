// Package health tracks whether session events are arriving and whether
// process termination is working.
package health

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/breeze-rmm/session-monitor/internal/logging"
)

var log = logging.L("health")

// Component names reported by the service.
const (
	SessionEvents  = "session-events"
	ProcessControl = "process-control"
)

// Status is ordered from best to worst.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}

// Check is the latest report for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Failures  int       `json:"failures,omitempty"` // consecutive non-healthy reports
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor holds one Check per component. A nil *Monitor ignores reports
// and is always Healthy, so callers never need to guard it.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check), now: time.Now}
}

// Update records a report for name. Only status transitions are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if m == nil {
		return
	}

	now := m.now()

	m.mu.Lock()
	prev, seen := m.checks[name]
	next := Check{Name: name, Status: status, Message: message, Since: now, UpdatedAt: now}
	if seen && prev.Status == status {
		next.Since = prev.Since
	}
	if status != Healthy {
		next.Failures = prev.Failures + 1
	}
	m.checks[name] = next
	m.mu.Unlock()

	if seen && prev.Status == status {
		return
	}
	if status == Healthy {
		if seen {
			log.Info("component recovered", "check", name, "after", now.Sub(prev.Since).Round(time.Second).String())
		}
		return
	}
	log.Warn("component unhealthy", "check", name, "status", string(status), "message", message)
}

// Get returns the check for name.
func (m *Monitor) Get(name string) (Check, bool) {
	if m == nil {
		return Check{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all checks.
func (m *Monitor) Overall() Status {
	worst := Healthy
	for _, c := range m.All() {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	return worst
}

// All returns every check sorted by name.
func (m *Monitor) All() []Check {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	checks := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	slices.SortFunc(checks, func(a, b Check) int { return cmp.Compare(a.Name, b.Name) })
	return checks
}

// Summary flattens the checks for a single log entry.
func (m *Monitor) Summary() map[string]any {
	checks := m.All()
	components := make(map[string]string, len(checks))
	for _, c := range checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.Overall()),
		"components": components,
	}
}
