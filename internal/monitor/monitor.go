// Package monitor terminates an agent process when its session is locked
// for longer than a grace period, or immediately when the session
// disconnects.
//
// A Monitor is a two-state machine, Idle and Armed(sid). Lock(sid) arms a
// single grace-period timer for sid, replacing any earlier one; every other
// session change disarms it. When the timer fires the agent in the pending
// session is terminated. Console and remote disconnects terminate the agent
// in the disconnecting session regardless of state.
//
// State transitions happen under one mutex. Process enumeration and
// termination run after the mutex is released, optionally on a worker pool.
// Each arm and cancel bumps a generation counter so an expiry that raced
// with a cancel is discarded.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/session-monitor/internal/audit"
	"github.com/breeze-rmm/session-monitor/internal/health"
	"github.com/breeze-rmm/session-monitor/internal/logging"
	"github.com/breeze-rmm/session-monitor/internal/procctl"
	"github.com/breeze-rmm/session-monitor/internal/session"
)

var log = logging.L("monitor")

// NoSession marks an empty pending slot.
const NoSession = -1

// ProcessController lists and terminates processes.
type ProcessController interface {
	ListByName(name string) ([]procctl.Process, error)
	Terminate(p procctl.Process) error
}

// Config wires a Monitor to its collaborators. Only Processes is required.
type Config struct {
	GracePeriod   time.Duration
	TargetProcess string
	Processes     ProcessController

	// Dispatch runs a termination batch off the caller's goroutine. It
	// returns false if the task was not accepted, in which case the batch
	// runs inline. Nil runs every batch inline.
	Dispatch func(task func()) bool

	Audit  *audit.Logger
	Health *health.Monitor

	// AfterFunc overrides the timer implementation. Nil uses time.AfterFunc.
	AfterFunc AfterFunc
}

// State is a point-in-time view of the monitor.
type State struct {
	Pending int  `json:"pending"`
	Armed   bool `json:"armed"`
}

// Monitor reacts to session changes and grace-period expiry.
type Monitor struct {
	gracePeriod time.Duration
	target      string
	procs       ProcessController
	dispatch    func(task func()) bool
	audit       *audit.Logger
	health      *health.Monitor

	mu         sync.Mutex
	pending    int
	generation uint64
	timer      graceTimer
	closed     bool
}

// New creates an idle Monitor.
func New(cfg Config) *Monitor {
	after := cfg.AfterFunc
	if after == nil {
		after = timeAfterFunc
	}

	m := &Monitor{
		gracePeriod: cfg.GracePeriod,
		target:      cfg.TargetProcess,
		procs:       cfg.Processes,
		dispatch:    cfg.Dispatch,
		audit:       cfg.Audit,
		health:      cfg.Health,
		pending:     NoSession,
		timer:       graceTimer{after: after},
	}

	log.Info("using locked session grace period",
		"gracePeriod", cfg.GracePeriod.String(),
		logging.KeyProcess, cfg.TargetProcess)
	return m
}

// HandleSessionEvent applies one session change. It never panics and never
// returns an error; failures are logged.
func (m *Monitor) HandleSessionEvent(evt session.Event) {
	defer m.recoverPanic("session change")

	log.Info("session status changed",
		logging.KeyReason, evt.Reason.String(),
		logging.KeySessionID, evt.SessionID)

	if !m.transition(evt) {
		return
	}

	if evt.Reason.IsDisconnect() {
		m.runTermination(evt.SessionID, "session change")
	}
}

// transition commits the state change for evt. It reports false once the
// monitor is closed.
func (m *Monitor) transition(evt session.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if evt.Reason == session.Lock {
		m.pending = evt.SessionID
		m.armLocked()
	} else {
		// Any other change means the user is back in control.
		m.pending = NoSession
		m.disarmLocked()
	}
	return true
}

// onGracePeriodExpired is the timer callback for the arm that produced gen.
func (m *Monitor) onGracePeriodExpired(gen uint64) {
	defer m.recoverPanic("locked session")

	m.mu.Lock()
	if m.closed || gen != m.generation || m.pending == NoSession {
		m.mu.Unlock()
		log.Debug("discarding stale grace period expiry", "generation", gen)
		return
	}
	sid := m.pending
	m.pending = NoSession
	m.timer.fired()
	m.mu.Unlock()

	log.Info("session lock grace period ended", logging.KeySessionID, sid)
	m.runTermination(sid, "locked session")
}

// armLocked (re)starts the grace period for m.pending. Caller holds m.mu.
func (m *Monitor) armLocked() {
	m.generation++
	gen := m.generation
	m.timer.arm(m.gracePeriod, func() { m.onGracePeriodExpired(gen) })
}

// disarmLocked cancels any armed timer. Caller holds m.mu.
func (m *Monitor) disarmLocked() {
	if m.timer.armed() {
		m.generation++
		m.timer.cancel()
	}
}

// State returns the pending session and whether the timer is armed.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Pending: m.pending, Armed: m.timer.armed()}
}

// Close cancels any pending grace period. Events after Close are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.pending = NoSession
	m.disarmLocked()
}

// TerminateAgentFor kills every target process running in sessionID.
// Zero matches is not an error. Per-process failures do not stop the
// batch; they are returned joined, each as a *TerminationError.
func (m *Monitor) TerminateAgentFor(sessionID int) error {
	_, err := m.terminate(sessionID)
	return err
}

// TerminationError records one process that could not be terminated.
type TerminationError struct {
	Process procctl.Process
	Err     error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate %s (pid %d) in session %d: %v", e.Process.Name, e.Process.PID, e.Process.SessionID, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

func (m *Monitor) terminate(sessionID int) (string, error) {
	batchID := uuid.NewString()
	blog := logging.WithBatch(log, batchID)

	procs, err := m.procs.ListByName(m.target)
	if err != nil {
		m.health.Update(health.ProcessControl, health.Degraded, err.Error())
		return batchID, fmt.Errorf("list %s processes: %w", m.target, err)
	}

	var failures []error
	for _, p := range procs {
		if p.SessionID != sessionID {
			continue
		}

		blog.Info("killing process", logging.KeyProcess, p.Name, logging.KeyPID, p.PID, logging.KeySessionID, p.SessionID)
		err := m.procs.Terminate(p)
		switch {
		case err == nil:
			m.audit.Log(audit.EventProcessTerminated, batchID, processDetails(p, nil))
		case errors.Is(err, procctl.ErrProcessGone):
			blog.Info("process already exited", logging.KeyPID, p.PID, logging.KeySessionID, p.SessionID)
		default:
			m.audit.Log(audit.EventTerminationFailed, batchID, processDetails(p, err))
			failures = append(failures, &TerminationError{Process: p, Err: err})
		}
	}

	if len(failures) > 0 {
		m.health.Update(health.ProcessControl, health.Degraded, fmt.Sprintf("%d termination(s) failed", len(failures)))
		return batchID, errors.Join(failures...)
	}
	m.health.Update(health.ProcessControl, health.Healthy, "")
	return batchID, nil
}

// runTermination executes a termination batch outside the state lock and
// logs its failures. trigger names the callback for the log entry.
func (m *Monitor) runTermination(sessionID int, trigger string) {
	task := func() {
		defer m.recoverPanic(trigger)

		batchID, err := m.terminate(sessionID)
		if err != nil {
			logFailures(logging.WithBatch(log, batchID), trigger, err)
		}
	}

	if m.dispatch != nil && m.dispatch(task) {
		return
	}
	task()
}

// logFailures writes one error entry per failed process, or one entry for
// an enumeration failure.
func logFailures(l *slog.Logger, trigger string, err error) {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	for _, e := range errs {
		args := []any{
			logging.KeyCode, procctl.ErrorCode(e),
			logging.KeyError, e.Error(),
		}
		var te *TerminationError
		if errors.As(e, &te) {
			args = append(args, logging.KeyPID, te.Process.PID, logging.KeySessionID, te.Process.SessionID)
		}
		l.Error("error while handling "+trigger, args...)
	}
}

func processDetails(p procctl.Process, err error) map[string]any {
	d := map[string]any{
		"pid":       p.PID,
		"name":      p.Name,
		"sessionId": p.SessionID,
	}
	if err != nil {
		d["error"] = err.Error()
		d["code"] = procctl.ErrorCode(err)
	}
	return d
}

func (m *Monitor) recoverPanic(where string) {
	if r := recover(); r != nil {
		log.Error("panic while handling "+where, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	}
}
