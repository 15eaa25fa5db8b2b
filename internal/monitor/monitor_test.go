package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/breeze-rmm/session-monitor/internal/audit"
	"github.com/breeze-rmm/session-monitor/internal/health"
	"github.com/breeze-rmm/session-monitor/internal/procctl"
	"github.com/breeze-rmm/session-monitor/internal/session"
	"github.com/breeze-rmm/session-monitor/internal/workerpool"
)

const target = "UiPath.Agent"

// fakeClock hands out manually fired timers and tracks how many are armed.
type fakeClock struct {
	mu       sync.Mutex
	timers   []*fakeTimer
	armed    int
	maxArmed int
	arms     int
	cancels  int
}

type fakeTimer struct {
	d      time.Duration
	f      func()
	active bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{d: d, f: f, active: true}
	c.timers = append(c.timers, t)
	c.arms++
	c.armed++
	if c.armed > c.maxArmed {
		c.maxArmed = c.armed
	}

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cancels++
		if !t.active {
			return false
		}
		t.active = false
		c.armed--
		return true
	}
}

// fire expires the most recently armed timer if it is still active.
func (c *fakeClock) fire() bool {
	c.mu.Lock()
	var t *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if c.timers[i].active {
			t = c.timers[i]
			break
		}
	}
	if t == nil {
		c.mu.Unlock()
		return false
	}
	t.active = false
	c.armed--
	c.mu.Unlock()

	t.f()
	return true
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) armedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// fakeProcs is an in-memory process table.
type fakeProcs struct {
	mu        sync.Mutex
	procs     []procctl.Process
	listErr   error
	failPIDs  map[int32]error
	listCalls int
	attempts  []procctl.Process
	killed    []procctl.Process
}

func newFakeProcs(procs ...procctl.Process) *fakeProcs {
	return &fakeProcs{procs: procs, failPIDs: map[int32]error{}}
}

func (f *fakeProcs) ListByName(name string) ([]procctl.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []procctl.Process
	for _, p := range f.procs {
		if procctl.MatchName(p.Name, name) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProcs) Terminate(p procctl.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, p)
	if err := f.failPIDs[p.PID]; err != nil {
		return err
	}
	f.killed = append(f.killed, p)
	return nil
}

func (f *fakeProcs) killedIn(sessionID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.killed {
		if p.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (f *fakeProcs) totalKilled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func (f *fakeProcs) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func agentIn(pid int32, sessionID int) procctl.Process {
	return procctl.Process{PID: pid, Name: "UiPath.Agent.exe", SessionID: sessionID, CreateTime: 1}
}

func newTestMonitor(t *testing.T, procs *fakeProcs) (*Monitor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	m := New(Config{
		GracePeriod:   time.Minute,
		TargetProcess: target,
		Processes:     procs,
		AfterFunc:     clock.AfterFunc,
	})
	return m, clock
}

func evt(r session.Reason, sid int) session.Event {
	return session.Event{Reason: r, SessionID: sid}
}

func TestLockArmsTimerWithoutTerminating(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))

	if got := m.State(); got != (State{Pending: 7, Armed: true}) {
		t.Fatalf("State = %+v, want pending 7 armed", got)
	}
	if clock.last().d != time.Minute {
		t.Fatalf("timer duration = %v, want 1m", clock.last().d)
	}
	if procs.lists() != 0 {
		t.Fatal("Lock must not terminate anything")
	}
}

func TestLockThenExpiryTerminatesOnce(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7), agentIn(200, 8))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	if !clock.fire() {
		t.Fatal("expected an armed timer")
	}

	if got := procs.killedIn(7); got != 1 {
		t.Fatalf("killed in session 7 = %d, want 1", got)
	}
	if got := procs.killedIn(8); got != 0 {
		t.Fatalf("killed in session 8 = %d, want 0", got)
	}
	if got := m.State(); got != (State{Pending: NoSession}) {
		t.Fatalf("State after expiry = %+v, want idle", got)
	}
	if clock.fire() {
		t.Fatal("timer must not be re-armed after expiry")
	}
}

func TestLockThenUnlockNeverTerminates(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	m.HandleSessionEvent(evt(session.Unlock, 7))

	if got := m.State(); got != (State{Pending: NoSession}) {
		t.Fatalf("State = %+v, want idle", got)
	}
	if clock.armedCount() != 0 {
		t.Fatal("timer should be canceled")
	}
	if clock.fire() {
		t.Fatal("no timer should remain to fire")
	}
	if procs.totalKilled() != 0 {
		t.Fatal("no termination expected")
	}
}

func TestAnyNonLockReasonClearsPending(t *testing.T) {
	others := []session.Reason{
		session.Unlock, session.Logon, session.Logoff, session.ConsoleConnect,
		session.RemoteConnect, session.RemoteControl, session.Reason(99),
	}
	for _, r := range others {
		procs := newFakeProcs(agentIn(100, 7))
		m, clock := newTestMonitor(t, procs)

		m.HandleSessionEvent(evt(session.Lock, 7))
		m.HandleSessionEvent(evt(r, 3))

		if got := m.State(); got.Pending != NoSession || got.Armed {
			t.Fatalf("%s: State = %+v, want idle", r, got)
		}
		if clock.armedCount() != 0 {
			t.Fatalf("%s: timer still armed", r)
		}
		if procs.lists() != 0 {
			t.Fatalf("%s: unexpected termination", r)
		}
	}
}

func TestRelockRetargetsTimer(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 1), agentIn(200, 2))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 1))
	m.HandleSessionEvent(evt(session.Lock, 2))

	if got := m.State(); got.Pending != 2 {
		t.Fatalf("Pending = %d, want 2", got.Pending)
	}
	if clock.armedCount() != 1 {
		t.Fatalf("armed timers = %d, want 1", clock.armedCount())
	}

	clock.fire()

	if procs.killedIn(1) != 0 {
		t.Fatal("session 1 must never be terminated")
	}
	if procs.killedIn(2) != 1 {
		t.Fatalf("killed in session 2 = %d, want 1", procs.killedIn(2))
	}
}

func TestRelockSameSessionRestartsFromZero(t *testing.T) {
	m, clock := newTestMonitor(t, newFakeProcs())

	m.HandleSessionEvent(evt(session.Lock, 4))
	first := clock.last()
	m.HandleSessionEvent(evt(session.Lock, 4))

	if clock.last() == first {
		t.Fatal("second lock should arm a fresh timer")
	}
	if first.active {
		t.Fatal("first timer should be canceled")
	}
}

func TestDisconnectTerminatesImmediately(t *testing.T) {
	for _, r := range []session.Reason{session.ConsoleDisconnect, session.RemoteDisconnect} {
		procs := newFakeProcs(agentIn(100, 3), agentIn(101, 4))
		m, clock := newTestMonitor(t, procs)

		m.HandleSessionEvent(evt(r, 3))

		if procs.lists() != 1 {
			t.Fatalf("%s: TerminateAgentFor calls = %d, want 1", r, procs.lists())
		}
		if procs.killedIn(3) != 1 || procs.killedIn(4) != 0 {
			t.Fatalf("%s: wrong processes killed", r)
		}
		if got := m.State(); got.Pending != NoSession || got.Armed {
			t.Fatalf("%s: State = %+v, want idle throughout", r, got)
		}
		if clock.arms != 0 {
			t.Fatalf("%s: disconnect must not arm the timer", r)
		}
	}
}

func TestDisconnectClearsPendingLockOfAnotherSession(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 5), agentIn(200, 6))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 5))
	m.HandleSessionEvent(evt(session.RemoteDisconnect, 6))

	if got := m.State(); got.Pending != NoSession || got.Armed {
		t.Fatalf("State = %+v, want idle", got)
	}
	if clock.fire() {
		t.Fatal("pending lock should have been discarded")
	}
	if procs.killedIn(5) != 0 || procs.killedIn(6) != 1 {
		t.Fatalf("killed 5=%d 6=%d, want 0 and 1", procs.killedIn(5), procs.killedIn(6))
	}
}

func TestDisconnectOfLockedSessionTerminatesOnce(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	m.HandleSessionEvent(evt(session.ConsoleDisconnect, 7))
	clock.fire()

	if procs.killedIn(7) != 1 {
		t.Fatalf("killed in session 7 = %d, want 1", procs.killedIn(7))
	}
}

func TestStaleExpiryIsDiscarded(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	stale := clock.last()
	m.HandleSessionEvent(evt(session.Unlock, 7))

	// The runtime already fired the callback before Stop took effect.
	stale.f()

	if procs.lists() != 0 {
		t.Fatal("a canceled timer must not terminate")
	}
}

func TestStaleExpiryAfterRelockKeepsNewTimer(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 1), agentIn(200, 2))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 1))
	stale := clock.last()
	m.HandleSessionEvent(evt(session.Lock, 2))

	stale.f()

	if got := m.State(); got != (State{Pending: 2, Armed: true}) {
		t.Fatalf("State = %+v, want pending 2 armed", got)
	}
	if procs.lists() != 0 {
		t.Fatal("stale expiry must not terminate")
	}

	clock.fire()
	if procs.killedIn(2) != 1 || procs.killedIn(1) != 0 {
		t.Fatal("only session 2 should be terminated")
	}
}

func TestFailingTerminationDoesNotStopBatch(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7), agentIn(101, 7), agentIn(102, 7))
	procs.failPIDs[101] = syscall.Errno(5)
	m, _ := newTestMonitor(t, procs)

	err := m.TerminateAgentFor(7)
	if err == nil {
		t.Fatal("expected an error for the failed process")
	}

	var te *TerminationError
	if !errors.As(err, &te) || te.Process.PID != 101 {
		t.Fatalf("error = %v, want TerminationError for pid 101", err)
	}
	if len(procs.attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(procs.attempts))
	}
	if procs.killedIn(7) != 2 {
		t.Fatalf("killed = %d, want 2", procs.killedIn(7))
	}
}

func TestProcessGoneIsNotAFailure(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	procs.failPIDs[100] = procctl.ErrProcessGone
	hm := health.NewMonitor()
	m := New(Config{TargetProcess: target, Processes: procs, Health: hm, AfterFunc: (&fakeClock{}).AfterFunc})

	if err := m.TerminateAgentFor(7); err != nil {
		t.Fatalf("TerminateAgentFor = %v, want nil", err)
	}
	if c, _ := hm.Get(health.ProcessControl); c.Status != health.Healthy {
		t.Fatalf("health = %q, want healthy", c.Status)
	}
}

func TestZeroMatchesIsNotAnError(t *testing.T) {
	m, _ := newTestMonitor(t, newFakeProcs(agentIn(100, 2)))
	if err := m.TerminateAgentFor(9); err != nil {
		t.Fatalf("TerminateAgentFor = %v, want nil", err)
	}
}

func TestEnumerationFailureKeepsMonitorUsable(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 3))
	procs.listErr = errors.New("access denied")
	hm := health.NewMonitor()
	clock := &fakeClock{}
	m := New(Config{GracePeriod: time.Minute, TargetProcess: target, Processes: procs, Health: hm, AfterFunc: clock.AfterFunc})

	m.HandleSessionEvent(evt(session.RemoteDisconnect, 3))
	if c, _ := hm.Get(health.ProcessControl); c.Status != health.Degraded {
		t.Fatalf("health = %q, want degraded", c.Status)
	}

	m.HandleSessionEvent(evt(session.Lock, 3))
	procs.mu.Lock()
	procs.listErr = nil
	procs.mu.Unlock()
	clock.fire()

	if procs.killedIn(3) != 1 {
		t.Fatal("monitor should keep working after a failure")
	}
	if got := m.State(); got.Pending != NoSession {
		t.Fatalf("Pending = %d, want reset", got.Pending)
	}
}

func TestExpiryResetsSlotEvenWhenTerminationFails(t *testing.T) {
	procs := newFakeProcs()
	procs.listErr = errors.New("boom")
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	clock.fire()

	if got := m.State(); got != (State{Pending: NoSession}) {
		t.Fatalf("State = %+v, want idle after failed termination", got)
	}
}

type panickingProcs struct{ fakeProcs }

func (p *panickingProcs) ListByName(string) ([]procctl.Process, error) {
	panic("enumeration exploded")
}

func TestPanicInTerminationIsContained(t *testing.T) {
	m := New(Config{TargetProcess: target, Processes: &panickingProcs{}, AfterFunc: (&fakeClock{}).AfterFunc})

	m.HandleSessionEvent(evt(session.ConsoleDisconnect, 1))
	m.HandleSessionEvent(evt(session.Lock, 1))

	if got := m.State(); got.Pending != 1 {
		t.Fatalf("monitor should still accept events, Pending = %d", got.Pending)
	}
}

func TestCloseCancelsAndIgnoresLaterEvents(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m, clock := newTestMonitor(t, procs)

	m.HandleSessionEvent(evt(session.Lock, 7))
	stale := clock.last()
	m.Close()
	stale.f()
	m.HandleSessionEvent(evt(session.RemoteDisconnect, 7))

	if clock.armedCount() != 0 {
		t.Fatal("Close should cancel the timer")
	}
	if procs.lists() != 0 {
		t.Fatal("no termination after Close")
	}
}

func TestAuditRecordsTerminations(t *testing.T) {
	dir := t.TempDir()
	al, err := audit.NewLogger(dir, 1, 1)
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}

	procs := newFakeProcs(agentIn(100, 7), agentIn(101, 7))
	procs.failPIDs[101] = syscall.Errno(5)
	m := New(Config{TargetProcess: target, Processes: procs, Audit: al, AfterFunc: (&fakeClock{}).AfterFunc})

	m.TerminateAgentFor(7)
	al.Close()

	n, err := audit.Verify(al.Path())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit entries = %d, want 2", n)
	}
}

func TestDispatchRunsOnPool(t *testing.T) {
	pool := workerpool.New(1, 4)
	procs := newFakeProcs(agentIn(100, 3))
	m := New(Config{
		TargetProcess: target,
		Processes:     procs,
		Dispatch:      func(task func()) bool { return pool.Submit(task) },
		AfterFunc:     (&fakeClock{}).AfterFunc,
	})

	m.HandleSessionEvent(evt(session.RemoteDisconnect, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Shutdown(ctx)

	if procs.killedIn(3) != 1 {
		t.Fatalf("killed = %d, want 1", procs.killedIn(3))
	}
}

func TestRejectedDispatchRunsInline(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 3))
	m := New(Config{
		TargetProcess: target,
		Processes:     procs,
		Dispatch:      func(func()) bool { return false },
		AfterFunc:     (&fakeClock{}).AfterFunc,
	})

	m.HandleSessionEvent(evt(session.ConsoleDisconnect, 3))

	if procs.killedIn(3) != 1 {
		t.Fatal("rejected dispatch should fall back to inline termination")
	}
}

func TestRealTimerScenario(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m := New(Config{GracePeriod: 20 * time.Millisecond, TargetProcess: target, Processes: procs})
	defer m.Close()

	m.HandleSessionEvent(evt(session.Lock, 7))

	deadline := time.Now().Add(5 * time.Second)
	for procs.killedIn(7) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := procs.killedIn(7); got != 1 {
		t.Fatalf("killed = %d, want exactly 1", got)
	}
	if got := m.State(); got != (State{Pending: NoSession}) {
		t.Fatalf("State = %+v, want idle", got)
	}
}

func TestRealTimerLockUnlockScenario(t *testing.T) {
	procs := newFakeProcs(agentIn(100, 7))
	m := New(Config{GracePeriod: 30 * time.Millisecond, TargetProcess: target, Processes: procs})
	defer m.Close()

	m.HandleSessionEvent(evt(session.Lock, 7))
	m.HandleSessionEvent(evt(session.Unlock, 7))
	time.Sleep(100 * time.Millisecond)

	if procs.lists() != 0 {
		t.Fatal("unlock before expiry must prevent termination")
	}
}

func TestAtMostOneTimerUnderConcurrency(t *testing.T) {
	procs := newFakeProcs(agentIn(1, 1), agentIn(2, 2), agentIn(3, 3))
	m, clock := newTestMonitor(t, procs)

	reasons := []session.Reason{
		session.Lock, session.Lock, session.Unlock, session.Logon,
		session.ConsoleDisconnect, session.RemoteDisconnect, session.RemoteConnect,
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				if rng.Intn(5) == 0 {
					clock.fire()
					continue
				}
				m.HandleSessionEvent(evt(reasons[rng.Intn(len(reasons))], 1+rng.Intn(3)))
			}
		}(int64(g))
	}
	wg.Wait()

	clock.mu.Lock()
	maxArmed := clock.maxArmed
	clock.mu.Unlock()
	if maxArmed > 1 {
		t.Fatalf("observed %d armed timers at once", maxArmed)
	}

	st := m.State()
	if st.Armed != (st.Pending != NoSession) {
		t.Fatalf("armed iff pending violated: %+v", st)
	}
	if st.Armed != (clock.armedCount() == 1) {
		t.Fatalf("monitor and clock disagree: %+v, clock armed=%d", st, clock.armedCount())
	}
}
