package supervisor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/journal"
)

// memSink collects journal events in memory.
type memSink struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *memSink) Record(_ context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) types() []journal.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process-group signaling is unix only")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestStartStatusStop(t *testing.T) {
	requireUnix(t)
	sink := &memSink{}
	s := New(Spec{Name: "gateway", Command: "sleep 30", StopTimeout: 2 * time.Second}, nil, nil, sink)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := s.Status()
	if !st.Running || st.State != "running" || st.PID <= 0 {
		t.Fatalf("status after start = %+v", st)
	}
	if st.StartedAt.IsZero() {
		t.Fatal("started_at not set")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = s.Status()
	if st.Running || st.State != "absent" || st.PID != 0 {
		t.Fatalf("status after stop = %+v", st)
	}
	if st.LastExitCode == nil || *st.LastExitCode != 143 {
		t.Fatalf("last exit code = %v, want 143 (SIGTERM)", st.LastExitCode)
	}

	// An administrative stop must not schedule a restart.
	time.Sleep(100 * time.Millisecond)
	if got := s.Status(); got.Running || got.Restarts != 0 {
		t.Fatalf("restarted after administrative stop: %+v", got)
	}

	types := sink.types()
	if len(types) < 2 || types[0] != journal.EventAgentStart || types[1] != journal.EventAgentStop {
		t.Fatalf("journal events = %v", types)
	}
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	requireUnix(t)
	s := New(Spec{Name: "gateway", Command: "true", RestartBackoff: 20 * time.Millisecond}, nil, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Status().State == "absent" }, "clean exit observed")

	time.Sleep(150 * time.Millisecond)
	st := s.Status()
	if st.Running || st.Restarts != 0 {
		t.Fatalf("clean exit triggered restart: %+v", st)
	}
	if st.LastExitCode == nil || *st.LastExitCode != 0 {
		t.Fatalf("last exit code = %v, want 0", st.LastExitCode)
	}
}

func TestCrashTriggersBackoffRestart(t *testing.T) {
	requireUnix(t)
	s := New(Spec{
		Name:           "gateway",
		Command:        "false",
		RestartBackoff: 20 * time.Millisecond,
		MinUptime:      time.Hour,
	}, nil, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return s.Status().Restarts >= 2 }, "crash restarts observed")

	st := s.Status()
	if st.LastExitCode == nil || *st.LastExitCode != 1 {
		t.Fatalf("last exit code = %v, want 1", st.LastExitCode)
	}
}

func TestRequestRestartCollapses(t *testing.T) {
	requireUnix(t)
	// The child ignores SIGTERM so the stop phase holds the state machine
	// busy for the full StopTimeout.
	s := New(Spec{
		Name:        "gateway",
		Command:     `trap "" TERM; while true; do sleep 1; done`,
		StopTimeout: 500 * time.Millisecond,
	}, nil, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := s.Status().PID

	if !s.RequestRestart() {
		t.Fatal("first restart request not accepted")
	}
	if s.RequestRestart() {
		t.Fatal("second request not collapsed while restart pending")
	}

	waitFor(t, 5*time.Second, func() bool {
		st := s.Status()
		return st.Running && st.PID != firstPID
	}, "agent restarted")
	if got := s.Status().Restarts; got != 1 {
		t.Fatalf("restarts = %d, want 1 (collapsed)", got)
	}

	// The flag clears after the cycle; a new request is accepted again.
	if !s.RequestRestart() {
		t.Fatal("restart request after completed cycle not accepted")
	}
}

func TestSpawnFailureStaysAbsent(t *testing.T) {
	requireUnix(t)
	s := New(Spec{Name: "gateway", Command: "/nonexistent/agent-binary"}, nil, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err == nil {
		t.Fatal("expected spawn error")
	}
	st := s.Status()
	if st.Running || st.State != "absent" {
		t.Fatalf("status after spawn failure = %+v", st)
	}

	// Spawn failures are not retried automatically.
	time.Sleep(100 * time.Millisecond)
	if got := s.Status(); got.Running || got.Restarts != 0 {
		t.Fatalf("spawn failure triggered restart: %+v", got)
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	requireUnix(t)
	s := New(Spec{Name: "gateway", Command: "sleep 30"}, nil, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("second start while running should fail")
	}
}

func TestShutdownRefusesFurtherCommands(t *testing.T) {
	requireUnix(t)
	s := New(Spec{Name: "gateway", Command: "sleep 30"}, nil, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("start after shutdown should fail")
	}
	if s.RequestRestart() {
		t.Fatal("restart request accepted after shutdown")
	}
}

func TestEnvFnAppliedPerSpawn(t *testing.T) {
	requireUnix(t)
	var calls atomic.Int32
	envFn := func() []string {
		calls.Add(1)
		return []string{"PATH=/usr/bin:/bin", "AGENT_MODE=test"}
	}
	s := New(Spec{Name: "gateway", Command: "sleep 30", StopTimeout: 2 * time.Second}, envFn, nil, nil)
	defer func() { _ = s.Shutdown() }()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.RequestRestart() {
		t.Fatal("restart not accepted")
	}
	waitFor(t, 5*time.Second, func() bool { return s.Status().Restarts == 1 && s.Status().Running }, "restart finished")
	if got := calls.Load(); got != 2 {
		t.Fatalf("envFn called %d times, want once per spawn", got)
	}
}

func TestExitEventFromSupersededRunIgnored(t *testing.T) {
	// A child written off after a SIGKILL timeout can deliver its real
	// exit long after a replacement is running. That event must not be
	// attributed to the replacement.
	s := &Supervisor{
		spec:   Spec{Name: "gateway", Command: "sleep 30"},
		logger: slog.Default(),
		state:  StateRunning,
	}
	s.spec.applyDefaults()
	old := &child{exits: make(chan ExitStatus, 1)}
	cur := &child{exits: make(chan ExitStatus, 1), startedAt: time.Now()}
	s.cur = cur

	delay, restart := s.handleUnexpectedExit(childExit{c: old, ex: ExitStatus{Code: 1}})
	if restart || delay != 0 {
		t.Fatalf("stale exit scheduled a restart (delay=%v)", delay)
	}
	if s.cur != cur {
		t.Fatal("stale exit evicted the current child")
	}
	if s.currentState() != StateRunning {
		t.Fatalf("stale exit changed state to %v", s.currentState())
	}
	if s.lastExit != nil {
		t.Fatal("stale exit recorded as last exit")
	}
}

func TestAwaitExitSkipsSupersededEvents(t *testing.T) {
	s := &Supervisor{
		spec:   Spec{Name: "gateway"},
		logger: slog.Default(),
		exitCh: make(chan childExit, 4),
	}
	s.spec.applyDefaults()
	old := &child{exits: make(chan ExitStatus, 1)}
	cur := &child{exits: make(chan ExitStatus, 1)}

	s.exitCh <- childExit{c: old, ex: ExitStatus{Code: 137}}
	s.exitCh <- childExit{c: cur, ex: ExitStatus{Code: 0}}

	ex, ok := s.awaitExit(cur, time.Second)
	if !ok {
		t.Fatal("current child's exit not observed")
	}
	if ex.Code != 0 {
		t.Fatalf("got exit code %d from the wrong run", ex.Code)
	}

	if _, ok := s.awaitExit(cur, 20*time.Millisecond); ok {
		t.Fatal("awaitExit reported an exit that never happened")
	}
}

func TestSpecDefaults(t *testing.T) {
	sp := Spec{}
	sp.applyDefaults()
	if sp.StopTimeout != 5*time.Second || sp.KillWait != 2*time.Second {
		t.Fatalf("stop defaults = %v/%v", sp.StopTimeout, sp.KillWait)
	}
	if sp.RestartBackoff != 3*time.Second || sp.MinUptime != 30*time.Second {
		t.Fatalf("restart defaults = %v/%v", sp.RestartBackoff, sp.MinUptime)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Fatalf("exitCode(nil) = %d", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := &Supervisor{spec: Spec{RestartBackoff: 100 * time.Millisecond}}
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for crashes, want := range cases {
		if got := s.backoffFor(crashes); got != want {
			t.Fatalf("backoffFor(%d) = %v, want %v", crashes, got, want)
		}
	}
}
