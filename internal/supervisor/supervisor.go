package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/journal"
	"github.com/gatewarden/gatewarden/internal/logger"
	"github.com/gatewarden/gatewarden/internal/metrics"
)

// Supervisor owns the single agent process slot and every transition on
// it. All mutations run on one state-machine goroutine fed by a command
// channel; Status reads a snapshot and never goes through that goroutine,
// so it stays responsive while a spawn, stop, or sync is in flight.
//
// State machine:
//
//	Absent -> Starting -> Running -> Stopping -> Absent
//
// A non-zero exit while Running schedules an automatic restart after a
// backoff; a zero exit or an administrative stop does not.
type Supervisor struct {
	spec    Spec
	envFn   func() []string
	logger  *slog.Logger
	journal journal.Sink

	mu       sync.RWMutex
	state    State
	cur      *child
	restarts uint32
	lastExit *ExitStatus

	// loop-owned; never touched outside the run goroutine
	crashes      int
	shuttingDown bool

	restartPending atomic.Bool
	cmdCh          chan command
	exitCh         chan childExit
	done           chan struct{}
}

// childExit ties an exit event to the run that produced it, so an exit
// from a superseded child can never be attributed to the current one.
type childExit struct {
	c  *child
	ex ExitStatus
}

// State is the supervisor's view of the agent slot.
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Spec describes the agent process under supervision.
type Spec struct {
	Name    string
	Command string
	WorkDir string
	// StopTimeout bounds the graceful SIGTERM wait before SIGKILL.
	StopTimeout time.Duration
	// KillWait bounds the wait for the exit event after SIGKILL. A child
	// that outlives it (kernel-stuck, unreapable) is written off with a
	// synthetic exit; its real exit is discarded when it finally arrives.
	KillWait time.Duration
	// RestartBackoff is the base delay before a crash-triggered restart.
	// It doubles per consecutive crash, capped at 10x the base, and the
	// crash count resets once a run stays alive for MinUptime.
	RestartBackoff time.Duration
	MinUptime      time.Duration
	Log            logger.CaptureConfig
}

func (sp *Spec) applyDefaults() {
	if sp.StopTimeout <= 0 {
		sp.StopTimeout = 5 * time.Second
	}
	if sp.KillWait <= 0 {
		sp.KillWait = 2 * time.Second
	}
	if sp.RestartBackoff <= 0 {
		sp.RestartBackoff = 3 * time.Second
	}
	if sp.MinUptime <= 0 {
		sp.MinUptime = 30 * time.Second
	}
}

// Status is an immediate snapshot of the agent slot.
type Status struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	Restarts     uint32    `json:"restarts"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action commandAction
	reply  chan error
}

// New builds a Supervisor for one agent. envFn composes the environment
// for every spawn (called per start, so rotated secrets are picked up on
// restart); nil means the supervisor's own environment. sink may be nil.
func New(spec Spec, envFn func() []string, log *slog.Logger, sink journal.Sink) *Supervisor {
	spec.applyDefaults()
	if envFn == nil {
		envFn = os.Environ
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		spec:    spec,
		envFn:   envFn,
		logger:  log,
		journal: sink,
		state:   StateAbsent,
		cmdCh:   make(chan command, 16),
		exitCh:  make(chan childExit, 4),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Start spawns the agent. It fails if a child already occupies the slot.
func (s *Supervisor) Start() error { return s.send(actionStart) }

// Stop terminates the agent gracefully and leaves the slot Absent.
// An administrative stop never triggers an automatic restart.
func (s *Supervisor) Stop() error { return s.send(actionStop) }

// Shutdown stops the agent and terminates the state machine.
func (s *Supervisor) Shutdown() error { return s.send(actionShutdown) }

func (s *Supervisor) send(a commandAction) error {
	reply := make(chan error, 1)
	select {
	case s.cmdCh <- command{action: a, reply: reply}:
		return <-reply
	case <-s.done:
		return errors.New("supervisor is shut down")
	}
}

// RequestRestart asks for a stop-then-start cycle. Requests collapse:
// while one restart is pending or in flight, further requests are
// absorbed, so any number of concurrent triggers (crash recovery, sync,
// operator) produce at most one subsequent agent instance. The return
// value reports whether this call scheduled the restart.
func (s *Supervisor) RequestRestart() bool {
	if !s.restartPending.CompareAndSwap(false, true) {
		return false
	}
	select {
	case s.cmdCh <- command{action: actionRestart}:
		return true
	case <-s.done:
		s.restartPending.Store(false)
		return false
	}
}

// Status returns a snapshot without blocking on in-flight transitions.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:     s.spec.Name,
		State:    s.state.String(),
		Running:  s.state == StateRunning,
		Restarts: s.restarts,
	}
	if s.cur != nil {
		st.PID = s.cur.pid()
		st.StartedAt = s.cur.startedAt
	}
	if s.lastExit != nil {
		code := s.lastExit.Code
		st.LastExitCode = &code
	}
	return st
}

// run is the single state-machine goroutine. Commands, exit events, and
// the crash-backoff timer all funnel through here, which is what makes
// the at-most-one-child invariant hold under concurrent triggers.
func (s *Supervisor) run() {
	var backoffTimer *time.Timer
	var backoffCh <-chan time.Time
	stopBackoff := func() {
		if backoffTimer != nil {
			backoffTimer.Stop()
			backoffTimer = nil
			backoffCh = nil
		}
	}

	for {
		select {
		case cmd := <-s.cmdCh:
			var err error
			switch cmd.action {
			case actionStart:
				err = s.handleStart()
			case actionStop:
				stopBackoff()
				err = s.doStop()
			case actionRestart:
				stopBackoff()
				err = s.doRestart()
				s.restartPending.Store(false)
			case actionShutdown:
				s.shuttingDown = true
				stopBackoff()
				err = s.doStop()
				if cmd.reply != nil {
					cmd.reply <- err
				}
				close(s.done)
				return
			}
			if cmd.reply != nil {
				cmd.reply <- err
			}

		case ev := <-s.exitCh:
			if delay, ok := s.handleUnexpectedExit(ev); ok {
				stopBackoff()
				backoffTimer = time.NewTimer(delay)
				backoffCh = backoffTimer.C
			}

		case <-backoffCh:
			backoffTimer = nil
			backoffCh = nil
			if s.currentState() != StateAbsent || s.shuttingDown {
				break
			}
			if err := s.doStart(); err != nil {
				s.logger.Error("crash-recovery start failed", "agent", s.spec.Name, "error", err)
				break
			}
			s.bumpRestarts()
			s.logger.Info("agent restarted after crash", "agent", s.spec.Name, "consecutive_crashes", s.crashes)
		}
	}
}

func (s *Supervisor) handleStart() error {
	switch st := s.currentState(); st {
	case StateAbsent:
		return s.doStart()
	default:
		return fmt.Errorf("agent %q is %s; cannot start", s.spec.Name, st)
	}
}

// doStart performs one spawn. A spawn failure leaves the slot Absent and
// is not retried automatically; retrying a missing binary in a loop would
// just busy-spin.
func (s *Supervisor) doStart() error {
	s.setState(StateStarting)

	c, err := newChild(s.spec, s.envFn())
	if err == nil {
		err = c.start()
	}
	if err != nil {
		s.setState(StateAbsent)
		metrics.IncSpawnFailure(s.spec.Name)
		s.logger.Error("agent spawn failed", "agent", s.spec.Name, "error", err)
		return fmt.Errorf("spawn agent %q: %w", s.spec.Name, err)
	}

	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	s.setState(StateRunning)

	// Forward this run's single exit event into the state machine.
	go func() {
		ex := <-c.exits
		select {
		case s.exitCh <- childExit{c: c, ex: ex}:
		case <-s.done:
		}
	}()

	metrics.IncAgentStart(s.spec.Name)
	s.record(journal.EventAgentStart, c.pid(), "")
	s.logger.Info("agent started", "agent", s.spec.Name, "pid", c.pid())
	return nil
}

// doStop drives Running -> Stopping -> Absent with SIGTERM, a bounded
// wait, and SIGKILL escalation. Safe to call when the slot is empty.
func (s *Supervisor) doStop() error {
	s.mu.RLock()
	c := s.cur
	s.mu.RUnlock()
	if c == nil {
		return nil
	}

	s.setState(StateStopping)
	c.terminate()

	ex, ok := s.awaitExit(c, s.spec.StopTimeout)
	if !ok {
		s.logger.Warn("graceful stop timed out; killing agent", "agent", s.spec.Name, "timeout", s.spec.StopTimeout)
		c.kill()
		ex, ok = s.awaitExit(c, s.spec.KillWait)
		if !ok {
			ex = ExitStatus{Code: -1, Err: errors.New("agent did not exit after SIGKILL"), At: time.Now()}
		}
	}
	s.finishExit(c, ex)
	return nil
}

// awaitExit waits for c's exit event for up to d. Exit events belonging
// to superseded children are discarded, never attributed to c.
func (s *Supervisor) awaitExit(c *child, d time.Duration) (ExitStatus, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.exitCh:
			if ev.c == c {
				return ev.ex, true
			}
			s.logger.Debug("discarding exit event from superseded agent run", "agent", s.spec.Name, "exit_code", ev.ex.Code)
		case <-timer.C:
			return ExitStatus{}, false
		}
	}
}

// doRestart sequences stop-then-start as one operation on the loop
// goroutine, so no other trigger can interleave a second spawn.
func (s *Supervisor) doRestart() error {
	if err := s.doStop(); err != nil {
		return err
	}
	if s.shuttingDown {
		return nil
	}
	if err := s.doStart(); err != nil {
		return err
	}
	s.bumpRestarts()
	s.record(journal.EventAgentRestart, s.Status().PID, "requested")
	return nil
}

// handleUnexpectedExit reacts to a child that terminated without a stop
// request. It returns a backoff delay when a crash restart should be
// scheduled. Events from runs that no longer occupy the slot (a child
// written off after a SIGKILL timeout finally exiting) are dropped.
func (s *Supervisor) handleUnexpectedExit(ev childExit) (time.Duration, bool) {
	s.mu.RLock()
	c := s.cur
	s.mu.RUnlock()
	if c == nil || c != ev.c {
		s.logger.Debug("discarding exit event from superseded agent run", "agent", s.spec.Name, "exit_code", ev.ex.Code)
		return 0, false
	}
	ex := ev.ex
	s.finishExit(c, ex)

	if s.shuttingDown {
		return 0, false
	}
	if s.restartPending.Load() {
		// A restart command is already queued; let it do the start.
		return 0, false
	}
	if ex.Code == 0 {
		s.logger.Info("agent exited cleanly; not restarting", "agent", s.spec.Name)
		return 0, false
	}

	s.crashes++
	delay := s.backoffFor(s.crashes)
	s.logger.Warn("agent crashed; restart scheduled",
		"agent", s.spec.Name, "exit_code", ex.Code, "backoff", delay, "consecutive_crashes", s.crashes)
	return delay, true
}

// finishExit records the end of one run and returns the slot to Absent.
func (s *Supervisor) finishExit(c *child, ex ExitStatus) {
	uptime := time.Since(c.startedAt)

	s.mu.Lock()
	s.cur = nil
	s.lastExit = &ex
	s.mu.Unlock()
	s.setState(StateAbsent)

	if uptime >= s.spec.MinUptime {
		s.crashes = 0
	}
	metrics.IncAgentStop(s.spec.Name)
	s.record(journal.EventAgentStop, 0, fmt.Sprintf("exit_code=%d uptime=%s", ex.Code, uptime.Round(time.Millisecond)))
}

func (s *Supervisor) backoffFor(crashes int) time.Duration {
	delay := s.spec.RestartBackoff
	for i := 1; i < crashes; i++ {
		delay *= 2
		if delay >= 10*s.spec.RestartBackoff {
			return 10 * s.spec.RestartBackoff
		}
	}
	return delay
}

func (s *Supervisor) bumpRestarts() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncAgentRestart(s.spec.Name)
}

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	metrics.RecordStateTransition(s.spec.Name, prev.String(), next.String())
	metrics.SetCurrentState(s.spec.Name, prev.String(), false)
	metrics.SetCurrentState(s.spec.Name, next.String(), true)
}

func (s *Supervisor) record(t journal.EventType, pid int, detail string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, journal.NewEvent(t, s.spec.Name, detail, pid)); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}
