package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/skillsync"
)

// SyncRunner runs one content synchronization attempt.
type SyncRunner interface {
	Sync(ctx context.Context) skillsync.Outcome
}

// Restarter asks the supervised agent to restart. The return value
// reports whether the request was accepted or collapsed into one
// already pending.
type Restarter interface {
	RequestRestart() bool
}

// Scheduler drives periodic synchronization runs. Ticks are
// single-flight: a tick that arrives while a run is still in progress
// is dropped, not queued.
type Scheduler struct {
	interval time.Duration
	runner   SyncRunner
	restart  Restarter
	logger   *slog.Logger

	inFlight atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a scheduler. A non-positive interval defaults to five
// minutes.
func New(interval time.Duration, runner SyncRunner, restart Restarter, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		restart:  restart,
		logger:   log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic loop. The first run happens one full
// interval after Start; callers wanting an immediate run use
// TriggerNow first.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the periodic loop and waits for it to exit. A run already
// in flight finishes on its own goroutine.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("sync still in flight, dropping tick")
		return
	}
	go func() {
		defer s.inFlight.Store(false)
		s.dispatch(s.runner.Sync(ctx))
	}()
}

// TriggerNow runs a synchronization immediately and returns its
// outcome. It applies the same restart policy as a periodic tick. When
// a periodic run is already in flight the manual run still executes;
// the runner serializes the two.
func (s *Scheduler) TriggerNow(ctx context.Context) skillsync.Outcome {
	claimed := s.inFlight.CompareAndSwap(false, true)
	if claimed {
		defer s.inFlight.Store(false)
	}
	o := s.runner.Sync(ctx)
	s.dispatch(o)
	return o
}

func (s *Scheduler) dispatch(o skillsync.Outcome) {
	if o.Result != skillsync.ResultUpdated || s.restart == nil {
		return
	}
	if s.restart.RequestRestart() {
		s.logger.Info("skills updated, agent restart requested", "commit", o.Commit)
	} else {
		s.logger.Info("skills updated, restart already pending", "commit", o.Commit)
	}
}
