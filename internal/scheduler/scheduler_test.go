package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/skillsync"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	outcome skillsync.Outcome
}

func (r *blockingRunner) Sync(context.Context) skillsync.Outcome {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	return r.outcome
}

type fakeRestarter struct {
	requests atomic.Int32
	accept   bool
}

func (f *fakeRestarter) RequestRestart() bool {
	f.requests.Add(1)
	return f.accept
}

func TestTicksAreSingleFlight(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	s := New(20*time.Millisecond, r, nil, nil)
	s.Start(context.Background())

	// Let several ticks fire while the first run is stuck.
	time.Sleep(150 * time.Millisecond)
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("runner called %d times while first run in flight, want 1", got)
	}
	close(r.release)
	s.Stop()
}

func TestUpdatedOutcomeRequestsRestart(t *testing.T) {
	r := &blockingRunner{outcome: skillsync.Outcome{Result: skillsync.ResultUpdated, Commit: "abc"}}
	fr := &fakeRestarter{accept: true}
	s := New(time.Hour, r, fr, nil)

	o := s.TriggerNow(context.Background())
	if o.Result != skillsync.ResultUpdated {
		t.Fatalf("outcome = %v", o.Result)
	}
	if fr.requests.Load() != 1 {
		t.Fatalf("restart requests = %d, want 1", fr.requests.Load())
	}
}

func TestNoChangeDoesNotRestart(t *testing.T) {
	for _, res := range []skillsync.Result{skillsync.ResultNoChange, skillsync.ResultSkipped, skillsync.ResultFailed} {
		r := &blockingRunner{outcome: skillsync.Outcome{Result: res}}
		fr := &fakeRestarter{accept: true}
		s := New(time.Hour, r, fr, nil)
		s.TriggerNow(context.Background())
		if fr.requests.Load() != 0 {
			t.Fatalf("result %v triggered a restart request", res)
		}
	}
}

func TestTriggerNowRunsWhilePeriodicInFlight(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{}), outcome: skillsync.Outcome{Result: skillsync.ResultNoChange}}
	s := New(10*time.Millisecond, r, nil, nil)
	s.Start(context.Background())

	// Wait for the periodic run to start and get stuck.
	deadline := time.Now().Add(time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.calls.Load() == 0 {
		t.Fatal("periodic run never started")
	}

	done := make(chan skillsync.Outcome, 1)
	go func() { done <- s.TriggerNow(context.Background()) }()

	// The manual run blocks on the same runner until released.
	select {
	case <-done:
		t.Fatal("manual run returned while runner blocked")
	case <-time.After(50 * time.Millisecond):
	}
	close(r.release)
	select {
	case o := <-done:
		if o.Result != skillsync.ResultNoChange {
			t.Fatalf("manual outcome = %v", o.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("manual run never finished")
	}
	s.Stop()
}

func TestStopHaltsTicks(t *testing.T) {
	r := &blockingRunner{outcome: skillsync.Outcome{Result: skillsync.ResultNoChange}}
	s := New(10*time.Millisecond, r, nil, nil)
	s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	s.Stop()
	time.Sleep(20 * time.Millisecond)
	n := r.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if r.calls.Load() != n {
		t.Fatal("runner still called after Stop")
	}
}
