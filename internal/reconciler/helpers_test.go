package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
)

const testTimeout = 2 * time.Second

type fakeTimer struct {
	scheduler *fakeScheduler
	delay     time.Duration
	fn        func()
	stopped   bool
	fired     bool
}

func (t *fakeTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler captures retry timers so tests decide when they fire.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{scheduler: s, delay: d, fn: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]*fakeTimer, 0)
	for _, timer := range s.timers {
		if !timer.fired && !timer.stopped {
			pending = append(pending, timer)
		}
	}
	return pending
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	due := make([]*fakeTimer, 0)
	for _, timer := range s.timers {
		if !timer.fired && !timer.stopped {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

type streamSession struct {
	onOpen  func()
	onAlert func(alerts.Alert)
	end     chan error
}

// scriptedStreams hands every stream attempt to the test as a session.
type scriptedStreams struct {
	sessions chan *streamSession
}

func newScriptedStreams() *scriptedStreams {
	return &scriptedStreams{sessions: make(chan *streamSession, 16)}
}

func (s *scriptedStreams) Stream(ctx context.Context, onOpen func(), onAlert func(alerts.Alert)) error {
	session := &streamSession{onOpen: onOpen, onAlert: onAlert, end: make(chan error, 1)}
	s.sessions <- session
	select {
	case err := <-session.end:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedStreams) next(t *testing.T) *streamSession {
	t.Helper()
	select {
	case session := <-s.sessions:
		return session
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a stream attempt")
	}
	return nil
}

func (s *scriptedStreams) assertNoAttempt(t *testing.T) {
	t.Helper()
	select {
	case <-s.sessions:
		t.Fatalf("unexpected stream attempt")
	case <-time.After(20 * time.Millisecond):
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitForState(t *testing.T, current func() State, expected State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for current() != expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", expected, current())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func alert(id string, timestamp int64, change float64) alerts.Alert {
	return alerts.Alert{ID: id, Category: alerts.CategoryPrice, Subject: "TOKEN-" + id, Timestamp: timestamp, ChangePercentage: change}
}

func ids(items []alerts.Alert) []string {
	result := make([]string, 0, len(items))
	for _, item := range items {
		result = append(result, item.ID)
	}
	return result
}
