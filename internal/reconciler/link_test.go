package reconciler

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
)

func newTestLink(t *testing.T, streams *scriptedStreams, scheduler *fakeScheduler, recorder *stateRecorder) *Link {
	t.Helper()
	link, err := NewLink(LinkConfig{
		Connect:   streams.Stream,
		Scheduler: scheduler,
		OnState:   recorder.record,
	})
	if err != nil {
		t.Fatalf("failed to build link: %v", err)
	}
	t.Cleanup(link.Stop)
	return link
}

func TestLinkSchedulesOneReconnectPerErrorBurst(t *testing.T) {
	streams := newScriptedStreams()
	scheduler := &fakeScheduler{}
	recorder := &stateRecorder{}
	link := newTestLink(t, streams, scheduler, recorder)

	link.Start(context.Background())
	first := streams.next(t)
	first.onOpen()

	for index := 0; index < 5; index++ {
		link.ReportError(errors.New("network changed"))
	}
	first.end <- errors.New("network changed")

	if link.State() != StateError {
		t.Fatalf("expected ERROR, got %s", link.State())
	}
	if scheduler.scheduled() != 1 {
		t.Fatalf("expected exactly one retry timer, got %d", scheduler.scheduled())
	}
	if pending := scheduler.pending(); len(pending) != 1 || pending[0].delay != DefaultRetryDelay {
		t.Fatalf("expected one pending retry after the fixed delay, got %d", len(pending))
	}
	streams.assertNoAttempt(t)

	scheduler.fireAll()
	second := streams.next(t)
	if link.State() != StateConnecting {
		t.Fatalf("expected CONNECTING after the delay, got %s", link.State())
	}
	second.onOpen()

	if link.Attempts() != 2 {
		t.Fatalf("expected two attempts, got %d", link.Attempts())
	}
	expected := []State{StateConnecting, StateConnected, StateError, StateConnecting, StateConnected}
	if got := recorder.snapshot(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestLinkIgnoresErrorsFromSupersededConnections(t *testing.T) {
	streams := newScriptedStreams()
	scheduler := &fakeScheduler{}
	link := newTestLink(t, streams, scheduler, &stateRecorder{})

	link.Start(context.Background())
	first := streams.next(t)
	first.onOpen()
	link.ReportError(errors.New("reset"))
	scheduler.fireAll()
	second := streams.next(t)
	second.onOpen()

	first.end <- errors.New("late failure from the old stream")
	first.onAlert(alert("stale", 1, 0))

	if link.State() != StateConnected {
		t.Fatalf("stale error changed state to %s", link.State())
	}
	if len(scheduler.pending()) != 0 {
		t.Fatalf("stale error scheduled a retry")
	}
}

func TestLinkTreatsServerCloseAsError(t *testing.T) {
	streams := newScriptedStreams()
	scheduler := &fakeScheduler{}
	link := newTestLink(t, streams, scheduler, &stateRecorder{})

	link.Start(context.Background())
	session := streams.next(t)
	session.onOpen()
	session.end <- nil

	waitForState(t, link.State, StateError)
	if len(scheduler.pending()) != 1 {
		t.Fatalf("expected a retry after the server closed the stream")
	}
}

func TestLinkStopCancelsPendingRetry(t *testing.T) {
	streams := newScriptedStreams()
	scheduler := &fakeScheduler{}
	recorder := &stateRecorder{}
	link := newTestLink(t, streams, scheduler, recorder)

	link.Start(context.Background())
	streams.next(t).onOpen()
	link.ReportError(errors.New("offline"))

	link.Stop()
	if link.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", link.State())
	}
	if len(scheduler.pending()) != 0 {
		t.Fatalf("expected pending retry to be cancelled")
	}
	scheduler.fireAll()
	streams.assertNoAttempt(t)
}

func TestLinkDeliversAlertsOnlyWhileConnected(t *testing.T) {
	streams := newScriptedStreams()
	var delivered []alerts.Alert
	link, err := NewLink(LinkConfig{
		Connect:   streams.Stream,
		Scheduler: &fakeScheduler{},
		OnAlert: func(item alerts.Alert) {
			delivered = append(delivered, item)
		},
	})
	if err != nil {
		t.Fatalf("failed to build link: %v", err)
	}
	t.Cleanup(link.Stop)

	link.Start(context.Background())
	session := streams.next(t)
	session.onAlert(alert("early", 1, 0))
	session.onOpen()
	session.onAlert(alert("live", 2, 0))

	if got := ids(delivered); !reflect.DeepEqual(got, []string{"live"}) {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestNewLinkRequiresConnect(t *testing.T) {
	if _, err := NewLink(LinkConfig{}); err == nil {
		t.Fatalf("expected error without connect function")
	}
}
