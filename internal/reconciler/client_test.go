package reconciler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL + "/",
		Category:    alerts.CategoryPrice,
		AccessToken: "session-token",
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestClientStreamParsesFramesUntilErrorEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/alerts/price/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer session-token" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "data: {\"id\":\"a\",\"category\":\"price\",\"subject\":\"NACHO\",\"timestamp\":1700000000}\n\n")
		_, _ = io.WriteString(w, "data:{\"id\":\"b\",\"category\":\"price\",\"subject\":\"KASPY\",\"timestamp\":1700000000123}\n\n")
		_, _ = io.WriteString(w, "event:error\ndata: {\"error\":\"slow_consumer\"}\n\n")
	})

	opened := 0
	var received []alerts.Alert
	err := client.Stream(context.Background(), func() { opened++ }, func(alert alerts.Alert) {
		received = append(received, alert)
	})

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Code != "slow_consumer" {
		t.Fatalf("expected slow_consumer stream error, got %v", err)
	}
	if opened != 1 {
		t.Fatalf("expected one open callback, got %d", opened)
	}
	if got := ids(received); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected alerts %v", got)
	}
	if received[0].Timestamp != 1_700_000_000_000 || received[1].Timestamp != 1_700_000_000_123 {
		t.Fatalf("expected millisecond timestamps, got %d and %d", received[0].Timestamp, received[1].Timestamp)
	}
}

func TestClientStreamReportsServerClose(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: not-json\n\n")
	})

	var received []alerts.Alert
	err := client.Stream(context.Background(), func() {}, func(alert alerts.Alert) {
		received = append(received, alert)
	})
	if !errors.Is(err, errStreamClosed) {
		t.Fatalf("expected errStreamClosed, got %v", err)
	}
	if len(received) != 0 {
		t.Fatalf("undecodable frame must be skipped")
	}
}

func TestClientStreamRejectsNonSuccessStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"stream_unavailable"}`)
	})

	opened := false
	err := client.Stream(context.Background(), func() { opened = true }, func(alerts.Alert) {})
	if !errors.Is(err, ErrRequestFailed) || !strings.Contains(err.Error(), "stream_unavailable") {
		t.Fatalf("expected request failure with code, got %v", err)
	}
	if opened {
		t.Fatalf("open callback must not run for a rejected stream")
	}
}

func TestClientSnapshotDecodesAlerts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/alerts/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"c","category":"price","subject":"X","value":"0.5","timestamp":110},{"id":"a","category":"price","subject":"Y","timestamp":100}]`)
	})

	snapshot, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if got := ids(snapshot); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Fatalf("unexpected snapshot %v", got)
	}
	if snapshot[0].Value.String() != "0.5" {
		t.Fatalf("unexpected value %s", snapshot[0].Value)
	}
}

func TestClientSettingsRoundTrip(t *testing.T) {
	stored := settings.DefaultPreferences()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("userId") != "42" {
				t.Errorf("unexpected user id %q", r.URL.Query().Get("userId"))
			}
			_, _ = io.WriteString(w, `{"enabled":true,"threshold":12.5}`)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"userId":"42"`) {
				t.Errorf("unexpected body %s", body)
			}
			stored = settings.Preferences{Enabled: false, Threshold: 3}
			_, _ = io.WriteString(w, `{"success":true,"enabled":false,"threshold":3}`)
		}
	})

	prefs, err := client.LoadSettings(context.Background(), "42")
	if err != nil || prefs != (settings.Preferences{Enabled: true, Threshold: 12.5}) {
		t.Fatalf("unexpected load result %#v, %v", prefs, err)
	}
	saved, err := client.SaveSettings(context.Background(), "42", settings.Preferences{Threshold: 3})
	if err != nil || saved != stored {
		t.Fatalf("unexpected save result %#v, %v", saved, err)
	}
}

func TestClientSaveSettingsRequiresAcknowledgement(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":false}`)
	})

	if _, err := client.SaveSettings(context.Background(), "42", settings.DefaultPreferences()); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

func TestReadEventsJoinsMultiLineData(t *testing.T) {
	input := "event: custom\ndata: first\ndata: second\n\n"
	var events, payloads []string
	err := readEvents(strings.NewReader(input), func(event, data string) error {
		events = append(events, event)
		payloads = append(payloads, data)
		return nil
	})
	if !errors.Is(err, errStreamClosed) {
		t.Fatalf("expected errStreamClosed at end of input, got %v", err)
	}
	if !reflect.DeepEqual(events, []string{"custom"}) || !reflect.DeepEqual(payloads, []string{"first\nsecond"}) {
		t.Fatalf("unexpected frames %v %v", events, payloads)
	}
}
