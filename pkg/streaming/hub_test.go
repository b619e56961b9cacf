package streaming

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hooplab/courtedge/pkg/workflow"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(token string) (string, error) {
	if !strings.HasPrefix(token, "valid") {
		return "", errors.New("bad token")
	}
	return "user-" + token, nil
}

type fakeRuns struct {
	run workflow.Run
	ok  bool
}

func (f *fakeRuns) Get(id string) (workflow.Run, bool) { return f.run, f.ok }

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "run-1")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialHub(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{
		Subprotocols: []string{acceptedProtocol, authProtocolPrefix + token},
	}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close error, got %v", err)
	}
}

func TestHubEchoesSubprotocolAndSendsSnapshot(t *testing.T) {
	runs := &fakeRuns{run: workflow.Run{ID: "run-1", Status: workflow.StatusRunning}, ok: true}
	hub := NewHub(DefaultHubConfig(), fakeAuth{}, runs, nil)
	srv := newTestServer(t, hub)

	ws := dialHub(t, srv, "valid-a")
	if ws.Subprotocol() != acceptedProtocol {
		t.Fatalf("subprotocol = %q, want %q", ws.Subprotocol(), acceptedProtocol)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var msg snapshotMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" || msg.Run.ID != "run-1" {
		t.Fatalf("unexpected snapshot: %+v", msg)
	}
}

func TestHubRejectsBadCredential(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), fakeAuth{}, &fakeRuns{}, nil)
	srv := newTestServer(t, hub)

	ws := dialHub(t, srv, "forged")
	if code := readCloseCode(t, ws); code != CloseAuthFailure {
		t.Fatalf("close code = %d, want %d", code, CloseAuthFailure)
	}
	if n := hub.SubscriberCount("run-1"); n != 0 {
		t.Fatalf("rejected connection still registered: %d", n)
	}
}

func TestHubEnforcesPerIdentityLimit(t *testing.T) {
	runs := &fakeRuns{run: workflow.Run{ID: "run-1"}, ok: true}
	hub := NewHub(DefaultHubConfig(), fakeAuth{}, runs, nil)
	srv := newTestServer(t, hub)

	first := dialHub(t, srv, "valid-a")
	second := dialHub(t, srv, "valid-a")
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("run-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("first two connections never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	third := dialHub(t, srv, "valid-a")

	if code := readCloseCode(t, third); code != CloseTooManyConnections {
		t.Fatalf("third connection close code = %d, want %d", code, CloseTooManyConnections)
	}

	// The first two connections stay live and receive events.
	hub.Publish("run-1", workflow.Event{Type: workflow.EventStatus, RunID: "run-1"})
	for i, ws := range []*websocket.Conn{first, second} {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		// Skip the snapshot message.
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				t.Fatalf("conn %d read: %v", i, err)
			}
			var envelope struct {
				Type string `json:"type"`
			}
			json.Unmarshal(data, &envelope)
			if envelope.Type == string(workflow.EventStatus) {
				break
			}
		}
	}

	// A different identity still connects fine.
	other := dialHub(t, srv, "valid-b")
	other.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := other.ReadMessage(); err != nil {
		t.Fatalf("other identity should be accepted: %v", err)
	}
}

func TestHubOrdersEventsPerSubscriber(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), fakeAuth{}, &fakeRuns{}, nil)
	srv := newTestServer(t, hub)
	ws := dialHub(t, srv, "valid-a")

	waitForSubscriber(t, hub, "run-1")

	const n = 20
	for i := 0; i < n; i++ {
		hub.Publish("run-1", workflow.Event{
			Type:    workflow.EventOpportunity,
			RunID:   "run-1",
			Message: string(rune('a' + i)),
		})
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < n; i++ {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var ev workflow.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if want := string(rune('a' + i)); ev.Message != want {
			t.Fatalf("event %d out of order: got %q, want %q", i, ev.Message, want)
		}
	}
}

func TestHubClosesRunAfterTerminalEvent(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.TerminalGrace = 50 * time.Millisecond
	hub := NewHub(cfg, fakeAuth{}, &fakeRuns{}, nil)
	srv := newTestServer(t, hub)
	ws := dialHub(t, srv, "valid-a")

	waitForSubscriber(t, hub, "run-1")

	hub.Publish("run-1", workflow.Event{Type: workflow.EventComplete, RunID: "run-1"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawComplete := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		var ev workflow.Event
		json.Unmarshal(data, &ev)
		if ev.Type == workflow.EventComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatal("complete event must flush before the close")
	}

	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("run-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers not cleaned up after terminal grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForSubscriber(t *testing.T, hub *Hub, runID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount(runID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSnapshotSurvivesConcurrentCloseRun(t *testing.T) {
	runs := &fakeRuns{run: workflow.Run{ID: "run-1", Status: workflow.StatusCompleted}, ok: true}
	hub := NewHub(DefaultHubConfig(), fakeAuth{}, runs, nil)
	srv := newTestServer(t, hub)

	// Hammer connects against CloseRun; the snapshot enqueue and the send
	// channel close must never interleave into a send on a closed channel.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				hub.CloseRun("run-1")
			}
		}
	}()

	for i := 0; i < 20; i++ {
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		dialer := websocket.Dialer{
			Subprotocols: []string{acceptedProtocol, authProtocolPrefix + "valid-a"},
		}
		ws, _, err := dialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		ws.Close()
	}
	close(stop)
	<-done
}
