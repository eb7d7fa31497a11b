package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRealtimeServer upgrades the test connection, records the auth
// headers and inbound frames, and plays back whatever frames the test
// script enqueues.
type fakeRealtimeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	script   [][]byte
	gotAuth  chan http.Header
	inbound  chan map[string]any
}

func newFakeRealtimeServer(t *testing.T, script ...string) *fakeRealtimeServer {
	frames := make([][]byte, 0, len(script))
	for _, s := range script {
		frames = append(frames, []byte(s))
	}
	return &fakeRealtimeServer{
		t:       t,
		script:  frames,
		gotAuth: make(chan http.Header, 1),
		inbound: make(chan map[string]any, 32),
	}
}

func (f *fakeRealtimeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.gotAuth <- r.Header.Clone()
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade error = %v", err)
		return
	}
	defer conn.Close()

	for _, frame := range f.script {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.inbound <- msg
	}
}

func dialFake(t *testing.T, f *fakeRealtimeServer) (*Client, func()) {
	t.Helper()
	ts := httptest.NewServer(f)
	baseURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	client, err := Dial(context.Background(), Config{
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Model:   "gpt-4o-realtime-preview",
	})
	if err != nil {
		ts.Close()
		t.Fatalf("Dial error = %v", err)
	}
	return client, func() {
		_ = client.Close()
		ts.Close()
	}
}

func TestDialSendsAuthHeaders(t *testing.T) {
	f := newFakeRealtimeServer(t)
	client, cleanup := dialFake(t, f)
	defer cleanup()
	_ = client

	select {
	case headers := <-f.gotAuth:
		if got := headers.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("Authorization = %q", got)
		}
		if got := headers.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Fatalf("OpenAI-Beta = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handshake never reached server")
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{APIKey: "sk-test", BaseURL: "ws://127.0.0.1:1"})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Dial error = %v, want ErrConnectFailed", err)
	}
}

func TestReadLoopMapsEventKinds(t *testing.T) {
	f := newFakeRealtimeServer(t,
		`{"type":"response.audio.delta","delta":"QUJD"}`,
		`{"type":"response.text.delta","delta":"hi"}`,
		`{"type":"response.done","response":{"status":"completed"}}`,
		`{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow down"}}`,
		`{"type":"session.created","session":{"id":"sess_1"}}`,
	)
	client, cleanup := dialFake(t, f)
	defer cleanup()

	wantKinds := []EventKind{KindAudioDelta, KindTextDelta, KindResponseDone, KindError, KindUnknown}
	for i, want := range wantKinds {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatalf("event stream closed at %d", i)
			}
			if ev.Kind != want {
				t.Fatalf("event %d kind = %q, want %q", i, ev.Kind, want)
			}
			switch want {
			case KindAudioDelta:
				if ev.Audio != "QUJD" {
					t.Fatalf("audio delta = %q", ev.Audio)
				}
			case KindTextDelta:
				if ev.Text != "hi" {
					t.Fatalf("text delta = %q", ev.Text)
				}
			case KindError:
				if ev.Code != "rate_limit_exceeded" || !ev.Retryable {
					t.Fatalf("error event = %+v", ev)
				}
			case KindUnknown:
				var raw map[string]any
				if err := json.Unmarshal(ev.Raw, &raw); err != nil {
					t.Fatalf("unknown event raw not JSON: %v", err)
				}
				if raw["type"] != "session.created" {
					t.Fatalf("unknown event type = %v", raw["type"])
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSendOperationsReachSocket(t *testing.T) {
	f := newFakeRealtimeServer(t)
	client, cleanup := dialFake(t, f)
	defer cleanup()

	if err := client.UpdateSession([]string{"audio", "text"}, "alloy", "be brief"); err != nil {
		t.Fatalf("UpdateSession error = %v", err)
	}
	if err := client.AppendAudio("QUJDREVG"); err != nil {
		t.Fatalf("AppendAudio error = %v", err)
	}
	if err := client.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio error = %v", err)
	}
	if err := client.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse error = %v", err)
	}

	wantTypes := []string{"session.update", "input_audio_buffer.append", "input_audio_buffer.commit", "response.create"}
	for _, want := range wantTypes {
		select {
		case msg := <-f.inbound:
			if msg["type"] != want {
				t.Fatalf("server saw %v, want %q", msg["type"], want)
			}
			if want == "input_audio_buffer.append" && msg["audio"] != "QUJDREVG" {
				t.Fatalf("append audio = %v", msg["audio"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
}

func TestInjectUserTextCreatesItemThenResponse(t *testing.T) {
	f := newFakeRealtimeServer(t)
	client, cleanup := dialFake(t, f)
	defer cleanup()

	if err := client.InjectUserText("current tasks: ship the relay"); err != nil {
		t.Fatalf("InjectUserText error = %v", err)
	}

	wantTypes := []string{"conversation.item.create", "response.create"}
	for _, want := range wantTypes {
		select {
		case msg := <-f.inbound:
			if msg["type"] != want {
				t.Fatalf("server saw %v, want %q", msg["type"], want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
}

func TestCloseUnblocksReadLoopWithoutConsumer(t *testing.T) {
	// Enough frames to overfill the event buffer while nobody drains.
	script := make([]string, 400)
	for i := range script {
		script[i] = `{"type":"response.audio.delta","delta":"QUJD"}`
	}
	f := newFakeRealtimeServer(t, script...)
	client, cleanup := dialFake(t, f)
	defer cleanup()

	// Let the server flood the undrained client.
	time.Sleep(100 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	// The buffered backlog drains, then the stream must close.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-client.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel never closed after Close")
		}
	}
}

func TestSendAfterCloseReturnsNotConnected(t *testing.T) {
	f := newFakeRealtimeServer(t)
	client, cleanup := dialFake(t, f)
	defer cleanup()

	if err := client.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := client.AppendAudio("QUJD"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("AppendAudio after close = %v, want ErrNotConnected", err)
	}

	// The stream terminates with KindClosed then closes.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			if ev.Kind != KindClosed {
				t.Fatalf("post-close event kind = %q", ev.Kind)
			}
		case <-deadline:
			t.Fatalf("event stream never closed")
		}
	}
}
