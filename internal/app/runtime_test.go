package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/config"
	"github.com/voxtask/voxtask/internal/protocol"
	"github.com/voxtask/voxtask/internal/session"
	"github.com/voxtask/voxtask/internal/tasks"
)

// upstreamStub accepts the realtime websocket handshake and records
// every inbound frame.
type upstreamStub struct {
	t       *testing.T
	inbound chan map[string]any
}

func (u *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.t.Errorf("upgrade error = %v", err)
		return
	}
	defer conn.Close()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		u.inbound <- msg
	}
}

func startRuntime(t *testing.T) (*Runtime, *bus.MemoryBus, *upstreamStub) {
	t.Helper()
	stub := &upstreamStub{t: t, inbound: make(chan map[string]any, 64)}
	ts := httptest.NewServer(stub)
	t.Cleanup(ts.Close)

	cfg := config.Config{
		UpstreamAPIKey:       "sk-test",
		UpstreamBaseURL:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		UpstreamModel:        "gpt-4o-realtime-preview",
		UpstreamDialAttempts: 1,
		MaxChunkSize:         32000,
		NegotiationTimeout:   2 * time.Second,
		AgentIdentityPrefix:  "voxtask-agent",
		RelevantTaskLimit:    5,
	}
	b := bus.NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt := NewRuntime(ctx, cfg, b, nil, nil)
	t.Cleanup(rt.StopAll)
	return rt, b, stub
}

func TestStartDoesNotLoseSnapshotPublishedImmediately(t *testing.T) {
	rt, b, stub := startRuntime(t)

	sess := &session.Session{ID: "sess-1", Room: "room-1", Status: session.StatusActive}
	if err := rt.Start(sess, "alloy", false); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	// The gateway publishes the snapshot the moment Start returns; the
	// negotiator must already be subscribed for it to land.
	raw, err := json.Marshal(protocol.DataMessage{
		Type:      protocol.TypeInitialTasks,
		Tasks:     tasks.Snapshot{{Name: "prep demo", Status: tasks.StatusInProgress, Deadline: time.Now().Add(time.Hour)}},
		Timestamp: time.Now().UnixMilli(),
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := b.Publish(context.Background(), sess.Room, string(protocol.TypeInitialTasks), raw); err != nil {
		t.Fatalf("publish snapshot: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-stub.inbound:
			if msg["type"] != "conversation.item.create" {
				continue
			}
			if !strings.Contains(fmt.Sprintf("%v", msg["item"]), "prep demo") {
				t.Fatalf("injected turn missing task: %v", msg["item"])
			}
			return
		case <-deadline:
			t.Fatal("task context never reached the upstream socket")
		}
	}
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	rt, _, _ := startRuntime(t)

	sess := &session.Session{ID: "sess-dup", Room: "room-dup", Status: session.StatusActive}
	if err := rt.Start(sess, "alloy", false); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	if err := rt.Start(sess, "alloy", false); err != ErrAlreadyRunning {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if !rt.Running(sess.ID) {
		t.Fatal("session should still be running")
	}

	rt.Stop(sess.ID)
	if rt.Running(sess.ID) {
		t.Fatal("session still running after Stop")
	}
}
