package taskctx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/protocol"
	"github.com/voxtask/voxtask/internal/tasks"
)

type recordingInjector struct {
	mu    sync.Mutex
	turns []string
}

func (r *recordingInjector) InjectUserText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, text)
	return nil
}

func (r *recordingInjector) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.turns))
	copy(out, r.turns)
	return out
}

func (r *recordingInjector) waitFor(t *testing.T, count int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if turns := r.snapshot(); len(turns) >= count {
			return turns
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d injected turns, have %d", count, len(r.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func publishData(t *testing.T, b bus.Bus, room string, msg protocol.DataMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), room, string(msg.Type), raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func startNegotiator(t *testing.T, cfg Config) (*Negotiator, chan error) {
	t.Helper()
	n := New(cfg)
	errs := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { errs <- n.Negotiate(ctx) }()
	select {
	case <-n.Armed():
	case <-time.After(2 * time.Second):
		t.Fatal("negotiator never armed")
	}
	return n, errs
}

func TestNegotiateInjectsRelevantContext(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	n, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, AgentIdentity: "voxtask-agent", Timeout: 2 * time.Second,
	})

	now := time.Now()
	publishData(t, b, "room-1", protocol.DataMessage{
		Type:   protocol.TypeInitialTasks,
		UserID: "user-7",
		Tasks: tasks.Snapshot{
			{Name: "ship report", Status: tasks.StatusInProgress, Deadline: now.Add(time.Hour)},
			{Name: "old chore", Status: tasks.StatusDone, Deadline: now.Add(-time.Hour)},
		},
	})

	if err := <-errs; err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if got := n.State(); got != StateNegotiated {
		t.Fatalf("state = %q, want %q", got, StateNegotiated)
	}
	turns := inj.waitFor(t, 1)
	if !strings.Contains(turns[0], "ship report") {
		t.Fatalf("turn missing open task:\n%s", turns[0])
	}
	if strings.Contains(turns[0], "old chore") {
		t.Fatalf("turn includes done task:\n%s", turns[0])
	}
}

func TestNegotiateTimesOut(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	n, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, Timeout: 30 * time.Millisecond,
	})

	if err := <-errs; !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("err = %v, want ErrNegotiationTimeout", err)
	}
	if got := n.State(); got != StateTimedOut {
		t.Fatalf("state = %q, want %q", got, StateTimedOut)
	}
	if turns := inj.snapshot(); len(turns) != 0 {
		t.Fatalf("unexpected injections: %v", turns)
	}
}

func TestNegotiateIgnoresOwnMessages(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	_, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, AgentIdentity: "voxtask-agent", Timeout: 80 * time.Millisecond,
	})

	publishData(t, b, "room-1", protocol.DataMessage{
		Type:   protocol.TypeInitialTasks,
		UserID: "voxtask-agent-room-1",
		Tasks:  tasks.Snapshot{{Name: "echo", Status: tasks.StatusInProgress}},
	})

	if err := <-errs; !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("err = %v, want timeout despite self message", err)
	}
}

func TestNegotiateSkipsMalformedSnapshot(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	n, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, Timeout: 2 * time.Second,
	})

	if err := b.Publish(context.Background(), "room-1", string(protocol.TypeInitialTasks), []byte(`{"type":"initialTasks","tasks":[{"name":""}]}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publishData(t, b, "room-1", protocol.DataMessage{
		Type:  protocol.TypeInitialTasks,
		Tasks: tasks.Snapshot{{Name: "valid task", Status: tasks.StatusInProgress, Deadline: time.Now().Add(time.Hour)}},
	})

	if err := <-errs; err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if got := n.State(); got != StateNegotiated {
		t.Fatalf("state = %q, want %q", got, StateNegotiated)
	}
}

func TestTaskUpdatesReinjectAfterNegotiation(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	_, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, Timeout: 2 * time.Second,
	})

	now := time.Now()
	publishData(t, b, "room-1", protocol.DataMessage{
		Type:  protocol.TypeInitialTasks,
		Tasks: tasks.Snapshot{{Name: "first pass", Status: tasks.StatusInProgress, Deadline: now.Add(time.Hour)}},
	})
	if err := <-errs; err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	publishData(t, b, "room-1", protocol.DataMessage{
		Type:  protocol.TypeTaskUpdate,
		Tasks: tasks.Snapshot{{Name: "second pass", Status: tasks.StatusInProgress, Deadline: now.Add(2 * time.Hour)}},
	})
	// A late initialTasks replaces context the same way an update does.
	publishData(t, b, "room-1", protocol.DataMessage{
		Type:  protocol.TypeInitialTasks,
		Tasks: tasks.Snapshot{{Name: "third pass", Status: tasks.StatusInProgress, Deadline: now.Add(3 * time.Hour)}},
	})

	turns := inj.waitFor(t, 3)
	if !strings.Contains(turns[1], "second pass") {
		t.Fatalf("update turn missing task:\n%s", turns[1])
	}
	if !strings.Contains(turns[2], "third pass") {
		t.Fatalf("late snapshot turn missing task:\n%s", turns[2])
	}
}

func TestOnboardingControlReinjectsInstructions(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	inj := &recordingInjector{}
	_, errs := startNegotiator(t, Config{
		Bus: b, Room: "room-1", Injector: inj, Timeout: 2 * time.Second,
		Onboarding: "redo the welcome spiel",
	})

	publishData(t, b, "room-1", protocol.DataMessage{
		Type:  protocol.TypeInitialTasks,
		Tasks: tasks.Snapshot{{Name: "task", Status: tasks.StatusInProgress}},
	})
	if err := <-errs; err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	publishData(t, b, "room-1", protocol.DataMessage{
		Type:             protocol.TypeOnboardingControl,
		RepeatOnboarding: true,
	})
	turns := inj.waitFor(t, 2)
	if turns[1] != "redo the welcome spiel" {
		t.Fatalf("onboarding turn = %q", turns[1])
	}

	// A control message without the flag does nothing.
	publishData(t, b, "room-1", protocol.DataMessage{Type: protocol.TypeOnboardingControl})
	time.Sleep(50 * time.Millisecond)
	if got := len(inj.snapshot()); got != 2 {
		t.Fatalf("got %d turns after no-op control, want 2", got)
	}
}
