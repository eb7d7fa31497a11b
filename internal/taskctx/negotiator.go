// Package taskctx negotiates task context for an agent session: it
// waits for the application's initial task snapshot on the data
// channel, grounds the assistant with the relevant subset, and keeps
// absorbing updates for the lifetime of the session.
package taskctx

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/observability"
	"github.com/voxtask/voxtask/internal/protocol"
)

const DefaultTimeout = 45 * time.Second

// DefaultOnboardingInstructions is re-injected when the application
// flags repeatOnboarding on the control channel.
const DefaultOnboardingInstructions = "You are a friendly task assistant. Introduce yourself briefly, " +
	"explain that you can discuss the user's tasks and deadlines, and ask what they want to work on first."

var ErrNegotiationTimeout = errors.New("timed out waiting for initial tasks")

type State string

const (
	StateAwaitingSnapshot State = "awaiting_snapshot"
	StateNegotiated       State = "negotiated"
	StateTimedOut         State = "timed_out"
)

// TurnInjector is the controller surface the negotiator speaks
// through; it never touches the upstream socket directly.
type TurnInjector interface {
	InjectUserText(text string) error
}

type Config struct {
	Bus           bus.Bus
	Room          string
	Injector      TurnInjector
	AgentIdentity string
	Timeout       time.Duration
	Limit         int
	Onboarding    string
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

type Negotiator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State

	armed     chan struct{}
	armedOnce sync.Once
}

func New(cfg Config) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultRelevantLimit
	}
	if strings.TrimSpace(cfg.Onboarding) == "" {
		cfg.Onboarding = DefaultOnboardingInstructions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		cfg:    cfg,
		logger: logger.With("room", cfg.Room),
		state:  StateAwaitingSnapshot,
		armed:  make(chan struct{}),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Armed is closed once the data-channel subscriptions are registered,
// so callers can publish without racing the subscribe.
func (n *Negotiator) Armed() <-chan struct{} { return n.armed }

// Negotiate blocks until the first initialTasks message arrives or the
// deadline passes. On success the snapshot handler is deregistered, one
// grounding turn is injected, and update handling continues in the
// background until ctx ends. Timeout is non-fatal for the session; the
// caller logs it and proceeds without task context.
func (n *Negotiator) Negotiate(ctx context.Context) error {
	// Armed is closed once the subscription phase is over, even on
	// failure, so waiters on Armed are never stranded.
	arm := func() { n.armedOnce.Do(func() { close(n.armed) }) }

	snapCh := make(chan protocol.DataMessage, 8)
	unsubInitial, err := n.cfg.Bus.Subscribe(ctx, n.cfg.Room, string(protocol.TypeInitialTasks), n.dataHandler(snapCh))
	if err != nil {
		arm()
		return err
	}

	// Onboarding control is honored independent of negotiation state.
	unsubOnboarding, err := n.cfg.Bus.Subscribe(ctx, n.cfg.Room, string(protocol.TypeOnboardingControl), n.onboardingHandler())
	if err != nil {
		unsubInitial()
		arm()
		return err
	}
	go func() {
		<-ctx.Done()
		unsubOnboarding()
	}()

	arm()

	timer := time.NewTimer(n.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		unsubInitial()
		return ctx.Err()
	case <-timer.C:
		unsubInitial()
		n.setState(StateTimedOut)
		n.cfg.Metrics.NegotiationOutcome("timeout")
		return ErrNegotiationTimeout
	case data := <-snapCh:
		unsubInitial()
		n.injectSnapshot(data, "initial")
		n.setState(StateNegotiated)
		n.cfg.Metrics.NegotiationOutcome("negotiated")
	}

	// Subsequent updates are fire-and-forget for the session lifetime.
	// A late initialTasks is treated the same as an update: last writer
	// wins, best effort.
	updateCh := make(chan protocol.DataMessage, 8)
	var unsubs []func()
	for _, msgType := range []protocol.MessageType{protocol.TypeTaskUpdate, protocol.TypeInitialTasks} {
		unsub, err := n.cfg.Bus.Subscribe(ctx, n.cfg.Room, string(msgType), n.dataHandler(updateCh))
		if err != nil {
			n.logger.Warn("task update subscription failed", "type", string(msgType), "error", err)
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	go func() {
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-updateCh:
				n.injectSnapshot(data, "update")
			}
		}
	}()
	return nil
}

// dataHandler parses data-channel payloads and filters out the agent's
// own messages so it never feeds on itself.
func (n *Negotiator) dataHandler(out chan<- protocol.DataMessage) bus.Handler {
	return func(_ context.Context, raw []byte) {
		parsed, err := protocol.ParseRoomMessage(raw)
		if err != nil {
			n.cfg.Metrics.MalformedMessage("data_channel")
			n.logger.Warn("malformed data-channel message skipped", "error", err)
			return
		}
		data, ok := parsed.(protocol.DataMessage)
		if !ok {
			return
		}
		if n.isSelf(data.UserID) {
			return
		}
		select {
		case out <- data:
		default:
			n.logger.Warn("data-channel backlog full, dropping message", "type", string(data.Type))
		}
	}
}

func (n *Negotiator) onboardingHandler() bus.Handler {
	return func(_ context.Context, raw []byte) {
		parsed, err := protocol.ParseRoomMessage(raw)
		if err != nil {
			n.cfg.Metrics.MalformedMessage("data_channel")
			return
		}
		data, ok := parsed.(protocol.DataMessage)
		if !ok || n.isSelf(data.UserID) || !data.RepeatOnboarding {
			return
		}
		if err := n.cfg.Injector.InjectUserText(n.cfg.Onboarding); err != nil {
			n.logger.Warn("onboarding re-injection failed", "error", err)
			return
		}
		n.logger.Info("onboarding instructions re-injected")
	}
}

func (n *Negotiator) injectSnapshot(data protocol.DataMessage, phase string) {
	now := time.Now().UTC()
	relevant := RelevantTasks(data.Tasks, now, n.cfg.Limit)
	if err := n.cfg.Injector.InjectUserText(FormatTurn(relevant, now)); err != nil {
		n.logger.Warn("task context injection failed", "phase", phase, "error", err)
		return
	}
	n.logger.Info("task context injected",
		"phase", phase, "tasks", len(data.Tasks), "relevant", len(relevant))
}

func (n *Negotiator) isSelf(userID string) bool {
	if n.cfg.AgentIdentity == "" {
		return false
	}
	return strings.HasPrefix(userID, n.cfg.AgentIdentity)
}

func (n *Negotiator) setState(next State) {
	n.mu.Lock()
	n.state = next
	n.mu.Unlock()
}
