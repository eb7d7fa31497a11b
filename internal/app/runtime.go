package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/config"
	"github.com/voxtask/voxtask/internal/observability"
	"github.com/voxtask/voxtask/internal/relay"
	"github.com/voxtask/voxtask/internal/reliability"
	"github.com/voxtask/voxtask/internal/session"
	"github.com/voxtask/voxtask/internal/taskctx"
	"github.com/voxtask/voxtask/internal/upstream"
)

// baseInstructions seeds every upstream session before any task
// context arrives.
const baseInstructions = "You are a concise voice assistant for a personal task manager. " +
	"Answer briefly, speak naturally, and ground your answers in the task context " +
	"you are given during the conversation."

var ErrAlreadyRunning = errors.New("relay already running for session")

const (
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffCap  = 5 * time.Second
)

// Runtime owns one relay controller and one context negotiator per
// active session. Controllers run on the runtime's base context, not
// the creating request's, so they outlive the HTTP call that spawned
// them.
type Runtime struct {
	base    context.Context
	cfg     config.Config
	bus     bus.Bus
	metrics *observability.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	relays map[string]*runningRelay
}

type runningRelay struct {
	controller *relay.Controller
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewRuntime(base context.Context, cfg config.Config, b bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		base:    base,
		cfg:     cfg,
		bus:     b,
		metrics: metrics,
		logger:  logger,
		relays:  make(map[string]*runningRelay),
	}
}

// Start spins up the relay controller for a session's room and, once
// the upstream leg is live, kicks off task-context negotiation. It
// returns after the controller reaches the relaying state or fails its
// dial, so callers learn immediately whether the session is usable.
func (rt *Runtime) Start(sess *session.Session, voice string, onboarding bool) error {
	rt.mu.Lock()
	if _, ok := rt.relays[sess.ID]; ok {
		rt.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(rt.base)
	ctrl := relay.New(relay.Config{
		Room:         sess.Room,
		Bus:          rt.bus,
		Dial:         rt.dialer(),
		MaxChunkSize: rt.cfg.MaxChunkSize,
		Voice:        voice,
		Instructions: baseInstructions,
		Metrics:      rt.metrics,
		Logger:       rt.logger.With("session_id", sess.ID),
	})
	running := &runningRelay{controller: ctrl, cancel: cancel, done: make(chan struct{})}
	rt.relays[sess.ID] = running
	rt.mu.Unlock()

	go func() {
		defer close(running.done)
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("relay finished with error", "session_id", sess.ID, "error", err)
		}
		rt.mu.Lock()
		delete(rt.relays, sess.ID)
		rt.mu.Unlock()
	}()

	select {
	case <-ctrl.Ready():
	case <-running.done:
		return fmt.Errorf("relay for session %s failed before becoming ready", sess.ID)
	case <-ctx.Done():
		return ctx.Err()
	}

	if onboarding {
		if err := ctrl.InjectUserText(taskctx.DefaultOnboardingInstructions); err != nil {
			rt.logger.Warn("onboarding injection failed", "session_id", sess.ID, "error", err)
		}
	}

	neg := taskctx.New(taskctx.Config{
		Bus:           rt.bus,
		Room:          sess.Room,
		Injector:      ctrl,
		AgentIdentity: rt.cfg.AgentIdentityPrefix,
		Timeout:       rt.cfg.NegotiationTimeout,
		Limit:         rt.cfg.RelevantTaskLimit,
		Metrics:       rt.metrics,
		Logger:        rt.logger.With("session_id", sess.ID),
	})
	go func() {
		err := neg.Negotiate(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, taskctx.ErrNegotiationTimeout):
			// Non-fatal: the session keeps relaying without task context.
			rt.logger.Warn("task context negotiation timed out", "session_id", sess.ID)
		default:
			rt.logger.Warn("task context negotiation failed", "session_id", sess.ID, "error", err)
		}
	}()

	// Don't hand the session back until the negotiator is subscribed:
	// the gateway publishes the initial snapshot right after Start
	// returns, and an unregistered handler would miss it for good.
	select {
	case <-neg.Armed():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		rt.logger.Warn("negotiator never armed, snapshot may be missed", "session_id", sess.ID)
	}

	return nil
}

// Stop tears the session's relay down and waits for the controller to
// finish its current fragment and exit.
func (rt *Runtime) Stop(sessionID string) {
	rt.mu.Lock()
	running, ok := rt.relays[sessionID]
	rt.mu.Unlock()
	if !ok {
		return
	}
	running.cancel()
	<-running.done
}

func (rt *Runtime) StopAll() {
	rt.mu.Lock()
	all := make([]*runningRelay, 0, len(rt.relays))
	for _, running := range rt.relays {
		all = append(all, running)
	}
	rt.mu.Unlock()
	for _, running := range all {
		running.cancel()
		<-running.done
	}
}

func (rt *Runtime) Running(sessionID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.relays[sessionID]
	return ok
}

// dialer wraps the upstream connect in the retry policy; the client
// itself never reconnects, so this is the only place redials happen.
func (rt *Runtime) dialer() relay.Dialer {
	return func(ctx context.Context) (relay.UpstreamSession, error) {
		var client *upstream.Client
		err := reliability.Retry(ctx, rt.cfg.UpstreamDialAttempts, dialBackoffBase, dialBackoffCap, func(ctx context.Context) error {
			c, err := upstream.Dial(ctx, upstream.Config{
				APIKey:  rt.cfg.UpstreamAPIKey,
				BaseURL: rt.cfg.UpstreamBaseURL,
				Model:   rt.cfg.UpstreamModel,
				Logger:  rt.logger,
			})
			if err != nil {
				return err
			}
			client = c
			return nil
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
