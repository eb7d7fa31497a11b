// Package relay wires one upstream realtime connection to one room:
// upstream audio deltas are chunked and fanned out to subscribers,
// client messages on the room are forwarded 1:1 to the upstream socket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/chunk"
	"github.com/voxtask/voxtask/internal/observability"
	"github.com/voxtask/voxtask/internal/protocol"
	"github.com/voxtask/voxtask/internal/upstream"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRelaying   State = "relaying"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

var ErrNotRelaying = errors.New("relay is not in the relaying state")

// UpstreamSession is the slice of the upstream client the controller
// drives. *upstream.Client satisfies it; tests substitute a fake.
type UpstreamSession interface {
	UpdateSession(modalities []string, voice, instructions string) error
	AppendAudio(audioBase64 string) error
	CommitAudio() error
	CreateResponse() error
	InjectUserText(text string) error
	Events() <-chan upstream.Event
	Close() error
}

// Dialer opens the upstream session. Connect-retry policy, if any,
// lives inside the dialer, not the controller.
type Dialer func(ctx context.Context) (UpstreamSession, error)

type Config struct {
	Room         string
	Bus          bus.Bus
	Dial         Dialer
	MaxChunkSize int
	Voice        string
	Instructions string
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Controller owns the upstream socket for one session. No other
// component writes to the socket directly; the negotiator injects
// turns through InjectUserText.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	client UpstreamSession

	ready chan struct{}

	// first-chunk latency bookkeeping, touched only from the event loop
	// and the response.create forward path.
	latencyMu     sync.Mutex
	responseAsked time.Time
	firstChunkUp  bool
}

func New(cfg Config) *Controller {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 32000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With("room", cfg.Room),
		state:  StateIdle,
		ready:  make(chan struct{}),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the controller enters the relaying state.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// InjectUserText forwards a synthetic user turn to the upstream
// session. Fails with ErrNotRelaying outside the relaying state.
func (c *Controller) InjectUserText(text string) error {
	c.mu.Lock()
	client, state := c.client, c.state
	c.mu.Unlock()
	if state != StateRelaying || client == nil {
		return ErrNotRelaying
	}
	return client.InjectUserText(text)
}

// Run drives the session until ctx is cancelled or the upstream socket
// terminates. It returns a non-nil error only for structural failures
// (cannot connect upstream at all).
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateConnecting)

	client, err := c.cfg.Dial(ctx)
	if err != nil {
		c.publishErrorNotice(ctx, "upstream_connect_failed", err.Error(), false)
		c.setState(StateErrored)
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	defer client.Close()

	if err := client.UpdateSession([]string{"audio", "text"}, c.cfg.Voice, c.cfg.Instructions); err != nil {
		c.publishErrorNotice(ctx, "upstream_session_update_failed", err.Error(), false)
		c.setState(StateErrored)
		return fmt.Errorf("configure upstream session: %w", err)
	}

	unsubs, err := c.subscribeClientMessages(ctx, client)
	if err != nil {
		c.setState(StateErrored)
		return fmt.Errorf("subscribe room: %w", err)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	c.setState(StateRelaying)
	close(c.ready)
	c.logger.Info("relay session started")

	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosing)
			c.logger.Info("relay session torn down")
			c.setState(StateClosed)
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				c.setState(StateClosing)
				c.logger.Info("upstream event stream ended")
				c.setState(StateClosed)
				return nil
			}
			c.dispatch(ctx, ev)
			if ev.Kind == upstream.KindClosed {
				c.setState(StateClosing)
				c.setState(StateClosed)
				return nil
			}
		}
	}
}

// dispatch routes one upstream event. Per-message failures are logged
// and skipped; they never terminate the session.
func (c *Controller) dispatch(ctx context.Context, ev upstream.Event) {
	c.cfg.Metrics.UpstreamEvent(string(ev.Kind))

	switch ev.Kind {
	case upstream.KindAudioDelta:
		c.publishAudioDelta(ctx, ev.Audio)
	case upstream.KindTextDelta:
		c.publish(ctx, protocol.TypeResponseText, protocol.ResponseText{
			Type: protocol.TypeResponseText,
			Text: ev.Text,
		})
	case upstream.KindResponseDone:
		c.resetLatencyWindow()
		c.publishRaw(ctx, protocol.TypeMessage, ev.Raw)
	case upstream.KindResponseFailed:
		c.resetLatencyWindow()
		c.publishErrorNotice(ctx, ev.Code, "upstream response failed", ev.Retryable)
	case upstream.KindError:
		c.publishErrorNotice(ctx, ev.Code, ev.Detail, ev.Retryable)
	case upstream.KindClosed:
		// handled by the run loop
	default:
		// Unrecognized types are passed through undecoded.
		c.publishRaw(ctx, protocol.TypeMessage, ev.Raw)
	}
}

// publishAudioDelta splits one audio delta and publishes its fragments
// strictly in chunkIndex order. Teardown stops the loop after the
// current fragment; a truncated delta is observable and non-fatal.
func (c *Controller) publishAudioDelta(ctx context.Context, payload string) {
	fragments, err := chunk.Split(payload, c.cfg.MaxChunkSize)
	if err != nil {
		c.logger.Error("chunking failed", "error", err)
		return
	}
	for _, f := range fragments {
		if ctx.Err() != nil {
			c.logger.Warn("chunk publish interrupted by teardown",
				"published", f.ChunkIndex, "total", f.TotalChunks)
			return
		}
		c.publish(ctx, protocol.TypeAudioChunk, protocol.AudioChunk{
			Type:        protocol.TypeAudioChunk,
			Data:        f.Data,
			ChunkIndex:  f.ChunkIndex,
			TotalChunks: f.TotalChunks,
			IsLast:      f.IsLast,
		})
		c.cfg.Metrics.FragmentPublished()
		c.observeFirstChunk()
	}
}

func (c *Controller) subscribeClientMessages(ctx context.Context, client UpstreamSession) ([]func(), error) {
	type forward struct {
		msgType protocol.MessageType
		handle  func(any) error
	}
	forwards := []forward{
		{protocol.TypeAudioAppend, func(v any) error {
			msg, ok := v.(protocol.AudioAppend)
			if !ok {
				return fmt.Errorf("unexpected payload %T", v)
			}
			return client.AppendAudio(msg.Data.Data)
		}},
		{protocol.TypeAudioCommit, func(any) error {
			return client.CommitAudio()
		}},
		{protocol.TypeResponseCreate, func(any) error {
			c.markResponseRequested()
			return client.CreateResponse()
		}},
	}

	unsubs := make([]func(), 0, len(forwards))
	for _, f := range forwards {
		f := f
		unsub, err := c.cfg.Bus.Subscribe(ctx, c.cfg.Room, string(f.msgType), func(_ context.Context, raw []byte) {
			parsed, err := protocol.ParseRoomMessage(raw)
			if err != nil {
				c.cfg.Metrics.MalformedMessage("room")
				c.logger.Warn("malformed client message skipped", "type", string(f.msgType), "error", err)
				return
			}
			c.cfg.Metrics.RelayMessage("inbound", string(f.msgType))
			if err := f.handle(parsed); err != nil {
				if errors.Is(err, upstream.ErrNotConnected) {
					c.logger.Warn("client message dropped, upstream not connected", "type", string(f.msgType))
					return
				}
				c.logger.Error("forward to upstream failed", "type", string(f.msgType), "error", err)
			}
		})
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs, nil
}

func (c *Controller) publish(ctx context.Context, msgType protocol.MessageType, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outbound message", "type", string(msgType), "error", err)
		return
	}
	c.publishRaw(ctx, msgType, raw)
}

func (c *Controller) publishRaw(ctx context.Context, msgType protocol.MessageType, raw []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return
	}
	if err := c.cfg.Bus.Publish(ctx, c.cfg.Room, string(msgType), raw); err != nil {
		// At-most-once: log the delivery failure, never retry.
		c.cfg.Metrics.PublishError(string(msgType))
		c.logger.Warn("publish failed", "type", string(msgType), "error", err)
		return
	}
	c.cfg.Metrics.RelayMessage("outbound", string(msgType))
}

func (c *Controller) publishErrorNotice(ctx context.Context, code, detail string, retryable bool) {
	c.publish(ctx, protocol.TypeMessage, protocol.ErrorNotice{
		Type:      "error",
		Code:      code,
		Message:   detail,
		Retryable: retryable,
	})
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.Debug("relay state change", "from", string(prev), "to", string(next))
	}
}

func (c *Controller) markResponseRequested() {
	c.latencyMu.Lock()
	c.responseAsked = time.Now()
	c.firstChunkUp = false
	c.latencyMu.Unlock()
}

func (c *Controller) observeFirstChunk() {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if c.firstChunkUp || c.responseAsked.IsZero() {
		return
	}
	c.firstChunkUp = true
	c.cfg.Metrics.ObserveFirstChunkLatency(time.Since(c.responseAsked))
}

func (c *Controller) resetLatencyWindow() {
	c.latencyMu.Lock()
	c.responseAsked = time.Time{}
	c.firstChunkUp = false
	c.latencyMu.Unlock()
}
