// Package upstream owns the single duplex socket to the external
// realtime conversational API for the lifetime of one session.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxtask/voxtask/internal/reliability"
)

var (
	ErrConnectFailed = errors.New("upstream handshake failed")
	ErrNotConnected  = errors.New("upstream not connected")
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
}

// Client wraps one websocket connection. The read loop translates
// inbound frames into the Event stream; writes are serialized by a
// mutex. The client never reconnects on its own - redial policy, if
// any, is layered by the caller via reliability.Retry.
type Client struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	events    chan Event
}

// Dial opens the upstream socket with auth headers and starts the read
// loop. The handshake must complete before Dial returns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/v1/realtime")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, u.Host, err)
	}

	c := &Client{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
		events: make(chan Event, 256),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the inbound event stream. It is closed after the
// socket closes; the final event before close has Kind KindClosed.
func (c *Client) Events() <-chan Event { return c.events }

// UpdateSession configures modalities, voice and instructions for the
// session. Sent once right after dialing.
func (c *Client) UpdateSession(modalities []string, voice, instructions string) error {
	payload := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":   modalities,
			"voice":        voice,
			"instructions": instructions,
		},
	}
	return c.writeJSON("session.update", payload)
}

// AppendAudio forwards one client audio chunk into the upstream input
// buffer, unmodified.
func (c *Client) AppendAudio(audioBase64 string) error {
	return c.writeJSON("input_audio_buffer.append", map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	})
}

func (c *Client) CommitAudio() error {
	return c.writeJSON("input_audio_buffer.commit", map[string]any{
		"type": "input_audio_buffer.commit",
	})
}

func (c *Client) CreateResponse() error {
	return c.writeJSON("response.create", map[string]any{
		"type": "response.create",
	})
}

// InjectUserText places a synthetic user turn into the conversation and
// requests a response. The task-context negotiator uses this to ground
// the assistant without any client audio.
func (c *Client) InjectUserText(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"id":   "item_" + uuid.NewString(),
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.writeJSON("conversation.item.create", item); err != nil {
		return err
	}
	return c.CreateResponse()
}

func (c *Client) writeJSON(eventType string, payload any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.logger.Debug("upstream send", "type", eventType)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

// readLoop is the only sender on c.events and the only place the
// channel is closed, so Close can race freely with it.
func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
		select {
		case c.events <- Event{Kind: KindClosed}:
		default:
		}
		close(c.events)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := c.decode(data)
		if !ok {
			continue
		}
		c.logger.Debug("upstream recv", "kind", string(ev.Kind))
		// The send must not outlive Close: a consumer that stopped
		// draining would otherwise wedge this goroutine forever once
		// the buffer fills.
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) decode(data []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// One malformed frame is skipped, never session-fatal.
		c.logger.Warn("upstream frame not JSON, skipping", "error", err)
		return Event{}, false
	}

	switch env.Type {
	case "response.audio.delta":
		var frame deltaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed audio delta, skipping", "error", err)
			return Event{}, false
		}
		return Event{Kind: KindAudioDelta, Audio: frame.Delta}, true
	case "response.text.delta", "response.audio_transcript.delta":
		var frame deltaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed text delta, skipping", "error", err)
			return Event{}, false
		}
		return Event{Kind: KindTextDelta, Text: frame.Delta}, true
	case "response.done":
		var frame responseDoneFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed response.done, skipping", "error", err)
			return Event{}, false
		}
		if frame.Response.Status == "failed" {
			return Event{Kind: KindResponseFailed, Code: "response_failed", Raw: data}, true
		}
		return Event{Kind: KindResponseDone, Raw: data}, true
	case "error":
		var frame errorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed error frame, skipping", "error", err)
			return Event{}, false
		}
		code := frame.Error.Code
		if code == "" {
			code = frame.Error.Type
		}
		return Event{
			Kind:      KindError,
			Code:      code,
			Detail:    frame.Error.Message,
			Retryable: reliability.IsRetryableRealtimeCode(code),
			Raw:       data,
		}, true
	default:
		// Forward-compatibility: unknown types are relayed, not dropped.
		return Event{Kind: KindUnknown, Raw: data}, true
	}
}

// Close tears the socket down, which unblocks the read loop; the read
// loop then emits KindClosed and closes the events channel.
func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		retErr = c.conn.Close()
	})
	return retErr
}
