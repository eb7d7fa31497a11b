package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxtask/voxtask/internal/bus"
	"github.com/voxtask/voxtask/internal/config"
	"github.com/voxtask/voxtask/internal/observability"
	"github.com/voxtask/voxtask/internal/protocol"
	"github.com/voxtask/voxtask/internal/session"
	"github.com/voxtask/voxtask/internal/tasks"
)

// SessionRuntime launches and tears down the per-session relay leg.
type SessionRuntime interface {
	Start(sess *session.Session, voice string, onboarding bool) error
	Stop(sessionID string)
	Running(sessionID string) bool
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runtime  SessionRuntime
	bus      bus.Bus
	store    tasks.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runtime SessionRuntime, b bus.Bus, store tasks.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runtime:  runtime,
		bus:      b,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a user's session
				// if the relay is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/relay/session", s.handleCreateSession)
	r.Post("/v1/relay/session/{id}/end", s.handleEndSession)
	r.Get("/v1/relay/session/ws", s.handleSessionWS)

	r.Get("/v1/projects/{projectID}/tasks", s.handleReadTasks)
	r.Post("/v1/projects/{projectID}/tasks", s.handleUpsertTask)
	r.Post("/v1/projects/{projectID}/tasks/{name}/status", s.handleSetTaskStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		req.ProjectID = "default"
	}
	if strings.TrimSpace(req.Voice) == "" {
		req.Voice = s.cfg.UpstreamVoice
	}

	sess := s.sessions.Create(req.UserID, req.ProjectID)
	if err := s.runtime.Start(sess, req.Voice, req.Onboarding); err != nil {
		_, _ = s.sessions.End(sess.ID)
		s.logger.Warn("relay start failed", "session_id", sess.ID, "error", err)
		respondError(w, http.StatusBadGateway, "upstream_connect_failed", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Room:            sess.Room,
		UserID:          sess.UserID,
		ProjectID:       sess.ProjectID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.runtime.Stop(id)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

// outboundTypes are the room topics a client attachment mirrors onto
// its websocket.
var outboundTypes = []protocol.MessageType{
	protocol.TypeAudioChunk,
	protocol.TypeResponseText,
	protocol.TypeMessage,
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan []byte, 256)
	var unsubs []func()
	for _, msgType := range outboundTypes {
		unsub, err := s.bus.Subscribe(ctx, sess.Room, string(msgType), s.mirrorHandler(outbound, msgType))
		if err != nil {
			s.logger.Warn("room subscription failed", "session_id", sessionID, "type", string(msgType), "error", err)
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// With the mirrors in place, seed the room with the project's task
	// snapshot so the agent side can negotiate its context.
	s.publishInitialTasks(ctx, sess)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseRoomMessage(data)
		if err != nil {
			s.metrics.MalformedMessage("client_ws")
			s.sendErrorNotice(outbound, "invalid_client_message", err.Error())
			continue
		}
		t, _ := protocol.TypeOf(parsed)
		s.metrics.RelayMessage("inbound", string(t))
		_ = s.sessions.Touch(sessionID)
		if err := s.bus.Publish(ctx, sess.Room, string(t), data); err != nil {
			s.metrics.PublishError("client_ws")
			s.logger.Warn("room publish failed", "session_id", sessionID, "type", string(t), "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// mirrorHandler forwards one room topic onto the websocket writer
// queue. Writes stay single-threaded; a saturated queue drops the
// payload rather than blocking the bus.
func (s *Server) mirrorHandler(outbound chan<- []byte, msgType protocol.MessageType) bus.Handler {
	return func(_ context.Context, payload []byte) {
		select {
		case outbound <- payload:
			s.metrics.RelayMessage("outbound", string(msgType))
		default:
			s.metrics.PublishError("ws_queue_full")
		}
	}
}

func (s *Server) publishInitialTasks(ctx context.Context, sess *session.Session) {
	snap, err := s.store.ReadSnapshot(ctx, sess.ProjectID)
	if err != nil {
		s.logger.Warn("task snapshot read failed", "project_id", sess.ProjectID, "error", err)
		return
	}
	raw, err := json.Marshal(protocol.DataMessage{
		Type:      protocol.TypeInitialTasks,
		Tasks:     snap,
		Timestamp: time.Now().UnixMilli(),
		UserID:    sess.UserID,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, sess.Room, string(protocol.TypeInitialTasks), raw); err != nil {
		s.metrics.PublishError("initial_tasks")
		s.logger.Warn("initial tasks publish failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) sendErrorNotice(outbound chan<- []byte, code, detail string) {
	raw, err := json.Marshal(protocol.ErrorNotice{
		Type:    string(protocol.TypeMessage),
		Code:    code,
		Message: detail,
	})
	if err != nil {
		return
	}
	select {
	case outbound <- raw:
	default:
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
