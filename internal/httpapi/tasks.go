package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxtask/voxtask/internal/protocol"
	"github.com/voxtask/voxtask/internal/tasks"
)

type setStatusRequest struct {
	Status tasks.Status `json:"status"`
}

func (s *Server) handleReadTasks(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	snap, err := s.store.ReadSnapshot(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"tasks":      snap,
	})
}

func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var task tasks.Task
	if err := decodeJSON(r, &task); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(task.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_task", "task name is required")
		return
	}
	if task.Status == "" {
		task.Status = tasks.StatusInProgress
	}
	if err := s.store.UpsertTask(r.Context(), projectID, task); err != nil {
		if errors.Is(err, tasks.ErrInvalidStatus) {
			respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_write_failed", err.Error())
		return
	}
	s.fanOutTaskUpdate(r.Context(), projectID)
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	name := chi.URLParam(r, "name")
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.store.SetStatus(r.Context(), projectID, name, req.Status)
	switch {
	case errors.Is(err, tasks.ErrStoreNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	case errors.Is(err, tasks.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "store_write_failed", err.Error())
		return
	}

	s.fanOutTaskUpdate(r.Context(), projectID)
	respondJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"name":       name,
		"status":     req.Status,
	})
}

// fanOutTaskUpdate publishes the project's fresh snapshot to every live
// room of that project so in-flight agents refresh their context.
func (s *Server) fanOutTaskUpdate(ctx context.Context, projectID string) {
	snap, err := s.store.ReadSnapshot(ctx, projectID)
	if err != nil {
		s.logger.Warn("task snapshot read failed", "project_id", projectID, "error", err)
		return
	}
	raw, err := json.Marshal(protocol.DataMessage{
		Type:      protocol.TypeTaskUpdate,
		Tasks:     snap,
		Timestamp: time.Now().UnixMilli(),
		UserID:    "voxtask-api",
	})
	if err != nil {
		return
	}
	for _, sess := range s.sessions.ActiveByProject(projectID) {
		if err := s.bus.Publish(ctx, sess.Room, string(protocol.TypeTaskUpdate), raw); err != nil {
			s.metrics.PublishError("task_update")
			s.logger.Warn("task update publish failed", "room", sess.Room, "error", err)
		}
	}
}
