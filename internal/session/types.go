package session

import "time"

// CreateRequest defines payload for creating a new relay session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	ProjectID  string `json:"project_id"`
	Voice      string `json:"voice"`
	Onboarding bool   `json:"onboarding"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Room            string    `json:"room"`
	UserID          string    `json:"user_id"`
	ProjectID       string    `json:"project_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
