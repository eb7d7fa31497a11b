package tasks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStoreNotFound = errors.New("task not found")
	ErrInvalidStatus = errors.New("invalid task status")
)

// Store is the persistent task collaborator: the relay reads a
// project's snapshot to seed the agent's context and writes status
// transitions back when the application reports them.
type Store interface {
	ReadSnapshot(ctx context.Context, projectID string) (Snapshot, error)
	UpsertTask(ctx context.Context, projectID string, task Task) error
	SetStatus(ctx context.Context, projectID, name string, status Status) error
	Close() error
}

// MemoryStore keeps task snapshots in process. Used when no
// DATABASE_URL is configured and throughout the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]map[string]Task
	order    map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]map[string]Task),
		order:    make(map[string][]string),
	}
}

func (s *MemoryStore) ReadSnapshot(_ context.Context, projectID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := s.projects[projectID]
	names := s.order[projectID]
	out := make(Snapshot, 0, len(names))
	for _, name := range names {
		if t, ok := byName[name]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertTask(_ context.Context, projectID string, task Task) error {
	if !ValidStatus(task.Status) {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.projects[projectID]
	if !ok {
		byName = make(map[string]Task)
		s.projects[projectID] = byName
	}
	if _, exists := byName[task.Name]; !exists {
		s.order[projectID] = append(s.order[projectID], task.Name)
	}
	byName[task.Name] = task
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, projectID, name string, status Status) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := s.projects[projectID]
	task, ok := byName[name]
	if !ok {
		return ErrStoreNotFound
	}
	task.Status = status
	byName[name] = task
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// SeedDemo loads a small synthetic task set, mirroring what the web
// application would have written. Deadlines are spread around now so a
// fresh checkout has something to negotiate over.
func (s *MemoryStore) SeedDemo(projectID string, now time.Time) {
	demo := []Task{
		{Name: "Draft launch checklist", Status: StatusInProgress, Deadline: now.Add(2 * time.Hour), Description: "Collect outstanding launch items"},
		{Name: "Review onboarding copy", Status: StatusInProgress, Deadline: now.Add(26 * time.Hour)},
		{Name: "Close Q2 retro actions", Status: StatusDone, Deadline: now.Add(-48 * time.Hour)},
		{Name: "Ship voice settings page", Status: StatusInProgress, Deadline: now.Add(5 * 24 * time.Hour)},
	}
	for _, t := range demo {
		_ = s.UpsertTask(context.Background(), projectID, t)
	}
}
