package tasks

import "time"

type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// Task is one entry of a project's task list as shipped over the data
// channel. The whole snapshot is replaced on every update; tasks are
// never merged incrementally.
type Task struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Deadline    time.Time `json:"deadline"`
	Description string    `json:"description,omitempty"`
}

// Snapshot is the full current task list of a project, in the order the
// producing application sent it.
type Snapshot []Task

func ValidStatus(v Status) bool {
	switch v {
	case StatusInProgress, StatusDone:
		return true
	default:
		return false
	}
}
