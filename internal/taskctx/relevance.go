package taskctx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/voxtask/voxtask/internal/tasks"
)

const DefaultRelevantLimit = 5

// RelevantTasks derives the subset of a snapshot worth grounding the
// assistant on: done tasks are dropped, the rest are ordered by
// absolute time-distance of deadline from now (overdue and upcoming
// compete equally), ties keep the snapshot's original order, capped at
// limit. Recomputed on every snapshot; never stored.
func RelevantTasks(snap tasks.Snapshot, now time.Time, limit int) []tasks.Task {
	if limit <= 0 {
		limit = DefaultRelevantLimit
	}
	out := make([]tasks.Task, 0, len(snap))
	for _, t := range snap {
		if t.Status == tasks.StatusDone {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return absDuration(out[i].Deadline.Sub(now)) < absDuration(out[j].Deadline.Sub(now))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// FormatTurn renders the relevant subset as one conversational user
// turn for the upstream session.
func FormatTurn(relevant []tasks.Task, now time.Time) string {
	if len(relevant) == 0 {
		return "I have no open tasks right now. Keep that in mind when we talk."
	}
	var b strings.Builder
	b.WriteString("Here are my current tasks, nearest deadlines first:\n")
	for i, t := range relevant {
		fmt.Fprintf(&b, "%d. %s (%s, due %s)", i+1, t.Name, dueWording(t.Deadline, now), t.Deadline.Format("Mon Jan 2 15:04"))
		if strings.TrimSpace(t.Description) != "" {
			b.WriteString(": " + strings.TrimSpace(t.Description))
		}
		b.WriteString("\n")
	}
	b.WriteString("Use this context when helping me; do not read the list back unless I ask.")
	return b.String()
}

func dueWording(deadline, now time.Time) string {
	if deadline.Before(now) {
		return "overdue"
	}
	return "upcoming"
}
