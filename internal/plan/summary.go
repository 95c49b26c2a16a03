package plan

import (
	"fmt"
	"strings"
)

// Stats counts tasks per status.
type Stats struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Stats returns per-status counts.
func (p *Plan) Stats() Stats {
	var s Stats
	for _, t := range p.Tasks() {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Summary renders the plan as prompt text, one task per line.
func (p *Plan) Summary() string {
	tasks := p.Tasks()
	if len(tasks) == 0 {
		return "(no tasks)"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%d. [%s] %s (id=%s, worker=%s", t.Order, t.Status, t.Description, t.ID, t.AssignedWorker)
		if t.FailureCount > 0 {
			fmt.Fprintf(&b, ", failures=%d", t.FailureCount)
		}
		b.WriteString(")\n")
	}
	s := p.Stats()
	fmt.Fprintf(&b, "total=%d pending=%d in_progress=%d completed=%d failed=%d",
		s.Total, s.Pending, s.InProgress, s.Completed, s.Failed)
	return b.String()
}
