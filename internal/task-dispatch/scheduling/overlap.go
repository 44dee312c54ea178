package scheduling

import (
	"time"

	"task-dispatch-service/internal/task-dispatch/db"
)

// Window is a half-open [Start, End) schedule interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowOf returns the task's planned window; tasks without both bounds have
// none and never conflict.
func WindowOf(t *db.Task) (Window, bool) {
	if t == nil || !t.HasWindow() {
		return Window{}, false
	}
	return Window{Start: *t.PlannedStartAt, End: *t.PlannedEndAt}, true
}

// Overlaps uses max(startA, startB) < min(endA, endB); touching windows do
// not overlap.
func (w Window) Overlaps(o Window) bool {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	return start.Before(end)
}

// CountOverlaps counts the tasks in others, except excludeID, whose window
// overlaps target's.
func CountOverlaps(target *db.Task, others []db.Task, excludeID string) int {
	w, ok := WindowOf(target)
	if !ok {
		return 0
	}
	count := 0
	for i := range others {
		if others[i].ID == excludeID {
			continue
		}
		ow, ok := WindowOf(&others[i])
		if ok && w.Overlaps(ow) {
			count++
		}
	}
	return count
}
