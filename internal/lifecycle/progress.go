package lifecycle

import "github.com/basket/proofline/internal/phase"

// VisualStatus is the rendering hint for one phase of a task.
type VisualStatus string

const (
	VisualApproved    VisualStatus = "approved"
	VisualPending     VisualStatus = "pending"
	VisualRejected    VisualStatus = "rejected"
	VisualCurrent     VisualStatus = "current"
	VisualOutstanding VisualStatus = "outstanding"
	VisualUpcoming    VisualStatus = "upcoming"
)

// ProgressEntry pairs an active phase with its visual status.
type ProgressEntry struct {
	Phase  phase.Definition `json:"phase"`
	Status VisualStatus     `json:"status"`
}

// Progress returns one entry per active phase in canonical order.
func Progress(rec *Record) []ProgressEntry {
	out := make([]ProgressEntry, 0, len(rec.ActivePhases))
	pointer := rec.ActivePhases.Position(rec.CurrentPhase)
	for i, k := range rec.ActivePhases {
		def, _ := phase.Lookup(k)
		out = append(out, ProgressEntry{Phase: def, Status: visualStatus(rec.StatusOf(k), i, pointer)})
	}
	return out
}

func visualStatus(status ValidationStatus, pos, pointer int) VisualStatus {
	switch status {
	case StatusApproved:
		return VisualApproved
	case StatusPending:
		return VisualPending
	case StatusRejected:
		return VisualRejected
	}
	switch {
	case pos == pointer:
		return VisualCurrent
	case pos < pointer:
		return VisualOutstanding
	default:
		return VisualUpcoming
	}
}
