// Package lifecycle implements the task lifecycle engine: proof submission,
// review, proof revocation and completion detection over a per-task record.
//
// The transition functions in this package (Submit, Approve, Reject,
// ApproveAll, RejectAll, DeleteProof) are pure: they take a record snapshot
// and return the next record without touching storage. Service wraps them
// with authorization, artifact storage and a conditional write.
package lifecycle

import (
	"time"

	"github.com/basket/proofline/internal/phase"
)

// ValidationStatus is the per-phase review outcome.
type ValidationStatus string

const (
	StatusAbsent   ValidationStatus = "absent"
	StatusPending  ValidationStatus = "pending"
	StatusApproved ValidationStatus = "approved"
	StatusRejected ValidationStatus = "rejected"
)

// SubState distinguishes ongoing work from a pointer phase awaiting review.
type SubState string

const (
	SubStateInProgress        SubState = "in_progress"
	SubStatePendingValidation SubState = "pending_validation"
)

// OverallStatus is the task-level status. Held is managed outside the
// lifecycle transitions.
type OverallStatus string

const (
	OverallOpen      OverallStatus = "open"
	OverallCompleted OverallStatus = "completed"
	OverallHeld      OverallStatus = "held"
)

// PhaseValidation is the outcome record for one phase. A phase with no entry
// in Record.Validations is absent.
type PhaseValidation struct {
	Status         ValidationStatus `json:"status"`
	ProofReference string           `json:"proof_reference,omitempty"`
	ProofNote      string           `json:"proof_note,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty"`
	RejectedAt     *time.Time       `json:"rejected_at,omitempty"`
}

// HasProof reports whether the validation carries a reference or a note.
func (v PhaseValidation) HasProof() bool {
	return v.ProofReference != "" || v.ProofNote != ""
}

// Record is the mutable lifecycle state of one task.
type Record struct {
	TaskID        string                        `json:"task_id"`
	Title         string                        `json:"title"`
	AssigneeID    string                        `json:"assignee_id"`
	ReviewerID    string                        `json:"reviewer_id"`
	ActivePhases  phase.Set                     `json:"active_phases"`
	CurrentPhase  phase.Key                     `json:"current_phase"`
	SubState      SubState                      `json:"sub_state"`
	OverallStatus OverallStatus                 `json:"overall_status"`
	Validations   map[phase.Key]PhaseValidation `json:"validations"`
	Revision      int64                         `json:"revision"`
	CreatedAt     time.Time                     `json:"created_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// NewRecord returns a fresh record positioned at the first active phase.
func NewRecord(taskID, title, assignee, reviewer string, active phase.Set) (*Record, error) {
	if err := active.Validate(); err != nil {
		return nil, validationError("%v", err)
	}
	return &Record{
		TaskID:        taskID,
		Title:         title,
		AssigneeID:    assignee,
		ReviewerID:    reviewer,
		ActivePhases:  active,
		CurrentPhase:  active.First(),
		SubState:      SubStateInProgress,
		OverallStatus: OverallOpen,
		Validations:   map[phase.Key]PhaseValidation{},
	}, nil
}

// Validation returns the validation for key, or an absent one.
func (r *Record) Validation(key phase.Key) PhaseValidation {
	if v, ok := r.Validations[key]; ok {
		return v
	}
	return PhaseValidation{Status: StatusAbsent}
}

// StatusOf is shorthand for r.Validation(key).Status.
func (r *Record) StatusOf(key phase.Key) ValidationStatus {
	return r.Validation(key).Status
}

// PendingPhases lists active phases whose validation is pending, in order.
func (r *Record) PendingPhases() []phase.Key {
	var out []phase.Key
	for _, k := range r.ActivePhases {
		if r.StatusOf(k) == StatusPending {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	out.ActivePhases = append(phase.Set(nil), r.ActivePhases...)
	out.Validations = make(map[phase.Key]PhaseValidation, len(r.Validations))
	for k, v := range r.Validations {
		out.Validations[k] = cloneValidation(v)
	}
	return &out
}

func cloneValidation(v PhaseValidation) PhaseValidation {
	v.SubmittedAt = cloneTime(v.SubmittedAt)
	v.ApprovedAt = cloneTime(v.ApprovedAt)
	v.RejectedAt = cloneTime(v.RejectedAt)
	return v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
