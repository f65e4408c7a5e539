package lifecycle

import (
	"strings"
	"time"

	"github.com/basket/proofline/internal/phase"
)

// Proof is the evidence attached to a submission. At least one field must be
// non-empty.
type Proof struct {
	Reference string
	Note      string
}

func (p Proof) normalized() Proof {
	return Proof{
		Reference: strings.TrimSpace(p.Reference),
		Note:      strings.TrimSpace(p.Note),
	}
}

func (p Proof) empty() bool {
	return p.Reference == "" && p.Note == ""
}

// IsComplete reports whether the terminal active phase is approved. It is the
// only place completion is decided.
func IsComplete(rec *Record) bool {
	if rec == nil || len(rec.ActivePhases) == 0 {
		return false
	}
	return rec.StatusOf(rec.ActivePhases.Last()) == StatusApproved
}

// resolveOverallStatus applies IsComplete to rec. Held survives everything
// except completion; completed reverts to open when completion is lost.
func resolveOverallStatus(rec *Record) OverallStatus {
	if IsComplete(rec) {
		return OverallCompleted
	}
	if rec.OverallStatus == OverallCompleted {
		return OverallOpen
	}
	return rec.OverallStatus
}

func finalize(rec *Record) *Record {
	rec.OverallStatus = resolveOverallStatus(rec)
	return rec
}

// NextPhaseLackingProof scans active strictly after `after` and strictly
// before the terminal phase, returning the first phase whose validation has
// neither a proof reference nor a note.
func NextPhaseLackingProof(active phase.Set, validations map[phase.Key]PhaseValidation, after phase.Key) (phase.Key, bool) {
	start := active.Position(after)
	if start < 0 {
		return "", false
	}
	for i := start + 1; i < len(active)-1; i++ {
		k := active[i]
		if v, ok := validations[k]; !ok || !v.HasProof() {
			return k, true
		}
	}
	return "", false
}

func checkActive(rec *Record, key phase.Key) error {
	if !phase.Known(key) {
		return notFoundError("phase %q", key)
	}
	if !rec.ActivePhases.Contains(key) {
		return validationError("phase %s is not active for task %s", key, rec.TaskID)
	}
	return nil
}

// CheckSubmittable validates that key can receive a submission on rec,
// without looking at the proof itself.
func CheckSubmittable(rec *Record, key phase.Key) error {
	if err := checkActive(rec, key); err != nil {
		return err
	}
	if rec.StatusOf(key) == StatusApproved {
		return validationError("phase %s already approved", key)
	}
	return nil
}

// Submit records proof for key and advances the pointer to the next
// intermediate phase that has no proof yet.
func Submit(rec *Record, key phase.Key, proof Proof, now time.Time) (*Record, error) {
	if err := CheckSubmittable(rec, key); err != nil {
		return nil, err
	}
	proof = proof.normalized()
	if proof.empty() {
		return nil, validationError("proof required")
	}

	prev := rec.Validation(key)
	next := rec.Clone()
	submittedAt := now
	next.Validations[key] = PhaseValidation{
		Status:         StatusPending,
		ProofReference: proof.Reference,
		ProofNote:      proof.Note,
		SubmittedAt:    &submittedAt,
		ApprovedAt:     cloneTime(prev.ApprovedAt),
		RejectedAt:     cloneTime(prev.RejectedAt),
	}

	// The scan reads the pre-submission validations.
	if target, ok := NextPhaseLackingProof(rec.ActivePhases, rec.Validations, key); ok {
		next.CurrentPhase = target
		next.SubState = SubStateInProgress
	} else {
		next.SubState = SubStatePendingValidation
	}
	return finalize(next), nil
}

func requirePending(rec *Record, key phase.Key) error {
	if err := checkActive(rec, key); err != nil {
		return err
	}
	if rec.StatusOf(key) != StatusPending {
		return validationError("phase not pending")
	}
	return nil
}

func subStateAfterReview(rec *Record) SubState {
	if len(rec.PendingPhases()) > 0 {
		return SubStatePendingValidation
	}
	return SubStateInProgress
}

// Approve marks a pending phase approved.
func Approve(rec *Record, key phase.Key, now time.Time) (*Record, error) {
	if err := requirePending(rec, key); err != nil {
		return nil, err
	}
	next := rec.Clone()
	approve(next, key, now)
	next.SubState = subStateAfterReview(next)
	return finalize(next), nil
}

// Reject marks a pending phase rejected. The phase can be resubmitted.
func Reject(rec *Record, key phase.Key, now time.Time) (*Record, error) {
	if err := requirePending(rec, key); err != nil {
		return nil, err
	}
	next := rec.Clone()
	reject(next, key, now)
	next.SubState = SubStateInProgress
	return finalize(next), nil
}

// ApproveAll approves every pending active phase. With nothing pending it
// returns an unchanged copy.
func ApproveAll(rec *Record, now time.Time) (*Record, error) {
	next := rec.Clone()
	pending := rec.PendingPhases()
	if len(pending) == 0 {
		return next, nil
	}
	for _, k := range pending {
		approve(next, k, now)
	}
	next.SubState = subStateAfterReview(next)
	return finalize(next), nil
}

// RejectAll rejects every pending active phase.
func RejectAll(rec *Record, now time.Time) (*Record, error) {
	pending := rec.PendingPhases()
	if len(pending) == 0 {
		return nil, validationError("no phases pending")
	}
	next := rec.Clone()
	for _, k := range pending {
		reject(next, k, now)
	}
	next.SubState = SubStateInProgress
	return finalize(next), nil
}

func approve(rec *Record, key phase.Key, now time.Time) {
	v := rec.Validations[key]
	at := now
	v.Status = StatusApproved
	v.ApprovedAt = &at
	rec.Validations[key] = v
}

func reject(rec *Record, key phase.Key, now time.Time) {
	v := rec.Validations[key]
	at := now
	v.Status = StatusRejected
	v.RejectedAt = &at
	rec.Validations[key] = v
}

// DeleteProof clears the validation for key and rewinds the pointer when the
// deleted phase is behind it. Deleting an absent validation returns an
// unchanged copy.
func DeleteProof(rec *Record, key phase.Key) (*Record, error) {
	if err := checkActive(rec, key); err != nil {
		return nil, err
	}
	next := rec.Clone()
	if _, ok := next.Validations[key]; !ok {
		return next, nil
	}
	delete(next.Validations, key)

	deleted := phase.Index(key)
	current := phase.Index(rec.CurrentPhase)
	switch {
	case current > deleted:
		next.CurrentPhase = key
		next.SubState = SubStateInProgress
	case current == deleted:
		next.SubState = SubStateInProgress
	}
	return finalize(next), nil
}

// ReselectPhases replaces the active phase set. Validations for phases that
// are no longer active are dropped.
func ReselectPhases(rec *Record, active phase.Set) (*Record, error) {
	if err := active.Validate(); err != nil {
		return nil, validationError("%v", err)
	}
	next := rec.Clone()
	next.ActivePhases = append(phase.Set(nil), active...)
	for k := range next.Validations {
		if !active.Contains(k) {
			delete(next.Validations, k)
		}
	}
	if !active.Contains(next.CurrentPhase) {
		next.CurrentPhase = firstLackingProof(active, next.Validations)
	}
	next.SubState = subStateAfterReview(next)
	return finalize(next), nil
}

func firstLackingProof(active phase.Set, validations map[phase.Key]PhaseValidation) phase.Key {
	for _, k := range active {
		if v, ok := validations[k]; !ok || !v.HasProof() {
			return k
		}
	}
	return active.Last()
}

// SetHold places an open task on hold or releases a held one. Completed tasks
// cannot be held.
func SetHold(rec *Record, held bool) (*Record, error) {
	next := rec.Clone()
	if held {
		switch rec.OverallStatus {
		case OverallCompleted:
			return nil, validationError("completed task cannot be held")
		case OverallHeld:
			return next, nil
		}
		next.OverallStatus = OverallHeld
		return next, nil
	}
	if rec.OverallStatus != OverallHeld {
		return next, nil
	}
	next.OverallStatus = OverallOpen
	return finalize(next), nil
}
