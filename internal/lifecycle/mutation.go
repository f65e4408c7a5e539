package lifecycle

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/basket/proofline/internal/phase"
)

// Event types appended to the task event log.
const (
	EventTaskCreated    = "task.created"
	EventProofSubmitted = "proof.submitted"
	EventPhaseApproved  = "phase.approved"
	EventPhaseRejected  = "phase.rejected"
	EventBulkApproved   = "phases.approved"
	EventBulkRejected   = "phases.rejected"
	EventProofDeleted   = "proof.deleted"
	EventPhasesEdited   = "phases.edited"
	EventHoldChanged    = "hold.changed"
)

// Event is one entry of a task's lifecycle log.
type Event struct {
	EventID    int64         `json:"event_id"`
	TaskID     string        `json:"task_id"`
	Type       string        `json:"type"`
	ActorID    string        `json:"actor_id"`
	Phase      phase.Key     `json:"phase,omitempty"`
	PhaseFrom  phase.Key     `json:"phase_from,omitempty"`
	PhaseTo    phase.Key     `json:"phase_to"`
	StatusFrom OverallStatus `json:"status_from,omitempty"`
	StatusTo   OverallStatus `json:"status_to"`
	Payload    string        `json:"payload"`
	TraceID    string        `json:"trace_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Expectation is the part of the snapshot a conditional update is checked
// against. Phases holds the snapshot status (possibly absent) of every phase
// the mutation touches.
type Expectation struct {
	ActivePhases  phase.Set
	CurrentPhase  phase.Key
	SubState      SubState
	OverallStatus OverallStatus
	Phases        map[phase.Key]ValidationStatus
}

// Mutation is a complete, atomic change to one record.
type Mutation struct {
	TaskID string
	Expect Expectation

	ActivePhases  phase.Set
	CurrentPhase  phase.Key
	SubState      SubState
	OverallStatus OverallStatus
	Put           map[phase.Key]PhaseValidation
	Clear         []phase.Key

	Event Event
}

// Empty reports whether the mutation changes nothing.
func (m Mutation) Empty() bool {
	return len(m.Put) == 0 && len(m.Clear) == 0 &&
		m.CurrentPhase == m.Expect.CurrentPhase &&
		m.SubState == m.Expect.SubState &&
		m.OverallStatus == m.Expect.OverallStatus &&
		!m.activeChanged()
}

func (m Mutation) activeChanged() bool {
	return m.ActivePhases != nil
}

// Diff builds the mutation that turns before into after.
func Diff(before, after *Record, ev Event) Mutation {
	m := Mutation{
		TaskID: before.TaskID,
		Expect: Expectation{
			ActivePhases:  append(phase.Set(nil), before.ActivePhases...),
			CurrentPhase:  before.CurrentPhase,
			SubState:      before.SubState,
			OverallStatus: before.OverallStatus,
			Phases:        map[phase.Key]ValidationStatus{},
		},
		CurrentPhase:  after.CurrentPhase,
		SubState:      after.SubState,
		OverallStatus: after.OverallStatus,
		Put:           map[phase.Key]PhaseValidation{},
	}
	if !sameSet(before.ActivePhases, after.ActivePhases) {
		m.ActivePhases = append(phase.Set(nil), after.ActivePhases...)
	}
	for k, v := range after.Validations {
		if prev, ok := before.Validations[k]; ok && sameValidation(prev, v) {
			continue
		}
		m.Put[k] = v
		m.Expect.Phases[k] = before.StatusOf(k)
	}
	for k := range before.Validations {
		if _, ok := after.Validations[k]; !ok {
			m.Clear = append(m.Clear, k)
			m.Expect.Phases[k] = before.StatusOf(k)
		}
	}
	sort.Slice(m.Clear, func(i, j int) bool { return phase.Index(m.Clear[i]) < phase.Index(m.Clear[j]) })

	ev.TaskID = before.TaskID
	ev.PhaseFrom = before.CurrentPhase
	ev.PhaseTo = after.CurrentPhase
	ev.StatusFrom = before.OverallStatus
	ev.StatusTo = after.OverallStatus
	m.Event = ev
	return m
}

// WithExpectedPhase pins key's snapshot status into the expectation even if
// the mutation does not write it.
func (m Mutation) WithExpectedPhase(key phase.Key, status ValidationStatus) Mutation {
	if m.Expect.Phases == nil {
		m.Expect.Phases = map[phase.Key]ValidationStatus{}
	}
	m.Expect.Phases[key] = status
	return m
}

func sameSet(a, b phase.Set) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameValidation(a, b PhaseValidation) bool {
	return a.Status == b.Status &&
		a.ProofReference == b.ProofReference &&
		a.ProofNote == b.ProofNote &&
		sameTime(a.SubmittedAt, b.SubmittedAt) &&
		sameTime(a.ApprovedAt, b.ApprovedAt) &&
		sameTime(a.RejectedAt, b.RejectedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ListFilter narrows ListRecords. Zero fields match everything.
type ListFilter struct {
	AssigneeID    string
	ReviewerID    string
	OverallStatus OverallStatus
	Limit         int
}

// RecordStore persists lifecycle records. ApplyMutation must reject the
// write with ErrConflict when the stored record no longer matches
// m.Expect, and must apply header, validations and event atomically.
type RecordStore interface {
	GetRecord(ctx context.Context, taskID string) (*Record, error)
	ListRecords(ctx context.Context, filter ListFilter) ([]*Record, error)
	InsertRecord(ctx context.Context, rec *Record, ev Event) (*Record, error)
	ApplyMutation(ctx context.Context, m Mutation) (*Record, error)
	DeleteRecord(ctx context.Context, taskID string) error
	ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error)
}

// BlobStore stores proof artifacts. Put returns an opaque reference and the
// number of bytes stored; empty input stores nothing and returns "".
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (ref string, size int64, err error)
}

// Directory resolves actor ids to display names for audit attribution.
type Directory interface {
	DisplayName(actorID string) string
}
