package lifecycle

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/basket/proofline/internal/phase"
)

var (
	rr  = phase.RequirementRefinement
	dg  = phase.DesignGuidance
	bg  = phase.BuildGuidance
	ac  = phase.AcceptanceCriteria
	dep = phase.Deployment
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func fullRecord(t *testing.T) *Record {
	t.Helper()
	rec, err := NewRecord("task-1", "Checkout redesign", "alice", "rita", phase.Full())
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	return rec
}

func withProof(rec *Record, status ValidationStatus, keys ...phase.Key) {
	for _, k := range keys {
		at := t0
		rec.Validations[k] = PhaseValidation{Status: status, ProofNote: "done " + string(k), SubmittedAt: &at}
	}
}

func mustInvariant(t *testing.T, rec *Record) {
	t.Helper()
	if (rec.OverallStatus == OverallCompleted) != IsComplete(rec) {
		t.Fatalf("completion invariant broken: status=%s terminal=%s", rec.OverallStatus, rec.StatusOf(rec.ActivePhases.Last()))
	}
	if !rec.ActivePhases.Contains(rec.CurrentPhase) {
		t.Fatalf("pointer %s outside active set %v", rec.CurrentPhase, rec.ActivePhases)
	}
	for k, v := range rec.Validations {
		if v.Status == StatusPending && !v.HasProof() {
			t.Fatalf("pending phase %s without proof", k)
		}
	}
}

func TestNextPhaseLackingProof(t *testing.T) {
	full := phase.Full()
	cases := []struct {
		name   string
		proofs []phase.Key
		after  phase.Key
		want   phase.Key
		wantOK bool
	}{
		{"first gap after R", nil, rr, dg, true},
		{"skips proven phases", []phase.Key{dg, bg}, rr, ac, true},
		{"never returns terminal", []phase.Key{dg, bg, ac}, rr, "", false},
		{"from terminal", nil, dep, "", false},
		{"from penultimate", nil, ac, "", false},
		{"unknown start", nil, "nope", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vals := map[phase.Key]PhaseValidation{}
			for _, k := range tc.proofs {
				vals[k] = PhaseValidation{Status: StatusApproved, ProofReference: "ref"}
			}
			got, ok := NextPhaseLackingProof(full, vals, tc.after)
			if got != tc.want || ok != tc.wantOK {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}

	// An entry without proof fields counts as lacking proof.
	vals := map[phase.Key]PhaseValidation{dg: {Status: StatusRejected}}
	if got, ok := NextPhaseLackingProof(full, vals, rr); !ok || got != dg {
		t.Fatalf("expected design_guidance, got %q %v", got, ok)
	}
}

func TestSubmit_AutoAdvance(t *testing.T) {
	rec := fullRecord(t)
	next, err := Submit(rec, rr, Proof{Reference: "doc://brief"}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if next.CurrentPhase != dg {
		t.Fatalf("expected pointer at design_guidance, got %s", next.CurrentPhase)
	}
	if next.StatusOf(rr) != StatusPending || next.SubState != SubStateInProgress {
		t.Fatalf("unexpected state %s/%s", next.StatusOf(rr), next.SubState)
	}
	if rec.StatusOf(rr) != StatusAbsent {
		t.Fatal("Submit mutated its input")
	}
	mustInvariant(t, next)
}

func TestSubmit_NoOvershootOnTerminal(t *testing.T) {
	rec := fullRecord(t)
	rec.CurrentPhase = dep
	next, err := Submit(rec, dep, Proof{Note: "deployed"}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if next.CurrentPhase != dep {
		t.Fatalf("pointer moved past terminal: %s", next.CurrentPhase)
	}
	if next.SubState != SubStatePendingValidation {
		t.Fatalf("expected pending_validation, got %s", next.SubState)
	}
}

func TestSubmit_ScanUsesPreSubmissionState(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, dg, bg)
	next, err := Submit(rec, rr, Proof{Note: "late brief"}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if next.CurrentPhase != ac {
		t.Fatalf("expected pointer at acceptance_criteria, got %s", next.CurrentPhase)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr)
	narrow, _ := phase.NewSet([]phase.Key{rr, dep})
	narrowRec, _ := NewRecord("task-2", "", "alice", "rita", narrow)

	cases := []struct {
		name  string
		rec   *Record
		key   phase.Key
		proof Proof
		want  error
	}{
		{"empty proof", fullRecord(t), rr, Proof{}, ErrValidation},
		{"whitespace proof", fullRecord(t), rr, Proof{Reference: "  ", Note: "\t"}, ErrValidation},
		{"inactive phase", narrowRec, dg, Proof{Note: "x"}, ErrValidation},
		{"unknown phase", fullRecord(t), "testing", Proof{Note: "x"}, ErrNotFound},
		{"approved phase", rec, rr, Proof{Note: "again"}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.rec.Clone()
			_, err := Submit(tc.rec, tc.key, tc.proof, t0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !reflect.DeepEqual(before, tc.rec) {
				t.Fatal("rejected submission changed the record")
			}
		})
	}
}

func TestSubmit_PreservesReviewHistory(t *testing.T) {
	rec := fullRecord(t)
	rejectedAt := t0.Add(-time.Hour)
	rec.Validations[bg] = PhaseValidation{Status: StatusRejected, ProofNote: "v1", RejectedAt: &rejectedAt}
	rec.CurrentPhase = bg

	next, err := Submit(rec, bg, Proof{Note: "v2"}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v := next.Validation(bg)
	if v.Status != StatusPending || v.ProofNote != "v2" {
		t.Fatalf("unexpected validation %+v", v)
	}
	if v.RejectedAt == nil || !v.RejectedAt.Equal(rejectedAt) {
		t.Fatalf("rejectedAt not preserved: %v", v.RejectedAt)
	}
}

func TestApprove_OnlyTouchesTargetPhase(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusPending, rr, dg)
	rec.SubState = SubStatePendingValidation

	next, err := Approve(rec, rr, t0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	for k, v := range rec.Validations {
		if k == rr {
			continue
		}
		if !reflect.DeepEqual(v, next.Validations[k]) {
			t.Fatalf("approve of %s changed %s", rr, k)
		}
	}
	if next.StatusOf(rr) != StatusApproved || next.Validation(rr).ApprovedAt == nil {
		t.Fatalf("phase not approved: %+v", next.Validation(rr))
	}
	if next.SubState != SubStatePendingValidation {
		t.Fatalf("design_guidance still pending, got %s", next.SubState)
	}
}

func TestReview_NotPending(t *testing.T) {
	for _, status := range []ValidationStatus{StatusAbsent, StatusApproved, StatusRejected} {
		rec := fullRecord(t)
		if status != StatusAbsent {
			withProof(rec, status, bg)
		}
		before := rec.Clone()
		if _, err := Approve(rec, bg, t0); !errors.Is(err, ErrValidation) {
			t.Fatalf("approve on %s: expected ErrValidation, got %v", status, err)
		}
		if _, err := Reject(rec, bg, t0); !errors.Is(err, ErrValidation) {
			t.Fatalf("reject on %s: expected ErrValidation, got %v", status, err)
		}
		if !reflect.DeepEqual(before, rec) {
			t.Fatalf("failed review on %s changed the record", status)
		}
	}
}

func TestApprove_TerminalCompletesAtomically(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr, dg, bg, ac)
	withProof(rec, StatusPending, dep)
	rec.CurrentPhase = dep
	rec.SubState = SubStatePendingValidation

	next, err := Approve(rec, dep, t0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if next.OverallStatus != OverallCompleted {
		t.Fatalf("expected completed, got %s", next.OverallStatus)
	}
	if next.SubState != SubStateInProgress {
		t.Fatalf("expected in_progress, got %s", next.SubState)
	}
	mustInvariant(t, next)
}

func TestApprove_TerminalCompletesHeldTask(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusPending, dep)
	rec.OverallStatus = OverallHeld

	next, err := Approve(rec, dep, t0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if next.OverallStatus != OverallCompleted {
		t.Fatalf("completion must override hold, got %s", next.OverallStatus)
	}
	other, _ := Submit(rec, rr, Proof{Note: "x"}, t0)
	if other.OverallStatus != OverallHeld {
		t.Fatalf("non-completing mutation dropped hold: %s", other.OverallStatus)
	}
}

func TestBulkApprove(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr, dg)
	withProof(rec, StatusPending, bg, ac)
	rec.CurrentPhase = ac
	rec.SubState = SubStatePendingValidation

	next, err := ApproveAll(rec, t0)
	if err != nil {
		t.Fatalf("approve all: %v", err)
	}
	if next.StatusOf(bg) != StatusApproved || next.StatusOf(ac) != StatusApproved {
		t.Fatalf("pending phases not approved: %s %s", next.StatusOf(bg), next.StatusOf(ac))
	}
	if next.SubState != SubStateInProgress {
		t.Fatalf("expected in_progress, got %s", next.SubState)
	}

	again, err := ApproveAll(next, t0)
	if err != nil {
		t.Fatalf("approve all with nothing pending: %v", err)
	}
	if !reflect.DeepEqual(again, next) {
		t.Fatal("no-op bulk approve changed the record")
	}
}

func TestBulkReject(t *testing.T) {
	rec := fullRecord(t)
	if _, err := RejectAll(rec, t0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation with nothing pending, got %v", err)
	}
	withProof(rec, StatusPending, rr, dg)
	rec.SubState = SubStatePendingValidation
	next, err := RejectAll(rec, t0)
	if err != nil {
		t.Fatalf("reject all: %v", err)
	}
	if next.StatusOf(rr) != StatusRejected || next.StatusOf(dg) != StatusRejected || next.SubState != SubStateInProgress {
		t.Fatalf("unexpected result %+v", next)
	}
}

func TestRejectAndResubmit(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr, dg)
	withProof(rec, StatusPending, bg)
	rec.CurrentPhase = bg

	rejected, err := Reject(rec, bg, t0)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.SubState != SubStateInProgress {
		t.Fatalf("expected in_progress after reject, got %s", rejected.SubState)
	}
	resubmitted, err := Submit(rejected, bg, Proof{Reference: "doc://build-v2"}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	v := resubmitted.Validation(bg)
	if v.Status != StatusPending || v.ProofReference != "doc://build-v2" {
		t.Fatalf("unexpected validation %+v", v)
	}
	if resubmitted.SubState != SubStateInProgress {
		t.Fatalf("expected in_progress after resubmit, got %s", resubmitted.SubState)
	}
}

// Resubmitting a rejected phase behind the pointer, with every later
// intermediate phase already carrying proof, leaves the pointer in place and
// waits for review.
func TestRejectAndResubmit_PointerDoesNotAdvance(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusPending, rr, dg, bg, ac)
	rec.CurrentPhase = ac
	rec.SubState = SubStatePendingValidation

	rejected, err := Reject(rec, bg, t0)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.SubState != SubStateInProgress {
		t.Fatalf("expected in_progress after reject, got %s", rejected.SubState)
	}
	resubmitted, err := Submit(rejected, bg, Proof{Note: "rebuilt"}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.CurrentPhase != ac {
		t.Fatalf("pointer moved to %s", resubmitted.CurrentPhase)
	}
	if resubmitted.SubState != SubStatePendingValidation {
		t.Fatalf("expected pending_validation when the pointer stays, got %s", resubmitted.SubState)
	}
	if resubmitted.StatusOf(bg) != StatusPending || resubmitted.Validation(bg).RejectedAt == nil {
		t.Fatalf("unexpected build_guidance validation %+v", resubmitted.Validation(bg))
	}
	mustInvariant(t, resubmitted)
}

func TestDeleteProof_Rewind(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr, dg, bg)
	withProof(rec, StatusPending, ac)
	rec.CurrentPhase = ac
	rec.SubState = SubStatePendingValidation

	next, err := DeleteProof(rec, dg)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if next.CurrentPhase != dg || next.SubState != SubStateInProgress {
		t.Fatalf("expected rewind to design_guidance/in_progress, got %s/%s", next.CurrentPhase, next.SubState)
	}
	if next.StatusOf(dg) != StatusAbsent {
		t.Fatalf("expected design_guidance absent, got %s", next.StatusOf(dg))
	}
	mustInvariant(t, next)
}

func TestDeleteProof_AtAndAheadOfPointer(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, bg)
	withProof(rec, StatusPending, ac)
	rec.CurrentPhase = bg
	rec.SubState = SubStatePendingValidation

	at, err := DeleteProof(rec, bg)
	if err != nil {
		t.Fatalf("delete at pointer: %v", err)
	}
	if at.CurrentPhase != bg || at.SubState != SubStateInProgress {
		t.Fatalf("unexpected state %s/%s", at.CurrentPhase, at.SubState)
	}

	ahead, err := DeleteProof(rec, ac)
	if err != nil {
		t.Fatalf("delete ahead: %v", err)
	}
	if ahead.CurrentPhase != bg || ahead.SubState != SubStatePendingValidation {
		t.Fatalf("pointer changed for deletion ahead: %s/%s", ahead.CurrentPhase, ahead.SubState)
	}
}

func TestDeleteProof_Idempotent(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusPending, rr)
	once, err := DeleteProof(rec, rr)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	twice, err := DeleteProof(once, rr)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("second delete changed the record")
	}
}

func TestDeleteProof_RevertsCompletion(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr, dg, bg, ac, dep)
	rec.CurrentPhase = dep
	rec.OverallStatus = OverallCompleted
	mustInvariant(t, rec)

	next, err := DeleteProof(rec, dep)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if next.OverallStatus != OverallOpen {
		t.Fatalf("expected open after deleting terminal approval, got %s", next.OverallStatus)
	}
	mustInvariant(t, next)

	if _, err := DeleteProof(rec, "testing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown phase, got %v", err)
	}
}

func TestReselectPhases(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr)
	withProof(rec, StatusPending, dg)
	rec.CurrentPhase = bg

	narrow, _ := phase.NewSet([]phase.Key{rr, dg, dep})
	next, err := ReselectPhases(rec, narrow)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if next.CurrentPhase != dep {
		t.Fatalf("expected pointer at first phase lacking proof (deployment), got %s", next.CurrentPhase)
	}

	onlyR, _ := phase.NewSet([]phase.Key{rr})
	done, err := ReselectPhases(rec, onlyR)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if done.OverallStatus != OverallCompleted || len(done.Validations) != 1 {
		t.Fatalf("expected completion with only approved R active, got %+v", done)
	}
	mustInvariant(t, done)

	if _, err := ReselectPhases(rec, phase.Set{dg, rr}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-canonical set, got %v", err)
	}
}

func TestReselectPhases_SubStateTracksAnyPending(t *testing.T) {
	cases := []struct {
		name    string
		pending []phase.Key
		pointer phase.Key
		active  []phase.Key
		want    SubState
	}{
		{"pending behind pointer", []phase.Key{rr}, dg, []phase.Key{rr, dg, dep}, SubStatePendingValidation},
		{"pending at pointer", []phase.Key{dg}, dg, []phase.Key{rr, dg, dep}, SubStatePendingValidation},
		{"pending phase dropped", []phase.Key{bg}, dg, []phase.Key{rr, dg, dep}, SubStateInProgress},
		{"nothing pending", nil, dg, []phase.Key{dg, dep}, SubStateInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fullRecord(t)
			withProof(rec, StatusPending, tc.pending...)
			rec.CurrentPhase = tc.pointer
			active, err := phase.NewSet(tc.active)
			if err != nil {
				t.Fatalf("set: %v", err)
			}
			next, err := ReselectPhases(rec, active)
			if err != nil {
				t.Fatalf("reselect: %v", err)
			}
			if next.SubState != tc.want {
				t.Fatalf("sub_state = %s, want %s (pending=%v)", next.SubState, tc.want, next.PendingPhases())
			}
			mustInvariant(t, next)
		})
	}
}

func TestSetHold(t *testing.T) {
	rec := fullRecord(t)
	held, err := SetHold(rec, true)
	if err != nil || held.OverallStatus != OverallHeld {
		t.Fatalf("hold: %v %s", err, held.OverallStatus)
	}
	released, err := SetHold(held, false)
	if err != nil || released.OverallStatus != OverallOpen {
		t.Fatalf("release: %v %s", err, released.OverallStatus)
	}

	withProof(rec, StatusApproved, dep)
	rec.OverallStatus = OverallCompleted
	if _, err := SetHold(rec, true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation holding completed task, got %v", err)
	}
}

func TestProgress(t *testing.T) {
	rec := fullRecord(t)
	withProof(rec, StatusApproved, rr)
	withProof(rec, StatusRejected, dg)
	rec.CurrentPhase = ac

	got := Progress(rec)
	want := []VisualStatus{VisualApproved, VisualRejected, VisualOutstanding, VisualCurrent, VisualUpcoming}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.Status != want[i] {
			t.Errorf("entry %dg (%s): got %s, want %s", i, e.Phase.Key, e.Status, want[i])
		}
	}
	if got[0].Phase.ShortCode != "RR" {
		t.Fatalf("expected short code RR, got %q", got[0].Phase.ShortCode)
	}
}

func TestDiff(t *testing.T) {
	rec := fullRecord(t)
	next, _ := Submit(rec, rr, Proof{Note: "brief"}, t0)
	m := Diff(rec, next, Event{Type: EventProofSubmitted})
	if len(m.Put) != 1 || m.Expect.Phases[rr] != StatusAbsent {
		t.Fatalf("unexpected diff %+v", m)
	}
	if m.Event.PhaseFrom != rr || m.Event.PhaseTo != dg || m.Event.TaskID != "task-1" {
		t.Fatalf("event not filled: %+v", m.Event)
	}
	if m.Empty() {
		t.Fatal("diff of ac real change reported empty")
	}
	if !Diff(rec, rec.Clone(), Event{}).Empty() {
		t.Fatal("diff of identical records not empty")
	}
}
