package lifecycle_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/proofline/internal/audit"
	"github.com/basket/proofline/internal/blob"
	"github.com/basket/proofline/internal/bus"
	"github.com/basket/proofline/internal/directory"
	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/persistence"
	"github.com/basket/proofline/internal/phase"
	"github.com/basket/proofline/internal/shared"
)

type harness struct {
	svc   *lifecycle.Service
	store *persistence.Store
	blobs *blob.FileStore
	bus   *bus.Bus
}

func newHarness(t *testing.T, blobs lifecycle.BlobStore) *harness {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "proofline.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	files, err := blob.NewFileStore(filepath.Join(dir, "artifacts"), 1<<20)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	if blobs == nil {
		blobs = files
	}

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc, err := lifecycle.New(lifecycle.Config{
		Store:     store,
		Blobs:     blobs,
		Directory: directory.New(map[string]string{"alice": "Alice Ng", "rita": "Rita Osei"}),
		Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{svc: svc, store: store, blobs: files, bus: b}
}

func as(actor string) context.Context {
	return shared.WithActorID(context.Background(), actor)
}

func (h *harness) create(t *testing.T, phases ...string) *lifecycle.Record {
	t.Helper()
	rec, err := h.svc.CreateTask(as("rita"), lifecycle.CreateInput{
		Title:      "Checkout redesign",
		AssigneeID: "alice",
		ReviewerID: "rita",
		Phases:     phases,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return rec
}

func (h *harness) submitNote(t *testing.T, taskID string, key phase.Key, note string) *lifecycle.Record {
	t.Helper()
	rec, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: taskID, Phase: key, ProofNote: note})
	if err != nil {
		t.Fatalf("submit %s: %v", key, err)
	}
	return rec
}

func TestService_FullLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	if rec.CurrentPhase != phase.RequirementRefinement || rec.Revision != 1 {
		t.Fatalf("unexpected fresh record %+v", rec)
	}

	for _, k := range phase.Full() {
		rec = h.submitNote(t, rec.TaskID, k, "evidence for "+string(k))
		var err error
		rec, err = h.svc.ApprovePhase(as("rita"), rec.TaskID, k)
		if err != nil {
			t.Fatalf("approve %s: %v", k, err)
		}
	}
	if rec.OverallStatus != lifecycle.OverallCompleted {
		t.Fatalf("expected completed, got %s", rec.OverallStatus)
	}
	// Submissions never advance the pointer onto the terminal phase.
	if rec.CurrentPhase != phase.AcceptanceCriteria {
		t.Fatalf("expected pointer at acceptance_criteria, got %s", rec.CurrentPhase)
	}

	events, err := h.svc.Events(as("rita"), rec.TaskID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 11 {
		t.Fatalf("expected 11 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != lifecycle.EventPhaseApproved || last.StatusTo != lifecycle.OverallCompleted || last.ActorID != "rita" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestService_SubmitDefaultsToCurrentPhase(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t, "RR", "BG", "DEP")
	next, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: rec.TaskID, ProofReference: "https://docs.example/brief"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if next.StatusOf(phase.RequirementRefinement) != lifecycle.StatusPending {
		t.Fatalf("expected RR pending, got %s", next.StatusOf(phase.RequirementRefinement))
	}
	if next.CurrentPhase != phase.BuildGuidance {
		t.Fatalf("expected advance to build_guidance, got %s", next.CurrentPhase)
	}
}

func TestService_Forbidden(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	h.submitNote(t, rec.TaskID, phase.RequirementRefinement, "brief")

	cases := []struct {
		name string
		call func() error
	}{
		{"reviewer submits", func() error {
			_, err := h.svc.SubmitProof(as("rita"), lifecycle.SubmitInput{TaskID: rec.TaskID, ProofNote: "x"})
			return err
		}},
		{"assignee approves", func() error {
			_, err := h.svc.ApprovePhase(as("alice"), rec.TaskID, phase.RequirementRefinement)
			return err
		}},
		{"assignee bulk approves", func() error {
			_, err := h.svc.BulkApprove(as("alice"), rec.TaskID)
			return err
		}},
		{"assignee deletes proof", func() error {
			_, err := h.svc.DeleteProof(as("alice"), rec.TaskID, phase.RequirementRefinement)
			return err
		}},
		{"stranger deletes task", func() error {
			return h.svc.DeleteTask(as("mallory"), rec.TaskID)
		}},
		{"anonymous reject", func() error {
			_, err := h.svc.RejectPhase(context.Background(), rec.TaskID, phase.RequirementRefinement)
			return err
		}},
	}

	before, _ := h.svc.GetTask(as("rita"), rec.TaskID)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, lifecycle.ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
	after, _ := h.svc.GetTask(as("rita"), rec.TaskID)
	if after.Revision != before.Revision {
		t.Fatalf("forbidden calls changed the record: revision %d -> %d", before.Revision, after.Revision)
	}
}

func TestService_ProofRequiredLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	_, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: rec.TaskID, ProofNote: "   "})
	if !errors.Is(err, lifecycle.ErrValidation) || !strings.Contains(err.Error(), "proof required") {
		t.Fatalf("expected proof required, got %v", err)
	}
	after, _ := h.svc.GetTask(as("alice"), rec.TaskID)
	if after.Revision != rec.Revision || len(after.Validations) != 0 {
		t.Fatalf("record changed: %+v", after)
	}
}

func TestService_ArtifactUpload(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	content := []byte("wireframes v3")

	next, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{
		TaskID:   rec.TaskID,
		Artifact: bytes.NewReader(content),
	})
	if err != nil {
		t.Fatalf("submit artifact: %v", err)
	}
	ref := next.Validation(phase.RequirementRefinement).ProofReference
	if !blob.IsRef(ref) {
		t.Fatalf("expected blob reference, got %q", ref)
	}
	rc, size, err := h.blobs.Open(ref)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if size != int64(len(content)) || !bytes.Equal(got, content) {
		t.Fatalf("artifact mismatch: %q (%d)", got, size)
	}

	_, err = h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{
		TaskID:         rec.TaskID,
		Phase:          phase.DesignGuidance,
		ProofReference: "https://docs.example/design",
		Artifact:       strings.NewReader("also this"),
	})
	if !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation for artifact plus reference, got %v", err)
	}
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, io.Reader) (string, int64, error) {
	return "", 0, errors.New("disk full")
}

func TestService_StorageFailureLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, failingBlobs{})
	rec := h.create(t)

	_, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: rec.TaskID, Artifact: strings.NewReader("x")})
	if !errors.Is(err, lifecycle.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	after, _ := h.svc.GetTask(as("alice"), rec.TaskID)
	if after.Revision != rec.Revision || after.StatusOf(phase.RequirementRefinement) != lifecycle.StatusAbsent {
		t.Fatalf("record changed after storage failure: %+v", after)
	}
}

// racingBlobs changes the record while the upload is in flight.
type racingBlobs struct {
	during func()
}

func (r *racingBlobs) Put(_ context.Context, src io.Reader) (string, int64, error) {
	n, _ := io.Copy(io.Discard, src)
	r.during()
	return "blake3:" + strings.Repeat("ab", 32), n, nil
}

func TestService_ConcurrentChangeIsConflict(t *testing.T) {
	racer := &racingBlobs{}
	h := newHarness(t, racer)
	rec := h.create(t)
	racer.during = func() {
		if _, err := h.svc.SetHold(as("rita"), rec.TaskID, true); err != nil {
			t.Errorf("hold during upload: %v", err)
		}
	}

	_, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: rec.TaskID, Artifact: strings.NewReader("draft")})
	if !errors.Is(err, lifecycle.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	after, _ := h.svc.GetTask(as("alice"), rec.TaskID)
	if after.OverallStatus != lifecycle.OverallHeld {
		t.Fatalf("expected concurrent hold to persist, got %s", after.OverallStatus)
	}
	if after.StatusOf(phase.RequirementRefinement) != lifecycle.StatusAbsent {
		t.Fatal("conflicting submission was partially applied")
	}

	// A fresh attempt against the new snapshot succeeds.
	racer.during = func() {}
	next, err := h.svc.SubmitProof(as("alice"), lifecycle.SubmitInput{TaskID: rec.TaskID, Artifact: strings.NewReader("draft")})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if next.OverallStatus != lifecycle.OverallHeld {
		t.Fatalf("submission dropped hold: %s", next.OverallStatus)
	}
}

func TestService_BulkApproveNothingPendingIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	got, err := h.svc.BulkApprove(as("rita"), rec.TaskID)
	if err != nil {
		t.Fatalf("bulk approve: %v", err)
	}
	if got.Revision != rec.Revision {
		t.Fatalf("no-op bulk approve wrote a revision: %d", got.Revision)
	}
	if _, err := h.svc.BulkReject(as("rita"), rec.TaskID); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation for bulk reject with nothing pending, got %v", err)
	}
}

func TestService_BulkReviewAndRewind(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t)
	h.submitNote(t, rec.TaskID, phase.RequirementRefinement, "brief")
	h.submitNote(t, rec.TaskID, phase.DesignGuidance, "mockups")
	rec = h.submitNote(t, rec.TaskID, phase.BuildGuidance, "plan")
	if rec.CurrentPhase != phase.AcceptanceCriteria {
		t.Fatalf("expected pointer at acceptance_criteria, got %s", rec.CurrentPhase)
	}

	rec, err := h.svc.BulkApprove(as("rita"), rec.TaskID)
	if err != nil {
		t.Fatalf("bulk approve: %v", err)
	}
	if len(rec.PendingPhases()) != 0 || rec.SubState != lifecycle.SubStateInProgress {
		t.Fatalf("unexpected state after bulk approve: %+v", rec)
	}

	rec, err = h.svc.DeleteProof(as("rita"), rec.TaskID, phase.DesignGuidance)
	if err != nil {
		t.Fatalf("delete proof: %v", err)
	}
	if rec.CurrentPhase != phase.DesignGuidance || rec.StatusOf(phase.DesignGuidance) != lifecycle.StatusAbsent {
		t.Fatalf("expected rewind to design_guidance, got %s/%s", rec.CurrentPhase, rec.StatusOf(phase.DesignGuidance))
	}

	again, err := h.svc.DeleteProof(as("rita"), rec.TaskID, phase.DesignGuidance)
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if again.Revision != rec.Revision {
		t.Fatal("repeat delete wrote a revision")
	}
}

func TestService_TaskManagement(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.create(t, "rr", "design_guidance", "DEP")
	if len(rec.ActivePhases) != 3 {
		t.Fatalf("expected 3 active phases, got %v", rec.ActivePhases)
	}

	if _, err := h.svc.CreateTask(as("rita"), lifecycle.CreateInput{AssigneeID: "alice"}); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation without reviewer, got %v", err)
	}
	if _, err := h.svc.CreateTask(as("rita"), lifecycle.CreateInput{AssigneeID: "alice", ReviewerID: "rita", Phases: []string{"QA"}}); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown phase, got %v", err)
	}

	edited, err := h.svc.EditPhases(as("rita"), rec.TaskID, []string{"RR", "BG", "AC", "DEP"})
	if err != nil {
		t.Fatalf("edit phases: %v", err)
	}
	if edited.ActivePhases.Contains(phase.DesignGuidance) || len(edited.ActivePhases) != 4 {
		t.Fatalf("unexpected active set %v", edited.ActivePhases)
	}

	held, err := h.svc.SetHold(as("rita"), rec.TaskID, true)
	if err != nil || held.OverallStatus != lifecycle.OverallHeld {
		t.Fatalf("hold: %v %+v", err, held)
	}
	list, err := h.svc.ListTasks(as("rita"), lifecycle.ListFilter{OverallStatus: lifecycle.OverallHeld})
	if err != nil || len(list) != 1 {
		t.Fatalf("list held: %v (%d)", err, len(list))
	}

	progress, err := h.svc.Progress(as("alice"), rec.TaskID)
	if err != nil || len(progress) != 4 || progress[0].Status != lifecycle.VisualCurrent {
		t.Fatalf("progress: %v %+v", err, progress)
	}

	if err := h.svc.DeleteTask(as("rita"), rec.TaskID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := h.svc.GetTask(as("rita"), rec.TaskID); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestService_PublishesChanges(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.Filter{TopicPrefix: bus.TopicTaskPrefix})
	defer h.bus.Unsubscribe(sub)

	rec := h.create(t)
	h.submitNote(t, rec.TaskID, phase.RequirementRefinement, "brief")

	want := []string{bus.TopicTaskCreated, bus.TopicTaskChanged}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("expected %s, got %s", topic, ev.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestService_AuditsDecisions(t *testing.T) {
	h := newHarness(t, nil)
	audit.SetDB(h.store.DB())
	t.Cleanup(func() { audit.SetDB(nil) })

	rec := h.create(t)
	_, _ = h.svc.ApprovePhase(as("alice"), rec.TaskID, phase.RequirementRefinement)
	_, _ = h.svc.ApprovePhase(as("rita"), rec.TaskID, phase.RequirementRefinement)

	rows, err := h.store.DB().Query(`SELECT action, actor_id, actor_name, decision FROM audit_log ORDER BY audit_id`)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	defer rows.Close()
	type row struct{ action, actor, name, decision string }
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.action, &r.actor, &r.name, &r.decision); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, r)
	}
	want := []row{
		{"create_task", "rita", "Rita Osei", "allow"},
		{"approve_phase", "alice", "Alice Ng", "deny"},
		{"approve_phase", "rita", "Rita Osei", "fail"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d audit rows, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
