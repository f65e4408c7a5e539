package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/proofline/internal/audit"
	plotel "github.com/basket/proofline/internal/otel"
	"github.com/basket/proofline/internal/phase"
	"github.com/basket/proofline/internal/shared"
	"github.com/basket/proofline/internal/telemetry"
)

// Config wires a Service to its collaborators. Store is required; Blobs is
// only needed for artifact uploads.
type Config struct {
	Store         RecordStore
	Blobs         BlobStore
	Directory     Directory
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *plotel.Metrics
	Clock         func() time.Time
	DefaultPhases phase.Set
	NewID         func() string
}

// Service runs lifecycle operations against a record store. Each mutating
// call reads one snapshot, computes the next record with a pure transition,
// and commits the difference as a single conditional write. Conflicts are
// returned to the caller, never retried here.
type Service struct {
	store         RecordStore
	blobs         BlobStore
	dir           Directory
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *plotel.Metrics
	now           func() time.Time
	defaultPhases phase.Set
	newID         func() string
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: record store required")
	}
	s := &Service{
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		dir:           cfg.Directory,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		now:           cfg.Clock,
		defaultPhases: cfg.DefaultPhases,
		newID:         cfg.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(plotel.TracerName)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if len(s.defaultPhases) == 0 {
		s.defaultPhases = phase.Full()
	} else if err := s.defaultPhases.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: default phases: %w", err)
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// SubmitInput carries one proof submission. Phase defaults to the task's
// current phase. Artifact, when set, is stored first and its reference
// becomes the proof reference.
type SubmitInput struct {
	TaskID         string
	Phase          phase.Key
	ProofReference string
	ProofNote      string
	Artifact       io.Reader
}

// SubmitProof records proof for a phase. Only the assignee may submit.
func (s *Service) SubmitProof(ctx context.Context, in SubmitInput) (*Record, error) {
	return s.run(ctx, "submit_proof", in.TaskID, in.Phase, true, func(ctx context.Context) (*Record, error) {
		rec, err := s.store.GetRecord(ctx, in.TaskID)
		if err != nil {
			return nil, err
		}
		if err := s.requireActor(ctx, rec.AssigneeID, "assignee"); err != nil {
			return nil, err
		}
		key := in.Phase
		if key == "" {
			key = rec.CurrentPhase
		}
		if err := CheckSubmittable(rec, key); err != nil {
			return nil, err
		}

		proof := Proof{Reference: in.ProofReference, Note: in.ProofNote}.normalized()
		if in.Artifact != nil {
			if proof.Reference != "" {
				return nil, validationError("artifact and proof reference are mutually exclusive")
			}
			ref, err := s.storeArtifact(ctx, in.Artifact)
			if err != nil {
				return nil, err
			}
			proof.Reference = ref
		} else if proof.empty() {
			return nil, validationError("proof required")
		}

		now := s.now()
		next, err := Submit(rec, key, proof, now)
		if err != nil {
			return nil, err
		}
		return s.commit(ctx, rec, next, Event{
			Type:  EventProofSubmitted,
			Phase: key,
			Payload: payload(map[string]any{
				"proof_reference": proof.Reference,
				"has_note":        proof.Note != "",
			}),
			CreatedAt: now,
		})
	})
}

// storeArtifact uploads before any record mutation. A failed or cancelled
// upload leaves the record untouched.
func (s *Service) storeArtifact(ctx context.Context, r io.Reader) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("%w: no artifact store configured", ErrStorage)
	}
	ref, n, err := s.blobs.Put(ctx, r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.metrics.AddArtifactBytes(ctx, n)
	return ref, nil
}

// ApprovePhase approves a pending phase. Only the reviewer may approve.
func (s *Service) ApprovePhase(ctx context.Context, taskID string, key phase.Key) (*Record, error) {
	return s.review(ctx, "approve_phase", taskID, key, func(rec *Record, now time.Time) (*Record, Event, error) {
		next, err := Approve(rec, key, now)
		return next, Event{Type: EventPhaseApproved, Phase: key}, err
	})
}

// RejectPhase rejects a pending phase so it can be resubmitted.
func (s *Service) RejectPhase(ctx context.Context, taskID string, key phase.Key) (*Record, error) {
	return s.review(ctx, "reject_phase", taskID, key, func(rec *Record, now time.Time) (*Record, Event, error) {
		next, err := Reject(rec, key, now)
		return next, Event{Type: EventPhaseRejected, Phase: key}, err
	})
}

// BulkApprove approves every pending phase in one write. Nothing pending is
// a no-op.
func (s *Service) BulkApprove(ctx context.Context, taskID string) (*Record, error) {
	return s.review(ctx, "bulk_approve", taskID, "", func(rec *Record, now time.Time) (*Record, Event, error) {
		pending := rec.PendingPhases()
		next, err := ApproveAll(rec, now)
		return next, Event{Type: EventBulkApproved, Payload: payload(map[string]any{"phases": pending})}, err
	})
}

// BulkReject rejects every pending phase in one write. Nothing pending is a
// ValidationError.
func (s *Service) BulkReject(ctx context.Context, taskID string) (*Record, error) {
	return s.review(ctx, "bulk_reject", taskID, "", func(rec *Record, now time.Time) (*Record, Event, error) {
		pending := rec.PendingPhases()
		next, err := RejectAll(rec, now)
		return next, Event{Type: EventBulkRejected, Payload: payload(map[string]any{"phases": pending})}, err
	})
}

// DeleteProof clears a phase's validation, rewinding the pointer when the
// phase is behind it. The stored artifact is kept.
func (s *Service) DeleteProof(ctx context.Context, taskID string, key phase.Key) (*Record, error) {
	return s.review(ctx, "delete_proof", taskID, key, func(rec *Record, _ time.Time) (*Record, Event, error) {
		prev := rec.Validation(key)
		next, err := DeleteProof(rec, key)
		return next, Event{
			Type:    EventProofDeleted,
			Phase:   key,
			Payload: payload(map[string]any{"previous_status": prev.Status, "proof_reference": prev.ProofReference}),
		}, err
	})
}

func (s *Service) review(ctx context.Context, op, taskID string, key phase.Key, apply func(*Record, time.Time) (*Record, Event, error)) (*Record, error) {
	return s.run(ctx, op, taskID, key, true, func(ctx context.Context) (*Record, error) {
		rec, err := s.store.GetRecord(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := s.requireActor(ctx, rec.ReviewerID, "reviewer"); err != nil {
			return nil, err
		}
		now := s.now()
		next, ev, err := apply(rec, now)
		if err != nil {
			return nil, err
		}
		ev.CreatedAt = now
		return s.commit(ctx, rec, next, ev)
	})
}

// CreateInput describes a new task. Phases accepts keys or short codes; empty
// means the configured default set.
type CreateInput struct {
	Title      string
	AssigneeID string
	ReviewerID string
	Phases     []string
}

// CreateTask inserts a fresh record positioned at the first active phase.
func (s *Service) CreateTask(ctx context.Context, in CreateInput) (*Record, error) {
	return s.run(ctx, "create_task", "", "", true, func(ctx context.Context) (*Record, error) {
		assignee := strings.TrimSpace(in.AssigneeID)
		reviewer := strings.TrimSpace(in.ReviewerID)
		if assignee == "" || reviewer == "" {
			return nil, validationError("assignee and reviewer are required")
		}
		active := append(phase.Set(nil), s.defaultPhases...)
		if len(in.Phases) > 0 {
			set, err := phase.ParseSet(in.Phases)
			if err != nil {
				return nil, validationError("%v", err)
			}
			active = set
		}
		rec, err := NewRecord(s.newID(), strings.TrimSpace(in.Title), assignee, reviewer, active)
		if err != nil {
			return nil, err
		}
		now := s.now()
		rec.CreatedAt, rec.UpdatedAt = now, now
		return s.store.InsertRecord(ctx, rec, Event{
			Type:      EventTaskCreated,
			ActorID:   shared.ActorID(ctx),
			TraceID:   traceID(ctx),
			Payload:   payload(map[string]any{"title": rec.Title, "phases": active.Strings()}),
			CreatedAt: now,
		})
	})
}

// GetTask returns the current record.
func (s *Service) GetTask(ctx context.Context, taskID string) (*Record, error) {
	return s.run(ctx, "get_task", taskID, "", false, func(ctx context.Context) (*Record, error) {
		return s.store.GetRecord(ctx, taskID)
	})
}

// ListTasks returns records matching filter.
func (s *Service) ListTasks(ctx context.Context, filter ListFilter) ([]*Record, error) {
	var out []*Record
	_, err := s.run(ctx, "list_tasks", "", "", false, func(ctx context.Context) (*Record, error) {
		recs, err := s.store.ListRecords(ctx, filter)
		out = recs
		return nil, err
	})
	return out, err
}

// DeleteTask discards a task with its validations and event log. Only the
// reviewer may delete.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.run(ctx, "delete_task", taskID, "", true, func(ctx context.Context) (*Record, error) {
		rec, err := s.store.GetRecord(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := s.requireActor(ctx, rec.ReviewerID, "reviewer"); err != nil {
			return nil, err
		}
		return nil, s.store.DeleteRecord(ctx, taskID)
	})
	return err
}

// EditPhases replaces the task's active phase set.
func (s *Service) EditPhases(ctx context.Context, taskID string, phases []string) (*Record, error) {
	return s.review(ctx, "edit_phases", taskID, "", func(rec *Record, _ time.Time) (*Record, Event, error) {
		set, err := phase.ParseSet(phases)
		if err != nil {
			return nil, Event{}, validationError("%v", err)
		}
		next, err := ReselectPhases(rec, set)
		return next, Event{
			Type:    EventPhasesEdited,
			Payload: payload(map[string]any{"from": rec.ActivePhases.Strings(), "to": set.Strings()}),
		}, err
	})
}

// SetHold places a task on hold or releases it.
func (s *Service) SetHold(ctx context.Context, taskID string, held bool) (*Record, error) {
	return s.review(ctx, "set_hold", taskID, "", func(rec *Record, _ time.Time) (*Record, Event, error) {
		next, err := SetHold(rec, held)
		return next, Event{Type: EventHoldChanged, Payload: payload(map[string]any{"held": held})}, err
	})
}

// Progress returns the visual progress of a task.
func (s *Service) Progress(ctx context.Context, taskID string) ([]ProgressEntry, error) {
	rec, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return Progress(rec), nil
}

// Events returns the task's lifecycle event log.
func (s *Service) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	var out []Event
	_, err := s.run(ctx, "list_events", taskID, "", false, func(ctx context.Context) (*Record, error) {
		evs, err := s.store.ListEvents(ctx, taskID, limit)
		out = evs
		return nil, err
	})
	return out, err
}

// commit writes the difference between before and after. An unchanged
// record is returned as-is without touching the store.
func (s *Service) commit(ctx context.Context, before, after *Record, ev Event) (*Record, error) {
	ev.ActorID = shared.ActorID(ctx)
	ev.TraceID = traceID(ctx)
	m := Diff(before, after, ev)
	if m.Empty() {
		return before, nil
	}
	rec, err := s.store.ApplyMutation(ctx, m)
	if err != nil {
		return nil, err
	}
	if before.OverallStatus != OverallCompleted && rec.OverallStatus == OverallCompleted {
		s.metrics.AddCompletion(ctx)
	}
	return rec, nil
}

func (s *Service) requireActor(ctx context.Context, want, role string) error {
	actor := shared.ActorID(ctx)
	if actor == "" {
		return forbiddenError("actor required")
	}
	if actor != want {
		return forbiddenError("%s is not the %s", actor, role)
	}
	return nil
}

func (s *Service) run(ctx context.Context, op, taskID string, key phase.Key, mutating bool, fn func(context.Context) (*Record, error)) (*Record, error) {
	start := time.Now()
	actor := shared.ActorID(ctx)
	ctx, span := plotel.StartSpan(ctx, s.tracer, "lifecycle."+op,
		plotel.AttrOperation.String(op),
		plotel.AttrTaskID.String(taskID),
		plotel.AttrPhase.String(string(key)),
		plotel.AttrActorID.String(actor),
	)
	rec, err := fn(ctx)
	kind := ErrorKind(err)
	if rec != nil && taskID == "" {
		taskID = rec.TaskID
	}
	plotel.EndSpan(span, err, kind)
	s.metrics.ObserveOperation(ctx, op, start, kind)

	logger := telemetry.ForRequest(ctx, s.logger).With("op", op, "task_id", taskID)
	if key != "" {
		logger = logger.With("phase", string(key))
	}
	switch {
	case err == nil && mutating:
		attrs := []any{"duration_ms", time.Since(start).Milliseconds()}
		if rec != nil {
			attrs = append(attrs, "current_phase", string(rec.CurrentPhase), "sub_state", string(rec.SubState),
				"overall_status", string(rec.OverallStatus), "revision", rec.Revision)
		}
		logger.Info("lifecycle operation committed", attrs...)
	case err == nil:
		logger.Debug("lifecycle read", "duration_ms", time.Since(start).Milliseconds())
	case kind == "storage" || kind == "internal":
		logger.Error("lifecycle operation failed", "kind", kind, "error", err)
	default:
		logger.Warn("lifecycle operation rejected", "kind", kind, "error", err)
	}

	if mutating {
		s.audit(ctx, op, taskID, key, err, kind)
	}
	return rec, err
}

func (s *Service) audit(ctx context.Context, op, taskID string, key phase.Key, err error, kind string) {
	actor := shared.ActorID(ctx)
	e := audit.Entry{
		Action:  op,
		ActorID: actor,
		TaskID:  taskID,
		Phase:   string(key),
	}
	if s.dir != nil {
		e.ActorName = s.dir.DisplayName(actor)
	}
	switch {
	case err == nil:
		e.Decision = "allow"
	case kind == "forbidden":
		e.Decision = "deny"
		e.Reason = err.Error()
	default:
		e.Decision = "fail"
		e.Reason = kind + ": " + err.Error()
	}
	audit.Record(ctx, e)
}

func traceID(ctx context.Context) string {
	if id := shared.TraceID(ctx); id != "-" {
		return id
	}
	return ""
}

func payload(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
