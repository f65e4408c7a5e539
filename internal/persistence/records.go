package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/proofline/internal/bus"
	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/phase"
	"github.com/basket/proofline/internal/shared"
)

const (
	defaultListLimit   = 100
	defaultEventsLimit = 500
)

var _ lifecycle.RecordStore = (*Store)(nil)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const taskColumns = `id, title, assignee_id, reviewer_id, active_phases, current_phase, sub_state, overall_status, revision, created_at, updated_at`

func scanRecord(scanFn func(dest ...any) error) (*lifecycle.Record, error) {
	var (
		rec    lifecycle.Record
		active string
	)
	if err := scanFn(
		&rec.TaskID, &rec.Title, &rec.AssigneeID, &rec.ReviewerID, &active,
		&rec.CurrentPhase, &rec.SubState, &rec.OverallStatus, &rec.Revision,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(active), &rec.ActivePhases); err != nil {
		return nil, fmt.Errorf("decode active_phases for %s: %w", rec.TaskID, err)
	}
	rec.Validations = map[phase.Key]lifecycle.PhaseValidation{}
	return &rec, nil
}

func encodeActive(set phase.Set) (string, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encode active_phases: %w", err)
	}
	return string(raw), nil
}

func loadRecord(ctx context.Context, q queryer, taskID string) (*lifecycle.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", lifecycle.ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	if err := loadValidations(ctx, q, map[string]*lifecycle.Record{rec.TaskID: rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// loadValidations fills Validations for every record in byID.
func loadValidations(ctx context.Context, q queryer, byID map[string]*lifecycle.Record) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := q.QueryContext(ctx, `
		SELECT task_id, phase_key, status, proof_reference, proof_note, submitted_at, approved_at, rejected_at
		FROM phase_validations
		WHERE task_id IN (`+placeholders+`);
	`, ids...)
	if err != nil {
		return fmt.Errorf("select validations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			taskID                            string
			key                               phase.Key
			v                                 lifecycle.PhaseValidation
			submittedAt, approvedAt, rejected sql.NullTime
		)
		if err := rows.Scan(&taskID, &key, &v.Status, &v.ProofReference, &v.ProofNote, &submittedAt, &approvedAt, &rejected); err != nil {
			return fmt.Errorf("scan validation: %w", err)
		}
		v.SubmittedAt = fromNullTime(submittedAt)
		v.ApprovedAt = fromNullTime(approvedAt)
		v.RejectedAt = fromNullTime(rejected)
		if rec, ok := byID[taskID]; ok {
			rec.Validations[key] = v
		}
	}
	return rows.Err()
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// GetRecord returns the current record of taskID.
func (s *Store) GetRecord(ctx context.Context, taskID string) (*lifecycle.Record, error) {
	return loadRecord(ctx, s.db, taskID)
}

// ListRecords returns records matching filter, most recently updated first.
func (s *Store) ListRecords(ctx context.Context, filter lifecycle.ListFilter) ([]*lifecycle.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if filter.ReviewerID != "" {
		where = append(where, "reviewer_id = ?")
		args = append(args, filter.ReviewerID)
	}
	if filter.OverallStatus != "" {
		where = append(where, "overall_status = ?")
		args = append(args, string(filter.OverallStatus))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var (
		out  []*lifecycle.Record
		byID = map[string]*lifecycle.Record{}
	)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
		byID[rec.TaskID] = rec
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()

	if err := loadValidations(ctx, s.db, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertRecord stores a new record together with its creation event.
func (s *Store) InsertRecord(ctx context.Context, rec *lifecycle.Record, ev lifecycle.Event) (*lifecycle.Record, error) {
	if rec == nil || strings.TrimSpace(rec.TaskID) == "" {
		return nil, fmt.Errorf("%w: task id required", lifecycle.ErrValidation)
	}
	active, err := encodeActive(rec.ActivePhases)
	if err != nil {
		return nil, err
	}
	now := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		now = s.now()
	}

	var stored *lifecycle.Record
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, assignee_id, reviewer_id, active_phases, current_phase, sub_state, overall_status, revision, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?);
		`, rec.TaskID, rec.Title, rec.AssigneeID, rec.ReviewerID, active,
			string(rec.CurrentPhase), string(rec.SubState), string(rec.OverallStatus), now, now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: task %s already exists", lifecycle.ErrConflict, rec.TaskID)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		for k, v := range rec.Validations {
			if err := upsertValidationTx(ctx, tx, rec.TaskID, k, v); err != nil {
				return err
			}
		}
		ev.TaskID = rec.TaskID
		ev.PhaseTo = rec.CurrentPhase
		ev.StatusTo = rec.OverallStatus
		ev.CreatedAt = now
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		stored, err = loadRecord(ctx, tx, rec.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, ev, stored)
	return stored, nil
}

// ApplyMutation applies m atomically. It returns ErrConflict when the stored
// record no longer matches m.Expect and ErrNotFound when the task is gone.
func (s *Store) ApplyMutation(ctx context.Context, m lifecycle.Mutation) (*lifecycle.Record, error) {
	now := m.Event.CreatedAt.UTC()
	if m.Event.CreatedAt.IsZero() {
		now = s.now()
	}
	expectActive, err := encodeActive(m.Expect.ActivePhases)
	if err != nil {
		return nil, err
	}
	newActive := expectActive
	if m.ActivePhases != nil {
		if newActive, err = encodeActive(m.ActivePhases); err != nil {
			return nil, err
		}
	}

	var stored *lifecycle.Record
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mutation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := checkPhaseExpectationsTx(ctx, tx, m); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET active_phases = ?,
				current_phase = ?,
				sub_state = ?,
				overall_status = ?,
				revision = revision + 1,
				updated_at = ?
			WHERE id = ? AND active_phases = ? AND current_phase = ? AND sub_state = ? AND overall_status = ?;
		`, newActive, string(m.CurrentPhase), string(m.SubState), string(m.OverallStatus), now,
			m.TaskID, expectActive, string(m.Expect.CurrentPhase), string(m.Expect.SubState), string(m.Expect.OverallStatus))
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mutation rows affected: %w", err)
		}
		if affected != 1 {
			return missingOrConflict(ctx, tx, m.TaskID)
		}

		for _, k := range m.Clear {
			if _, err := tx.ExecContext(ctx, `DELETE FROM phase_validations WHERE task_id = ? AND phase_key = ?;`, m.TaskID, string(k)); err != nil {
				return fmt.Errorf("delete validation %s: %w", k, err)
			}
		}
		for k, v := range m.Put {
			if err := upsertValidationTx(ctx, tx, m.TaskID, k, v); err != nil {
				return err
			}
		}

		ev := m.Event
		ev.TaskID = m.TaskID
		ev.CreatedAt = now
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}

		stored, err = loadRecord(ctx, tx, m.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mutation tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskChanged, m.Event, stored)
	if m.Expect.OverallStatus != lifecycle.OverallCompleted && stored.OverallStatus == lifecycle.OverallCompleted {
		s.publish(bus.TopicTaskCompleted, m.Event, stored)
	}
	return stored, nil
}

func checkPhaseExpectationsTx(ctx context.Context, tx *sql.Tx, m lifecycle.Mutation) error {
	for k, want := range m.Expect.Phases {
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM phase_validations WHERE task_id = ? AND phase_key = ?;
		`, m.TaskID, string(k)).Scan(&status)
		got := lifecycle.ValidationStatus(status)
		if errors.Is(err, sql.ErrNoRows) {
			got = lifecycle.StatusAbsent
		} else if err != nil {
			return fmt.Errorf("select validation %s: %w", k, err)
		}
		if got != want {
			return fmt.Errorf("%w: phase %s is %s, expected %s", lifecycle.ErrConflict, k, got, want)
		}
	}
	return nil
}

func missingOrConflict(ctx context.Context, tx *sql.Tx, taskID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: task %s", lifecycle.ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("select task: %w", err)
	}
	return fmt.Errorf("%w: task %s changed since it was read", lifecycle.ErrConflict, taskID)
}

func upsertValidationTx(ctx context.Context, tx *sql.Tx, taskID string, key phase.Key, v lifecycle.PhaseValidation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO phase_validations (task_id, phase_key, status, proof_reference, proof_note, submitted_at, approved_at, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, phase_key) DO UPDATE SET
			status = excluded.status,
			proof_reference = excluded.proof_reference,
			proof_note = excluded.proof_note,
			submitted_at = excluded.submitted_at,
			approved_at = excluded.approved_at,
			rejected_at = excluded.rejected_at;
	`, taskID, string(key), string(v.Status), v.ProofReference, v.ProofNote,
		toNullTime(v.SubmittedAt), toNullTime(v.ApprovedAt), toNullTime(v.RejectedAt))
	if err != nil {
		return fmt.Errorf("upsert validation %s: %w", key, err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev lifecycle.Event) error {
	payload := ev.Payload
	if payload == "" {
		payload = "{}"
	}
	traceID := ev.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	actorID := ev.ActorID
	if actorID == "" {
		actorID = shared.ActorID(ctx)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, actor_id, phase_key, phase_from, phase_to, status_from, status_to, payload_json, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, '-'), ?);
	`, ev.TaskID, ev.Type, actorID, string(ev.Phase), string(ev.PhaseFrom), string(ev.PhaseTo),
		string(ev.StatusFrom), string(ev.StatusTo), payload, traceID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// DeleteRecord removes a task with its validations and events.
func (s *Store) DeleteRecord(ctx context.Context, taskID string) error {
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s", lifecycle.ErrNotFound, taskID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDeleted, bus.TaskChangedEvent{
			TaskID:    taskID,
			EventType: "task.deleted",
			ActorID:   shared.ActorID(ctx),
		})
	}
	return nil
}

// ListEvents returns the event log of taskID in commit order.
func (s *Store) ListEvents(ctx context.Context, taskID string, limit int) ([]lifecycle.Event, error) {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", lifecycle.ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, actor_id, phase_key, phase_from, phase_to, status_from, status_to, payload_json, COALESCE(trace_id, ''), created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var ev lifecycle.Event
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.Type, &ev.ActorID, &ev.Phase, &ev.PhaseFrom, &ev.PhaseTo,
			&ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) publish(topic string, ev lifecycle.Event, rec *lifecycle.Record) {
	if s.bus == nil || rec == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskChangedEvent{
		TaskID:        rec.TaskID,
		EventType:     ev.Type,
		ActorID:       ev.ActorID,
		Phase:         string(ev.Phase),
		CurrentPhase:  string(rec.CurrentPhase),
		SubState:      string(rec.SubState),
		OverallStatus: string(rec.OverallStatus),
		Revision:      rec.Revision,
	})
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
