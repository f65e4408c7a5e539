// Package audit keeps an append-only trail of who did what to which task.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/proofline/internal/shared"
)

// Entry is one audited action.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends e to the trail. Missing timestamp and trace id are filled in
// from the clock and ctx. Write failures are swallowed: auditing never fails
// the audited operation.
func Record(ctx context.Context, e Entry) {
	if e.Decision == "deny" {
		denyCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, actor_id, actor_name, action, task_id, phase_key, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.ActorID, e.ActorName, e.Action, e.TaskID, e.Phase, e.Decision, e.Reason)
	}
}
