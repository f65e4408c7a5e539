package bus

// Task topics. Subscribing to TopicTaskPrefix receives all of them.
const (
	TopicTaskPrefix    = "task."
	TopicTaskCreated   = "task.created"
	TopicTaskChanged   = "task.changed"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeleted   = "task.deleted"
)

// TaskChangedEvent tells subscribers which task to re-read. It carries the
// post-commit summary for filtering, not the full record.
type TaskChangedEvent struct {
	TaskID        string `json:"task_id"`
	EventType     string `json:"event_type"`
	ActorID       string `json:"actor_id,omitempty"`
	Phase         string `json:"phase,omitempty"`
	CurrentPhase  string `json:"current_phase,omitempty"`
	SubState      string `json:"sub_state,omitempty"`
	OverallStatus string `json:"overall_status,omitempty"`
	Revision      int64  `json:"revision"`
}
