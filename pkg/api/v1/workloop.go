package v1

import "time"

// TaskState represents the lifecycle state of a task in the work loop.
// Transitions: READY -> IN_PROGRESS -> {COMPLETED | FAILED | KILLED}.
// Terminal states are write-once.
type TaskState string

const (
	TaskStateReady      TaskState = "READY"
	TaskStateInProgress TaskState = "IN_PROGRESS"
	TaskStateCompleted  TaskState = "COMPLETED"
	TaskStateFailed     TaskState = "FAILED"
	TaskStateKilled     TaskState = "KILLED"
)

// IsTerminal returns true if the state allows no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateKilled:
		return true
	}
	return false
}

// Task is the orchestrator's view of a queued unit of agent work.
// The dashboard owns the full task record; the work loop only reads the
// fields it needs to dispatch and reports state transitions back.
type Task struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Title        string    `json:"title"`
	Role         string    `json:"role"` // dev, reviewer, pm, qa, research, ...
	Message      string    `json:"message"`
	Model        *string   `json:"model,omitempty"`
	SessionLabel *string   `json:"session_label,omitempty"`
	Branch       string    `json:"branch,omitempty"` // git branch backing this task, if any
	Priority     int       `json:"priority"`
	State        TaskState `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Work loop phases, as recorded in run-log entries.
const (
	PhaseDispatch = "dispatch"
	PhaseMonitor  = "monitor"
	PhaseCleanup  = "cleanup"
)

// RunLogEntry is one record in the append-only work-loop audit trail.
// The orchestrator writes entries but never reads its own history; the
// status API exposes them for the dashboard.
type RunLogEntry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Cycle     int64     `json:"cycle"`
	Phase     string    `json:"phase"` // dispatch, monitor, cleanup
	Action    string    `json:"action"`
	TaskID    string    `json:"task_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChildInfo describes one tracked agent process for the status API.
type ChildInfo struct {
	PID        int        `json:"pid"`
	TaskID     string     `json:"task_id"`
	ProjectID  string     `json:"project_id"`
	Role       string     `json:"role"`
	SessionKey string     `json:"session_key"`
	SpawnedAt  time.Time  `json:"spawned_at"`
	LastOutput time.Time  `json:"last_output"`
	TotalBytes int64      `json:"total_bytes"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// LoopStatus is a snapshot of the work loop for the status API.
type LoopStatus struct {
	Running         bool       `json:"running"`
	Cycle           int64      `json:"cycle"`
	QueuedTasks     int        `json:"queued_tasks"`
	ActiveChildren  int        `json:"active_children"`
	TotalDispatched int64      `json:"total_dispatched"`
	TotalCompleted  int64      `json:"total_completed"`
	TotalFailed     int64      `json:"total_failed"`
	TotalKilled     int64      `json:"total_killed"`
	LastCleanupAt   *time.Time `json:"last_cleanup_at,omitempty"`
}
