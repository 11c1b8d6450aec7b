// Package events provides event types and utilities for the Agentboard event system.
package events

// Event types for work-loop task transitions
const (
	TaskDispatched = "workloop.task.dispatched"
	TaskCompleted  = "workloop.task.completed"
	TaskFailed     = "workloop.task.failed"
	TaskKilled     = "workloop.task.killed"
)

// Event types for child process lifecycle
const (
	ChildSpawned = "workloop.child.spawned"
	ChildExited  = "workloop.child.exited"
	ChildStale   = "workloop.child.stale"
)

// Event types for repository cleanup
const (
	CleanupBranchDeleted   = "workloop.cleanup.branch_deleted"
	CleanupRefsPruned      = "workloop.cleanup.refs_pruned"
	CleanupWorktreeRemoved = "workloop.cleanup.worktree_removed"
	CleanupFailed          = "workloop.cleanup.failed"
)

// Event types for run-log entries
const (
	RunLogAppended = "workloop.runlog.appended"
)

// BuildTaskSubject creates a task event subject scoped to a project.
func BuildTaskSubject(eventType, projectID string) string {
	return eventType + "." + projectID
}

// BuildTaskWildcardSubject creates a wildcard subscription for a task event
// type across all projects.
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}
