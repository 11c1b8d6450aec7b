// Package repository provides storage for work-loop tasks and the run log.
package repository

import (
	"context"

	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

// Repository defines the ledger storage operations used by the work loop.
type Repository interface {
	// CreateTask inserts a new task record.
	CreateTask(ctx context.Context, task *v1.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*v1.Task, error)

	// ListTasks returns all tasks for a project, newest first.
	ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error)

	// ListReadyTasks returns READY tasks across all projects, highest
	// priority first, oldest first within a priority.
	ListReadyTasks(ctx context.Context) ([]*v1.Task, error)

	// UpdateTaskState transitions a task to a new state. Terminal states
	// are write-once: transitioning a task already in a terminal state
	// returns a conflict error.
	UpdateTaskState(ctx context.Context, id string, state v1.TaskState) error

	// ActiveTaskBranches returns the branch names of all tasks not in a
	// terminal state. Cleanup treats these branches as protected.
	ActiveTaskBranches(ctx context.Context) ([]string, error)

	// AppendRunLog appends an entry to the work-loop audit trail.
	AppendRunLog(ctx context.Context, entry *v1.RunLogEntry) error

	// ListRunLog returns the most recent run-log entries for a project,
	// newest first. A limit of 0 applies a default cap.
	ListRunLog(ctx context.Context, projectID string, limit int) ([]*v1.RunLogEntry, error)

	// Close releases any underlying resources.
	Close() error
}
