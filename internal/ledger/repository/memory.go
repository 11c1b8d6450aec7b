package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentboard/agentboard/internal/common/errors"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

// MemoryRepository provides in-memory ledger storage, used by tests and
// by deployments that don't need the ledger to survive restarts.
type MemoryRepository struct {
	tasks     map[string]*v1.Task
	runLog    []*v1.RunLogEntry
	nextLogID int64
	mu        sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory ledger repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:     make(map[string]*v1.Task),
		nextLogID: 1,
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask inserts a new task record
func (r *MemoryRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = v1.TaskStateReady
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	r.tasks[task.ID] = task
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task, nil
}

// ListTasks returns all tasks for a project, newest first
func (r *MemoryRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Task
	for _, task := range r.tasks {
		if task.ProjectID == projectID {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListReadyTasks returns READY tasks across all projects in dispatch order
func (r *MemoryRepository) ListReadyTasks(ctx context.Context) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Task
	for _, task := range r.tasks {
		if task.State == v1.TaskStateReady {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateTaskState transitions a task to a new state.
// A task already in a terminal state never leaves it.
func (r *MemoryRepository) UpdateTaskState(ctx context.Context, id string, state v1.TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if task.State.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("task %s is already %s", id, task.State))
	}

	task.State = state
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// ActiveTaskBranches returns branches of tasks not in a terminal state
func (r *MemoryRepository) ActiveTaskBranches(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var branches []string
	for _, task := range r.tasks {
		if task.Branch == "" || task.State.IsTerminal() || seen[task.Branch] {
			continue
		}
		seen[task.Branch] = true
		branches = append(branches, task.Branch)
	}
	return branches, nil
}

// AppendRunLog appends an entry to the audit trail
func (r *MemoryRepository) AppendRunLog(ctx context.Context, entry *v1.RunLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.ID = r.nextLogID
	r.nextLogID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.runLog = append(r.runLog, entry)
	return nil
}

// ListRunLog returns the most recent run-log entries for a project
func (r *MemoryRepository) ListRunLog(ctx context.Context, projectID string, limit int) ([]*v1.RunLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = defaultRunLogLimit
	}

	var result []*v1.RunLogEntry
	for i := len(r.runLog) - 1; i >= 0 && len(result) < limit; i-- {
		if r.runLog[i].ProjectID == projectID {
			result = append(result, r.runLog[i])
		}
	}
	return result, nil
}
