package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentboard/agentboard/internal/common/errors"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

const defaultRunLogLimit = 100

// SQLiteRepository provides SQLite-based ledger storage
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		role TEXT NOT NULL,
		message TEXT DEFAULT '',
		model TEXT,
		session_label TEXT,
		branch TEXT DEFAULT '',
		priority INTEGER DEFAULT 0,
		state TEXT DEFAULT 'READY',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		phase TEXT NOT NULL,
		action TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		details TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_run_log_project_id ON run_log(project_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateTask inserts a new task record
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = v1.TaskStateReady
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, role, message, model, session_label, branch, priority, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, task.Title, task.Role, task.Message, task.Model, task.SessionLabel, task.Branch, task.Priority, task.State, task.CreatedAt, task.UpdatedAt)

	return err
}

// GetTask retrieves a task by ID
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, role, message, model, session_label, branch, priority, state, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks for a project, newest first
func (r *SQLiteRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, title, role, message, model, session_label, branch, priority, state, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListReadyTasks returns READY tasks across all projects in dispatch order
func (r *SQLiteRepository) ListReadyTasks(ctx context.Context) ([]*v1.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, title, role, message, model, session_label, branch, priority, state, created_at, updated_at
		FROM tasks WHERE state = ? ORDER BY priority DESC, created_at ASC
	`, v1.TaskStateReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// UpdateTaskState transitions a task to a new state.
// A task already in a terminal state never leaves it.
func (r *SQLiteRepository) UpdateTaskState(ctx context.Context, id string, state v1.TaskState) error {
	var current v1.TaskState
	err := r.db.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.NotFound("task", id)
	}
	if err != nil {
		return err
	}

	if current.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("task %s is already %s", id, current))
	}

	_, err = r.db.ExecContext(ctx, `UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	return err
}

// ActiveTaskBranches returns branches of tasks not in a terminal state
func (r *SQLiteRepository) ActiveTaskBranches(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT branch FROM tasks
		WHERE branch != '' AND state IN (?, ?)
	`, v1.TaskStateReady, v1.TaskStateInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []string
	for rows.Next() {
		var branch string
		if err := rows.Scan(&branch); err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

// AppendRunLog appends an entry to the audit trail
func (r *SQLiteRepository) AppendRunLog(ctx context.Context, entry *v1.RunLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO run_log (project_id, cycle, phase, action, task_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ProjectID, entry.Cycle, entry.Phase, entry.Action, entry.TaskID, entry.Details, entry.CreatedAt)
	if err != nil {
		return err
	}

	entry.ID, _ = result.LastInsertId()
	return nil
}

// ListRunLog returns the most recent run-log entries for a project
func (r *SQLiteRepository) ListRunLog(ctx context.Context, projectID string, limit int) ([]*v1.RunLogEntry, error) {
	if limit <= 0 {
		limit = defaultRunLogLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, cycle, phase, action, task_id, details, created_at
		FROM run_log WHERE project_id = ? ORDER BY id DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.RunLogEntry
	for rows.Next() {
		entry := &v1.RunLogEntry{}
		err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.Cycle, &entry.Phase, &entry.Action, &entry.TaskID, &entry.Details, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Role, &task.Message,
		&task.Model, &task.SessionLabel, &task.Branch, &task.Priority, &task.State,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*v1.Task, error) {
	var result []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
