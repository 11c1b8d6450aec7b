package api

import "time"

// CreateTaskRequest enqueues a unit of agent work
type CreateTaskRequest struct {
	ProjectID    string  `json:"project_id" binding:"required"`
	Title        string  `json:"title" binding:"required"`
	Role         string  `json:"role" binding:"required"`
	Message      string  `json:"message" binding:"required"`
	Model        *string `json:"model,omitempty"`
	SessionLabel *string `json:"session_label,omitempty"`
	Branch       string  `json:"branch,omitempty"`
	Priority     int     `json:"priority"`
}

// HealthResponse reports orchestrator and gateway health
type HealthResponse struct {
	Status  string `json:"status"`
	Gateway string `json:"gateway"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*TaskSummary `json:"tasks"`
	Total int            `json:"total"`
}

// TaskSummary is the API view of a ledger task
type TaskSummary struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Role      string    `json:"role"`
	Branch    string    `json:"branch,omitempty"`
	Priority  int       `json:"priority"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
