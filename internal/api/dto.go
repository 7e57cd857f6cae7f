package api

import (
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/taskstore"
)

// CreateTaskRequest is the request body for creating a task.
type CreateTaskRequest struct {
	Title       string            `json:"title" example:"Water the plants" validate:"required"`
	Description string            `json:"description,omitempty" example:"Kitchen and balcony"`
	Notes       string            `json:"notes,omitempty"`
	Labels      []string          `json:"labels,omitempty" example:"home,weekly"`
	DueDate     string            `json:"due_date,omitempty" example:"2026-09-01T00:00:00Z"`
	Recurrence  models.Recurrence `json:"recurrence,omitempty" example:"weekly"`
}

// Task is the task response type (aliased from the domain layer).
type Task = models.Task

// TaskListResponse wraps task listings.
type TaskListResponse struct {
	Tasks []Task `json:"tasks" validate:"required"`
	Total int    `json:"total" example:"12" validate:"required"`
}

// SyncStatusResponse is the sync state (aliased from the store layer).
type SyncStatusResponse = taskstore.SyncStatus

// MnemonicResponse carries the current phrase and the room it derives.
type MnemonicResponse struct {
	Phrase string `json:"phrase" example:"cloud dance diamond dinner zero" validate:"required"`
	RoomID string `json:"room_id" example:"3f2a9c1d8e7b6a05" validate:"required"`
}

// SetMnemonicRequest is the request body for adopting a new phrase.
type SetMnemonicRequest struct {
	Phrase string `json:"phrase" example:"cloud dance diamond dinner zero" validate:"required"`
}

// ExportResponse is the decrypted backup payload.
type ExportResponse struct {
	ExportedAt string `json:"exported_at" example:"2026-08-28T12:00:00Z" validate:"required"`
	Tasks      []Task `json:"tasks" validate:"required"`
}
