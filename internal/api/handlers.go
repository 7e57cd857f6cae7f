package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/taskstore"
)

// Handler holds API route handlers.
type Handler struct {
	session *taskstore.Session
	mnems   *mnemonic.Store
	broker  *sse.Broker
}

// NewHandler creates a new Handler. broker may be nil when SSE is disabled.
func NewHandler(session *taskstore.Session, mnems *mnemonic.Store, broker *sse.Broker) *Handler {
	return &Handler{session: session, mnems: mnems, broker: broker}
}

func (h *Handler) taskEvent(kind, id string) {
	if h.broker != nil {
		h.broker.PublishTaskEvent(kind, id)
	}
}

// writeTaskErr maps store errors to HTTP responses.
func writeTaskErr(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrNoMnemonic):
		writeJSON(w, http.StatusConflict, errorBody("no mnemonic configured"))
	case errors.Is(err, apperr.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("session closed"))
	default:
		slog.Error(action+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListTasks handles GET /api/tasks.
//
//	@Summary		List tasks with optional status and label filtering
//	@Tags			tasks
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"	Enums(todo, completed)
//	@Param			label	query		string	false	"Filter by label"
//	@Success		200		{object}	TaskListResponse
//	@Security		BearerAuth
//	@Router			/tasks [get]
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.TaskStatus(q.Get("status"))
	label := q.Get("label")

	all := h.session.Snapshot()
	tasks := make([]models.Task, 0, len(all))
	for _, t := range all {
		if q.Get("status") != "" && t.Status != status {
			continue
		}
		if label != "" && !hasLabel(t, label) {
			continue
		}
		tasks = append(tasks, t)
	}
	writeJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

func hasLabel(t models.Task, label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// GetTask handles GET /api/tasks/{id}.
//
//	@Summary		Get a single task by id
//	@Tags			tasks
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	Task
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id} [get]
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, t := range h.session.Snapshot() {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorBody("not found"))
}

// CreateTask handles POST /api/tasks.
//
//	@Summary		Create a new task
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateTaskRequest	true	"Task to create"
//	@Success		201		{object}	Task
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks [post]
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	if !req.Recurrence.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid recurrence"))
		return
	}

	t := models.Task{
		Title:       req.Title,
		Description: req.Description,
		Notes:       req.Notes,
		Status:      models.StatusTodo,
		Labels:      req.Labels,
		Recurrence:  req.Recurrence,
	}
	if req.DueDate != "" {
		due, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid due_date"))
			return
		}
		t.DueDate = &due
	}

	created, err := h.session.AddTask(t)
	if err != nil {
		writeTaskErr(w, err, "create task")
		return
	}
	h.taskEvent("created", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// UpdateTask handles PATCH /api/tasks/{id}.
//
//	@Summary		Partially update a task
//	@Tags			tasks
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Task id"
//	@Param			body	body		models.TaskUpdate	true	"Fields to change"
//	@Success		200		{object}	Task
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id} [patch]
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	id := chi.URLParam(r, "id")

	var upd models.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if upd.Status != nil && !upd.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid status"))
		return
	}
	if upd.Recurrence != nil && !upd.Recurrence.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid recurrence"))
		return
	}

	updated, err := h.session.UpdateTask(id, upd)
	if err != nil {
		writeTaskErr(w, err, "update task")
		return
	}
	h.taskEvent("updated", updated.ID)
	writeJSON(w, http.StatusOK, updated)
}

// CompleteTask handles POST /api/tasks/{id}/complete.
//
//	@Summary		Complete a task, spawning the next occurrence for recurring tasks
//	@Tags			tasks
//	@Produce		json
//	@Param			id	path		string	true	"Task id"
//	@Success		200	{object}	Task
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id}/complete [post]
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	completed, err := h.session.CompleteTask(id)
	if err != nil {
		writeTaskErr(w, err, "complete task")
		return
	}
	h.taskEvent("completed", completed.ID)
	writeJSON(w, http.StatusOK, completed)
}

// DeleteTask handles DELETE /api/tasks/{id}.
//
//	@Summary		Delete a task
//	@Tags			tasks
//	@Param			id	path	string	true	"Task id"
//	@Success		204	"Task deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tasks/{id} [delete]
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.session.DeleteTask(id); err != nil {
		writeTaskErr(w, err, "delete task")
		return
	}
	h.taskEvent("deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// SyncStatus handles GET /api/sync/status.
//
//	@Summary		Get the current sync connection state
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncStatusResponse
//	@Security		BearerAuth
//	@Router			/sync/status [get]
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

// GetMnemonic handles GET /api/mnemonic.
//
//	@Summary		Get the current mnemonic phrase and derived room
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	MnemonicResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mnemonic [get]
func (h *Handler) GetMnemonic(w http.ResponseWriter, r *http.Request) {
	phrase := h.mnems.Phrase()
	if phrase == "" {
		writeJSON(w, http.StatusNotFound, errorBody("no mnemonic configured"))
		return
	}
	writeJSON(w, http.StatusOK, MnemonicResponse{
		Phrase: phrase,
		RoomID: mnemonic.DeriveRoomID(phrase),
	})
}

// SetMnemonic handles PUT /api/mnemonic.
//
//	@Summary		Adopt a new mnemonic phrase, rotating key and room
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SetMnemonicRequest	true	"New phrase"
//	@Success		200		{object}	MnemonicResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mnemonic [put]
func (h *Handler) SetMnemonic(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req SetMnemonicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.session.SetMnemonic(r.Context(), req.Phrase); err != nil {
		if errors.Is(err, apperr.ErrInvalidMnemonic) {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid mnemonic"))
			return
		}
		writeTaskErr(w, err, "set mnemonic")
		return
	}
	writeJSON(w, http.StatusOK, MnemonicResponse{
		Phrase: req.Phrase,
		RoomID: mnemonic.DeriveRoomID(req.Phrase),
	})
}

// Export handles GET /api/export.
//
//	@Summary		Export all tasks as decrypted JSON
//	@Tags			backup
//	@Produce		json
//	@Success		200	{object}	ExportResponse
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ExportResponse{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Tasks:      h.session.Snapshot(),
	})
}

// Reset handles POST /api/sync/reset.
//
//	@Summary		Purge local replica state and resync from the room
//	@Tags			sync
//	@Success		204	"Local state purged"
//	@Security		BearerAuth
//	@Router			/sync/reset [post]
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reset(r.Context()); err != nil {
		writeTaskErr(w, err, "reset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
