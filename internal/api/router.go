package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/taskstore"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, serves GET /events inside the auth group.
func NewRouter(session *taskstore.Session, mnems *mnemonic.Store, broker *sse.Broker, authEnabled bool, token string) chi.Router {
	h := NewHandler(session, mnems, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Tasks CRUD.
	r.Get("/tasks", h.ListTasks)
	r.Post("/tasks", h.CreateTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Patch("/tasks/{id}", h.UpdateTask)
	r.Post("/tasks/{id}/complete", h.CompleteTask)
	r.Delete("/tasks/{id}", h.DeleteTask)

	// Sync.
	r.Get("/sync/status", h.SyncStatus)
	r.Post("/sync/reset", h.Reset)

	// Mnemonic.
	r.Get("/mnemonic", h.GetMnemonic)
	r.Put("/mnemonic", h.SetMnemonic)

	// Backup.
	r.Get("/export", h.Export)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
