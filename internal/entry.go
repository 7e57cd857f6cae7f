// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/api"
	"github.com/starford/laguz/internal/mcpserver"
	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/relay"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/taskstore"
)

// Run starts the sync client application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Data.Dir),
		slog.String("sync_server", cfg.Sync.ServerURL),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure data directory exists.
	if err := os.MkdirAll(cfg.Data.Dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Mnemonic store: generate a phrase on first run.
	mnems, err := mnemonic.OpenStore(cfg.Data.MnemonicPath(), mnemonic.DefaultWords, true)
	if err != nil {
		return fmt.Errorf("init mnemonic store: %w", err)
	}

	// Sync session.
	session := taskstore.New(taskstore.Options{
		ReplicaDSN: cfg.Data.ReplicaPath(),
		Mnemonics:  mnems,
		ServerURL:  cfg.Sync.ServerURL,
		Namespace:  cfg.Sync.Namespace,
		Logger:     logger,
	})
	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Destroy()

	// SSE broker.
	broker := sse.NewBroker(time.Second)
	defer broker.Close()

	// Build API router.
	apiRouter := api.NewRouter(session, mnems, broker, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Forward session snapshots to SSE clients. The session already
	// coalesces bursts, so every delivery is worth broadcasting.
	snapshots, cancelSub := session.Subscribe()
	defer cancelSub()
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case snap, ok := <-snapshots:
				if !ok {
					return nil
				}
				broker.Publish(sse.Event{Type: "tasks.changed", Data: map[string]int{"count": len(snap.Tasks)}})
				broker.Publish(sse.Event{Type: "sync.status", Data: snap.Status})
			}
		}
	})

	// Watch the mnemonic file so external edits rotate key and room live.
	g.Go(func() error {
		watchMnemonic(gCtx, mnems, session, logger)
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// watchMnemonic reloads the phrase when its file changes on disk and
// rotates the session to the new key and room. Editors replace files by
// rename, so the watch covers the parent directory, not the file itself.
func watchMnemonic(ctx context.Context, mnems *mnemonic.Store, session *taskstore.Session, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("mnemonic watch unavailable", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(mnems.Path())
	if err := watcher.Add(dir); err != nil {
		logger.Warn("mnemonic watch failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	// Debounce: editors fire several events per save.
	var timer *time.Timer
	reload := func() {
		changed, err := mnems.Reload()
		if err != nil {
			logger.Warn("mnemonic reload failed", slog.String("error", err.Error()))
			return
		}
		if !changed {
			return
		}
		logger.Info("mnemonic changed on disk, rotating session")
		if err := session.Rotate(ctx); err != nil {
			logger.Error("session rotate failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != mnems.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("mnemonic watch error", slog.String("error", err.Error()))
		}
	}
}

// RunRelay starts the rendezvous relay server.
func RunRelay(ctx context.Context, cfg *Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	hub := relay.NewHub(cfg.Sync.Namespace, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/", hub.Routes())

	httpServer := &http.Server{
		Addr:    cfg.Relay.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting relay server", slog.String("address", cfg.Relay.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("relay shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// RunMCP starts the MCP stdio server against the local session. Logs go to
// stderr: stdout belongs to the MCP transport.
func RunMCP(ctx context.Context, cfg *Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	mnems, err := mnemonic.OpenStore(cfg.Data.MnemonicPath(), mnemonic.DefaultWords, true)
	if err != nil {
		return fmt.Errorf("init mnemonic store: %w", err)
	}

	session := taskstore.New(taskstore.Options{
		ReplicaDSN: cfg.Data.ReplicaPath(),
		Mnemonics:  mnems,
		ServerURL:  cfg.Sync.ServerURL,
		Namespace:  cfg.Sync.Namespace,
		Logger:     logger,
	})
	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Destroy()

	return mcpserver.New(session).ServeStdio()
}
