// Package replica persists a CRDT document's update log in SQLite so the
// document survives process restart. Each update frame is appended as an
// opaque blob; on open the log is replayed into the document, which is
// idempotent by construction.
package replica

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/laguz/internal/crdt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS updates (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	doc  TEXT NOT NULL,
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_updates_doc ON updates(doc);
`

// Replica is a durable store for one named document.
type Replica struct {
	conn   *sql.DB
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	// dirty means at least one frame failed to persist. The next write
	// trigger rewrites the full document state instead of appending, which
	// closes the hole the lost frame left in the log.
	dirty bool
}

// Open opens (or creates) the database at dsn and prepares the update log
// for the document called name. Idempotent: reopening an existing replica
// is how state is recovered after restart.
func Open(dsn, name string, logger *slog.Logger) (*Replica, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("replica: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replica: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replica: apply schema: %w", err)
	}
	return &Replica{conn: conn, name: name, logger: logger}, nil
}

// Bind replays the persisted log into doc, compacts it when it has grown
// past a single frame, then subscribes to the document so every future
// update (local or remote) is persisted. The onLoaded callback fires once
// the replay completes; before that the in-memory document may be
// incomplete.
func (r *Replica) Bind(doc *crdt.Doc, onLoaded func()) error {
	frames, err := r.load(doc)
	if err != nil {
		return err
	}
	if frames > 1 {
		if err := r.Compact(doc); err != nil {
			// The uncompacted log is still correct; try again next open.
			r.logger.Warn("replica: compact on open failed",
				slog.String("doc", r.name), slog.String("error", err.Error()))
		}
	}
	doc.OnUpdate(func(update []byte, _ bool) {
		r.persist(doc, update)
	})
	if onLoaded != nil {
		onLoaded()
	}
	return nil
}

func (r *Replica) load(doc *crdt.Doc) (int, error) {
	rows, err := r.conn.Query(`SELECT data FROM updates WHERE doc = ? ORDER BY seq`, r.name)
	if err != nil {
		return 0, fmt.Errorf("replica: load: %w", err)
	}
	defer rows.Close()

	frames := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return frames, fmt.Errorf("replica: scan: %w", err)
		}
		frames++
		if err := doc.ApplyUpdate(data); err != nil {
			// A corrupt frame is skipped, not fatal; the rest of the log
			// still loads.
			r.logger.Warn("replica: corrupt frame skipped",
				slog.String("doc", r.name), slog.String("error", err.Error()))
			continue
		}
	}
	return frames, rows.Err()
}

// persist writes one observed update. A failed append marks the replica
// dirty and is logged; the next trigger then rewrites the full document
// state, which contains both the new update and whatever was lost.
func (r *Replica) persist(doc *crdt.Doc, update []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	dirty := r.dirty
	r.mu.Unlock()

	if dirty {
		if err := r.Compact(doc); err != nil {
			r.logger.Error("replica: rewrite after lost frame failed",
				slog.String("doc", r.name), slog.String("error", err.Error()))
			return
		}
		r.mu.Lock()
		r.dirty = false
		r.mu.Unlock()
		r.logger.Info("replica: log healed with full state", slog.String("doc", r.name))
		return
	}

	if err := r.Append(update); err != nil {
		r.logger.Error("replica: append update failed",
			slog.String("doc", r.name), slog.String("error", err.Error()))
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}

// Append persists one update frame. Each insert is a single implicit
// transaction, so a crash never leaves a torn frame.
func (r *Replica) Append(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if _, err := r.conn.Exec(`INSERT INTO updates (doc, data) VALUES (?, ?)`, r.name, update); err != nil {
		return fmt.Errorf("replica: append: %w", err)
	}
	return nil
}

// Compact replaces the accumulated log with a single full-state frame.
func (r *Replica) Compact(doc *crdt.Doc) error {
	state, err := doc.State()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return fmt.Errorf("replica: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.Exec(`DELETE FROM updates WHERE doc = ?`, r.name); err != nil {
		return fmt.Errorf("replica: compact delete: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO updates (doc, data) VALUES (?, ?)`, r.name, state); err != nil {
		return fmt.Errorf("replica: compact insert: %w", err)
	}
	return tx.Commit()
}

// Destroy purges all persisted state for this document. Used for reset and
// test scenarios.
func (r *Replica) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if _, err := r.conn.Exec(`DELETE FROM updates WHERE doc = ?`, r.name); err != nil {
		return fmt.Errorf("replica: destroy: %w", err)
	}
	return nil
}

// Close closes the underlying database. Safe to call more than once.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}
