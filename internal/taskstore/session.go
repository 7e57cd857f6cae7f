// Package taskstore is the component-facing facade over the encrypted CRDT
// task collection. A Session owns one document, its durable replica, and
// (optionally) one relay connection; it decrypts the document into domain
// tasks and republishes the projection on every change.
//
// The decrypted projection is derived, disposable state: the CRDT document
// is the single source of truth, and the projection is recomputed wholesale
// after every observed change. No incremental diffing — a deliberate
// simplicity trade-off at task-list scale.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/codec"
	"github.com/starford/laguz/internal/crdt"
	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/replica"
	"github.com/starford/laguz/internal/transport"
)

// SyncStatus is the ephemeral connection state. It is rebuilt from transport
// events and never persisted.
type SyncStatus struct {
	Connected bool   `json:"connected"`
	Syncing   bool   `json:"syncing"`
	RoomID    string `json:"room_id"`
	Peers     int    `json:"peers"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is what subscribers receive: the decrypted projection plus the
// current sync state.
type Snapshot struct {
	Tasks  []models.Task
	Status SyncStatus
}

// Options configures a Session.
type Options struct {
	// ReplicaDSN is the SQLite path backing the durable replica.
	ReplicaDSN string
	// DocName keys the document inside the replica database.
	DocName string
	// Mnemonics supplies the root secret. May start empty; CRUD then fails
	// with apperr.ErrNoMnemonic until a phrase is set.
	Mnemonics *mnemonic.Store
	// ServerURL is the relay endpoint. Empty disables networking.
	ServerURL string
	// Namespace is the path prefix shared with the relay.
	Namespace string
	Logger    *slog.Logger
}

// Session is an explicitly owned sync session. Construct with New, start
// with Init, stop with Destroy. Unlike a module-level singleton, independent
// sessions can coexist (each device in a test is simply its own Session).
type Session struct {
	opts   Options
	logger *slog.Logger
	mnems  *mnemonic.Store

	// mu serializes lifecycle transitions and local mutations (the
	// read-modify-write in UpdateTask/CompleteTask must not overlap
	// locally; cross-device overlap stays last-writer-wins at the
	// document level).
	mu           sync.Mutex
	rep          *replica.Replica
	provider     *transport.Provider
	detachChange func()
	initialized  bool

	// doc, cipher, and destroyed are read by publish, which runs inside
	// document observer callbacks while mu may be held; they are atomic so
	// publish never touches mu.
	doc       atomic.Pointer[crdt.Doc]
	cipher    atomic.Pointer[mnemonic.Cipher]
	destroyed atomic.Bool

	statusMu sync.Mutex
	status   SyncStatus

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Snapshot
}

// New constructs a stopped session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DocName == "" {
		opts.DocName = "tasks"
	}
	if opts.Namespace == "" {
		opts.Namespace = "taskmanager"
	}
	s := &Session{
		opts:   opts,
		logger: logger,
		mnems:  opts.Mnemonics,
		subs:   make(map[int]chan Snapshot),
	}
	s.doc.Store(crdt.NewDoc())
	return s
}

// Init opens the durable replica, attaches the document observer, and
// connects the transport when a mnemonic is set. A transport failure is
// recorded in the sync status but never blocks local use: the session is
// fully readable and writable offline.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return apperr.ErrClosed
	}
	if s.initialized {
		return nil
	}

	doc := s.doc.Load()

	rep, err := replica.Open(s.opts.ReplicaDSN, s.opts.DocName, s.logger)
	if err != nil {
		return err
	}
	s.rep = rep

	if err := rep.Bind(doc, func() {
		s.logger.Debug("taskstore: replica loaded", slog.String("doc", s.opts.DocName))
	}); err != nil {
		rep.Close()
		s.rep = nil
		return err
	}

	s.detachChange = doc.OnChange(func() {
		s.publish()
	})

	s.refreshCipherLocked()
	s.connectLocked(ctx)

	s.initialized = true
	s.publish()
	return nil
}

// refreshCipherLocked rederives the cipher from the current phrase. With no
// phrase set the cipher stays nil and the projection is empty.
func (s *Session) refreshCipherLocked() {
	phrase := s.phrase()
	if phrase == "" {
		s.cipher.Store(nil)
		return
	}
	c, err := mnemonic.CipherFor(phrase)
	if err != nil {
		s.logger.Error("taskstore: derive cipher", slog.String("error", err.Error()))
		s.cipher.Store(nil)
		return
	}
	s.cipher.Store(c)
}

func (s *Session) phrase() string {
	if s.mnems == nil {
		return ""
	}
	return s.mnems.Phrase()
}

// connectLocked establishes the relay connection for the current room, if
// networking is configured and a phrase exists.
func (s *Session) connectLocked(ctx context.Context) {
	if s.opts.ServerURL == "" {
		return
	}
	phrase := s.phrase()
	if phrase == "" {
		return
	}
	roomID := mnemonic.DeriveRoomID(phrase)

	s.setStatus(func(st *SyncStatus) {
		st.RoomID = roomID
	})

	p := transport.New(s.doc.Load(), transport.Options{
		ServerURL: s.opts.ServerURL,
		Namespace: s.opts.Namespace,
		RoomID:    roomID,
		Logger:    s.logger,
		OnStatus: func(status transport.Status, err error) {
			s.setStatus(func(st *SyncStatus) {
				st.Connected = status == transport.StatusConnected
				st.Syncing = status == transport.StatusConnecting
				if status == transport.StatusDisconnected {
					st.Peers = 0
				}
				if err != nil {
					st.Error = err.Error()
				} else if status == transport.StatusConnected {
					st.Error = ""
				}
			})
			s.publish()
		},
		OnPeers: func(n int) {
			s.setStatus(func(st *SyncStatus) { st.Peers = n })
			s.publish()
		},
	})
	s.provider = p

	if err := p.Connect(ctx); err != nil {
		// Status already carries the error; local-first use continues.
		s.logger.Warn("taskstore: relay connect failed",
			slog.String("room", roomID),
			slog.String("error", err.Error()))
	}
}

// disconnectLocked fully tears down the current connection, awareness
// included, before any new room can be joined.
func (s *Session) disconnectLocked() {
	if s.provider != nil {
		s.provider.Disconnect()
		s.provider = nil
	}
}

// Snapshot returns the current decrypted projection. Records that fail
// decryption surface as locked placeholders; with no mnemonic set the
// projection is empty.
func (s *Session) Snapshot() []models.Task {
	return s.project(s.cipher.Load())
}

func (s *Session) project(cipher *mnemonic.Cipher) []models.Task {
	if cipher == nil {
		return []models.Task{}
	}
	raws := s.doc.Load().Slice()
	tasks := make([]models.Task, 0, len(raws))
	for _, raw := range raws {
		var rec codec.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("taskstore: malformed record skipped", slog.String("error", err.Error()))
			continue
		}
		t, err := codec.Decrypt(cipher, rec)
		if err != nil {
			if errors.Is(err, apperr.ErrDecrypt) {
				tasks = append(tasks, codec.Locked(rec))
				continue
			}
			s.logger.Warn("taskstore: undecodable record skipped",
				slog.String("id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Status returns the current sync state.
func (s *Session) Status() SyncStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Session) setStatus(mut func(*SyncStatus)) {
	s.statusMu.Lock()
	mut(&s.status)
	s.statusMu.Unlock()
}

// Subscribe registers a snapshot consumer and returns its channel plus a
// cancel function. Delivery is lossy under backpressure: a slow subscriber
// misses intermediate snapshots, never current ones.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// publish recomputes the projection and fans it out. Runs inside document
// observer callbacks; must not take mu.
func (s *Session) publish() {
	if s.destroyed.Load() {
		return
	}

	snap := Snapshot{Tasks: s.Snapshot(), Status: s.Status()}

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop one stale snapshot and retry so the subscriber always
			// converges on the latest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.subMu.Unlock()
}

// AddTask assigns identity and audit fields, encrypts the sensitive fields,
// and appends the record. The returned task is the cleartext value as
// stored; persistence and propagation happen asynchronously.
func (s *Session) AddTask(t models.Task) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return models.Task{}, apperr.ErrClosed
	}
	cipher := s.cipher.Load()
	if cipher == nil {
		return models.Task{}, apperr.ErrNoMnemonic
	}
	doc := s.doc.Load()

	now := time.Now()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Order = doc.Len()
	if !t.Status.Valid() {
		t.Status = models.StatusTodo
	}
	if t.Labels == nil {
		t.Labels = []string{}
	}
	if t.Status == models.StatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	raw, err := encodeTask(cipher, t)
	if err != nil {
		return models.Task{}, err
	}
	if err := doc.Push(raw); err != nil {
		return models.Task{}, err
	}
	return t.Clone(), nil
}

// UpdateTask merges a partial update over the stored task. The record is
// replaced whole (delete + insert at the same index): the document only
// guarantees convergence on whole-element replacement, not sub-field
// patches of opaque blobs. Two overlapping updates of the same id resolve
// last-writer-wins at the document level; this is a documented property,
// not a defect.
func (s *Session) UpdateTask(id string, upd models.TaskUpdate) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return models.Task{}, apperr.ErrClosed
	}
	cipher := s.cipher.Load()
	if cipher == nil {
		return models.Task{}, apperr.ErrNoMnemonic
	}

	idx, t, err := s.findTask(cipher, id)
	if err != nil {
		return models.Task{}, err
	}

	wasCompleted := t.Status == models.StatusCompleted
	applyUpdate(&t, upd)
	now := time.Now()
	t.UpdatedAt = now
	if t.Status == models.StatusCompleted && !wasCompleted {
		t.CompletedAt = &now
	}
	if t.Status == models.StatusTodo {
		t.CompletedAt = nil
	}

	if err := s.replaceTask(cipher, idx, t); err != nil {
		return models.Task{}, err
	}
	return t.Clone(), nil
}

// CompleteTask marks a task completed. When the task recurs and has a due
// date, exactly one successor is appended: a fresh todo with the advanced
// due date and the recurrence preserved. The completed record itself
// survives — recurrence never resurrects it. A recurring task without a due
// date completes like a plain task (no successor).
func (s *Session) CompleteTask(id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return models.Task{}, apperr.ErrClosed
	}
	cipher := s.cipher.Load()
	if cipher == nil {
		return models.Task{}, apperr.ErrNoMnemonic
	}

	idx, t, err := s.findTask(cipher, id)
	if err != nil {
		return models.Task{}, err
	}

	now := time.Now()
	alreadyCompleted := t.Status == models.StatusCompleted
	t.Status = models.StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now

	if err := s.replaceTask(cipher, idx, t); err != nil {
		return models.Task{}, err
	}

	if !alreadyCompleted {
		if next := t.NextDueDate(); next != nil {
			succ := t.Clone()
			succ.ID = uuid.NewString()
			succ.Status = models.StatusTodo
			succ.DueDate = next
			succ.CompletedAt = nil
			succ.CreatedAt = now
			succ.UpdatedAt = now
			raw, encErr := encodeTask(cipher, succ)
			if encErr != nil {
				return models.Task{}, fmt.Errorf("taskstore: encode recurrence: %w", encErr)
			}
			if pushErr := s.doc.Load().Push(raw); pushErr != nil {
				return models.Task{}, fmt.Errorf("taskstore: append recurrence: %w", pushErr)
			}
		}
	}
	return t.Clone(), nil
}

// DeleteTask removes the record with the given id. A missing id is reported
// as apperr.ErrNotFound, never treated as fatal.
func (s *Session) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return apperr.ErrClosed
	}

	idx := s.findIndex(id)
	if idx < 0 {
		return fmt.Errorf("taskstore: delete %s: %w", id, apperr.ErrNotFound)
	}
	return s.doc.Load().Delete(idx)
}

// SetMnemonic adopts a new phrase: persists it, then rotates room and key
// atomically (both are derived from the phrase). Data encrypted under the
// old phrase shows as locked from here on.
func (s *Session) SetMnemonic(ctx context.Context, phrase string) error {
	if s.mnems == nil {
		return apperr.ErrNoMnemonic
	}
	if err := s.mnems.Set(phrase); err != nil {
		return err
	}
	return s.Rotate(ctx)
}

// Rotate re-reads the phrase and rebuilds key, room, and connection. The
// old connection is torn down completely before the new room is joined, so
// there is no window where both rooms see this replica.
func (s *Session) Rotate(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		return apperr.ErrClosed
	}
	s.disconnectLocked()
	s.refreshCipherLocked()
	s.setStatus(func(st *SyncStatus) { *st = SyncStatus{} })
	if s.initialized {
		s.connectLocked(ctx)
	}
	s.mu.Unlock()

	s.publish()
	return nil
}

// SetServerURL reconfigures the relay endpoint and reconnects. An empty URL
// takes the session offline.
func (s *Session) SetServerURL(ctx context.Context, serverURL string) error {
	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		return apperr.ErrClosed
	}
	s.opts.ServerURL = serverURL
	s.disconnectLocked()
	s.setStatus(func(st *SyncStatus) { *st = SyncStatus{} })
	if s.initialized {
		s.connectLocked(ctx)
	}
	s.mu.Unlock()

	s.publish()
	return nil
}

// Reset purges all local state (durable replica included) and starts an
// empty document. The mnemonic is untouched; on reconnect the room's
// history repopulates the document.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		return apperr.ErrClosed
	}

	s.disconnectLocked()
	if s.detachChange != nil {
		s.detachChange()
		s.detachChange = nil
	}
	s.doc.Load().DetachObservers()

	if s.rep != nil {
		if err := s.rep.Destroy(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	doc := crdt.NewDoc()
	s.doc.Store(doc)
	if s.rep != nil {
		if err := s.rep.Bind(doc, nil); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.detachChange = doc.OnChange(func() { s.publish() })
	s.connectLocked(ctx)
	s.mu.Unlock()

	s.publish()
	return nil
}

// Destroy disconnects the transport, detaches all observers, and releases
// the replica. Idempotent: a second call is a no-op, and no subscriber or
// observer callback fires after it returns.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed.Swap(true) {
		s.mu.Unlock()
		return
	}
	s.disconnectLocked()
	if s.detachChange != nil {
		s.detachChange()
		s.detachChange = nil
	}
	s.doc.Load().DetachObservers()
	rep := s.rep
	s.rep = nil
	s.mu.Unlock()

	if rep != nil {
		if err := rep.Close(); err != nil {
			s.logger.Warn("taskstore: close replica", slog.String("error", err.Error()))
		}
	}

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
}

// replaceTask swaps the record at visible index idx.
func (s *Session) replaceTask(cipher *mnemonic.Cipher, idx int, t models.Task) error {
	raw, err := encodeTask(cipher, t)
	if err != nil {
		return err
	}
	doc := s.doc.Load()
	if err := doc.Delete(idx); err != nil {
		return err
	}
	return doc.Insert(idx, raw)
}

func encodeTask(cipher *mnemonic.Cipher, t models.Task) (json.RawMessage, error) {
	rec, err := codec.Encrypt(cipher, t)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("taskstore: marshal record: %w", err)
	}
	return raw, nil
}

// findIndex locates a record by id with a linear scan over the cleartext
// envelopes. Fine at the hundreds-to-low-thousands scale this store serves.
func (s *Session) findIndex(id string) int {
	for i, raw := range s.doc.Load().Slice() {
		var rec codec.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ID == id {
			return i
		}
	}
	return -1
}

// findTask locates and decrypts a record by id.
func (s *Session) findTask(cipher *mnemonic.Cipher, id string) (int, models.Task, error) {
	for i, raw := range s.doc.Load().Slice() {
		var rec codec.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ID != id {
			continue
		}
		t, err := codec.Decrypt(cipher, rec)
		if err != nil {
			return -1, models.Task{}, err
		}
		return i, t, nil
	}
	return -1, models.Task{}, fmt.Errorf("taskstore: task %s: %w", id, apperr.ErrNotFound)
}

func applyUpdate(t *models.Task, upd models.TaskUpdate) {
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Notes != nil {
		t.Notes = *upd.Notes
	}
	if upd.Status != nil && upd.Status.Valid() {
		t.Status = *upd.Status
	}
	if upd.Labels != nil {
		t.Labels = append([]string(nil), (*upd.Labels)...)
	}
	if upd.DueDate != nil {
		d := *upd.DueDate
		t.DueDate = &d
	}
	if upd.Order != nil {
		t.Order = *upd.Order
	}
	if upd.Recurrence != nil && upd.Recurrence.Valid() {
		t.Recurrence = *upd.Recurrence
	}
}
