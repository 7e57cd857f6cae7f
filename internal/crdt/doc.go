// Package crdt implements a replicated ordered list (an RGA variant) for
// opaque JSON records. Replicas apply each other's operations in any order
// and converge: concurrent inserts at the same position both survive in a
// deterministic tie-broken order, deletes tombstone their target and are
// idempotent, and duplicate delivery of any op is a no-op.
package crdt

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// UpdateFunc observes encoded update frames leaving or entering the
// document. local is true for frames produced by this replica's own
// mutations.
type UpdateFunc func(update []byte, local bool)

// ChangeFunc observes document changes after they are applied, local or
// remote, one call per applied update.
type ChangeFunc func()

type element struct {
	id      ID
	origin  ID
	value   json.RawMessage
	deleted bool
}

// Doc is one replica's copy of the list. Safe for concurrent use; observer
// callbacks run outside the internal lock, so they may call back into the
// document.
type Doc struct {
	mu      sync.Mutex
	replica string
	clock   uint64
	elems   []element
	applied map[ID]struct{}
	pending []Op

	nextSub    int
	updateSubs map[int]UpdateFunc
	changeSubs map[int]ChangeFunc
}

// NewDoc creates an empty replica with a fresh identity.
func NewDoc() *Doc {
	return NewDocWithReplica(uuid.NewString()[:8])
}

// NewDocWithReplica creates an empty replica with a caller-chosen identity.
// Identities must be unique per device for sibling ordering to stay total.
func NewDocWithReplica(replica string) *Doc {
	return &Doc{
		replica:    replica,
		applied:    make(map[ID]struct{}),
		updateSubs: make(map[int]UpdateFunc),
		changeSubs: make(map[int]ChangeFunc),
	}
}

// Replica returns this document's replica identity.
func (d *Doc) Replica() string { return d.replica }

// OnUpdate registers an observer for encoded update frames and returns its
// detach function. Detaching is idempotent.
func (d *Doc) OnUpdate(fn UpdateFunc) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.updateSubs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.updateSubs, id)
		d.mu.Unlock()
	}
}

// OnChange registers an observer for applied changes and returns its detach
// function.
func (d *Doc) OnChange(fn ChangeFunc) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.changeSubs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.changeSubs, id)
		d.mu.Unlock()
	}
}

// DetachObservers drops all observers. No callback fires after it returns.
func (d *Doc) DetachObservers() {
	d.mu.Lock()
	d.updateSubs = make(map[int]UpdateFunc)
	d.changeSubs = make(map[int]ChangeFunc)
	d.mu.Unlock()
}

// Len returns the number of visible (non-tombstoned) elements.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Value returns a copy of the visible element at index i, or false when i is
// out of range.
func (d *Doc) Value(i int) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pos := d.visibleToRaw(i)
	if pos < 0 {
		return nil, false
	}
	return append(json.RawMessage(nil), d.elems[pos].value...), true
}

// Slice returns copies of all visible values in document order.
func (d *Doc) Slice() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]json.RawMessage, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			out = append(out, append(json.RawMessage(nil), e.value...))
		}
	}
	return out
}

// Push appends value after the last element.
func (d *Doc) Push(value json.RawMessage) error {
	d.mu.Lock()
	var origin ID
	if len(d.elems) > 0 {
		origin = d.elems[len(d.elems)-1].id
	}
	op := d.localInsertLocked(origin, value)
	return d.emitLocked([]Op{op})
}

// Insert places value at visible index i (clamped to [0, Len]).
func (d *Doc) Insert(i int, value json.RawMessage) error {
	d.mu.Lock()
	origin := d.originForVisibleLocked(i)
	op := d.localInsertLocked(origin, value)
	return d.emitLocked([]Op{op})
}

// Delete tombstones the visible element at index i. Out-of-range deletes
// are no-ops.
func (d *Doc) Delete(i int) error {
	d.mu.Lock()
	pos := d.visibleToRaw(i)
	if pos < 0 {
		d.mu.Unlock()
		return nil
	}
	target := d.elems[pos].id
	d.elems[pos].deleted = true
	op := Op{Type: OpDelete, ID: target}
	return d.emitLocked([]Op{op})
}

// ApplyUpdate integrates a remote update frame. Ops already applied are
// skipped; ops whose dependencies have not arrived yet are buffered and
// retried after every later apply.
func (d *Doc) ApplyUpdate(data []byte) error {
	ops, err := DecodeUpdate(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	progressed := false
	for _, op := range ops {
		if d.applyLocked(op) {
			progressed = true
		}
	}
	if progressed {
		d.drainPendingLocked()
	}
	updateSubs := d.updateSubsLocked()
	changeSubs := d.changeSubsLocked()
	d.mu.Unlock()

	if !progressed {
		return nil
	}
	for _, fn := range updateSubs {
		fn(data, false)
	}
	for _, fn := range changeSubs {
		fn()
	}
	return nil
}

// State encodes the whole document, tombstones included, as one update
// frame. Applying it to any replica is idempotent, which is what lets the
// relay replay history to late joiners.
func (d *Doc) State() ([]byte, error) {
	d.mu.Lock()
	ops := make([]Op, 0, len(d.elems)*2)
	// Inserts in document order: an element's origin always precedes it,
	// so the receiver never buffers.
	for _, e := range d.elems {
		ops = append(ops, Op{Type: OpInsert, ID: e.id, Origin: e.origin, Value: e.value})
	}
	for _, e := range d.elems {
		if e.deleted {
			ops = append(ops, Op{Type: OpDelete, ID: e.id})
		}
	}
	d.mu.Unlock()
	return EncodeUpdate(ops)
}

// localInsertLocked applies a locally originated insert and returns its op.
func (d *Doc) localInsertLocked(origin ID, value json.RawMessage) Op {
	d.clock++
	op := Op{
		Type:   OpInsert,
		ID:     ID{Replica: d.replica, Clock: d.clock},
		Origin: origin,
		Value:  append(json.RawMessage(nil), value...),
	}
	d.applyLocked(op)
	return op
}

// emitLocked encodes ops, releases the lock, and notifies observers.
func (d *Doc) emitLocked(ops []Op) error {
	updateSubs := d.updateSubsLocked()
	changeSubs := d.changeSubsLocked()
	d.mu.Unlock()

	data, err := EncodeUpdate(ops)
	if err != nil {
		return err
	}
	for _, fn := range updateSubs {
		fn(data, true)
	}
	for _, fn := range changeSubs {
		fn()
	}
	return nil
}

// applyLocked integrates one op. Returns true when the document changed.
func (d *Doc) applyLocked(op Op) bool {
	switch op.Type {
	case OpInsert:
		if _, ok := d.applied[op.ID]; ok {
			return false
		}
		originPos := -1
		if !op.Origin.IsZero() {
			originPos = d.rawIndexOf(op.Origin)
			if originPos < 0 {
				d.pending = append(d.pending, op)
				return false
			}
		}
		pos := d.integrationPoint(originPos, op.ID)
		d.elems = append(d.elems, element{})
		copy(d.elems[pos+1:], d.elems[pos:])
		d.elems[pos] = element{
			id:     op.ID,
			origin: op.Origin,
			value:  append(json.RawMessage(nil), op.Value...),
		}
		d.applied[op.ID] = struct{}{}
		if op.ID.Clock > d.clock {
			d.clock = op.ID.Clock
		}
		return true

	case OpDelete:
		pos := d.rawIndexOf(op.ID)
		if pos < 0 {
			d.pending = append(d.pending, op)
			return false
		}
		if d.elems[pos].deleted {
			return false
		}
		d.elems[pos].deleted = true
		return true
	}
	return false
}

// integrationPoint finds the raw index for a new element whose origin sits
// at originPos (-1 for the head). Concurrent siblings of the same origin are
// ordered newest-first by (clock, replica); a sibling's subtree moves with
// it, so subtree members are skipped as a unit.
func (d *Doc) integrationPoint(originPos int, id ID) int {
	pos := originPos + 1
	for pos < len(d.elems) {
		c := d.elems[pos]
		cOriginPos := -1
		if !c.origin.IsZero() {
			cOriginPos = d.rawIndexOf(c.origin)
		}
		if cOriginPos < originPos {
			// c hangs off an earlier origin; everything from here on is
			// outside our origin's sibling range.
			break
		}
		if cOriginPos == originPos {
			if id.less(c.id) {
				// c is a newer sibling; it (and its subtree) stays left.
				pos++
				continue
			}
			break
		}
		// c is inside a sibling's subtree; skip.
		pos++
	}
	return pos
}

func (d *Doc) updateSubsLocked() []UpdateFunc {
	out := make([]UpdateFunc, 0, len(d.updateSubs))
	for _, fn := range d.updateSubs {
		out = append(out, fn)
	}
	return out
}

func (d *Doc) changeSubsLocked() []ChangeFunc {
	out := make([]ChangeFunc, 0, len(d.changeSubs))
	for _, fn := range d.changeSubs {
		out = append(out, fn)
	}
	return out
}

// drainPendingLocked retries buffered ops until no more make progress.
// Ops that still cannot apply re-buffer themselves through applyLocked.
func (d *Doc) drainPendingLocked() {
	for len(d.pending) > 0 {
		queue := d.pending
		d.pending = nil
		progressed := false
		for _, op := range queue {
			if d.applyLocked(op) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// rawIndexOf does a linear scan; fine at the hundreds-of-tasks scale this
// store targets.
func (d *Doc) rawIndexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// visibleToRaw maps a visible index to a raw slice position, or -1.
func (d *Doc) visibleToRaw(i int) int {
	if i < 0 {
		return -1
	}
	n := 0
	for pos, e := range d.elems {
		if e.deleted {
			continue
		}
		if n == i {
			return pos
		}
		n++
	}
	return -1
}

// originForVisibleLocked returns the id of the element a new element at
// visible index i should attach to (the visible predecessor), clamping past
// the end to the last element.
func (d *Doc) originForVisibleLocked(i int) ID {
	if i <= 0 {
		return ID{}
	}
	pos := d.visibleToRaw(i - 1)
	if pos < 0 {
		if len(d.elems) == 0 {
			return ID{}
		}
		return d.elems[len(d.elems)-1].id
	}
	return d.elems[pos].id
}
