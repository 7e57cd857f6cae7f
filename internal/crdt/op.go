package crdt

import (
	"encoding/json"
	"fmt"
)

// ID identifies one list element across all replicas. The zero ID is the
// virtual list head.
type ID struct {
	Replica string `json:"r"`
	Clock   uint64 `json:"c"`
}

// IsZero reports whether id is the virtual head.
func (id ID) IsZero() bool { return id.Replica == "" && id.Clock == 0 }

// less orders concurrent siblings deterministically: higher Lamport clock
// first, replica id as tie-break. Every replica sorts siblings the same way,
// which is what makes concurrent inserts converge.
func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

// Op kinds.
const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// Op is a single replicated mutation. Inserts carry the new element id, the
// id of its left neighbor at insert time (origin), and the opaque value.
// Deletes carry the target id only; the tombstone survives so concurrent
// re-deletes stay idempotent.
type Op struct {
	Type   string          `json:"t"`
	ID     ID              `json:"id"`
	Origin ID              `json:"o,omitempty"`
	Value  json.RawMessage `json:"v,omitempty"`
}

// Update is the wire frame shipped between replicas: an ordered op batch.
type Update struct {
	Ops []Op `json:"ops"`
}

// EncodeUpdate serializes an op batch for transport or storage.
func EncodeUpdate(ops []Op) ([]byte, error) {
	data, err := json.Marshal(Update{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses a wire frame.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("crdt: decode update: %w", err)
	}
	return u.Ops, nil
}
