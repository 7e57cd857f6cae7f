// Package transport connects a CRDT document to a rendezvous relay over a
// websocket, shipping update frames between replicas that share a room.
package transport

// Frame kinds exchanged with the relay.
const (
	FrameUpdate    = "update"
	FrameAwareness = "awareness"
)

// PeerState is the ephemeral presence payload advertised for a peer. It
// deliberately carries nothing identifying: record content is end-to-end
// encrypted, and presence metadata must not undo that.
type PeerState struct {
	Color string `json:"color"`
}

// Frame is the wire message between client and relay.
//
//   - update: Payload holds an encoded CRDT update frame. Client→relay
//     updates are appended to room history and broadcast to the other
//     members; relay→client updates come from peers or the history replay.
//   - awareness: client→relay sets the sender's state; relay→client carries
//     the full room map in Peers.
type Frame struct {
	Type    string               `json:"type"`
	Payload []byte               `json:"payload,omitempty"`
	State   *PeerState           `json:"state,omitempty"`
	Peers   map[string]PeerState `json:"peers,omitempty"`
}
