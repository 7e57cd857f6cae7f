// Package relay implements the rendezvous server that sync clients meet at.
// Replicas sharing a room exchange CRDT update frames through it; the relay
// never sees plaintext, only encrypted records and presence colors.
//
// Concurrency model: each room runs a single goroutine that owns all room
// state (members, history, awareness). Connections communicate with it
// through channels, so no mutexes guard room state.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/starford/laguz/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	clientBuffer   = 64
	maxHistoryOps  = 4096
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers are not a target client; same-origin policy is not the
	// security boundary here (payloads are end-to-end encrypted).
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub manages all rooms of one namespace.
type Hub struct {
	namespace string
	logger    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub for the given namespace.
func NewHub(namespace string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		namespace: namespace,
		logger:    logger,
		rooms:     make(map[string]*room),
	}
}

// Routes returns the chi router serving "/<namespace>/{room}".
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/"+h.namespace+"/{room}", h.serveRoom)
	return r
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[name]
	if !ok {
		rm = newRoom(name, h.logger, func() {
			h.mu.Lock()
			delete(h.rooms, name)
			h.mu.Unlock()
		})
		h.rooms[name] = rm
	}
	return rm
}

func (h *Hub) serveRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if name == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay: upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.logger.Info("relay: peer joined", slog.String("room", name))
	// A room goroutine exits when its last member leaves; if we lose that
	// race, grab a fresh room and try again.
	for !h.room(name).join(conn) {
	}
}

// member is one connected peer from the room loop's point of view.
type member struct {
	send  chan transport.Frame
	state *transport.PeerState
}

type room struct {
	name   string
	logger *slog.Logger

	joinCh  chan *member
	leaveCh chan *member
	frameCh chan memberFrame
	closed  chan struct{}

	onEmpty func()
}

type memberFrame struct {
	from  *member
	frame transport.Frame
}

func newRoom(name string, logger *slog.Logger, onEmpty func()) *room {
	rm := &room{
		name:    name,
		logger:  logger,
		joinCh:  make(chan *member),
		leaveCh: make(chan *member),
		frameCh: make(chan memberFrame, 256),
		closed:  make(chan struct{}),
		onEmpty: onEmpty,
	}
	go rm.run()
	return rm
}

// run owns the room state: members, update history, awareness.
func (r *room) run() {
	members := make(map[*member]struct{})
	var history [][]byte

	broadcast := func(f transport.Frame, except *member) {
		for m := range members {
			if m == except {
				continue
			}
			select {
			case m.send <- f:
			default:
				// Slow consumer; drop rather than stall the room.
			}
		}
	}

	awarenessFrame := func() transport.Frame {
		peers := make(map[string]transport.PeerState, len(members))
		i := 0
		for m := range members {
			if m.state != nil {
				peers[peerKey(i)] = *m.state
			}
			i++
		}
		return transport.Frame{Type: transport.FrameAwareness, Peers: peers}
	}

	for {
		select {
		case m := <-r.joinCh:
			members[m] = struct{}{}
			// Replay history so the joiner catches up; op application is
			// idempotent on the client, so replays are safe.
			for _, update := range history {
				select {
				case m.send <- transport.Frame{Type: transport.FrameUpdate, Payload: update}:
				default:
				}
			}
			broadcast(awarenessFrame(), nil)

		case m := <-r.leaveCh:
			if _, ok := members[m]; ok {
				delete(members, m)
				close(m.send)
				broadcast(awarenessFrame(), nil)
			}
			if len(members) == 0 {
				r.onEmpty()
				close(r.closed)
				return
			}

		case mf := <-r.frameCh:
			switch mf.frame.Type {
			case transport.FrameUpdate:
				history = append(history, mf.frame.Payload)
				if len(history) > maxHistoryOps {
					history = history[len(history)-maxHistoryOps:]
				}
				broadcast(mf.frame, mf.from)
			case transport.FrameAwareness:
				mf.from.state = mf.frame.State
				broadcast(awarenessFrame(), nil)
			}
		}
	}
}

// join runs the connection's pumps; it returns when the peer disconnects.
// Returns false when the room shut down before the peer could enter.
func (r *room) join(conn *websocket.Conn) bool {
	m := &member{send: make(chan transport.Frame, clientBuffer)}
	select {
	case r.joinCh <- m:
	case <-r.closed:
		return false
	}

	done := make(chan struct{})

	// Writer.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		defer conn.Close()
		for {
			select {
			case f, ok := <-m.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Reader (this goroutine).
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		r.frameCh <- memberFrame{from: m, frame: f}
	}

	close(done)
	r.leaveCh <- m
	r.logger.Info("relay: peer left", slog.String("room", r.name))
	return true
}

func peerKey(i int) string {
	const digits = "0123456789abcdef"
	return "peer-" + string([]byte{digits[(i>>4)&0xf], digits[i&0xf]})
}
