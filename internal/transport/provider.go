package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/laguz/internal/crdt"
)

// Status is the connection state reported to the facade.
type Status string

// Connection states, in their usual order of appearance.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusFunc observes connection state transitions. err is non-nil only for
// StatusError.
type StatusFunc func(status Status, err error)

// PeersFunc observes the peer count (other devices in the room, self
// excluded).
type PeersFunc func(n int)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	sendBuffer = 64
)

// Provider maintains one websocket connection for one (document, room)
// pair. A Provider is single-use: after Disconnect, build a new one. That
// keeps room rotation honest — the old room's connection and awareness are
// fully gone before a new room is joined.
type Provider struct {
	doc       *crdt.Doc
	roomID    string
	serverURL string
	namespace string
	logger    *slog.Logger

	onStatus StatusFunc
	onPeers  PeersFunc

	sendCh chan Frame
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	detachDoc func()
	closed    bool
}

// Options configures a Provider.
type Options struct {
	ServerURL string
	Namespace string
	RoomID    string
	Logger    *slog.Logger
	OnStatus  StatusFunc
	OnPeers   PeersFunc
}

// New creates a disconnected provider for doc.
func New(doc *crdt.Doc, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		doc:       doc,
		roomID:    opts.RoomID,
		serverURL: opts.ServerURL,
		namespace: opts.Namespace,
		logger:    logger,
		onStatus:  opts.OnStatus,
		onPeers:   opts.OnPeers,
		sendCh:    make(chan Frame, sendBuffer),
		done:      make(chan struct{}),
	}
}

// RoomID returns the room this provider is bound to.
func (p *Provider) RoomID() string { return p.roomID }

// Connect dials the relay and starts the read/write pumps. On success the
// provider announces presence, pushes the local document state so offline
// edits reach the room, and forwards every subsequent local update.
func (p *Provider) Connect(ctx context.Context) error {
	p.status(StatusConnecting, nil)

	u, err := roomURL(p.serverURL, p.namespace, p.roomID)
	if err != nil {
		p.status(StatusError, err)
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		err = fmt.Errorf("transport: dial %s: %w", u, err)
		p.status(StatusError, err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	p.conn = conn
	p.detachDoc = p.doc.OnUpdate(func(update []byte, local bool) {
		if !local {
			return
		}
		p.send(Frame{Type: FrameUpdate, Payload: update})
	})
	p.mu.Unlock()

	go p.writePump(conn)
	go p.readPump(conn)

	// Presence first, then the full local state for anyone already in the
	// room (and for the room history).
	p.send(Frame{Type: FrameAwareness, State: &PeerState{Color: randomColor()}})
	if state, stateErr := p.doc.State(); stateErr == nil {
		p.send(Frame{Type: FrameUpdate, Payload: state})
	}

	p.status(StatusConnected, nil)
	return nil
}

// Disconnect tears the connection down: doc observer detached, pumps
// stopped, socket closed. Safe mid-handshake and safe to call repeatedly;
// no callback fires after it returns.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	detach := p.detachDoc
	conn := p.conn
	p.conn = nil
	close(p.done)
	p.mu.Unlock()

	if detach != nil {
		detach()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	p.status(StatusDisconnected, nil)
}

func (p *Provider) send(f Frame) {
	select {
	case p.sendCh <- f:
	case <-p.done:
	default:
		// Buffer full: drop rather than block a doc mutation. The next
		// full-state exchange reconciles anything missed.
		p.logger.Warn("transport: send buffer full, dropping frame", slog.String("type", f.Type))
	}
}

func (p *Provider) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case f := <-p.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				p.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.fail(fmt.Errorf("transport: ping: %w", err))
				return
			}
		}
	}
}

func (p *Provider) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-p.done:
			default:
				p.fail(fmt.Errorf("transport: read: %w", err))
			}
			return
		}

		switch f.Type {
		case FrameUpdate:
			if err := p.doc.ApplyUpdate(f.Payload); err != nil {
				p.logger.Warn("transport: bad update frame", slog.String("error", err.Error()))
			}
		case FrameAwareness:
			if p.onPeers != nil && !p.isClosed() {
				n := len(f.Peers) - 1 // exclude self
				if n < 0 {
					n = 0
				}
				p.onPeers(n)
			}
		}
	}
}

func (p *Provider) fail(err error) {
	if p.isClosed() {
		return
	}
	p.logger.Warn("transport: connection error", slog.String("error", err.Error()))
	p.status(StatusError, err)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) status(s Status, err error) {
	if p.onStatus != nil {
		p.onStatus(s, err)
	}
}

// roomURL builds "<server>/<namespace>/<roomID>" accepting ws, wss, http,
// and https server URLs.
func roomURL(serverURL, namespace, roomID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("transport: server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + namespace + "/" + roomID
	return u.String(), nil
}

// randomColor picks a display color for the awareness payload. Presence is
// the only thing peers learn about each other.
func randomColor() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("#%06x", binary.BigEndian.Uint32(b[:])&0xffffff)
}
