package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Peer is the write side of one client socket. Every send funnels through a
// single mutex with a write deadline, so one logical writer exists per
// socket regardless of how many goroutines produce messages for it.
type Peer struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, writeWait time.Duration) *Peer {
	if writeWait <= 0 {
		writeWait = time.Second
	}
	return &Peer{conn: conn, writeWait: writeWait}
}

// Send marshals v and writes it as one text frame.
func (p *Peer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// CloseWith sends a close frame with the given code and reason.
func (p *Peer) CloseWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(p.writeWait))
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
	})
}

// Registry maps roomID -> role -> live peer. At most one socket is live per
// role per room; a newer registration displaces the older one.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[Role]*Peer
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[Role]*Peer)}
}

// Register installs p as the room's live socket for role and returns the
// peer it displaced, if any.
func (r *Registry) Register(roomID string, role Role, p *Peer) (replaced *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := r.rooms[roomID]
	if slots == nil {
		slots = make(map[Role]*Peer)
		r.rooms[roomID] = slots
	}
	replaced = slots[role]
	slots[role] = p
	return replaced
}

// Unregister removes p from the room's slot only if it is still the
// registered peer, so a displaced socket's teardown cannot evict its
// replacement. It reports whether p was removed.
func (r *Registry) Unregister(roomID string, role Role, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := r.rooms[roomID]
	if slots == nil || slots[role] != p {
		return false
	}
	delete(slots, role)
	if len(slots) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

func (r *Registry) Get(roomID string, role Role) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID][role]
}

func (r *Registry) RemoveRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}
