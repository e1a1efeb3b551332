package mockserver

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	peerBuffer   = 64
	writeTimeout = 10 * time.Second
)

type peer struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

func newPeer(userID string, conn *websocket.Conn) *peer {
	p := &peer{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, peerBuffer),
	}
	go p.writePump()
	return p
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
}

// Hub tracks connected clients by user id and fans frames out to them.
// A client whose buffer is full is disconnected rather than allowed to
// stall the others.
type Hub struct {
	mu     sync.RWMutex
	peers  map[*peer]bool
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{peers: make(map[*peer]bool), logger: logger}
}

// Add registers a connection for userID.
func (h *Hub) Add(userID string, conn *websocket.Conn) *peer {
	p := newPeer(userID, conn)
	h.mu.Lock()
	h.peers[p] = true
	h.mu.Unlock()
	return p
}

// Remove unregisters p and stops its writer.
func (h *Hub) Remove(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
}

// SendTo delivers msg to every connection of userID and returns how many
// received it.
func (h *Hub) SendTo(userID string, msg any) int {
	return h.deliver(msg, func(p *peer) bool { return p.userID == userID })
}

// Broadcast delivers msg to every connection.
func (h *Hub) Broadcast(msg any) int {
	return h.deliver(msg, func(*peer) bool { return true })
}

func (h *Hub) deliver(msg any, match func(*peer) bool) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal frame", "error", err)
		return 0
	}

	// Sends happen under the read lock so Remove cannot close a channel
	// mid-send; they never block.
	var slow []*peer
	sent := 0
	h.mu.RLock()
	for p := range h.peers {
		if !match(p) {
			continue
		}
		select {
		case p.send <- data:
			sent++
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.logger.Warn("client too slow, disconnecting", "user", p.userID)
		h.Remove(p)
	}
	return sent
}

// Users returns the distinct connected user ids, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	seen := make(map[string]bool)
	for p := range h.peers {
		seen[p.userID] = true
	}
	h.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CloseAll disconnects every client with a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
}
