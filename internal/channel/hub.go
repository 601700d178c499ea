package channel

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"consultline.local/projects/engine/internal/ids"
)

// Hub owns the live websocket connections per session. Writes to a single
// connection are serialized; gorilla/websocket does not allow concurrent
// writers.
type Hub struct {
	logger *log.Logger

	mu        sync.Mutex
	conns     map[string]*client
	bySession map[string]map[string]*client
}

type client struct {
	connID        string
	sessionID     string
	participantID string
	conn          *websocket.Conn

	writeMu sync.Mutex
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:    logger,
		conns:     make(map[string]*client),
		bySession: make(map[string]map[string]*client),
	}
}

// Add registers a connection and returns its generated connection id.
func (h *Hub) Add(sessionID, participantID string, conn *websocket.Conn) string {
	connID := ids.New()
	c := &client{
		connID:        connID,
		sessionID:     sessionID,
		participantID: participantID,
		conn:          conn,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = c
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[string]*client)
	}
	h.bySession[sessionID][connID] = c
	return connID
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	if sess, exists := h.bySession[c.sessionID]; exists {
		delete(sess, connID)
		if len(sess) == 0 {
			delete(h.bySession, c.sessionID)
		}
	}
}

// Broadcast sends one message to every connection in the session.
func (h *Hub) Broadcast(sessionID string, msg Outbound) {
	for _, c := range h.sessionClients(sessionID, "") {
		h.write(c, msg)
	}
}

// SendTo sends one message to every connection a participant holds.
func (h *Hub) SendTo(sessionID, participantID string, msg Outbound) {
	for _, c := range h.sessionClients(sessionID, participantID) {
		h.write(c, msg)
	}
}

// SendToConn sends one message to a single connection. Used for replies
// that belong to the socket that asked, not the participant.
func (h *Hub) SendToConn(connID string, msg Outbound) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.write(c, msg)
}

func (h *Hub) sessionClients(sessionID, participantID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.bySession[sessionID]
	out := make([]*client, 0, len(sess))
	for _, c := range sess {
		if participantID == "" || c.participantID == participantID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) write(c *client, msg Outbound) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		h.logger.Printf("ws write failed conn_id=%s session_id=%s err=%v", c.connID, c.sessionID, err)
	}
}
