package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub manages WebSocket connections and broadcasts messages to room participants.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection // player_id -> connection
	rooms       map[string][]string    // room_id -> []player_id
	logger      zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string][]string),
		logger:      logger,
	}
}

// RegisterConnection adds a connection for a player. An existing connection
// for the same player is closed first (page reload, reconnect).
func (h *Hub) RegisterConnection(playerID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.connections[playerID]; exists {
		old.Close()
	}

	h.connections[playerID] = conn
	h.logger.Info().Str("player_id", playerID).Msg("connection registered")
}

// UnregisterConnection removes a connection and all its room memberships.
func (h *Hub) UnregisterConnection(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, exists := h.connections[playerID]; exists {
		conn.Close()
		delete(h.connections, playerID)
		h.logger.Info().Str("player_id", playerID).Msg("connection unregistered")
	}

	for roomID, players := range h.rooms {
		for i, id := range players {
			if id == playerID {
				h.rooms[roomID] = append(players[:i], players[i+1:]...)
				break
			}
		}
	}
}

// JoinRoom associates a player with a room for targeted broadcasts.
func (h *Hub) JoinRoom(roomID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	players := h.rooms[roomID]
	for _, id := range players {
		if id == playerID {
			return
		}
	}
	h.rooms[roomID] = append(players, playerID)
}

// LeaveRoom removes a player from a room.
func (h *Hub) LeaveRoom(roomID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	players := h.rooms[roomID]
	for i, id := range players {
		if id == playerID {
			h.rooms[roomID] = append(players[:i], players[i+1:]...)
			break
		}
	}
}

// CloseRoom drops the room's broadcast group.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// RoomMembers returns the current members of a room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]string, len(h.rooms[roomID]))
	copy(members, h.rooms[roomID])
	return members
}

// BroadcastToRoom sends a message to every player in a room.
func (h *Hub) BroadcastToRoom(roomID string, msg Message) error {
	h.mu.RLock()
	players := h.rooms[roomID]
	h.mu.RUnlock()

	var firstErr error
	for _, playerID := range players {
		if err := h.SendToPlayer(playerID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendToPlayer delivers a message to a specific player.
func (h *Hub) SendToPlayer(playerID string, msg Message) error {
	h.mu.RLock()
	conn, exists := h.connections[playerID]
	h.mu.RUnlock()

	if !exists {
		return ErrConnectionNotFound
	}
	return conn.Send(msg)
}

// Connection represents a WebSocket connection with a buffered send queue.
type Connection struct {
	conn   *websocket.Conn
	sendCh chan Message
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// NewConnection wraps a WebSocket connection.
func NewConnection(conn *websocket.Conn, logger zerolog.Logger) *Connection {
	return &Connection{
		conn:   conn,
		sendCh: make(chan Message, 256),
		logger: logger,
	}
}

// Send queues a message for delivery.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts down the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
	c.conn.Close()
}

// WritePump sends messages from the send queue.
func (c *Connection) WritePump() {
	defer c.conn.Close()

	for msg := range c.sendCh {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Warn().Err(err).Msg("write error")
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ReadPump receives messages and calls the handler.
func (c *Connection) ReadPump(handler func(Message) error) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			break
		}

		if err := handler(msg); err != nil {
			c.logger.Warn().Err(err).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "Player connection not found"}
	ErrConnectionClosed   = &Error{Code: "connection_closed", Message: "Connection is closed"}
	ErrSendQueueFull      = &Error{Code: "send_queue_full", Message: "Send queue is full"}
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
