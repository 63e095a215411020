package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"metachat/dm-sync-service/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	DefaultPath = "/ws"

	writeWait      = 10 * time.Second
	closeWait      = time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Connector is the session side of the hub.
type Connector interface {
	Connect(ctx context.Context, userID string, conn session.Conn) (*session.Session, error)
	Disconnect(s *session.Session)
}

// Frame is the JSON envelope written for every emitted event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub accepts websocket connections and addresses them by room. Every
// connection joins the room named after its own id, where its session
// writes, and the room named after its user id once the session is open.
type Hub struct {
	logger    *logrus.Logger
	connector Connector
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: make(map[string]map[string]*Client),
	}
}

// SetConnector wires the session dispatcher. It must be called before the
// hub serves requests.
func (h *Hub) SetConnector(c Connector) {
	h.connector = c
}

// Client is one websocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	rooms   map[string]struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *Client) ID() string { return c.id }

// Close leaves every room and closes the socket. A write in progress is
// aborted rather than waited for. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.hub.leaveAll(c)

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// JoinRoom adds c to room. A closed client joins nothing.
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][c.id] = c

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) leaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// RoomSize reports how many connections are joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// EmitToRoom writes the event to every connection in room.
func (h *Hub) EmitToRoom(room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var errs error
	for _, c := range clients {
		if werr := c.write(frame); werr != nil {
			h.logger.WithError(werr).WithFields(logrus.Fields{
				"room":          room,
				"event":         event,
				"connection_id": c.id,
			}).Debug("Websocket write failed")
			errs = multierr.Append(errs, werr)
		}
	}
	return errs
}

// ServeHTTP upgrades the request and keeps the connection open until the
// peer goes away. The user id is taken from the userId query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	h.JoinRoom(client, client.id)

	entry := h.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": client.id,
	})
	entry.Debug("Websocket client connected")

	s, err := h.connector.Connect(r.Context(), userID, client)
	if err != nil {
		entry.WithError(err).Error("Failed to open session")
		client.Close()
		return
	}
	// Connect has closed any session this one replaced.
	h.JoinRoom(client, userID)

	defer func() {
		h.connector.Disconnect(s)
		client.Close()
		entry.Debug("Websocket client disconnected")
	}()

	go client.pingLoop()
	client.readLoop(entry)
}

// readLoop discards inbound frames; the socket is push only.
func (c *Client) readLoop(entry *logrus.Entry) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				entry.WithError(err).Warn("Websocket read error")
			}
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// CloseAll closes every connection joined to any room.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var clients []*Client
	for _, members := range h.rooms {
		for _, c := range members {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
