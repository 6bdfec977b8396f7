package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var ErrHubStopped = errors.New("booking board is shutting down")

// BookingUpdate announces a committed transition to the staff board.
type BookingUpdate struct {
	BookingID string        `json:"bookingId"`
	RequestID string        `json:"requestId"`
	Status    models.Status `json:"status"`
	Step      models.Step   `json:"currentStep"`
	Event     string        `json:"event"`
	At        time.Time     `json:"at"`
}

type WebSocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type watchRequest struct {
	BookingID string `json:"bookingId"`
}

// Client is one connected staff board.
type Client struct {
	StaffUID string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub

	mu       sync.RWMutex
	watching string
}

func (c *Client) wants(bookingID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching == "" || c.watching == bookingID
}

// Hub keeps the connected staff clients and fans booking updates out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan BookingUpdate
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewHub(allowedOrigins []string, logger *logrus.Logger) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BookingUpdate, 256),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// Run serves registrations and broadcasts until ctx is cancelled. It must be
// called once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.WithField("staff_uid", client.StaffUID).Debug("Staff board connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mutex.Unlock()
			h.logger.WithField("staff_uid", client.StaffUID).Debug("Staff board disconnected")

		case update := <-h.broadcast:
			h.deliver(update)
		}
	}
}

func (h *Hub) deliver(update BookingUpdate) {
	data, err := json.Marshal(struct {
		Type string        `json:"type"`
		Data BookingUpdate `json:"data"`
	}{Type: "booking_updated", Data: update})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode booking update")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		if !client.wants(update.BookingID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Slow consumer; it reconnects and reloads the board.
			close(client.Send)
			delete(h.clients, client)
		}
	}
}

// BroadcastBookingUpdate queues an update for local clients without blocking
// the caller.
func (h *Hub) BroadcastBookingUpdate(update BookingUpdate) {
	select {
	case h.broadcast <- update:
	default:
		h.logger.WithField("booking_id", update.BookingID).Warn("Booking update dropped, hub is saturated")
	}
}

// PublishBookingUpdate lets the hub stand in for Redis on a single instance.
func (h *Hub) PublishBookingUpdate(ctx context.Context, update BookingUpdate) error {
	h.BroadcastBookingUpdate(update)
	return nil
}

func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and attaches the connection to the hub.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, staffUID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &Client{
		StaffUID: staffUID,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		Hub:      h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return ErrHubStopped
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// readPump handles watch requests and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithError(err).WithField("staff_uid", c.StaffUID).Warn("WebSocket closed unexpectedly")
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.logger.WithError(err).Debug("Ignoring malformed websocket message")
			continue
		}
		switch msg.Type {
		case "watch":
			var req watchRequest
			if err := json.Unmarshal(msg.Data, &req); err == nil {
				c.mu.Lock()
				c.watching = req.BookingID
				c.mu.Unlock()
			}
		case "unwatch":
			c.mu.Lock()
			c.watching = ""
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
