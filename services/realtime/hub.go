// Package realtime delivers price payloads to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// Constants for hub configuration
const (
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
	clientSendBuffer      = 256
	clientReadLimit       = 1024
)

// ErrHubClosed is returned by Send after Shutdown
var ErrHubClosed = errors.New("websocket hub closed")

// WebSocketMessage is the envelope of every frame written to a client
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

// ClientCommand is a frame sent by a client
type ClientCommand struct {
	Action    string   `json:"action"` // subscribe, unsubscribe, list
	AssetType string   `json:"asset_type"`
	AssetIDs  []string `json:"asset_ids"`
}

// SubscriptionService handles client subscribe/unsubscribe commands
type SubscriptionService interface {
	Subscribe(userID, assetID string, t models.AssetType) (models.Subscription, error)
	UnsubscribeRemovable(userID, assetID string, t models.AssetType) error
	ListUserSubscriptions(userID string) []models.Subscription
}

// HubConfig holds hub configuration
type HubConfig struct {
	MaxClients     int
	AllowedOrigins []string // empty allows any origin
}

// Client is one websocket connection of a user
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// HubStats is a point-in-time view of the hub
type HubStats struct {
	Clients int    `json:"clients"`
	Users   int    `json:"users"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Hub keeps the websocket connections of every user and implements the broadcaster's push sink
type Hub struct {
	cfg      HubConfig
	subs     SubscriptionService
	logger   *zap.Logger
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // by user id

	onConnect    func(userID string)
	onDisconnect func(userID string)

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a hub. subs may be nil, in which case client commands are rejected.
func NewHub(cfg HubConfig, subs SubscriptionService, logger *zap.Logger) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:        cfg,
		subs:       subs,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		clients:    make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// OnConnect sets a callback invoked when the first connection of a user opens
func (h *Hub) OnConnect(fn func(userID string)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// OnDisconnect sets a callback invoked when the last connection of a user closes
func (h *Hub) OnDisconnect(fn func(userID string)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// Run processes registrations until Shutdown
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.countLocked() >= h.cfg.MaxClients {
				h.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
				c.conn.Close()
				h.logger.Warn("websocket client rejected: max clients reached", zap.Int("max", h.cfg.MaxClients))
				continue
			}
			first := h.clients[c.userID] == nil
			if first {
				h.clients[c.userID] = make(map[*Client]struct{})
			}
			h.clients[c.userID][c] = struct{}{}
			total := h.countLocked()
			cb := h.onConnect
			h.mu.Unlock()

			if first && cb != nil {
				cb(c.userID)
			}

			go c.writePump()
			go c.readPump(h)
			h.logger.Info("websocket client connected",
				zap.String("client_id", c.id),
				zap.String("user_id", c.userID),
				zap.Int("clients", total))

		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// remove drops a client and fires the disconnect callback when it was the user's last connection
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	close(c.send)
	last := len(set) == 0
	if last {
		delete(h.clients, c.userID)
	}
	cb := h.onDisconnect
	h.mu.Unlock()

	h.logger.Info("websocket client disconnected", zap.String("client_id", c.id), zap.String("user_id", c.userID))
	if last && cb != nil {
		cb(c.userID)
	}
}

// Shutdown closes every connection and stops Run
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.shutdown)

		h.mu.Lock()
		for _, set := range h.clients {
			for c := range set {
				close(c.send)
				c.conn.Close()
			}
		}
		h.clients = make(map[string]map[*Client]struct{})
		h.mu.Unlock()

		h.logger.Info("websocket hub shutdown complete")
	})
}

// ServeWS upgrades the request and registers the connection for userID
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	h.mu.RLock()
	atCapacity := h.countLocked() >= h.cfg.MaxClients
	h.mu.RUnlock()
	if atCapacity {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
	}
}

// Send writes payload to every connection of the given users. Users without a connection are skipped.
func (h *Hub) Send(_ context.Context, userIDs []string, payload models.PricePayload, action models.WebsocketAction) error {
	select {
	case <-h.shutdown:
		return ErrHubClosed
	default:
	}

	payload.Action = action
	data, err := json.Marshal(WebSocketMessage{Type: "price", Data: payload, Time: payload.Time})
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, u := range userIDs {
		for c := range h.clients[u] {
			select {
			case c.send <- data:
				h.sent.Add(1)
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warn("websocket client buffer full, dropping connection", zap.String("client_id", c.id))
		h.remove(c)
	}
	return nil
}

// Stats returns connection and delivery counters
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Clients: h.countLocked(),
		Users:   len(h.clients),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

// IsConnected reports whether the user has at least one open connection
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) reply(c *Client, typ string, data interface{}) {
	msg, err := json.Marshal(WebSocketMessage{Type: typ, Data: data, Time: time.Now().Format(time.RFC3339)})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.userID][c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

type commandResult struct {
	Action    string           `json:"action"`
	AssetType models.AssetType `json:"asset_type,omitempty"`
	AssetID   string           `json:"asset_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (h *Hub) handleCommand(c *Client, cmd ClientCommand) {
	if h.subs == nil {
		h.reply(c, "error", commandResult{Action: cmd.Action, Error: "commands not supported"})
		return
	}
	if cmd.Action == "list" {
		h.reply(c, "subscriptions", h.subs.ListUserSubscriptions(c.userID))
		return
	}

	t, err := models.ParseAssetType(cmd.AssetType)
	if err != nil {
		h.reply(c, "error", commandResult{Action: cmd.Action, Error: err.Error()})
		return
	}
	for _, id := range cmd.AssetIDs {
		res := commandResult{Action: cmd.Action, AssetType: t, AssetID: id}
		switch cmd.Action {
		case "subscribe":
			_, err = h.subs.Subscribe(c.userID, id, t)
		case "unsubscribe":
			err = h.subs.UnsubscribeRemovable(c.userID, id, t)
		default:
			err = errors.New("unknown action")
		}
		if err != nil {
			res.Error = err.Error()
			h.reply(c, "error", res)
			continue
		}
		h.reply(c, "ack", res)
	}
}

// writePump writes queued frames and pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client commands until the connection closes
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(clientReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var cmd ClientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.reply(c, "error", commandResult{Error: "invalid command"})
			continue
		}
		h.handleCommand(c, cmd)
	}
}
