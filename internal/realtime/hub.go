// Package realtime pushes transaction lifecycle events to WebSocket clients.
//
// The hub fans out every status change to connected clients, each of which
// may narrow its stream with a subscription filter. Slow clients are evicted
// rather than allowed to stall the broadcast loop.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fubapay/fubapay/internal/idgen"
	"github.com/fubapay/fubapay/internal/ledger"
	"github.com/fubapay/fubapay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
	maxClients     = 10000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the API gateway; the stream itself is read-only.
		return true
	},
}

// EventType classifies a hub event.
type EventType string

const (
	// EventTransaction fires on every transaction status change.
	EventTransaction EventType = "transaction"
	// EventRisk fires when the risk engine records a verdict.
	EventRisk EventType = "risk"
	// EventSettlement fires on settlement progress and terminal outcomes.
	EventSettlement EventType = "settlement"
)

// Event is the wire format pushed to clients.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// filter keys, not serialized
	actorID string
	status  ledger.Status
}

// Subscription narrows the events a client receives. Zero value receives
// everything.
type Subscription struct {
	Events   []EventType     `json:"events,omitempty"`
	ActorIDs []string        `json:"actorIds,omitempty"`
	Statuses []ledger.Status `json:"statuses,omitempty"`
}

func (s *Subscription) matches(ev *Event) bool {
	if len(s.Events) > 0 && !containsEvent(s.Events, ev.Type) {
		return false
	}
	if len(s.ActorIDs) > 0 {
		if ev.actorID == "" || !containsStr(s.ActorIDs, ev.actorID) {
			return false
		}
	}
	if len(s.Statuses) > 0 {
		if ev.status == "" || !containsStatus(s.Statuses, ev.status) {
			return false
		}
	}
	return true
}

func containsEvent(list []EventType, v EventType) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(list []ledger.Status, v ledger.Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Client is one connected WebSocket consumer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Event

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub owns the client set and the broadcast loop.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	done    chan struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "realtime"),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Event, 256),
	}
}

// Run processes registration and broadcast until ctx is cancelled. On exit
// all clients are disconnected and new upgrades are refused.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "client", c.id, "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "client", c.id, "clients", n)
		case ev := <-h.broadcast:
			h.dispatch(ev)
		}
	}
}

// dispatch delivers an event to every matching client. Clients whose send
// buffer is full are evicted.
func (h *Hub) dispatch(ev *Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		sub := c.subscription()
		if sub.matches(ev) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var evicted []*Client
	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			evicted = append(evicted, c)
		}
	}
	if len(evicted) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range evicted {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("evicting slow client", "client", c.id)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event without blocking. Events are dropped if the
// broadcast buffer is full or the hub has stopped.
func (h *Hub) Broadcast(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case <-h.done:
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", "type", ev.Type)
	}
}

// transactionPayload is the client-facing projection of a transaction.
type transactionPayload struct {
	ID             string           `json:"id"`
	Reference      string           `json:"reference"`
	Type           ledger.Type      `json:"type"`
	Status         ledger.Status    `json:"status"`
	ActorID        string           `json:"actorId,omitempty"`
	Amount         string           `json:"amount"`
	Currency       string           `json:"currency"`
	Network        string           `json:"network"`
	RiskScore      int              `json:"riskScore"`
	RiskLevel      ledger.RiskLevel `json:"riskLevel"`
	DecisionReason string           `json:"decisionReason,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	Confirmations  int              `json:"confirmations,omitempty"`
	ExplorerURL    string           `json:"explorerUrl,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// TransactionUpdated broadcasts a status change. Settlement progress goes
// out under EventSettlement so chain watchers can subscribe narrowly.
func (h *Hub) TransactionUpdated(tx *ledger.Transaction) {
	typ := EventTransaction
	switch tx.Status {
	case ledger.StatusProcessing, ledger.StatusConfirmed, ledger.StatusFailed:
		typ = EventSettlement
	case ledger.StatusApproved, ledger.StatusAIReview, ledger.StatusRejected:
		typ = EventRisk
	}

	payload := transactionPayload{
		ID:             tx.ID,
		Reference:      tx.Reference,
		Type:           tx.Type,
		Status:         tx.Status,
		ActorID:        tx.ActorID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Network:        tx.Network,
		RiskScore:      tx.RiskScore,
		RiskLevel:      tx.RiskLevel,
		DecisionReason: tx.DecisionReason,
		TxHash:         tx.TxHash,
		Confirmations:  tx.Confirmations,
		ExplorerURL:    tx.ExplorerURL,
		UpdatedAt:      tx.UpdatedAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal event payload", "error", err)
		return
	}
	h.Broadcast(&Event{
		Type:    typ,
		Data:    data,
		actorID: tx.ActorID,
		status:  tx.Status,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.ClientCount() >= maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:   idgen.WithPrefix("ws_"),
		hub:  h,
		conn: conn,
		send: make(chan *Event, sendBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump consumes subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("bad subscription message", "client", c.id, "error", err)
			continue
		}
		c.setSubscription(sub)
	}
}

// writePump sends queued events and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
