package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fubapay/fubapay/internal/ledger"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// Subscription matching
// ---------------------------------------------------------------------------

func TestSubscription_Empty(t *testing.T) {
	sub := Subscription{}
	ev := &Event{Type: EventTransaction, actorID: "agent_1", status: ledger.StatusPending}
	if !sub.matches(ev) {
		t.Error("empty subscription should receive all events")
	}
}

func TestSubscription_EventTypeFilter(t *testing.T) {
	sub := Subscription{Events: []EventType{EventSettlement}}

	if sub.matches(&Event{Type: EventTransaction}) {
		t.Error("should NOT receive transaction events")
	}
	if !sub.matches(&Event{Type: EventSettlement}) {
		t.Error("should receive settlement events")
	}
}

func TestSubscription_ActorFilter(t *testing.T) {
	sub := Subscription{ActorIDs: []string{"agent_1"}}

	if !sub.matches(&Event{Type: EventTransaction, actorID: "agent_1"}) {
		t.Error("should match own actor")
	}
	if sub.matches(&Event{Type: EventTransaction, actorID: "agent_2"}) {
		t.Error("should NOT match other actors")
	}
	if sub.matches(&Event{Type: EventTransaction}) {
		t.Error("should NOT match events without an actor")
	}
}

func TestSubscription_StatusFilter(t *testing.T) {
	sub := Subscription{Statuses: []ledger.Status{ledger.StatusConfirmed, ledger.StatusFailed}}

	if !sub.matches(&Event{Type: EventSettlement, status: ledger.StatusConfirmed}) {
		t.Error("should match CONFIRMED")
	}
	if sub.matches(&Event{Type: EventTransaction, status: ledger.StatusPending}) {
		t.Error("should NOT match PENDING")
	}
}

func TestSubscription_Combined(t *testing.T) {
	sub := Subscription{
		Events:   []EventType{EventSettlement},
		ActorIDs: []string{"agent_1"},
	}

	ok := &Event{Type: EventSettlement, actorID: "agent_1"}
	wrongActor := &Event{Type: EventSettlement, actorID: "agent_2"}
	wrongType := &Event{Type: EventRisk, actorID: "agent_1"}

	if !sub.matches(ok) {
		t.Error("should match both filters")
	}
	if sub.matches(wrongActor) || sub.matches(wrongType) {
		t.Error("both filters must hold")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan *Event, sendBuffer)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if got := h.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	if got := h.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after unregister, got %d", got)
	}
}

func TestHub_BroadcastToMatchingClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	all := &Client{hub: h, send: make(chan *Event, sendBuffer)}
	settlementOnly := &Client{hub: h, send: make(chan *Event, sendBuffer)}
	settlementOnly.setSubscription(Subscription{Events: []EventType{EventSettlement}})

	h.register <- all
	h.register <- settlementOnly
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventTransaction, Data: json.RawMessage(`{}`)})
	time.Sleep(50 * time.Millisecond)

	select {
	case ev := <-all.send:
		if ev.Type != EventTransaction {
			t.Errorf("expected transaction event, got %s", ev.Type)
		}
	default:
		t.Fatal("unfiltered client should have received the event")
	}

	select {
	case <-settlementOnly.send:
		t.Fatal("filtered client should not have received the event")
	default:
	}
}

func TestHub_EvictsSlowClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// Buffer of one so the second event overflows.
	slow := &Client{hub: h, send: make(chan *Event, 1)}
	h.register <- slow
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventTransaction})
	h.Broadcast(&Event{Type: EventTransaction})
	time.Sleep(100 * time.Millisecond)

	if got := h.ClientCount(); got != 0 {
		t.Fatalf("slow client should have been evicted, still %d connected", got)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan *Event, sendBuffer)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)

	if _, open := <-client.send; open {
		t.Error("client send channel should be closed on shutdown")
	}
	// Broadcast after shutdown must not block or panic.
	h.Broadcast(&Event{Type: EventTransaction})
}

// ---------------------------------------------------------------------------
// TransactionUpdated
// ---------------------------------------------------------------------------

func TestHub_TransactionUpdated(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan *Event, sendBuffer)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	now := time.Now()
	h.TransactionUpdated(&ledger.Transaction{
		ID:        "tx_1",
		Reference: "ABCDEF123456",
		Type:      ledger.TypeP2P,
		Status:    ledger.StatusConfirmed,
		ActorID:   "agent_1",
		Amount:    "25.00",
		Currency:  "USDC",
		Network:   "POLYGON",
		TxHash:    "0xdeadbeef",
		UpdatedAt: now,
	})

	select {
	case ev := <-client.send:
		if ev.Type != EventSettlement {
			t.Errorf("CONFIRMED should map to settlement event, got %s", ev.Type)
		}
		if ev.actorID != "agent_1" || ev.status != ledger.StatusConfirmed {
			t.Errorf("filter keys not carried: %q %q", ev.actorID, ev.status)
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["id"] != "tx_1" || payload["txHash"] != "0xdeadbeef" {
			t.Errorf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHub_TransactionUpdated_EventMapping(t *testing.T) {
	cases := []struct {
		status ledger.Status
		want   EventType
	}{
		{ledger.StatusPending, EventTransaction},
		{ledger.StatusAIReview, EventRisk},
		{ledger.StatusApproved, EventRisk},
		{ledger.StatusRejected, EventRisk},
		{ledger.StatusProcessing, EventSettlement},
		{ledger.StatusConfirmed, EventSettlement},
		{ledger.StatusFailed, EventSettlement},
		{ledger.StatusDisputed, EventTransaction},
	}

	for _, tc := range cases {
		h := testHub()
		ctx, cancel := context.WithCancel(context.Background())
		go h.Run(ctx)

		client := &Client{hub: h, send: make(chan *Event, sendBuffer)}
		h.register <- client
		time.Sleep(20 * time.Millisecond)

		h.TransactionUpdated(&ledger.Transaction{ID: "tx_1", Status: tc.status})

		select {
		case ev := <-client.send:
			if ev.Type != tc.want {
				t.Errorf("status %s: expected %s, got %s", tc.status, tc.want, ev.Type)
			}
		case <-time.After(time.Second):
			t.Errorf("status %s: no event", tc.status)
		}
		cancel()
	}
}

// ---------------------------------------------------------------------------
// WebSocket integration
// ---------------------------------------------------------------------------

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialTestHub(t, h)
	time.Sleep(50 * time.Millisecond)

	if got := h.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}

	h.TransactionUpdated(&ledger.Transaction{
		ID:      "tx_ws",
		Status:  ledger.StatusApproved,
		ActorID: "agent_1",
		Amount:  "10.00",
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != EventRisk {
		t.Errorf("expected risk event, got %s", ev.Type)
	}
}

func TestHub_WebSocketSubscriptionUpdate(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialTestHub(t, h)
	time.Sleep(50 * time.Millisecond)

	err := conn.WriteJSON(Subscription{ActorIDs: []string{"agent_2"}})
	if err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// agent_1 event is filtered out, agent_2 event arrives.
	h.TransactionUpdated(&ledger.Transaction{ID: "tx_a", Status: ledger.StatusPending, ActorID: "agent_1"})
	h.TransactionUpdated(&ledger.Transaction{ID: "tx_b", Status: ledger.StatusPending, ActorID: "agent_2"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["id"] != "tx_b" {
		t.Errorf("expected tx_b to arrive first, got %v", payload["id"])
	}
}

func TestHub_RejectsUpgradeAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
