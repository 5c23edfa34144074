package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow.funded", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow.released", "escrow.refunded"},
	}}

	released := &Event{Type: "escrow.released"}
	refunded := &Event{Type: "escrow.refunded"}
	funded := &Event{Type: "escrow.funded"}

	if !h.shouldSend(client, released) {
		t.Error("Should receive released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("Should receive refunded events")
	}
	if h.shouldSend(client, funded) {
		t.Error("Should NOT receive funded events")
	}
}

func TestShouldSend_EscrowFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EscrowIDs: []string{"esc_1"},
	}}

	matching := &Event{Type: "escrow.shipped", EscrowID: "esc_1"}
	notMatching := &Event{Type: "escrow.shipped", EscrowID: "esc_2"}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on watched escrow")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other escrows")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow.released"},
		EscrowIDs:  []string{"esc_1"},
	}}

	if !h.shouldSend(client, &Event{Type: "escrow.released", EscrowID: "esc_1"}) {
		t.Error("Should receive matching type and escrow")
	}
	if h.shouldSend(client, &Event{Type: "escrow.released", EscrowID: "esc_2"}) {
		t.Error("Should NOT receive right type on wrong escrow")
	}
	if h.shouldSend(client, &Event{Type: "escrow.funded", EscrowID: "esc_1"}) {
		t.Error("Should NOT receive wrong type on watched escrow")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "escrow.funded"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: "escrow.funded", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishReachesSubscriber(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(escrow.Event{
		Type:     "escrow.released",
		EscrowID: "esc_1",
		Status:   escrow.StatusReleased,
		Actor:    escrow.ActorBuyer,
		At:       time.Now(),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for published event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"escrow.disputed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a funded event (should be filtered out)
	h.Broadcast(&Event{Type: "escrow.funded", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive funded event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: "escrow.disputed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}
