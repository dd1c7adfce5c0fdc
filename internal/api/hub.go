package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/skubridge/skubridge/internal/store"
)

// EventType labels a websocket broadcast.
type EventType string

const (
	// EventRunStarted announces a new sync run.
	EventRunStarted EventType = "run_started"

	// EventRecord reports one processed record.
	EventRecord EventType = "record"

	// EventRunFinished announces a run's terminal state.
	EventRunFinished EventType = "run_finished"
)

// Event is one websocket broadcast message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunStartedData describes a starting run.
type RunStartedData struct {
	RunID   int64  `json:"run_id"`
	Mode    string `json:"mode"`
	Trigger string `json:"trigger"`
}

// RecordData describes one processed record.
type RecordData struct {
	RunID  int64  `json:"run_id"`
	SKU    string `json:"sku"`
	Action string `json:"action"` // created, updated, skipped
}

// RunFinishedData describes a completed run.
type RunFinishedData struct {
	RunID   int64  `json:"run_id"`
	Status  string `json:"status"`
	Polled  int    `json:"polled"`
	Upserts int    `json:"upserts"`
	Pushes  int    `json:"pushes"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
}

// Hub fans sync progress out to connected websocket clients. It satisfies
// the orchestrator's Events interface, so wiring it in is enough to make
// every run observable live.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub. Call Start before wiring it anywhere.
func NewHub(logger *log.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects all clients and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues an event for delivery. Events are dropped, not queued
// unboundedly, when the channel is full.
func (h *Hub) Broadcast(evt Event) {
	select {
	case h.broadcast <- evt:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// RunStarted implements the orchestrator's Events interface.
func (h *Hub) RunStarted(runID int64, mode, trigger string) {
	h.emit(EventRunStarted, RunStartedData{RunID: runID, Mode: mode, Trigger: trigger})
}

// RecordProcessed implements the orchestrator's Events interface.
func (h *Hub) RecordProcessed(runID int64, sku, action string) {
	h.emit(EventRecord, RecordData{RunID: runID, SKU: sku, Action: action})
}

// RunFinished implements the orchestrator's Events interface.
func (h *Hub) RunFinished(runID int64, status string, c store.Counters) {
	h.emit(EventRunFinished, RunFinishedData{
		RunID:   runID,
		Status:  status,
		Polled:  c.Polled,
		Upserts: c.Upserts,
		Pushes:  c.Pushes,
		Skipped: c.Skipped,
		Errors:  c.Errors,
	})
}

func (h *Hub) emit(t EventType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", t, err)
		return
	}
	h.Broadcast(Event{Type: t, Timestamp: time.Now().UTC(), Data: raw})
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

// handleWS upgrades the connection and registers the client.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("WebSocket client connected (total: %d)", count)

	go h.readLoop(conn)
}

// readLoop drains client frames until disconnect. Client messages carry no
// meaning; the stream is one-way.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("WebSocket client disconnected (total: %d)", count)
		return
	}
	h.clientsMu.Unlock()
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
