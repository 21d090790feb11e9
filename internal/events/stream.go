package events

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opspilot/backend/internal/core"
)

// streamClient ties one WebSocket connection to one execution's feed.
type streamClient struct {
	conn        *websocket.Conn
	executionID string
}

// StreamHub fans live execution events out to WebSocket clients. Each
// client watches a single execution.
type StreamHub struct {
	bus        *Bus
	clients    map[*streamClient]bool
	register   chan *streamClient
	unregister chan *streamClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamHub creates the hub; call Run in a goroutine before serving.
func NewStreamHub(bus *Bus) *StreamHub {
	return &StreamHub{
		bus:        bus,
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run drives registration and broadcast until the process exits.
func (h *StreamHub) Run() {
	feed := h.bus.Subscribe("")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("client connected execution=%s (total: %d)", client.executionID, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("client disconnected (total: %d)", n)

		case ev := <-feed:
			h.broadcast(ev)
		}
	}
}

func (h *StreamHub) broadcast(ev *core.ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.executionID != ev.ExecutionID {
			continue
		}
		if err := client.conn.WriteJSON(ev); err != nil {
			h.logger.Printf("write error: %v", err)
			client.conn.Close()
			delete(h.clients, client)
		}
	}
}

// ServeWS upgrades the request and streams events for executionID until
// the client hangs up.
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request, executionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade error: %v", err)
		return
	}

	client := &streamClient{conn: conn, executionID: executionID}
	h.register <- client

	go func() {
		defer func() { h.unregister <- client }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
