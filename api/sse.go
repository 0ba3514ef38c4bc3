package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dbscope/logging"
	"dbscope/snapshot"
)

// SSE event types.
const (
	eventSnapshot = "snapshot"
	eventChange   = "value-change"
)

type sseEvent struct {
	Type      string
	Datablock string
	Data      interface{}
}

// changeUpdate is the payload of value-change events.
type changeUpdate struct {
	Datablock string      `json:"datablock"`
	Path      string      `json:"path"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
}

type sseClient struct {
	id     string
	events chan sseEvent
}

// EventHub broadcasts snapshots to server-sent event clients. It is a
// session.Sink.
type EventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once

	lastMu sync.Mutex
	last   *snapshot.Snapshot
}

// NewEventHub starts a hub.
func NewEventHub() *EventHub {
	hub := &EventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *EventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "sse client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *EventHub) send(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "sse broadcast channel full, dropping %s event", event.Type)
	}
}

// Name identifies the hub as a sink.
func (h *EventHub) Name() string { return "sse" }

// PublishSnapshot sends one snapshot event and a value-change event for
// every entry that differs from the previous snapshot.
func (h *EventHub) PublishSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	h.lastMu.Lock()
	changed := s.Changed(h.last)
	h.last = s
	h.lastMu.Unlock()

	h.send(sseEvent{Type: eventSnapshot, Datablock: s.Datablock, Data: s})
	for _, e := range changed {
		h.send(sseEvent{
			Type:      eventChange,
			Datablock: s.Datablock,
			Data: changeUpdate{
				Datablock: s.Datablock,
				Path:      e.Path,
				Address:   e.Address,
				Type:      e.Type,
				Value:     e.Value,
			},
		})
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and ends the hub.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleSSE serves /events. The types query parameter limits the event
// types sent, for example ?types=value-change.
func (h *EventHub) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.register <- client:
	case <-h.done:
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.unregister <- client:
			case <-h.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
