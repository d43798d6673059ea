package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"ordertrack/engine"
)

// SSEEvent is the typed envelope sent to SSE clients.
type SSEEvent struct {
	Type    string      `json:"type"`
	Session string      `json:"-"`
	Data    interface{} `json:"data"`
}

type sseClient struct {
	session string
	events  chan SSEEvent
}

// EventHub manages SSE client connections and delivers each session's events
// to that session's clients only.
type EventHub struct {
	mu        sync.RWMutex
	clients   map[*sseClient]struct{}
	broadcast chan SSEEvent
	stopChan  chan struct{}
	log       *zap.Logger

	// idle is called with a session whose last client went away.
	idle func(session string)
}

// NewEventHub creates a new EventHub.
func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		clients:   make(map[*sseClient]struct{}),
		broadcast: make(chan SSEEvent, 256),
		stopChan:  make(chan struct{}),
		log:       logger,
	}
}

// Start begins the event fan-out loop.
func (h *EventHub) Start() {
	go h.run()
}

// Stop shuts down the event hub.
func (h *EventHub) Stop() {
	select {
	case <-h.stopChan:
	default:
		close(h.stopChan)
	}
}

// Broadcast queues an event for the clients of evt.Session.
func (h *EventHub) Broadcast(evt SSEEvent) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn("sse broadcast buffer full, dropping event", zap.String("type", evt.Type))
	}
}

func (h *EventHub) register(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) unregister(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	close(c.events)
	last := true
	for other := range h.clients {
		if other.session == c.session {
			last = false
			break
		}
	}
	h.mu.Unlock()

	if last && h.idle != nil {
		h.idle(c.session)
	}
}

// Clients returns the number of connected SSE clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.stopChan:
			return
		case evt := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.session != evt.Session {
					continue
				}
				select {
				case c.events <- evt:
				default:
					// Client buffer full, drop event
				}
			}
			h.mu.RUnlock()
		}
	}
}

// serve streams session's events until the client goes away. initial is sent
// as the data of the opening "connected" event.
func (h *EventHub) serve(w http.ResponseWriter, r *http.Request, session string, initial interface{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{session: session, events: make(chan SSEEvent, 64)}
	h.register(client)
	defer h.unregister(client)

	data, err := json.Marshal(initial)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", data)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopChan:
			return
		case evt, ok := <-client.events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// SetupEngineListeners wires engine events to SSE broadcasts.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) {
	eng.Events.SubscribeTypes(func(evt engine.Event) {
		h.Broadcast(SSEEvent{Type: evt.Type.String(), Session: evt.Session, Data: evt.Payload})
	}, engine.EventTrackingChanged, engine.EventTrackingCleared, engine.EventConnectionChanged)
	h.idle = func(session string) {
		if eng.Release(session) {
			h.log.Debug("released idle session", zap.String("session", session))
		}
	}

	h.log.Debug("SSE listeners wired to engine events")
}
