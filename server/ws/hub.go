// Package ws implements a Server-Sent Events (SSE) hub that streams task,
// todo item and notification events to dashboards.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is a typed real-time event broadcast to connected clients. Type is
// a dotted name such as "task.progress" or "todo.approve"; its first
// segment is the event's topic.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Topic returns the first segment of the event type.
func (e Event) Topic() string {
	topic, _, _ := strings.Cut(e.Type, ".")
	return topic
}

const (
	clientBuffer      = 64
	heartbeatInterval = 25 * time.Second
)

type frame struct {
	event string
	data  []byte
}

type client struct {
	ch     chan frame
	topics map[string]bool // nil means every topic
}

func (c *client) wants(e Event) bool {
	return c.topics == nil || c.topics[e.Topic()] || c.topics[e.Type]
}

// parseTopics reads a comma-separated topics query value such as
// "task,todo.approve". An empty value subscribes to everything.
func parseTopics(raw string) map[string]bool {
	var topics map[string]bool
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if topics == nil {
			topics = map[string]bool{}
		}
		topics[t] = true
	}
	return topics
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
}

// Broadcast sends an event to every client subscribed to its topic.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}
	f := frame{event: event.Type, data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(event) {
			continue
		}
		select {
		case c.ch <- f:
		default:
			h.logger.Debug("sse client lagging; event dropped", slog.String("type", event.Type))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeSSE streams events to one client. The optional topics query
// parameter restricts the stream, e.g. ?topics=task,notification.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{
		ch:     make(chan frame, clientBuffer),
		topics: parseTopics(r.URL.Query().Get("topics")),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	writeFrame(w, frame{event: "connected", data: []byte(`{"type":"connected"}`)})
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n") //nolint:errcheck
			flusher.Flush()
		case f := <-c.ch:
			writeFrame(w, f)
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE message. Each data line must not contain a
// newline.
func writeFrame(w http.ResponseWriter, f frame) {
	fmt.Fprintf(w, "event: %s\n", f.event) //nolint:errcheck
	for _, line := range strings.Split(string(f.data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}
