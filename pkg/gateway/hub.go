package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brainless/nocodo-agent/internal/observability"
)

// sendBuffer is the per-client outbound queue. A client that falls this
// far behind starts losing events; it recovers from the session store.
const sendBuffer = 64

// Client is one websocket connection tracked by the hub.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	limiter     *messageLimiter
	connectedAt time.Time
}

// Hub fans session events out to subscribed websocket clients. Events
// for a session reach its subscribers plus every firehose subscriber;
// with nobody listening the event is dropped, not buffered — clients
// recover state from the session store, not from the hub.
type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	clients   map[string]*Client
	bySession map[string]map[string]*Client
	firehose  map[string]*Client
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	observability.EnsureRegistered()

	return &Hub{
		logger:    logger,
		clients:   make(map[string]*Client),
		bySession: make(map[string]map[string]*Client),
		firehose:  make(map[string]*Client),
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	observability.SetWebsocketClients(count)
}

// unregister drops the client from every index and closes its send
// channel. Publishing holds the read lock while sending, so closing
// under the write lock cannot race a send.
func (h *Hub) unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		delete(h.firehose, clientID)
		for sessionID, subs := range h.bySession {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(h.bySession, sessionID)
			}
		}
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		observability.SetWebsocketClients(count)
	}
}

// Subscribe attaches a client to a session's events, or to all sessions
// when sessionID is FirehoseID.
func (h *Hub) Subscribe(clientID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	if sessionID == FirehoseID {
		h.firehose[clientID] = client
		return
	}
	subs := h.bySession[sessionID]
	if subs == nil {
		subs = make(map[string]*Client)
		h.bySession[sessionID] = subs
	}
	subs[clientID] = client
}

// Unsubscribe detaches a client from a session (or the firehose).
func (h *Hub) Unsubscribe(clientID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionID == FirehoseID {
		delete(h.firehose, clientID)
		return
	}
	if subs, ok := h.bySession[sessionID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.bySession, sessionID)
		}
	}
}

// Broadcast delivers a session event to its subscribers and the
// firehose. It never blocks: a client whose buffer is full loses the
// event, and the drop is counted.
func (h *Hub) Broadcast(sessionID, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: event, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	observability.RecordBroadcast(event)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.bySession[sessionID] {
		h.offer(client, event, data)
	}
	for id, client := range h.firehose {
		if _, direct := h.bySession[sessionID][id]; direct {
			continue
		}
		h.offer(client, event, data)
	}
}

// BroadcastSystem delivers a server-level event to every connected
// client regardless of subscriptions.
func (h *Hub) BroadcastSystem(event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: event, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	observability.RecordBroadcast(event)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		h.offer(client, event, data)
	}
}

func (h *Hub) offer(client *Client, event string, data []byte) {
	select {
	case client.send <- data:
	default:
		observability.RecordBroadcastDropped(event)
		h.logger.Warn().
			Str("client_id", client.ID).
			Str("event", event).
			Msg("Client buffer full, dropping event")
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients would currently receive an
// event for the session, firehose included.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.firehose)
	for id := range h.bySession[sessionID] {
		if _, both := h.firehose[id]; !both {
			n++
		}
	}
	return n
}

// closeAll disconnects every client. Used during shutdown after the
// farewell broadcast.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}
