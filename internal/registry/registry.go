// Package registry tracks the Hub's live Edge channels by client id and
// implements unicast/broadcast delivery. It is the only component that
// ever holds a reference to more than one channel at a time.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// Registry is a sync.RWMutex-guarded ClientId -> Channel map.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]channel.Channel
	log     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]channel.Channel),
		log:     logger.With("component", "registry"),
	}
}

// Register adds or replaces the channel bound to clientID.
func (r *Registry) Register(clientID string, ch channel.Channel) {
	r.mu.Lock()
	r.clients[clientID] = ch
	r.mu.Unlock()
}

// Unregister removes clientID, if present.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// GetAllClientIDs returns a snapshot of currently registered client ids.
func (r *Registry) GetAllClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// GetClientCount returns the number of registered clients.
func (r *Registry) GetClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// FirstClientID returns an arbitrary registered client id, used by the
// RSDB factory's auto-select-first-client fallback. The empty string
// means no client is registered.
func (r *Registry) FirstClientID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.clients {
		return id
	}
	return ""
}

// SendToClient posts env to clientID's channel. It returns false if the
// id is unknown or the post failed — it never panics or raises.
func (r *Registry) SendToClient(clientID string, env protocol.Envelope) bool {
	r.mu.RLock()
	ch, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("sendToClient: unknown client", "clientId", clientID, "type", env.Type)
		return false
	}
	if !ch.Post(env) {
		r.log.Warn("sendToClient: post failed", "clientId", clientID, "type", env.Type)
		return false
	}
	return true
}

// BroadcastToAllClients posts env to every registered client. Per-recipient
// failures are logged; the loop always continues.
func (r *Registry) BroadcastToAllClients(env protocol.Envelope) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.SendToClient(id, env)
	}
}

// SendResponse builds and delivers a RESPONSE envelope to clientID.
func (r *Registry) SendResponse(clientID, requestID string, success bool, data any, errText string) {
	var raw []byte
	if data != nil {
		if encoded, err := json.Marshal(data); err == nil {
			raw = encoded
		} else {
			r.log.Error("encoding response data", "error", err)
		}
	}
	payload := protocol.ResponsePayload{
		RequestID: requestID,
		Success:   success,
		Data:      raw,
		Error:     errText,
	}
	env, err := protocol.New(protocol.Response, "", nowMillis(), payload)
	if err != nil {
		r.log.Error("building response envelope", "error", err)
		return
	}
	r.SendToClient(clientID, env)
}

// SendErrorResponse is a convenience wrapper around SendResponse for the
// failure path.
func (r *Registry) SendErrorResponse(clientID, requestID, errText string) {
	r.SendResponse(clientID, requestID, false, nil, errText)
}

func nowMillis() int64 {
	return timeNowMillis()
}

// timeNowMillis is a var so tests can freeze time if ever needed; default
// wraps time.Now.
var timeNowMillis = func() int64 {
	return time.Now().UnixMilli()
}
