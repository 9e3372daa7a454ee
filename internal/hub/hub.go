// Package hub is the Hub process: the shared-worker analog that owns the
// single SIP manager and Remote-SDP Bridge factory, and fans the
// resulting state out to every connected Edge over the registry. It
// mounts an HTTP surface (WebSocket upgrade, health check, Prometheus
// metrics) via chi, matching the ambient stack the rest of the corpus
// uses for its control-plane servers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	wscoder "github.com/coder/websocket"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/internal/registry"
	"github.com/kuuji/sipfanout/internal/rsdb"
	"github.com/kuuji/sipfanout/internal/sipmanager"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// Hub owns the Registry, SIP manager, and RSDB factory, and serves the
// WebSocket endpoint every Edge dials into.
type Hub struct {
	reg   *registry.Registry
	sip   *sipmanager.Manager
	rsdbF *rsdb.Factory
	log   *slog.Logger

	router      *chi.Mux
	rateLimiter *clientRateLimiter
	startTime   time.Time

	callsMu       sync.Mutex
	claimedCalls  map[string]string // callId -> clientId that claimed it
}

// New builds a Hub with its own Registry/Manager/Factory wired together,
// and mounts its HTTP routes.
func New(logger *slog.Logger) *Hub {
	return NewWithRateLimit(logger, DefaultRateLimitConfig())
}

// NewWithRateLimit is New with an explicit RateLimitConfig, so a
// standalone Hub process can apply hub.rate_limit_per_second /
// hub.rate_limit_burst from its config file instead of the defaults.
func NewWithRateLimit(logger *slog.Logger, rl RateLimitConfig) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "hub")

	reg := registry.New(log)
	rsdbF := rsdb.NewFactory(reg, log)
	sip := sipmanager.New(reg, rsdbF, log)

	h := &Hub{
		reg:          reg,
		sip:          sip,
		rsdbF:        rsdbF,
		log:          log,
		rateLimiter:  newClientRateLimiter(rl),
		startTime:    time.Now(),
		claimedCalls: make(map[string]string),
	}
	h.routes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close stops background goroutines and disconnects the SIP manager.
func (h *Hub) Close() {
	h.rateLimiter.stop()
	h.sip.Disconnect()
}

func (h *Hub) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/connect", h.handleConnect)
	r.Get("/healthz", h.handleHealthz)

	reg := prometheusRegistry()
	reg.MustRegister(newCollector(h.reg, h.sip, h.sip, h.startTime))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	h.router = r
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.reg.GetClientCount(),
		"uptime":  time.Since(h.startTime).String(),
	})
}

// handleConnect upgrades the request to a WebSocket, admits the new Edge
// with a fresh clientId, and runs its read loop until disconnect.
func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := wscoder.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	ch := channel.NewWSChannel(ctx, conn, h.log)
	clientID := h.Connect(ch)
	defer h.Disconnect(clientID, ch)

	ch.Run()
}

// Connect admits ch as a new Edge without going through the WebSocket
// upgrade, returning the clientId it was assigned. It is the in-process
// wiring path used by tests (and any future embedded, same-process
// Hub+Edge deployment) against a channel.LocalChannel pair.
func (h *Hub) Connect(ch channel.Channel) string {
	clientID := uuid.NewString()
	ch.OnMessage(func(env protocol.Envelope) {
		h.handleEnvelope(clientID, env)
	})
	h.admit(clientID, ch)
	return clientID
}

// Disconnect unregisters a client previously admitted via Connect or the
// WebSocket endpoint.
func (h *Hub) Disconnect(clientID string, ch channel.Channel) {
	h.remove(clientID, ch)
}

func (h *Hub) admit(clientID string, ch channel.Channel) {
	h.reg.Register(clientID, ch)

	state := protocol.CallState{
		HasActiveCall: h.sip.GetActiveCallCount() > 0,
		Registration:  protocol.RegistrationState{State: string(h.sip.State())},
	}
	env, err := protocol.New(protocol.StateUpdate, clientID, time.Now().UnixMilli(), state)
	if err == nil {
		h.reg.SendToClient(clientID, env)
	}

	h.broadcastConnected(clientID)
	h.log.Info("edge connected", "clientId", clientID, "totalClients", h.reg.GetClientCount())
}

func (h *Hub) remove(clientID string, ch channel.Channel) {
	h.reg.Unregister(clientID)
	h.rateLimiter.forget(clientID)
	_ = ch.Close()
	h.broadcastDisconnected(clientID)
	h.log.Info("edge disconnected", "clientId", clientID, "totalClients", h.reg.GetClientCount())
}

func (h *Hub) broadcastConnected(clientID string) {
	payload := protocol.ClientConnectedPayload{ClientID: clientID, TotalClients: h.reg.GetClientCount()}
	env, err := protocol.New(protocol.ClientConnected, "", time.Now().UnixMilli(), payload)
	if err != nil {
		h.log.Error("building CLIENT_CONNECTED", "error", err)
		return
	}
	h.reg.BroadcastToAllClients(env)
}

func (h *Hub) broadcastDisconnected(clientID string) {
	payload := protocol.ClientDisconnectedPayload{ClientID: clientID, TotalClients: h.reg.GetClientCount()}
	env, err := protocol.New(protocol.ClientDisconnected, "", time.Now().UnixMilli(), payload)
	if err != nil {
		h.log.Error("building CLIENT_DISCONNECTED", "error", err)
		return
	}
	h.reg.BroadcastToAllClients(env)
}

// handleEnvelope is the Hub's per-client dispatch point, grouped by
// envelope type rather than a single flat switch so each concern (RPC,
// RSDB routing) stays in its own reviewable block.
func (h *Hub) handleEnvelope(clientID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.Request:
		h.handleRequest(clientID, env)
	case protocol.SdpResponse:
		h.handleSdpResponse(clientID, env)
	case protocol.IceCandidate:
		h.handleIceCandidate(clientID, env)
	case protocol.ConnectionStateChange:
		h.handleConnectionStateChange(clientID, env)
	default:
		h.log.Debug("ignoring envelope type from edge", "type", env.Type, "clientId", clientID)
	}
}

func (h *Hub) handleRequest(clientID string, env protocol.Envelope) {
	if !h.rateLimiter.allow(clientID) {
		h.reg.SendErrorResponse(clientID, env.RequestID, "rate limit exceeded")
		return
	}

	handler, ok := requestHandlers[env.Action]
	if !ok {
		h.reg.SendErrorResponse(clientID, env.RequestID, fmt.Sprintf("Unknown request action: %s", env.Action))
		return
	}

	data, errText := handler(h, clientID, env)
	if errText != "" {
		h.reg.SendErrorResponse(clientID, env.RequestID, errText)
		return
	}
	h.reg.SendResponse(clientID, env.RequestID, true, data, "")
}

func (h *Hub) handleSdpResponse(clientID string, env protocol.Envelope) {
	var payload protocol.SdpResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		h.log.Warn("dropping malformed SDP_RESPONSE", "error", err)
		return
	}
	h.rsdbF.RouteSdpResponse(clientID, payload)
}

func (h *Hub) handleIceCandidate(clientID string, env protocol.Envelope) {
	var payload protocol.IceCandidatePayload
	if err := env.DecodePayload(&payload); err != nil {
		h.log.Warn("dropping malformed ICE_CANDIDATE", "error", err)
		return
	}
	h.rsdbF.RouteIceCandidate(clientID, payload)
}

func (h *Hub) handleConnectionStateChange(clientID string, env protocol.Envelope) {
	var payload protocol.ConnectionStateChangePayload
	if err := env.DecodePayload(&payload); err != nil {
		h.log.Warn("dropping malformed CONNECTION_STATE_CHANGE", "error", err)
		return
	}
	h.rsdbF.RouteConnectionStateChange(clientID, payload)
}

// broadcastIncomingCall notifies every Edge of an inbound call and is the
// entry point for spec.md's "deliver to all Edges, first claim wins"
// arbitration; claimCall below resolves the race that follows.
func (h *Hub) broadcastIncomingCall(callID, from string) {
	payload := protocol.CallUpdatePayload{CallID: callID, State: "ringing", From: from}
	env, err := protocol.New(protocol.IncomingCall, "", time.Now().UnixMilli(), payload)
	if err != nil {
		h.log.Error("building INCOMING_CALL", "error", err)
		return
	}
	h.reg.BroadcastToAllClients(env)
}

// claimCall resolves first-claim-wins arbitration for an incoming call:
// the first caller to claim callID wins it, and every other connected
// Edge is told CALL_CLAIMED so it can retract its own ringing UI.
func (h *Hub) claimCall(clientID, callID string) bool {
	h.callsMu.Lock()
	if _, claimed := h.claimedCalls[callID]; claimed {
		h.callsMu.Unlock()
		return false
	}
	h.claimedCalls[callID] = clientID
	h.callsMu.Unlock()

	payload := protocol.CallUpdatePayload{CallID: callID, State: "claimed"}
	env, err := protocol.New(protocol.CallClaimed, "", time.Now().UnixMilli(), payload)
	if err == nil {
		for _, id := range h.reg.GetAllClientIDs() {
			if id != clientID {
				h.reg.SendToClient(id, env)
			}
		}
	}
	return true
}

// RunStandalone serves the Hub on addr until ctx is cancelled.
func (h *Hub) RunStandalone(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("hub listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		h.Close()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("hub server: %w", err)
	}
}
