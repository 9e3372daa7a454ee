// Package edge is the per-tab client side of the control plane: it owns
// exactly one Channel to the Hub, correlates REQUEST/RESPONSE pairs, and
// fans out every other envelope to whatever handlers the embedding
// program has registered. It is the orchestrator a CLI or test harness
// drives instead of talking to channel.Channel directly.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/internal/sipmanager"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// DefaultRequestTimeout bounds how long Request waits for a RESPONSE
// before giving up (spec.md's Timeout error class). It applies to any
// action without a more specific entry in actionTimeouts below.
const DefaultRequestTimeout = 10 * time.Second

// SipInitTimeout bounds sip.initialize, which only parses a URI and
// builds a UA, per spec.md §4.C.
const SipInitTimeout = 30 * time.Second

// actionTimeouts overrides DefaultRequestTimeout for actions whose
// Hub-side handler can legitimately run longer than the generic RPC
// budget (spec.md §4.C's per-operation timeouts). sip.connect and
// sip.register both route through sipmanager.Manager's own transport
// timeout, so they share its budget rather than a shorter, unrelated
// constant that would make the Edge give up before the Hub replies.
var actionTimeouts = map[string]time.Duration{
	"sip.initialize": SipInitTimeout,
	"sip.connect":    sipmanager.DefaultConnectionTimeout,
	"sip.register":   sipmanager.DefaultConnectionTimeout,
}

func requestTimeout(action string) time.Duration {
	if d, ok := actionTimeouts[action]; ok {
		return d
	}
	return DefaultRequestTimeout
}

// Edge is the Edge-side control-plane client.
type Edge struct {
	ch  channel.Channel
	log *slog.Logger

	mu       sync.Mutex
	clientID string
	pending  map[string]chan protocol.ResponsePayload
	handlers map[protocol.MessageType][]func(protocol.Envelope)
}

// New wires a new Edge to ch, registering itself as the channel's sole
// message handler.
func New(ch channel.Channel, logger *slog.Logger) *Edge {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Edge{
		ch:       ch,
		log:      logger.With("component", "edge"),
		pending:  make(map[string]chan protocol.ResponsePayload),
		handlers: make(map[protocol.MessageType][]func(protocol.Envelope)),
	}
	ch.OnMessage(e.handleEnvelope)
	return e
}

// ClientID returns the id assigned by the Hub's CLIENT_CONNECTED
// admission flow, or "" before admission completes.
func (e *Edge) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

// On registers fn to run for every envelope of type t that is not a
// RESPONSE to a pending Request. Multiple handlers for the same type
// all run, in registration order.
func (e *Edge) On(t protocol.MessageType, fn func(protocol.Envelope)) {
	e.mu.Lock()
	e.handlers[t] = append(e.handlers[t], fn)
	e.mu.Unlock()
}

func (e *Edge) handleEnvelope(env protocol.Envelope) {
	if env.Type == protocol.StateUpdate && env.ClientID != "" {
		e.mu.Lock()
		e.clientID = env.ClientID
		e.mu.Unlock()
	}

	if env.Type == protocol.Response {
		e.resolveResponse(env)
		return
	}

	e.mu.Lock()
	fns := append([]func(protocol.Envelope){}, e.handlers[env.Type]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (e *Edge) resolveResponse(env protocol.Envelope) {
	var payload protocol.ResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		e.log.Warn("dropping malformed RESPONSE", "error", err)
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[payload.RequestID]
	if ok {
		delete(e.pending, payload.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Warn("dropping RESPONSE: no matching pending request", "requestId", payload.RequestID)
		return
	}
	ch <- payload
}

// Request sends a REQUEST envelope carrying action/payload and blocks
// until the matching RESPONSE arrives, ctx is cancelled, or the action's
// timeout elapses (actionTimeouts, else DefaultRequestTimeout).
func (e *Edge) Request(ctx context.Context, action string, payload any) (protocol.ResponsePayload, error) {
	requestID := uuid.NewString()

	e.mu.Lock()
	clientID := e.clientID
	e.mu.Unlock()

	env, err := protocol.NewRequest(clientID, requestID, action, time.Now().UnixMilli(), payload)
	if err != nil {
		return protocol.ResponsePayload{}, fmt.Errorf("building request: %w", err)
	}

	resultCh := make(chan protocol.ResponsePayload, 1)
	e.mu.Lock()
	e.pending[requestID] = resultCh
	e.mu.Unlock()

	if !e.ch.Post(env) {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
		return protocol.ResponsePayload{}, fmt.Errorf("posting %s request: channel unavailable", action)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout(action))
	defer cancel()

	select {
	case resp := <-resultCh:
		if !resp.Success {
			return resp, fmt.Errorf("%s failed: %s", action, resp.Error)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
		return protocol.ResponsePayload{}, fmt.Errorf("%s timed out: %w", action, timeoutCtx.Err())
	}
}

// InitializeSip requests SIP manager initialization with cfg.
func (e *Edge) InitializeSip(ctx context.Context, cfg any) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "sip.initialize", cfg)
}

// ConnectSip requests the SIP manager start its transport connection.
func (e *Edge) ConnectSip(ctx context.Context) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "sip.connect", nil)
}

// RegisterSip requests SIP registration.
func (e *Edge) RegisterSip(ctx context.Context) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "sip.register", nil)
}

// UnregisterSip requests SIP unregistration.
func (e *Edge) UnregisterSip(ctx context.Context) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "sip.unregister", nil)
}

// MakeCall requests an outbound call to target.
func (e *Edge) MakeCall(ctx context.Context, target string) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "call.make", map[string]string{"target": target})
}

// AnswerCall requests the Hub answer an incoming call, racing every
// other Edge for the claim (spec.md's first-claim-wins arbitration).
func (e *Edge) AnswerCall(ctx context.Context, callID string) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "call.answer", map[string]string{"callId": callID})
}

// EndCall requests the active call be torn down.
func (e *Edge) EndCall(ctx context.Context, callID string) (protocol.ResponsePayload, error) {
	return e.Request(ctx, "call.end", map[string]string{"callId": callID})
}

// Close sends CLIENT_DISCONNECTED, rejects every pending Request with a
// terminal error, and releases the underlying channel (spec.md §4.C).
func (e *Edge) Close() error {
	e.mu.Lock()
	clientID := e.clientID
	pending := e.pending
	e.pending = make(map[string]chan protocol.ResponsePayload)
	e.mu.Unlock()

	for requestID, ch := range pending {
		ch <- protocol.ResponsePayload{RequestID: requestID, Success: false, Error: "edge closed"}
	}

	payload := protocol.ClientDisconnectedPayload{ClientID: clientID}
	if env, err := protocol.New(protocol.ClientDisconnected, clientID, time.Now().UnixMilli(), payload); err == nil {
		e.ch.Post(env)
	}

	return e.ch.Close()
}
