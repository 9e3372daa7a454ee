// Package rsdb implements the Remote-SDP Bridge: a session-description
// handler that the Hub's SIP manager treats as local, but which actually
// round-trips every WebRTC primitive to exactly one Edge over the
// registry, correlating requests and responses by (sessionId, requestId).
package rsdb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/kuuji/sipfanout/internal/registry"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// DefaultRequestTimeout is the per-SDP-request liveness timer (spec.md §4.G).
const DefaultRequestTimeout = 30 * time.Second

// DefaultICEGatheringTimeout bounds how long a non-trickle session waits
// for gathering to complete before fetching the partial SDP anyway.
const DefaultICEGatheringTimeout = 5 * time.Second

// Delegate receives ICE/connection-state events forwarded from the bound
// Edge's peer connection — the "session's delegate" of spec.md §4.G,
// realized here as the call state machine in internal/sipmanager.
type Delegate interface {
	OnIceCandidate(candidate protocol.IceCandidatePayload)
	OnIceConnectionStateChange(state string)
}

// DescriptionProvider is what internal/sipmanager calls into when the
// SIP stack needs a local description or must apply a remote one. It is
// satisfied by *Handler.
type DescriptionProvider interface {
	GetDescription(options json.RawMessage) (sdpBody, contentType string, err error)
	SetDescription(sdpText string, options json.RawMessage) error
	SendDtmf(tones string, options json.RawMessage) bool
	HasDescription() bool
	Close()
}

type pendingRequest struct {
	resolve func(json.RawMessage)
	reject  func(error)
	timer   *time.Timer
}

// Handler is the per-session SDH instance (H-inst).
type Handler struct {
	SessionID string

	reg *registry.Registry
	log *slog.Logger

	mu                  sync.Mutex
	clientID            string
	trickleCandidates   bool
	iceGatheringTimeout time.Duration
	requestTimeout      time.Duration
	localDescription    *protocol.DescriptionResult
	remoteDescription   *protocol.DescriptionResult
	iceCandidates       []protocol.IceCandidatePayload
	iceGatheringState   string // new | gathering | complete
	connectionState     string
	closed              bool
	pending             map[string]*pendingRequest
	delegate            Delegate
}

// Factory keeps the nested ClientId -> SessionId -> Handler mapping (F-inst).
type Factory struct {
	reg *registry.Registry
	log *slog.Logger

	mu       sync.Mutex
	byClient map[string]map[string]*Handler
	bySess   map[string]*Handler
}

// NewFactory creates an empty Factory bound to reg for message delivery.
func NewFactory(reg *registry.Registry, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		reg:      reg,
		log:      logger.With("component", "rsdb"),
		byClient: make(map[string]map[string]*Handler),
		bySess:   make(map[string]*Handler),
	}
}

// Create constructs a new H-inst for sessionID. If clientID is empty, the
// handler auto-selects the first registered client on its first request
// (spec.md §9's documented convenience default) and pins that choice
// thereafter.
func (f *Factory) Create(sessionID, clientID string, delegate Delegate) *Handler {
	h := &Handler{
		SessionID:           sessionID,
		reg:                 f.reg,
		log:                 f.log.With("session", sessionID),
		clientID:            clientID,
		trickleCandidates:   true,
		iceGatheringTimeout: DefaultICEGatheringTimeout,
		requestTimeout:      DefaultRequestTimeout,
		iceGatheringState:   "new",
		pending:             make(map[string]*pendingRequest),
		delegate:            delegate,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID != "" {
		if f.byClient[clientID] == nil {
			f.byClient[clientID] = make(map[string]*Handler)
		}
		f.byClient[clientID][sessionID] = h
	}
	f.bySess[sessionID] = h
	return h
}

// RemoveSession drops the handler for sessionID from the factory's index.
func (f *Factory) RemoveSession(sessionID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bySess, sessionID)
	if clientID != "" {
		if m, ok := f.byClient[clientID]; ok {
			delete(m, sessionID)
			if len(m) == 0 {
				delete(f.byClient, clientID)
			}
		}
	}
}

// bindClient records the chosen clientID for a handler once pinned, so
// subsequent routing by clientID reaches the same handler.
func (f *Factory) bindClient(h *Handler, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byClient[clientID] == nil {
		f.byClient[clientID] = make(map[string]*Handler)
	}
	f.byClient[clientID][h.SessionID] = h
}

// RouteSdpResponse delivers an SDP_RESPONSE envelope to the owning H-inst.
func (f *Factory) RouteSdpResponse(clientID string, payload protocol.SdpResponsePayload) {
	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		f.log.Warn("dropping SDP_RESPONSE: no handler", "clientId", clientID, "sessionId", payload.SessionID)
		return
	}
	h.handleResponse(payload.Response)
}

// RouteIceCandidate delivers an ICE_CANDIDATE envelope to the owning H-inst.
func (f *Factory) RouteIceCandidate(clientID string, payload protocol.IceCandidatePayload) {
	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		f.log.Warn("dropping ICE_CANDIDATE: no handler", "clientId", clientID, "sessionId", payload.SessionID)
		return
	}
	h.handleIceCandidate(payload)
}

// RouteConnectionStateChange delivers a CONNECTION_STATE_CHANGE envelope.
func (f *Factory) RouteConnectionStateChange(clientID string, payload protocol.ConnectionStateChangePayload) {
	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		f.log.Warn("dropping CONNECTION_STATE_CHANGE: no handler", "clientId", clientID, "sessionId", payload.SessionID)
		return
	}
	h.handleConnectionStateChange(payload)
}

func (f *Factory) lookup(clientID, sessionID string) *Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clientID != "" {
		if m, ok := f.byClient[clientID]; ok {
			if h, ok := m[sessionID]; ok {
				return h
			}
		}
	}
	return f.bySess[sessionID]
}

// NewRequestID mints a fresh RequestId for an outbound SDP_REQUEST.
func NewRequestID() string { return uuid.NewString() }

// --- H-inst operations ---

// HasDescription implements DescriptionProvider.
func (h *Handler) HasDescription() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localDescription != nil
}

// GetDescription implements DescriptionProvider. It chooses createOffer
// if no remote description has been set yet, else createAnswer.
func (h *Handler) GetDescription(options json.RawMessage) (string, string, error) {
	h.mu.Lock()
	op := protocol.OpCreateOffer
	if h.remoteDescription != nil {
		op = protocol.OpCreateAnswer
	}
	trickle := h.trickleCandidates
	h.mu.Unlock()

	result, err := h.sendRequest(op, nil, options)
	if err != nil {
		return "", "", err
	}

	var desc protocol.DescriptionResult
	if err := json.Unmarshal(result, &desc); err != nil {
		return "", "", fmt.Errorf("decoding %s result: %w", op, err)
	}

	h.mu.Lock()
	h.localDescription = &desc
	h.mu.Unlock()

	// Ask the Edge to apply its own local description before returning.
	localData, _ := json.Marshal(desc)
	if _, err := h.sendRequest(protocol.OpSetLocalDescription, localData, nil); err != nil {
		return "", "", err
	}

	if !trickle {
		h.waitForGatheringComplete()

		completeResult, err := h.sendRequest(protocol.OpGetCompleteSdp, nil, nil)
		if err != nil {
			return "", "", err
		}
		var complete protocol.CompleteSdpResult
		if err := json.Unmarshal(completeResult, &complete); err != nil {
			return "", "", fmt.Errorf("decoding getCompleteSdp result: %w", err)
		}
		h.mu.Lock()
		h.localDescription.SDP = complete.SDP
		sdpOut := *h.localDescription
		h.mu.Unlock()
		return sdpOut.SDP, "application/sdp", nil
	}

	return desc.SDP, "application/sdp", nil
}

// SetDescription implements DescriptionProvider. It classifies as offer
// if no remote description exists yet, else answer, and validates the
// SDP is well-formed before forwarding it.
func (h *Handler) SetDescription(sdpText string, options json.RawMessage) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return fmt.Errorf("remote description is not valid SDP: %w", err)
	}

	h.mu.Lock()
	isOffer := h.remoteDescription == nil
	descType := "answer"
	if isOffer {
		descType = "offer"
		h.iceCandidates = nil
		h.iceGatheringState = "new"
	}
	h.remoteDescription = &protocol.DescriptionResult{Type: descType, SDP: sdpText}
	h.mu.Unlock()

	data, err := json.Marshal(protocol.DescriptionResult{Type: descType, SDP: sdpText})
	if err != nil {
		return fmt.Errorf("marshaling remote description: %w", err)
	}
	_, err = h.sendRequest(protocol.OpSetRemoteDescription, data, options)
	return err
}

// SendDtmf implements DescriptionProvider. Fire-and-forget: the spec
// requires this to return true and only log failures.
func (h *Handler) SendDtmf(tones string, options json.RawMessage) bool {
	data, err := json.Marshal(protocol.DtmfData{Tones: tones})
	if err != nil {
		h.log.Error("encoding DTMF request", "error", err)
		return true
	}
	go func() {
		if _, err := h.sendRequest(protocol.OpSendDtmf, data, options); err != nil {
			h.log.Warn("sendDtmf failed", "tones", tones, "error", err)
		}
	}()
	return true
}

// Close implements DescriptionProvider: marks closed, rejects all
// pending requests, and sends a best-effort CLOSE to the bound Edge.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pending := h.pending
	h.pending = make(map[string]*pendingRequest)
	clientID := h.clientID
	h.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.reject(fmt.Errorf("closed"))
	}

	if clientID != "" {
		env, err := buildSdpRequest(clientID, h.SessionID, protocol.OpClose, NewRequestID(), nil, nil)
		if err == nil {
			h.reg.SendToClient(clientID, env)
		}
	}
}

func (h *Handler) waitForGatheringComplete() {
	h.mu.Lock()
	timeout := h.iceGatheringTimeout
	alreadyComplete := h.iceGatheringState == "complete"
	h.mu.Unlock()
	if alreadyComplete {
		return
	}

	deadline := time.After(timeout)
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-deadline:
			return
		case <-poll.C:
			h.mu.Lock()
			done := h.iceGatheringState == "complete"
			h.mu.Unlock()
			if done {
				return
			}
		}
	}
}

// sendRequest assigns a requestId, records a pendingRequest, sends the
// SDP_REQUEST envelope, and blocks until response, timeout, or Close.
func (h *Handler) sendRequest(op protocol.SdpOperation, data, options json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("rsdb handler closed")
	}
	clientID := h.clientID
	if clientID == "" {
		clientID = h.reg.FirstClientID()
		if clientID == "" {
			h.mu.Unlock()
			return nil, fmt.Errorf("no client available to service %s", op)
		}
		h.clientID = clientID
	}
	timeout := h.requestTimeout
	h.mu.Unlock()

	requestID := NewRequestID()

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)

	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		p, ok := h.pending[requestID]
		if ok {
			delete(h.pending, requestID)
		}
		h.mu.Unlock()
		if ok {
			p.reject(fmt.Errorf("timeout after %s: %s", timeout, op))
		}
	})

	h.mu.Lock()
	h.pending[requestID] = &pendingRequest{
		resolve: func(raw json.RawMessage) { resultCh <- raw },
		reject:  func(err error) { errCh <- err },
		timer:   timer,
	}
	h.mu.Unlock()

	env, err := buildSdpRequest(clientID, h.SessionID, op, requestID, data, options)
	if err != nil {
		timer.Stop()
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, err
	}

	if !h.reg.SendToClient(clientID, env) {
		timer.Stop()
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
		return nil, fmt.Errorf("delivering %s request: client unreachable", op)
	}

	select {
	case raw := <-resultCh:
		return raw, nil
	case err := <-errCh:
		return nil, err
	}
}

func buildSdpRequest(clientID, sessionID string, op protocol.SdpOperation, requestID string, data, options json.RawMessage) (protocol.Envelope, error) {
	payload := protocol.SdpRequestPayload{
		SessionID: sessionID,
		Request: protocol.SdpRequestBody{
			Operation: op,
			RequestID: requestID,
			Data:      data,
			Options:   options,
		},
	}
	return protocol.New(protocol.SdpRequest, clientID, time.Now().UnixMilli(), payload)
}

// handleResponse correlates an SDP_RESPONSE body to its pending request.
// A response with no matching entry is logged and dropped (spec.md §8).
func (h *Handler) handleResponse(resp protocol.SdpResponseBody) {
	h.mu.Lock()
	p, ok := h.pending[resp.RequestID]
	if ok {
		delete(h.pending, resp.RequestID)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warn("dropping SDP_RESPONSE: no matching pending request", "requestId", resp.RequestID)
		return
	}
	p.timer.Stop()

	if resp.Error != "" {
		p.reject(fmt.Errorf("%s", resp.Error))
		return
	}
	p.resolve(resp.Result)
}

// handleIceCandidate appends a trickled candidate (or marks end-of-
// gathering on a nil candidate) and forwards it to the delegate.
func (h *Handler) handleIceCandidate(payload protocol.IceCandidatePayload) {
	h.mu.Lock()
	if payload.Candidate == nil {
		h.iceGatheringState = "complete"
	} else {
		h.iceCandidates = append(h.iceCandidates, payload)
		if h.iceGatheringState == "new" {
			h.iceGatheringState = "gathering"
		}
	}
	delegate := h.delegate
	h.mu.Unlock()

	if delegate != nil {
		delegate.OnIceCandidate(payload)
	}
}

func (h *Handler) handleConnectionStateChange(payload protocol.ConnectionStateChangePayload) {
	h.mu.Lock()
	h.connectionState = payload.State
	delegate := h.delegate
	h.mu.Unlock()

	if delegate != nil {
		delegate.OnIceConnectionStateChange(payload.State)
	}
}

// TelephoneEventPayloadType parses an SDP body for the negotiated
// "telephone-event" rtpmap and returns its RTP payload type. Used by
// internal/peerworker to encode DTMF with the payload type the SIP side
// actually negotiated, since there is no browser DTMFSender to delegate
// the choice to.
func TelephoneEventPayloadType(sdpText string) (uint8, bool) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return 0, false
	}
	for _, media := range parsed.MediaDescriptions {
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			var pt int
			var codec string
			if _, err := fmt.Sscanf(attr.Value, "%d %s", &pt, &codec); err != nil {
				continue
			}
			if pt >= 0 && pt <= 255 && hasPrefix(codec, "telephone-event") {
				return uint8(pt), true
			}
		}
	}
	return 0, false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
