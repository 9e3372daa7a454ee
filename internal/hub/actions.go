package hub

import (
	"context"
	"fmt"

	"github.com/kuuji/sipfanout/internal/sipmanager"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// requestAction services one REQUEST action. It returns data to embed in
// a successful RESPONSE, or a non-empty errText for a failed one.
type requestAction func(h *Hub, clientID string, env protocol.Envelope) (data any, errText string)

// requestHandlers is the closed dispatch table for REQUEST.action values.
// An action outside this table produces spec.md's "Unknown request
// action" error.
var requestHandlers = map[string]requestAction{
	"echo":            actionEcho,
	"sip.initialize":  actionSipInitialize,
	"sip.connect":     actionSipConnect,
	"sip.register":    actionSipRegister,
	"sip.unregister":  actionSipUnregister,
	"sip.disconnect":  actionSipDisconnect,
	"call.make":       actionCallMake,
	"call.answer":     actionCallAnswer,
	"call.end":        actionCallEnd,
}

func actionEcho(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	var payload map[string]any
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&payload); err != nil {
			return nil, fmt.Sprintf("decoding echo payload: %s", err)
		}
	}
	return payload, ""
}

// sipConfigWire is the REQUEST payload shape for sip.initialize, mirroring
// spec.md's SipConfig data-model entity.
type sipConfigWire struct {
	URI                 string            `json:"uri"`
	Password            string            `json:"password"`
	AuthUsername        string            `json:"authUsername,omitempty"`
	WSServers           []string          `json:"wsServers"`
	DisplayName         string            `json:"displayName,omitempty"`
	RegisterExpires     int               `json:"registerExpires,omitempty"`
	STUNServers         []string          `json:"stunServers,omitempty"`
	TURNServers         []turnServerWire  `json:"turnServers,omitempty"`
	ExtraHeaders        map[string]string `json:"extraHeaders,omitempty"`
	AutoReconnect       bool              `json:"autoReconnect,omitempty"`
}

type turnServerWire struct {
	URLs     []string `json:"urls"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

func actionSipInitialize(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	var wire sipConfigWire
	if err := env.DecodePayload(&wire); err != nil {
		return nil, fmt.Sprintf("decoding sip config: %s", err)
	}

	turnServers := make([]sipmanager.TurnServer, 0, len(wire.TURNServers))
	for _, t := range wire.TURNServers {
		turnServers = append(turnServers, sipmanager.TurnServer{URLs: t.URLs, Username: t.Username, Password: t.Password})
	}

	cfg := sipmanager.Config{
		URI:             wire.URI,
		Password:        wire.Password,
		AuthUsername:    wire.AuthUsername,
		WSServers:       wire.WSServers,
		DisplayName:     wire.DisplayName,
		RegisterExpires: wire.RegisterExpires,
		STUNServers:     wire.STUNServers,
		TURNServers:     turnServers,
		ExtraHeaders:    wire.ExtraHeaders,
		AutoReconnect:   wire.AutoReconnect,
	}

	ok, errText := h.sip.Initialize(cfg)
	if !ok {
		return nil, errText
	}
	return protocol.SipInitResultPayload{Success: true, State: string(h.sip.State())}, ""
}

func actionSipConnect(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	ok := h.sip.Connect(context.Background())
	if !ok {
		return nil, "sip connect failed"
	}
	return protocol.SipConnectionUpdatePayload{State: string(h.sip.State())}, ""
}

func actionSipRegister(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	if !h.sip.Register() {
		return nil, "sip registration failed"
	}
	return protocol.SipRegistrationUpdatePayload{State: string(h.sip.State())}, ""
}

func actionSipUnregister(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	if !h.sip.Unregister() {
		return nil, "sip unregistration failed"
	}
	return protocol.SipRegistrationUpdatePayload{State: string(h.sip.State())}, ""
}

func actionSipDisconnect(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	h.sip.Disconnect()
	return protocol.SipConnectionUpdatePayload{State: string(h.sip.State())}, ""
}

type callMakeWire struct {
	Target string `json:"target"`
}

func actionCallMake(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	var wire callMakeWire
	if err := env.DecodePayload(&wire); err != nil {
		return nil, fmt.Sprintf("decoding call target: %s", err)
	}
	callID, err := h.sip.MakeCall(clientID, wire.Target)
	if err != nil {
		return nil, err.Error()
	}
	return protocol.CallUpdatePayload{CallID: callID, State: "calling", Target: wire.Target}, ""
}

type callIDWire struct {
	CallID string `json:"callId"`
}

// actionCallAnswer implements spec.md's first-claim-wins arbitration: the
// incoming call is broadcast to every Edge, and whichever one claims it
// first via call.answer wins; claimCall tells every other connected Edge
// CALL_CLAIMED. A later claim of the same callId gets a failure RESPONSE.
func actionCallAnswer(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	var wire callIDWire
	if err := env.DecodePayload(&wire); err != nil {
		return nil, fmt.Sprintf("decoding call id: %s", err)
	}
	if !h.claimCall(clientID, wire.CallID) {
		return nil, "call already claimed by another client"
	}
	return protocol.CallUpdatePayload{CallID: wire.CallID, State: "connected"}, ""
}

func actionCallEnd(h *Hub, clientID string, env protocol.Envelope) (any, string) {
	var wire callIDWire
	if err := env.DecodePayload(&wire); err != nil {
		return nil, fmt.Sprintf("decoding call id: %s", err)
	}
	h.sip.EndCall(wire.CallID)
	return protocol.CallUpdatePayload{CallID: wire.CallID, State: "ended"}, ""
}
