package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func connectTestEdge(h *Hub) (clientID string, peer *channel.LocalChannel) {
	a, b := channel.NewLocalPair(nil)
	clientID = h.Connect(a)
	return clientID, b
}

func waitForEnvelope(t *testing.T, ch chan protocol.Envelope, timeout time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func TestHub_Connect_SendsStateUpdateAndBroadcastsConnected(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	// LocalChannel delivers synchronously, so the handler must be in place
	// before Connect sends the admission envelopes.
	a1, peer1 := channel.NewLocalPair(nil)
	received1 := make(chan protocol.Envelope, 4)
	peer1.OnMessage(func(env protocol.Envelope) { received1 <- env })
	h.Connect(a1)

	env := waitForEnvelope(t, received1, time.Second)
	if env.Type != protocol.StateUpdate {
		t.Fatalf("first envelope type = %s, want %s", env.Type, protocol.StateUpdate)
	}

	// The admission broadcast also reaches the newly admitted client itself.
	self := waitForEnvelope(t, received1, time.Second)
	if self.Type != protocol.ClientConnected {
		t.Fatalf("own admission envelope type = %s, want %s", self.Type, protocol.ClientConnected)
	}

	_, peer2 := connectTestEdge(h)
	_ = peer2

	// The first client should see CLIENT_CONNECTED for the second admission.
	env2 := waitForEnvelope(t, received1, time.Second)
	if env2.Type != protocol.ClientConnected {
		t.Fatalf("second envelope type = %s, want %s", env2.Type, protocol.ClientConnected)
	}
	var payload protocol.ClientConnectedPayload
	if err := env2.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.TotalClients != 2 {
		t.Errorf("TotalClients = %d, want 2", payload.TotalClients)
	}
}

func TestHub_Disconnect_BroadcastsDisconnected(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	clientID1, peer1 := connectTestEdge(h)
	clientID2, peer2 := connectTestEdge(h)
	_ = clientID1

	received := make(chan protocol.Envelope, 4)
	peer1.OnMessage(func(env protocol.Envelope) { received <- env })

	h.Disconnect(clientID2, peer2)

	env := waitForEnvelope(t, received, time.Second)
	if env.Type != protocol.ClientDisconnected {
		t.Fatalf("envelope type = %s, want %s", env.Type, protocol.ClientDisconnected)
	}
}

func TestHub_HandleRequest_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	clientID, peer := connectTestEdge(h)
	received := make(chan protocol.Envelope, 4)
	peer.OnMessage(func(env protocol.Envelope) { received <- env })

	reqEnv, err := protocol.NewRequest(clientID, "req-1", "echo", 1, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	peer.Post(reqEnv)

	env := waitForEnvelope(t, received, time.Second)
	if env.Type != protocol.Response {
		t.Fatalf("envelope type = %s, want %s", env.Type, protocol.Response)
	}
	var payload protocol.ResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !payload.Success || payload.RequestID != "req-1" {
		t.Fatalf("unexpected response payload: %+v", payload)
	}
}

func TestHub_HandleRequest_UnknownActionErrors(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	clientID, peer := connectTestEdge(h)
	received := make(chan protocol.Envelope, 4)
	peer.OnMessage(func(env protocol.Envelope) { received <- env })

	reqEnv, err := protocol.NewRequest(clientID, "req-1", "bogus.action", 1, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	peer.Post(reqEnv)

	env := waitForEnvelope(t, received, time.Second)
	var payload protocol.ResponsePayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Success {
		t.Fatal("expected failure response for unknown action")
	}
}

func TestHub_RateLimiting_RejectsBurstOverLimit(t *testing.T) {
	t.Parallel()

	h := NewWithRateLimit(nil, RateLimitConfig{Rate: rate.Limit(1), Burst: 1, CleanupInterval: time.Minute, MaxAge: time.Minute})
	t.Cleanup(h.Close)

	clientID, peer := connectTestEdge(h)
	received := make(chan protocol.Envelope, 8)
	peer.OnMessage(func(env protocol.Envelope) { received <- env })

	for i := 0; i < 2; i++ {
		reqEnv, err := protocol.NewRequest(clientID, "req", "echo", 1, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		peer.Post(reqEnv)
	}

	first := waitForEnvelope(t, received, time.Second)
	second := waitForEnvelope(t, received, time.Second)

	var firstPayload, secondPayload protocol.ResponsePayload
	if err := first.DecodePayload(&firstPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if err := second.DecodePayload(&secondPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}

	if !firstPayload.Success {
		t.Error("first request should succeed within burst")
	}
	if secondPayload.Success {
		t.Error("second request should be rate limited")
	}
}

func TestHub_ClaimCall_FirstClaimWins(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	client1, peer1 := connectTestEdge(h)
	client2, peer2 := connectTestEdge(h)

	received2 := make(chan protocol.Envelope, 8)
	peer2.OnMessage(func(env protocol.Envelope) { received2 <- env })

	if ok := h.claimCall(client1, "call-1"); !ok {
		t.Fatal("first claim should succeed")
	}
	if ok := h.claimCall(client2, "call-1"); ok {
		t.Fatal("second claim should fail")
	}

	env := waitForEnvelope(t, received2, time.Second)
	if env.Type != protocol.CallClaimed {
		t.Fatalf("envelope type = %s, want %s", env.Type, protocol.CallClaimed)
	}

	_ = peer1
	_ = client2
}

func TestHub_Healthz_ReportsClientCount(t *testing.T) {
	t.Parallel()

	h := New(nil)
	t.Cleanup(h.Close)

	connectTestEdge(h)
	connectTestEdge(h)

	if got := h.reg.GetClientCount(); got != 2 {
		t.Fatalf("GetClientCount() = %d, want 2", got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health struct {
		Clients int `json:"clients"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding /healthz body: %v", err)
	}
	if health.Clients != 2 {
		t.Fatalf("/healthz clients = %d, want 2", health.Clients)
	}
}
