package edge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// hubStub answers REQUEST envelopes on the other end of a LocalChannel
// pair, standing in for the Hub side of the control plane.
type hubStub struct {
	peer    *channel.LocalChannel
	respond func(env protocol.Envelope) protocol.ResponsePayload
}

func newHubStub(peer *channel.LocalChannel, respond func(protocol.Envelope) protocol.ResponsePayload) *hubStub {
	stub := &hubStub{peer: peer, respond: respond}
	peer.OnMessage(func(env protocol.Envelope) {
		if env.Type != protocol.Request {
			return
		}
		payload := stub.respond(env)
		payload.RequestID = env.RequestID
		respEnv, err := protocol.New(protocol.Response, "", time.Now().UnixMilli(), payload)
		if err != nil {
			return
		}
		peer.Post(respEnv)
	})
	return stub
}

func TestEdge_Request_SuccessRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := channel.NewLocalPair(nil)
	newHubStub(b, func(env protocol.Envelope) protocol.ResponsePayload {
		return protocol.ResponsePayload{Success: true}
	})

	e := New(a, nil)
	resp, err := e.Request(context.Background(), "sip.connect", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.Success {
		t.Error("resp.Success = false, want true")
	}
}

func TestEdge_Request_FailureSurfacesError(t *testing.T) {
	t.Parallel()

	a, b := channel.NewLocalPair(nil)
	newHubStub(b, func(env protocol.Envelope) protocol.ResponsePayload {
		return protocol.ResponsePayload{Success: false, Error: "boom"}
	})

	e := New(a, nil)
	_, err := e.Request(context.Background(), "call.make", map[string]string{"target": "sip:bob@example.com"})
	if err == nil {
		t.Fatal("expected error for failed request")
	}
}

func TestEdge_Request_TimesOutWithNoResponder(t *testing.T) {
	t.Parallel()

	a, _ := channel.NewLocalPair(nil)
	e := New(a, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Request(ctx, "sip.connect", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEdge_On_SupportsMultipleHandlers(t *testing.T) {
	t.Parallel()

	a, b := channel.NewLocalPair(nil)
	e := New(a, nil)

	var calls []string
	e.On(protocol.IncomingCall, func(env protocol.Envelope) { calls = append(calls, "first") })
	e.On(protocol.IncomingCall, func(env protocol.Envelope) { calls = append(calls, "second") })

	env, err := protocol.New(protocol.IncomingCall, "", 1, protocol.CallUpdatePayload{CallID: "call-1", State: "ringing"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Post(env)

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("calls = %v, want [first second]", calls)
	}
}

func TestEdge_ClientID_SetFromStateUpdate(t *testing.T) {
	t.Parallel()

	a, b := channel.NewLocalPair(nil)
	e := New(a, nil)

	if got := e.ClientID(); got != "" {
		t.Fatalf("ClientID() = %q before admission, want empty", got)
	}

	raw, err := json.Marshal(protocol.CallState{Registration: protocol.RegistrationState{State: "uninitialized"}})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	env := protocol.Envelope{Type: protocol.StateUpdate, ClientID: "client-42", Payload: raw}
	b.Post(env)

	if got := e.ClientID(); got != "client-42" {
		t.Fatalf("ClientID() = %q, want client-42", got)
	}
}

func TestEdge_Close_RejectsPendingRequests(t *testing.T) {
	t.Parallel()

	a, _ := channel.NewLocalPair(nil)
	e := New(a, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), "call.make", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending Request to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending Request to be rejected by Close")
	}
}

func TestEdge_Close_SendsClientDisconnected(t *testing.T) {
	t.Parallel()

	a, b := channel.NewLocalPair(nil)
	e := New(a, nil)

	received := make(chan protocol.Envelope, 1)
	b.OnMessage(func(env protocol.Envelope) { received <- env })

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case env := <-received:
		if env.Type != protocol.ClientDisconnected {
			t.Fatalf("envelope type = %s, want %s", env.Type, protocol.ClientDisconnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLIENT_DISCONNECTED on Close")
	}
}
