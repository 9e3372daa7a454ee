// Package e2e exercises the Hub and Edge together in-process over a
// channel.LocalChannel pair, the same wiring a same-process demo or the
// standalone WebSocket server would use, just without the network hop.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/internal/edge"
	"github.com/kuuji/sipfanout/internal/hub"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func newConnectedEdge(t *testing.T, h *hub.Hub) *edge.Edge {
	t.Helper()
	a, b := channel.NewLocalPair(nil)
	h.Connect(b)
	return edge.New(a, nil)
}

func TestEndToEnd_EchoRequest(t *testing.T) {
	t.Parallel()

	h := hub.New(nil)
	t.Cleanup(h.Close)

	e := newConnectedEdge(t, h)

	// Let admission settle before making a request, same as a real Edge
	// would wait for its first STATE_UPDATE.
	time.Sleep(10 * time.Millisecond)

	resp, err := e.Request(context.Background(), "echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.Success {
		t.Fatalf("resp.Success = false, want true: %+v", resp)
	}
}

func TestEndToEnd_SipInitializeRejectsBadURI(t *testing.T) {
	t.Parallel()

	h := hub.New(nil)
	t.Cleanup(h.Close)

	e := newConnectedEdge(t, h)
	time.Sleep(10 * time.Millisecond)

	_, err := e.InitializeSip(context.Background(), map[string]any{"uri": "not a sip uri"})
	if err == nil {
		t.Fatal("expected sip.initialize to fail for an invalid uri")
	}
}

func TestEndToEnd_MultipleEdgesSeeAdmissionBroadcasts(t *testing.T) {
	t.Parallel()

	h := hub.New(nil)
	t.Cleanup(h.Close)

	e1 := newConnectedEdge(t, h)
	time.Sleep(10 * time.Millisecond)

	connected := make(chan protocol.Envelope, 1)
	e1.On(protocol.ClientConnected, func(env protocol.Envelope) { connected <- env })

	newConnectedEdge(t, h)

	select {
	case env := <-connected:
		var payload protocol.ClientConnectedPayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if payload.TotalClients != 2 {
			t.Errorf("TotalClients = %d, want 2", payload.TotalClients)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLIENT_CONNECTED broadcast")
	}
}

func TestEndToEnd_CallClaimArbitration(t *testing.T) {
	t.Parallel()

	h := hub.New(nil)
	t.Cleanup(h.Close)

	e1 := newConnectedEdge(t, h)
	e2 := newConnectedEdge(t, h)
	time.Sleep(10 * time.Millisecond)

	claimed := make(chan protocol.Envelope, 1)
	e2.On(protocol.CallClaimed, func(env protocol.Envelope) { claimed <- env })

	resp1, err := e1.AnswerCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("first AnswerCall: %v", err)
	}
	if !resp1.Success {
		t.Fatalf("first AnswerCall should succeed: %+v", resp1)
	}

	resp2, err := e2.AnswerCall(context.Background(), "call-1")
	if err == nil && resp2.Success {
		t.Fatal("second AnswerCall for an already-claimed call should fail")
	}

	select {
	case <-claimed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CALL_CLAIMED on the losing edge")
	}
}
