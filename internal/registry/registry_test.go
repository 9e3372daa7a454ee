package registry

import (
	"testing"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func TestRegisterAndUnregister(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a, _ := channel.NewLocalPair(nil)
	r.Register("client-1", a)

	if got := r.GetClientCount(); got != 1 {
		t.Fatalf("GetClientCount() = %d, want 1", got)
	}
	if got := r.FirstClientID(); got != "client-1" {
		t.Fatalf("FirstClientID() = %q, want client-1", got)
	}

	r.Unregister("client-1")
	if got := r.GetClientCount(); got != 0 {
		t.Fatalf("GetClientCount() after unregister = %d, want 0", got)
	}
	if got := r.FirstClientID(); got != "" {
		t.Fatalf("FirstClientID() after unregister = %q, want empty", got)
	}
}

func TestSendToClient(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a, b := channel.NewLocalPair(nil)
	r.Register("client-1", a)

	var received protocol.Envelope
	got := false
	b.OnMessage(func(env protocol.Envelope) {
		received = env
		got = true
	})

	env, err := protocol.New(protocol.StateUpdate, "", 1, protocol.CallState{HasActiveCall: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if ok := r.SendToClient("client-1", env); !ok {
		t.Fatal("SendToClient returned false for registered client")
	}
	if !got || received.Type != protocol.StateUpdate {
		t.Fatalf("peer did not receive envelope, got=%v received=%+v", got, received)
	}

	if ok := r.SendToClient("nobody", env); ok {
		t.Fatal("SendToClient returned true for unknown client")
	}
}

func TestBroadcastToAllClients(t *testing.T) {
	t.Parallel()

	r := New(nil)

	count := 0
	for _, id := range []string{"c1", "c2", "c3"} {
		a, b := channel.NewLocalPair(nil)
		r.Register(id, a)
		b.OnMessage(func(protocol.Envelope) { count++ })
	}

	env, err := protocol.New(protocol.ClientConnected, "", 1, protocol.ClientConnectedPayload{ClientID: "c1", TotalClients: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.BroadcastToAllClients(env)

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestSendResponseAndSendErrorResponse(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a, b := channel.NewLocalPair(nil)
	r.Register("client-1", a)

	var received protocol.Envelope
	b.OnMessage(func(env protocol.Envelope) { received = env })

	r.SendResponse("client-1", "req-1", true, map[string]string{"foo": "bar"}, "")
	var payload protocol.ResponsePayload
	if err := received.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !payload.Success || payload.RequestID != "req-1" {
		t.Fatalf("unexpected response payload: %+v", payload)
	}

	r.SendErrorResponse("client-1", "req-2", "boom")
	if err := received.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Success || payload.Error != "boom" || payload.RequestID != "req-2" {
		t.Fatalf("unexpected error response payload: %+v", payload)
	}
}

func TestGetAllClientIDs(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a1, _ := channel.NewLocalPair(nil)
	a2, _ := channel.NewLocalPair(nil)
	r.Register("c1", a1)
	r.Register("c2", a2)

	ids := r.GetAllClientIDs()
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("ids = %v, want both c1 and c2", ids)
	}
}
