package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewAndDecodePayload(t *testing.T) {
	t.Parallel()

	payload := CallUpdatePayload{CallID: "call-1", State: "ringing", From: "sip:bob@example.com"}
	env, err := New(IncomingCall, "client-1", 1000, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.Type != IncomingCall || env.ClientID != "client-1" || env.Timestamp != 1000 {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	var got CallUpdatePayload
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got != payload {
		t.Errorf("got %+v, want %+v", got, payload)
	}
}

func TestNewRequest(t *testing.T) {
	t.Parallel()

	env, err := NewRequest("client-1", "req-1", "sip.connect", 42, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if env.Type != Request || env.RequestID != "req-1" || env.Action != "sip.connect" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if len(env.Payload) != 0 {
		t.Errorf("expected no payload for nil, got %q", env.Payload)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := New(Response, "", 5, ResponsePayload{RequestID: "r1", Success: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != env.Type || got.Timestamp != env.Timestamp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, env)
	}
}

func TestDecode_rejectsUnknownType(t *testing.T) {
	t.Parallel()

	data := []byte(`{"type":"NOT_A_REAL_TYPE","timestamp":1}`)
	_, err := Decode(data)
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
	if !strings.Contains(err.Error(), "NOT_A_REAL_TYPE") {
		t.Errorf("error should name the bad type: %v", err)
	}
}

func TestDecode_rejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestIsKnown(t *testing.T) {
	t.Parallel()

	for _, typ := range []MessageType{
		ClientConnected, StateUpdate, Request, Response,
		SipInitResult, SipConnectionUpdate, SipRegistrationUpdate,
		IncomingCall, CallUpdate, CallError, CallClaimed,
		SdpRequest, SdpResponse, IceCandidate, ConnectionStateChange, MediaControl,
	} {
		if !IsKnown(typ) {
			t.Errorf("IsKnown(%s) = false, want true", typ)
		}
	}
	if IsKnown("BOGUS") {
		t.Error("IsKnown(BOGUS) = true, want false")
	}
}

func TestDecodePayload_malformedPayload(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: StateUpdate, Payload: json.RawMessage(`{"hasActiveCall": "not-a-bool"}`)}
	var payload CallState
	if err := env.DecodePayload(&payload); err == nil {
		t.Fatal("expected decode error for type mismatch")
	}
}

func TestSdpRequestPayload_roundTrip(t *testing.T) {
	t.Parallel()

	body := SdpRequestBody{Operation: OpCreateOffer, RequestID: "rsdb-1", Data: json.RawMessage(`{"foo":1}`)}
	payload := SdpRequestPayload{SessionID: "sess-1", Request: body}

	env, err := New(SdpRequest, "", 0, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got SdpRequestPayload
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.SessionID != payload.SessionID || got.Request.Operation != OpCreateOffer {
		t.Errorf("got %+v, want %+v", got, payload)
	}
}
