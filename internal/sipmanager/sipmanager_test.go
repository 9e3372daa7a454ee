package sipmanager

import (
	"context"
	"testing"
	"time"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/internal/registry"
	"github.com/kuuji/sipfanout/internal/rsdb"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *channel.LocalChannel) {
	t.Helper()
	reg := registry.New(nil)
	a, b := channel.NewLocalPair(nil)
	reg.Register("edge-1", a)
	rsdbF := rsdb.NewFactory(reg, nil)
	return New(reg, rsdbF, nil), reg, b
}

func TestInitialize_RejectsInvalidURI(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ok, errText := m.Initialize(Config{URI: "not a sip uri"})
	if ok {
		t.Fatal("Initialize succeeded for invalid uri")
	}
	if errText == "" {
		t.Error("expected non-empty error text")
	}
	if m.State() != StateFailed {
		t.Errorf("State() = %s, want %s", m.State(), StateFailed)
	}
}

func TestInitialize_Success(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ok, errText := m.Initialize(Config{URI: "sip:alice@example.com"})
	if !ok {
		t.Fatalf("Initialize failed: %s", errText)
	}
	if m.State() != StateInitialized {
		t.Errorf("State() = %s, want %s", m.State(), StateInitialized)
	}
}

func TestInitialize_BroadcastsResult(t *testing.T) {
	t.Parallel()

	m, _, b := newTestManager(t)

	received := make(chan protocol.Envelope, 4)
	b.OnMessage(func(env protocol.Envelope) { received <- env })

	m.Initialize(Config{URI: "sip:alice@example.com"})

	select {
	case env := <-received:
		if env.Type != protocol.SipInitResult {
			t.Fatalf("env.Type = %s, want %s", env.Type, protocol.SipInitResult)
		}
		var payload protocol.SipInitResultPayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if !payload.Success {
			t.Errorf("payload.Success = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SIP_INIT_RESULT broadcast")
	}
}

func TestConnect_FailsWhenNotInitialized(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	if m.Connect(context.Background()) {
		t.Fatal("Connect succeeded without Initialize")
	}
	if m.State() != StateFailed {
		t.Errorf("State() = %s, want %s", m.State(), StateFailed)
	}
}

func TestConnect_FailsWithNoSignalingServers(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	m.Initialize(Config{URI: "sip:alice@example.com"})
	if m.Connect(context.Background()) {
		t.Fatal("Connect succeeded with no WSServers configured")
	}
}

func TestRegister_FailsWhenNotConnected(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	if m.Register() {
		t.Fatal("Register succeeded without a client")
	}
}

func TestMakeCall_FailsWhenNotConnected(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	_, err := m.MakeCall("edge-1", "sip:bob@example.com")
	if err == nil {
		t.Fatal("expected error calling MakeCall before connect")
	}
}

func TestEndCall_NoActiveCallIsNoOp(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	m.EndCall("nonexistent")
}

func TestGetActiveCallCount_InitiallyZero(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	if got := m.GetActiveCallCount(); got != 0 {
		t.Errorf("GetActiveCallCount() = %d, want 0", got)
	}
	if m.IsRegistered() {
		t.Error("IsRegistered() = true before any registration")
	}
}

func TestOnIceCandidate_Broadcasts(t *testing.T) {
	t.Parallel()

	m, _, b := newTestManager(t)
	received := make(chan protocol.Envelope, 1)
	b.OnMessage(func(env protocol.Envelope) { received <- env })

	candidate := "candidate:1 1 UDP 1 1.2.3.4 5000 typ host"
	m.OnIceCandidate(protocol.IceCandidatePayload{SessionID: "sess-1", Candidate: &candidate})

	select {
	case env := <-received:
		if env.Type != protocol.IceCandidate {
			t.Errorf("env.Type = %s, want %s", env.Type, protocol.IceCandidate)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ICE_CANDIDATE broadcast")
	}
}

func TestConfig_withDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.RegisterExpires != DefaultRegisterExpires {
		t.Errorf("RegisterExpires = %d, want %d", cfg.RegisterExpires, DefaultRegisterExpires)
	}
	if cfg.ConnectionTimeout != DefaultConnectionTimeout {
		t.Errorf("ConnectionTimeout = %s, want %s", cfg.ConnectionTimeout, DefaultConnectionTimeout)
	}
	if len(cfg.STUNServers) == 0 {
		t.Error("expected a default STUN server")
	}
}
