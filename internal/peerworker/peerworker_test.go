package peerworker

import (
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func TestICEConfig_pionICEServers(t *testing.T) {
	t.Parallel()

	cfg := ICEConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		TURNServers: []TurnServer{
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "alice", Password: "secret"},
		},
	}

	servers := cfg.pionICEServers()
	if len(servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("servers[0].URLs = %v, want stun url", servers[0].URLs)
	}
	if servers[1].Username != "alice" || servers[1].Credential != "secret" {
		t.Errorf("servers[1] = %+v, want username/credential set", servers[1])
	}
	if servers[1].CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("servers[1].CredentialType = %v, want password", servers[1].CredentialType)
	}
}

func TestIceTransportPolicy(t *testing.T) {
	t.Parallel()

	if got := iceTransportPolicy(true); got != webrtc.ICETransportPolicyRelay {
		t.Errorf("iceTransportPolicy(true) = %v, want relay", got)
	}
	if got := iceTransportPolicy(false); got != webrtc.ICETransportPolicyAll {
		t.Errorf("iceTransportPolicy(false) = %v, want all", got)
	}
}

func TestDtmfEventCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		digit rune
		want  byte
		ok    bool
	}{
		{'0', 0, true},
		{'9', 9, true},
		{'*', 10, true},
		{'#', 11, true},
		{'A', 12, true},
		{'D', 15, true},
		{'x', 0, false},
	}
	for _, c := range cases {
		got, ok := dtmfEventCode(c.digit)
		if ok != c.ok {
			t.Errorf("dtmfEventCode(%q) ok = %v, want %v", c.digit, ok, c.ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("dtmfEventCode(%q) = %d, want %d", c.digit, got, c.want)
		}
	}
}

func TestSession_Handle_UnknownOperation(t *testing.T) {
	t.Parallel()

	s := newSession("sess-1", ICEConfig{}, nil, nil, slog.Default())
	_, err := s.handle(protocol.SdpRequestBody{Operation: "bogusOp"})
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestSession_MuteState(t *testing.T) {
	t.Parallel()

	s := newSession("sess-1", ICEConfig{}, nil, nil, slog.Default())
	if s.isMuted() {
		t.Fatal("session should start unmuted")
	}
	s.setMuted(true)
	if !s.isMuted() {
		t.Fatal("setMuted(true) did not take effect")
	}
	s.setMuted(false)
	if s.isMuted() {
		t.Fatal("setMuted(false) did not take effect")
	}
}

func TestWorker_HandleMediaControl_UnknownSessionIsIgnored(t *testing.T) {
	t.Parallel()

	a, _ := channel.NewLocalPair(nil)
	w := &Worker{ch: a, log: slog.Default(), sessions: make(map[string]*session)}

	env, err := protocol.New(protocol.MediaControl, "", 1, protocol.MediaControlPayload{SessionID: "no-such-session", Action: "mute"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.HandleEnvelope(env)
}

func TestWorker_SessionFor_CreatesAndReusesSession(t *testing.T) {
	t.Parallel()

	a, _ := channel.NewLocalPair(nil)
	w := &Worker{ch: a, log: slog.Default(), sessions: make(map[string]*session)}

	s1 := w.sessionFor("sess-1")
	s2 := w.sessionFor("sess-1")
	if s1 != s2 {
		t.Fatal("sessionFor returned different sessions for the same id")
	}

	w.removeSession("sess-1")
	s3 := w.sessionFor("sess-1")
	if s3 == s1 {
		t.Fatal("sessionFor reused a session after removeSession")
	}
}
