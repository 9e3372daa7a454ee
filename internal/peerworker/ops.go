package peerworker

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/sipfanout/internal/rsdb"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

func (s *session) createOffer() ([]byte, error) {
	if err := s.prepare(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(protocol.DescriptionResult{Type: "offer", SDP: offer.SDP})
}

func (s *session) createAnswer() ([]byte, error) {
	if err := s.prepare(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	pc := s.pc
	hasRemote := s.remoteSet
	s.mu.Unlock()
	if !hasRemote {
		return nil, fmt.Errorf("createAnswer called before setRemoteDescription")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return json.Marshal(protocol.DescriptionResult{Type: "answer", SDP: answer.SDP})
}

func (s *session) setLocalDescription(data []byte) ([]byte, error) {
	// The local description was already applied by CreateOffer/CreateAnswer
	// above; this op exists for parity with the RSDB's two-step handshake
	// and acknowledges it without re-applying.
	var desc protocol.DescriptionResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("decoding setLocalDescription data: %w", err)
		}
	}
	return json.Marshal(protocol.SuccessResult{Success: true})
}

func (s *session) setRemoteDescription(data []byte) ([]byte, error) {
	if err := s.prepare(); err != nil {
		return nil, err
	}
	var desc protocol.DescriptionResult
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("decoding setRemoteDescription data: %w", err)
	}

	sdpType := webrtc.SDPTypeOffer
	if desc.Type == "answer" {
		sdpType = webrtc.SDPTypeAnswer
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()

	if pt, ok := rsdb.TelephoneEventPayloadType(desc.SDP); ok {
		s.mu.Lock()
		s.dtmfPayload = pt
		s.mu.Unlock()
	}

	return json.Marshal(protocol.SuccessResult{Success: true})
}

func (s *session) getCompleteSdp() ([]byte, error) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil || pc.LocalDescription() == nil {
		return nil, fmt.Errorf("getCompleteSdp called before a local description exists")
	}
	return json.Marshal(protocol.CompleteSdpResult{SDP: pc.LocalDescription().SDP})
}

func (s *session) addIceCandidate(data []byte) ([]byte, error) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("addIceCandidate called before peer connection exists")
	}

	var payload protocol.IceCandidatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding addIceCandidate data: %w", err)
	}
	if payload.Candidate == nil {
		return json.Marshal(protocol.SuccessResult{Success: true})
	}

	init := webrtc.ICECandidateInit{Candidate: *payload.Candidate}
	if payload.SdpMid != nil {
		init.SDPMid = payload.SdpMid
	}
	if payload.SdpMLineIndex != nil {
		v := uint16(*payload.SdpMLineIndex)
		init.SDPMLineIndex = &v
	}
	if payload.UsernameFragment != nil {
		init.UsernameFragment = payload.UsernameFragment
	}

	if err := pc.AddICECandidate(init); err != nil {
		return nil, fmt.Errorf("adding ice candidate: %w", err)
	}
	return json.Marshal(protocol.SuccessResult{Success: true})
}

func (s *session) opSendDtmf(data []byte) ([]byte, error) {
	var dtmf protocol.DtmfData
	if err := json.Unmarshal(data, &dtmf); err != nil {
		return nil, fmt.Errorf("decoding sendDtmf data: %w", err)
	}
	s.sendDtmf(dtmf.Tones)
	return json.Marshal(protocol.SuccessResult{Success: true})
}

func (s *session) close() ([]byte, error) {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			return nil, fmt.Errorf("closing peer connection: %w", err)
		}
	}
	return json.Marshal(protocol.SuccessResult{Success: true})
}

// prepare lazily constructs the peer connection on first use.
func (s *session) prepare() error {
	return s.ensurePeerConnection()
}
