// Package peerworker is the Edge-side counterpart of internal/rsdb: it
// owns the actual pion RTCPeerConnection and services every SDP_REQUEST
// operation the Hub's Remote-SDP Bridge sends over the channel, posting
// ICE_CANDIDATE and CONNECTION_STATE_CHANGE back as they occur. One
// Worker instance exists per Edge process; it multiplexes sessions by
// sessionId, mirroring the Hub's per-call Handler.
package peerworker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// ICEConfig is the STUN/TURN configuration passed down from the Edge's
// SipConfig when a call session is created.
type ICEConfig struct {
	STUNServers []string
	TURNServers []TurnServer
	ForceRelay  bool
}

// TurnServer mirrors sipmanager.TurnServer without importing it, keeping
// peerworker independent of the Hub-side SIP package.
type TurnServer struct {
	URLs     []string
	Username string
	Password string
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.TURNServers))
	for _, u := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	for _, t := range c.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:           t.URLs,
			Username:       t.Username,
			Credential:     t.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// Worker dispatches incoming SDP_REQUEST/MEDIA_CONTROL envelopes to the
// right session and posts outbound ICE_CANDIDATE/CONNECTION_STATE_CHANGE
// envelopes back over ch.
type Worker struct {
	ch  channel.Channel
	ice ICEConfig
	log *slog.Logger

	codecSelector *mediadevices.CodecSelector

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Worker posting RSDB traffic over ch.
func New(ch channel.Channel, ice ICEConfig, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("initializing opus encoder params: %w", err)
	}
	opusParams.BitRate = 32000

	return &Worker{
		ch:            ch,
		ice:           ice,
		log:           logger.With("component", "peerworker"),
		codecSelector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
		sessions:      make(map[string]*session),
	}, nil
}

// HandleEnvelope is registered with the Edge client (edge.On) for
// SDP_REQUEST and MEDIA_CONTROL envelopes.
func (w *Worker) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.SdpRequest:
		w.handleSdpRequest(env)
	case protocol.MediaControl:
		w.handleMediaControl(env)
	default:
	}
}

func (w *Worker) handleSdpRequest(env protocol.Envelope) {
	var payload protocol.SdpRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		w.log.Warn("dropping malformed SDP_REQUEST", "error", err)
		return
	}

	s := w.sessionFor(payload.SessionID)

	result, opErr := s.handle(payload.Request)

	resp := protocol.SdpResponseBody{RequestID: payload.Request.RequestID}
	if opErr != nil {
		resp.Error = opErr.Error()
	} else {
		resp.Result = result
	}

	respPayload := protocol.SdpResponsePayload{SessionID: payload.SessionID, Response: resp}
	respEnv, err := protocol.New(protocol.SdpResponse, "", time.Now().UnixMilli(), respPayload)
	if err != nil {
		w.log.Error("building SDP_RESPONSE", "error", err)
		return
	}
	w.ch.Post(respEnv)
}

func (w *Worker) handleMediaControl(env protocol.Envelope) {
	var payload protocol.MediaControlPayload
	if err := env.DecodePayload(&payload); err != nil {
		w.log.Warn("dropping malformed MEDIA_CONTROL", "error", err)
		return
	}

	w.mu.Lock()
	s, ok := w.sessions[payload.SessionID]
	w.mu.Unlock()
	if !ok {
		w.log.Warn("MEDIA_CONTROL for unknown session", "sessionId", payload.SessionID)
		return
	}

	switch payload.Action {
	case "mute":
		s.setMuted(true)
	case "unmute":
		s.setMuted(false)
	case "dtmf":
		s.sendDtmf(payload.Tones)
	}
}

func (w *Worker) sessionFor(sessionID string) *session {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sessions[sessionID]; ok {
		return s
	}
	s := newSession(sessionID, w.ice, w.codecSelector, w.ch, w.log)
	w.sessions[sessionID] = s
	return s
}

func (w *Worker) removeSession(sessionID string) {
	w.mu.Lock()
	delete(w.sessions, sessionID)
	w.mu.Unlock()
}

// session is the per-call peer connection plus its DTMF sender state.
type session struct {
	id       string
	ice      ICEConfig
	ch       channel.Channel
	log      *slog.Logger
	selector *mediadevices.CodecSelector

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioStream mediadevices.MediaStream
	muted       bool
	dtmfPayload uint8
	dtmfSSRC    uint32
	dtmfSeq     uint16
	dtmfTrack   *webrtc.TrackLocalStaticRTP
	remoteSet   bool
}

func newSession(id string, ice ICEConfig, codecSelector *mediadevices.CodecSelector, ch channel.Channel, logger *slog.Logger) *session {
	return &session{
		id:       id,
		ice:      ice,
		ch:       ch,
		log:      logger.With("session", id),
		selector: codecSelector,
		dtmfSSRC: uint32(time.Now().UnixNano()),
	}
}

func (s *session) ensurePeerConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc != nil {
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("registering default codecs: %w", err)
	}
	s.selector.Populate(mediaEngine)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         s.ice.pionICEServers(),
		ICETransportPolicy: iceTransportPolicy(s.ice.ForceRelay),
	})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.postIceCandidate(c)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.postConnectionStateChange(state.String())
	})

	s.pc = pc

	if err := s.addAudioTrack(pc); err != nil {
		return err
	}
	if err := s.addDtmfTrack(pc); err != nil {
		return err
	}

	return nil
}

func iceTransportPolicy(forceRelay bool) webrtc.ICETransportPolicy {
	if forceRelay {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// addAudioTrack captures the microphone via pion/mediadevices. When no
// capture device is available (common on headless Edge hosts), it falls
// back to a synthetic silence track so the SDP still negotiates an audio
// m-line.
func (s *session) addAudioTrack(pc *webrtc.PeerConnection) error {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: s.selector,
	})
	if err != nil {
		s.log.Warn("no microphone available, using synthetic silence track", "error", err)
		return s.addSilenceTrack(pc)
	}

	s.audioStream = stream
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				s.log.Warn("audio track ended", "error", err)
			}
		})
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("adding audio transceiver: %w", err)
		}
	}
	return nil
}

func (s *session) addSilenceTrack(pc *webrtc.PeerConnection) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "sipfanout-silence",
	)
	if err != nil {
		return fmt.Errorf("creating silence track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("adding silence track: %w", err)
	}
	go writeSilence(track, s.isMuted)
	return nil
}

func writeSilence(track *webrtc.TrackLocalStaticSample, isMuted func() bool) {
	const frameDuration = 20 * time.Millisecond
	silentOpusFrame := []byte{0xf8, 0xff, 0xfe}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for range ticker.C {
		if isMuted() {
			continue
		}
		_ = track.WriteSample(media.Sample{Data: silentOpusFrame, Duration: frameDuration})
	}
}

func (s *session) isMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *session) setMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// addDtmfTrack registers a dedicated RTP track for RFC 4733 telephone
// events. The payload type is resolved once the remote SDP is known via
// rsdb.TelephoneEventPayloadType; until then SendDtmf is a no-op.
func (s *session) addDtmfTrack(pc *webrtc.PeerConnection) error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: "audio/telephone-event", ClockRate: 8000},
		"audio", "sipfanout-dtmf",
	)
	if err != nil {
		return fmt.Errorf("creating dtmf track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("adding dtmf track: %w", err)
	}
	s.dtmfTrack = track
	return nil
}

func (s *session) postIceCandidate(c *webrtc.ICECandidate) {
	payload := protocol.IceCandidatePayload{SessionID: s.id}
	if c != nil {
		cand := c.ToJSON()
		payload.Candidate = cand.Candidate
		payload.SdpMid = cand.SDPMid
		payload.SdpMLineIndex = cand.SDPMLineIndex
		payload.UsernameFragment = cand.UsernameFragment
	}
	env, err := protocol.New(protocol.IceCandidate, "", time.Now().UnixMilli(), payload)
	if err != nil {
		s.log.Error("building ICE_CANDIDATE", "error", err)
		return
	}
	s.ch.Post(env)
}

func (s *session) postConnectionStateChange(state string) {
	payload := protocol.ConnectionStateChangePayload{SessionID: s.id, State: state}
	env, err := protocol.New(protocol.ConnectionStateChange, "", time.Now().UnixMilli(), payload)
	if err != nil {
		s.log.Error("building CONNECTION_STATE_CHANGE", "error", err)
		return
	}
	s.ch.Post(env)
}

// sendDtmf encodes each digit of tones as RFC 4733 events, grounded on
// the corpus's RTP-level DTMF writer: one packet per 20 ms event step, a
// marker bit only on the first packet, the end bit on the last step, and
// three redundant end-of-event packets to survive loss.
func (s *session) sendDtmf(tones string) {
	s.mu.Lock()
	track := s.dtmfTrack
	payloadType := s.dtmfPayload
	s.mu.Unlock()
	if track == nil {
		s.log.Warn("dtmf requested before track ready")
		return
	}
	if payloadType == 0 {
		s.log.Warn("dtmf requested before telephone-event payload type is known")
		return
	}

	go func() {
		for _, digit := range tones {
			event, ok := dtmfEventCode(digit)
			if !ok {
				continue
			}
			s.writeDigit(track, payloadType, event)
			time.Sleep(60 * time.Millisecond)
		}
	}()
}

const dtmfSampleRate = 8000
const dtmfEventDuration = 160 * 10 // 200ms at 8kHz, in RTP timestamp units

func (s *session) writeDigit(track *webrtc.TrackLocalStaticRTP, payloadType uint8, event byte) {
	s.mu.Lock()
	timestamp := uint32(time.Now().UnixNano() / int64(time.Millisecond) * dtmfSampleRate / 1000)
	s.mu.Unlock()

	steps := dtmfEventDuration / 160
	for i := 0; i <= steps; i++ {
		duration := uint16(i * 160)
		marker := i == 0
		end := i == steps
		s.writeEventPacket(track, payloadType, event, timestamp, duration, marker, end)
		if !end {
			time.Sleep(20 * time.Millisecond)
		}
	}
	for i := 0; i < 3; i++ {
		s.writeEventPacket(track, payloadType, event, timestamp, uint16(dtmfEventDuration), false, true)
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *session) writeEventPacket(track *webrtc.TrackLocalStaticRTP, payloadType uint8, event byte, timestamp uint32, duration uint16, marker, end bool) {
	s.mu.Lock()
	seq := s.dtmfSeq
	s.dtmfSeq++
	ssrc := s.dtmfSSRC
	s.mu.Unlock()

	var endBit byte
	if end {
		endBit = 0x80
	}
	volume := byte(10)
	eventPayload := []byte{
		event,
		endBit | volume,
		byte(duration >> 8), byte(duration),
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: eventPayload,
	}
	if err := track.WriteRTP(pkt); err != nil {
		s.log.Warn("writing dtmf rtp packet", "error", err)
	}
}

// dtmfEventCode maps a DTMF character to its RFC 4733 event code.
func dtmfEventCode(digit rune) (byte, bool) {
	switch {
	case digit >= '0' && digit <= '9':
		return byte(digit - '0'), true
	case digit == '*':
		return 10, true
	case digit == '#':
		return 11, true
	case digit >= 'A' && digit <= 'D':
		return byte(12 + (digit - 'A')), true
	}
	return 0, false
}

// handle dispatches one SDP_REQUEST operation and returns its raw JSON
// result, or an error that becomes the SDP_RESPONSE's error field.
func (s *session) handle(req protocol.SdpRequestBody) (resultJSON []byte, err error) {
	switch req.Operation {
	case protocol.OpCreateOffer:
		return s.createOffer()
	case protocol.OpCreateAnswer:
		return s.createAnswer()
	case protocol.OpSetLocalDescription:
		return s.setLocalDescription(req.Data)
	case protocol.OpSetRemoteDescription:
		return s.setRemoteDescription(req.Data)
	case protocol.OpGetCompleteSdp:
		return s.getCompleteSdp()
	case protocol.OpAddIceCandidate:
		return s.addIceCandidate(req.Data)
	case protocol.OpSendDtmf:
		return s.opSendDtmf(req.Data)
	case protocol.OpClose:
		return s.close()
	default:
		return nil, fmt.Errorf("unknown sdp operation: %s", req.Operation)
	}
}
