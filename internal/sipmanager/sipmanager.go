// Package sipmanager wraps github.com/emiago/sipgo with the three-gated-phase
// lifecycle (initialize -> connect -> register) and broadcasts state
// transitions through the Hub's registry. Every public operation is safe
// to call repeatedly. Initialize, Connect, Register and Unregister report
// failure as a false result plus a {state:"failed", error} update
// envelope; MakeCall returns an error instead. Panics raised inside sipgo
// are not recovered.
package sipmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/kuuji/sipfanout/internal/registry"
	"github.com/kuuji/sipfanout/internal/rsdb"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

// ReconnectDelay is the fixed auto-reconnect interval (spec.md §4.F).
const ReconnectDelay = 5 * time.Second

const (
	DefaultConnectionTimeout   = 20 * time.Second
	DefaultRegisterExpires     = 3600
	DefaultICEGatheringTimeout = 5 * time.Second
)

// TurnServer mirrors the TURN server entry of SipConfig.
type TurnServer struct {
	URLs     []string
	Username string
	Password string
}

// Config is the SIP configuration accepted by Initialize (spec.md §3 SipConfig).
type Config struct {
	URI                 string
	Password             string
	AuthUsername         string
	WSServers            []string
	DisplayName          string
	RegisterExpires      int
	ICEGatheringTimeout  time.Duration
	ConnectionTimeout    time.Duration
	STUNServers          []string
	TURNServers          []TurnServer
	ExtraHeaders         map[string]string
	AutoReconnect        bool
	TransportOnly        bool
}

func (c Config) withDefaults() Config {
	if c.RegisterExpires == 0 {
		c.RegisterExpires = DefaultRegisterExpires
	}
	if c.ICEGatheringTimeout == 0 {
		c.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	return c
}

// State is the closed set of SIP manager states.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized    State = "initialized"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateRegistering    State = "registering"
	StateRegistered     State = "registered"
	StateUnregistering  State = "unregistering"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
)

// Manager owns the SIP UA and all lifecycle state for the Hub.
type Manager struct {
	reg      *registry.Registry
	rsdbF    *rsdb.Factory
	log      *slog.Logger

	mu            sync.Mutex
	cfg           Config
	ua            *sipgo.UserAgent
	client        *sipgo.Client
	recipient     sip.Uri
	state         State
	registered    bool
	reconnectStop chan struct{}
	activeCall    *protocol.CallRecord
	activeHandler *rsdb.Handler
	boundClientID string
}

// New creates a Manager broadcasting state updates via reg and binding
// outbound offers/answers to sessions created from rsdbF.
func New(reg *registry.Registry, rsdbF *rsdb.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		reg:   reg,
		rsdbF: rsdbF,
		log:   logger.With("component", "sipmanager"),
		state: StateUninitialized,
	}
}

// Initialize constructs the UA and binds the RSDB factory. It tolerates
// re-initialization by stopping any prior UA first.
func (m *Manager) Initialize(cfg Config) (success bool, errText string) {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ua != nil {
		_ = m.ua.Close()
		m.ua = nil
		m.client = nil
	}

	var recipient sip.Uri
	if err := sip.ParseUri(cfg.URI, &recipient); err != nil {
		m.state = StateFailed
		m.broadcastInitResult(false, fmt.Sprintf("invalid uri %q: %s", cfg.URI, err))
		return false, err.Error()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(recipient.User),
		sipgo.WithUserAgentHostname(recipient.Host),
	)
	if err != nil {
		m.state = StateFailed
		m.broadcastInitResult(false, err.Error())
		return false, err.Error()
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(m.log))
	if err != nil {
		_ = ua.Close()
		m.state = StateFailed
		m.broadcastInitResult(false, err.Error())
		return false, err.Error()
	}

	m.cfg = cfg
	m.ua = ua
	m.client = client
	m.recipient = recipient
	m.state = StateInitialized
	m.broadcastInitResult(true, "")
	return true, ""
}

func (m *Manager) broadcastInitResult(success bool, errText string) {
	payload := protocol.SipInitResultPayload{Success: success, State: string(m.state), Error: errText}
	env, err := protocol.New(protocol.SipInitResult, "", time.Now().UnixMilli(), payload)
	if err != nil {
		m.log.Error("building SIP_INIT_RESULT", "error", err)
		return
	}
	m.reg.BroadcastToAllClients(env)
}

// Connect verifies transport reachability against the first configured
// WebSocket signaling server and broadcasts SIP_CONNECTION_UPDATE on
// every transition. It returns true iff connected within
// cfg.ConnectionTimeout.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.ua == nil {
		m.mu.Unlock()
		m.setFailed(StateFailed, "not initialized")
		return false
	}
	timeout := m.cfg.ConnectionTimeout
	wsServers := m.cfg.WSServers
	m.state = StateConnecting
	m.mu.Unlock()

	m.broadcastConnectionUpdate(StateConnecting, "")

	if len(wsServers) == 0 {
		m.setFailed(StateFailed, "no signaling servers configured")
		return false
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.pingTransport(connectCtx, wsServers[0]); err != nil {
		m.setFailed(StateFailed, err.Error())
		return false
	}

	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()
	m.broadcastConnectionUpdate(StateConnected, "")

	if m.cfg.AutoReconnect {
		m.startReconnectWatch()
	}
	return true
}

// pingTransport resolves the signaling server URL and sends an OPTIONS
// request as a lightweight reachability check, mirroring the trunk
// registrar's health-check OPTIONS ping.
func (m *Manager) pingTransport(ctx context.Context, wsURL string) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("parsing signaling url %q: %w", wsURL, err)
	}

	recipientStr := fmt.Sprintf("sip:%s", u.Host)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing signaling recipient: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("WS")

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return fmt.Errorf("client not initialized")
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("sending options ping: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-tx.Done():
		return fmt.Errorf("transport unreachable")
	case <-ctx.Done():
		return fmt.Errorf("connection timeout")
	case res := <-tx.Responses():
		if res == nil {
			return fmt.Errorf("no response from signaling server")
		}
		return nil
	}
}

func (m *Manager) setFailed(state State, errText string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.broadcastConnectionUpdate(state, errText)
}

func (m *Manager) broadcastConnectionUpdate(state State, errText string) {
	payload := protocol.SipConnectionUpdatePayload{State: string(state), Error: errText}
	env, err := protocol.New(protocol.SipConnectionUpdate, "", time.Now().UnixMilli(), payload)
	if err != nil {
		m.log.Error("building SIP_CONNECTION_UPDATE", "error", err)
		return
	}
	m.reg.BroadcastToAllClients(env)
}

// startReconnectWatch starts a loop that, every ReconnectDelay, re-checks
// the transport while the manager is disconnected or failed and moves it
// back to connected when the check succeeds. The loop keeps running after
// a successful reconnect, until Disconnect stops it.
func (m *Manager) startReconnectWatch() {
	m.mu.Lock()
	if m.reconnectStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.reconnectStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(ReconnectDelay)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				disconnected := m.state == StateDisconnected || m.state == StateFailed
				wsServers := m.cfg.WSServers
				m.mu.Unlock()
				if !disconnected || len(wsServers) == 0 {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
				if err := m.pingTransport(ctx, wsServers[0]); err == nil {
					m.mu.Lock()
					m.state = StateConnected
					m.mu.Unlock()
					m.broadcastConnectionUpdate(StateConnected, "")
				}
				cancel()
			}
		}
	}()
}

// Register builds and sends a REGISTER request, handling a digest
// challenge exactly as the corpus's trunk registrar does.
func (m *Manager) Register() bool {
	m.mu.Lock()
	if m.client == nil {
		m.mu.Unlock()
		m.broadcastRegistrationUpdate(StateFailed, "not connected")
		return false
	}
	cfg := m.cfg
	recipient := m.recipient
	client := m.client
	m.state = StateRegistering
	m.mu.Unlock()

	m.broadcastRegistrationUpdate(StateRegistering, "")

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
	defer cancel()

	if err := m.sendRegister(ctx, client, recipient, cfg, cfg.RegisterExpires); err != nil {
		m.mu.Lock()
		m.state = StateFailed
		m.mu.Unlock()
		m.broadcastRegistrationUpdate(StateFailed, err.Error())
		return false
	}

	m.mu.Lock()
	m.state = StateRegistered
	m.registered = true
	m.mu.Unlock()
	m.broadcastRegistrationUpdate(StateRegistered, "")
	return true
}

func (m *Manager) sendRegister(ctx context.Context, client *sipgo.Client, recipient sip.Uri, cfg Config, expiry int) error {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("WS")

	aor := fmt.Sprintf("<%s>", cfg.URI)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", aor))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))
	for k, v := range cfg.ExtraHeaders {
		req.AppendHeader(sip.NewHeader(k, v))
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	res, err := waitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}
		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return fmt.Errorf("parsing auth challenge: %w", err)
		}

		authUser := recipient.User
		if cfg.AuthUsername != "" {
			authUser = cfg.AuthUsername
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipient.String(),
			Username: authUser,
			Password: cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := client.TransactionRequest(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			return fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = waitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func waitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-tx.Responses():
		if res == nil {
			return nil, fmt.Errorf("transaction closed with no response")
		}
		return res, nil
	}
}

func (m *Manager) broadcastRegistrationUpdate(state State, errText string) {
	payload := protocol.SipRegistrationUpdatePayload{State: string(state), Error: errText}
	env, err := protocol.New(protocol.SipRegistrationUpdate, "", time.Now().UnixMilli(), payload)
	if err != nil {
		m.log.Error("building SIP_REGISTRATION_UPDATE", "error", err)
		return
	}
	m.reg.BroadcastToAllClients(env)
}

// Unregister sends a zero-expiry REGISTER to release the binding.
func (m *Manager) Unregister() bool {
	m.mu.Lock()
	if m.client == nil || !m.registered {
		m.mu.Unlock()
		return true
	}
	cfg := m.cfg
	recipient := m.recipient
	client := m.client
	m.state = StateUnregistering
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
	defer cancel()

	err := m.sendRegister(ctx, client, recipient, cfg, 0)

	m.mu.Lock()
	m.registered = false
	if err != nil {
		m.state = StateFailed
	} else {
		m.state = StateConnected
	}
	m.mu.Unlock()

	if err != nil {
		m.broadcastRegistrationUpdate(StateFailed, err.Error())
		return false
	}
	m.broadcastRegistrationUpdate(StateUnregistering, "")
	return true
}

// Disconnect un-registers if needed, then stops the UA.
func (m *Manager) Disconnect() {
	m.Unregister()

	m.mu.Lock()
	if m.reconnectStop != nil {
		close(m.reconnectStop)
		m.reconnectStop = nil
	}
	if m.ua != nil {
		_ = m.ua.Close()
		m.ua = nil
		m.client = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.broadcastConnectionUpdate(StateDisconnected, "")
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRegistered implements hub.RegistrationStateProvider.
func (m *Manager) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// GetActiveCallCount implements hub.CallCounter. The manager tracks at
// most one active call at a time.
func (m *Manager) GetActiveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCall != nil && m.activeCall.State != "ended" {
		return 1
	}
	return 0
}

// MakeCall builds an INVITE, obtains the offer body from the RSDB
// session bound to clientID, and tracks the resulting CallRecord.
func (m *Manager) MakeCall(clientID, target string) (callID string, err error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("sip manager not connected")
	}

	callID = uuid.NewString()
	sessionID := uuid.NewString()

	handler := m.rsdbF.Create(sessionID, clientID, m)
	body, contentType, err := handler.GetDescription(nil)
	if err != nil {
		m.rsdbF.RemoveSession(sessionID, clientID)
		return "", fmt.Errorf("building offer: %w", err)
	}

	recipientStr := target
	if !strings.HasPrefix(target, "sip:") {
		recipientStr = "sip:" + target
	}
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		m.rsdbF.RemoveSession(sessionID, clientID)
		return "", fmt.Errorf("parsing target: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("WS")
	req.SetBody([]byte(body))
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	record := &protocol.CallRecord{ID: callID, State: "calling", Target: target}
	m.mu.Lock()
	m.activeCall = record
	m.activeHandler = handler
	m.boundClientID = clientID
	m.mu.Unlock()
	m.broadcastCallUpdate(record)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectionTimeout)
	defer cancel()

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		m.failCall(callID, err.Error())
		return callID, nil
	}

	go m.watchInviteTransaction(callID, handler, tx)
	return callID, nil
}

func (m *Manager) watchInviteTransaction(callID string, handler *rsdb.Handler, tx sip.ClientTransaction) {
	defer tx.Terminate()
	var res *sip.Response
	for res == nil || res.StatusCode < 200 {
		select {
		case res = <-tx.Responses():
		case <-tx.Done():
			res = nil
		}
		if res == nil {
			m.failCall(callID, "no response")
			return
		}
	}
	if res.StatusCode >= 300 {
		m.failCall(callID, fmt.Sprintf("call rejected: %d %s", res.StatusCode, res.Reason))
		return
	}
	if res.StatusCode == 200 {
		if err := handler.SetDescription(string(res.Body()), nil); err != nil {
			m.failCall(callID, err.Error())
			return
		}
		m.updateCallState(callID, "connected")
	}
}

func (m *Manager) failCall(callID, errText string) {
	m.mu.Lock()
	if m.activeCall != nil && m.activeCall.ID == callID {
		m.activeCall.State = "ended"
		m.activeCall.EndReason = errText
	}
	m.mu.Unlock()
	env, err := protocol.New(protocol.CallError, "", time.Now().UnixMilli(), protocol.CallErrorPayload{CallID: callID, Error: errText})
	if err == nil {
		m.reg.BroadcastToAllClients(env)
	}
}

func (m *Manager) updateCallState(callID, state string) {
	m.mu.Lock()
	if m.activeCall != nil && m.activeCall.ID == callID {
		m.activeCall.State = state
	}
	record := m.activeCall
	m.mu.Unlock()
	if record != nil {
		m.broadcastCallUpdate(record)
	}
}

func (m *Manager) broadcastCallUpdate(record *protocol.CallRecord) {
	payload := protocol.CallUpdatePayload{CallID: record.ID, State: record.State, Target: record.Target, From: record.From}
	env, err := protocol.New(protocol.CallUpdate, "", time.Now().UnixMilli(), payload)
	if err != nil {
		m.log.Error("building CALL_UPDATE", "error", err)
		return
	}
	m.reg.BroadcastToAllClients(env)
}

// EndCall terminates the active call, if any, and releases its RSDB session.
func (m *Manager) EndCall(callID string) {
	m.mu.Lock()
	handler := m.activeHandler
	clientID := m.boundClientID
	if m.activeCall != nil && m.activeCall.ID == callID {
		m.activeCall.State = "ended"
	}
	record := m.activeCall
	m.activeCall = nil
	m.activeHandler = nil
	m.mu.Unlock()

	if handler != nil {
		handler.Close()
		m.rsdbF.RemoveSession(handler.SessionID, clientID)
	}
	if record != nil {
		m.broadcastCallUpdate(record)
	}
}

// OnIceCandidate implements rsdb.Delegate by forwarding trickled
// candidates as an ICE_CANDIDATE broadcast — the SIP manager is the
// "session delegate" bound by the RSDB factory at Create time.
func (m *Manager) OnIceCandidate(candidate protocol.IceCandidatePayload) {
	env, err := protocol.New(protocol.IceCandidate, "", time.Now().UnixMilli(), candidate)
	if err != nil {
		m.log.Error("building ICE_CANDIDATE broadcast", "error", err)
		return
	}
	m.reg.BroadcastToAllClients(env)
}

// OnIceConnectionStateChange implements rsdb.Delegate.
func (m *Manager) OnIceConnectionStateChange(state string) {
	m.log.Debug("ice connection state changed", "state", state)
}
