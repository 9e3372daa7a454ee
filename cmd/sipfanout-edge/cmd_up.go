package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kuuji/sipfanout/internal/channel"
	"github.com/kuuji/sipfanout/internal/config"
	"github.com/kuuji/sipfanout/internal/edge"
	"github.com/kuuji/sipfanout/internal/peerworker"
	"github.com/kuuji/sipfanout/internal/turn"
	"github.com/kuuji/sipfanout/pkg/protocol"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to a Hub and drive a SIP call interactively",
	Long: `Dial the Hub's WebSocket endpoint, initialize and register the
configured SIP account, and open an interactive prompt for making and
answering calls.

Requires a config file with [sip] and [edge] sections:
  sipfanout-edge up --config /etc/sipfanout/config.toml`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upTarget, "call", "", "immediately place a call to this SIP URI before entering the prompt")
}

var upTarget string

func runUp(cmd *cobra.Command, args []string) error {
	if err := config.MigrateConfigSplit(resolvedConfigPath()); err != nil {
		globalLogger.Warn("config split migration failed", "error", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateEdgeConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	hubURL, err := normalizeServerURL(cfg.Edge.HubURL)
	if err != nil {
		return fmt.Errorf("edge.hub_url: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("dialing hub", "url", hubURL)
	conn, _, err := websocket.Dial(ctx, hubURL, nil)
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}

	ch := channel.NewWSChannel(ctx, conn, globalLogger)
	edgeClient := edge.New(ch, globalLogger)

	resolvedTurn := resolveTurnCredentials(cfg.Sip.TURNServers)

	ice := peerworker.ICEConfig{
		STUNServers: cfg.Sip.STUNServers,
		ForceRelay:  cfg.Edge.ForceRelay,
	}
	for _, t := range resolvedTurn {
		ice.TURNServers = append(ice.TURNServers, peerworker.TurnServer{
			URLs:     t.URLs,
			Username: t.Username,
			Password: t.Password,
		})
	}

	worker, err := peerworker.New(ch, ice, globalLogger)
	if err != nil {
		return fmt.Errorf("constructing peer worker: %w", err)
	}

	call := newCallTracker()
	edgeClient.On(protocol.SdpRequest, worker.HandleEnvelope)
	edgeClient.On(protocol.SdpRequest, call.observeSdpRequest)
	edgeClient.On(protocol.MediaControl, worker.HandleEnvelope)
	edgeClient.On(protocol.IncomingCall, call.onIncomingCall)
	edgeClient.On(protocol.CallClaimed, call.onCallClaimed)
	edgeClient.On(protocol.CallUpdate, call.onCallUpdate)
	edgeClient.On(protocol.CallError, call.onCallError)

	done := make(chan struct{})
	go func() {
		ch.Run()
		close(done)
	}()
	defer edgeClient.Close()

	if err := initializeAndRegister(ctx, edgeClient, cfg, resolvedTurn); err != nil {
		return err
	}
	fmt.Println("Registered. Connected clientId:", edgeClient.ClientID())

	if upTarget != "" {
		if resp, err := edgeClient.MakeCall(ctx, upTarget); err != nil {
			fmt.Fprintln(os.Stderr, "call failed:", err)
		} else {
			call.setOutboundCallID(resp)
		}
	}

	go runCallPrompt(ctx, edgeClient, worker, call)

	select {
	case <-ctx.Done():
	case <-done:
		globalLogger.Info("hub connection closed")
	}
	return nil
}

func initializeAndRegister(ctx context.Context, e *edge.Edge, cfg *config.Config, turnServers []config.TURNServerConfig) error {
	sipWire := map[string]any{
		"uri":             cfg.Sip.URI,
		"password":        cfg.Sip.Password,
		"authUsername":    cfg.Sip.AuthUsername,
		"wsServers":       cfg.Sip.WSServers,
		"displayName":     cfg.Sip.DisplayName,
		"registerExpires": cfg.Sip.RegisterExpires,
		"stunServers":     cfg.Sip.STUNServers,
		"extraHeaders":    cfg.Sip.ExtraHeaders,
		"autoReconnect":   cfg.Sip.AutoReconnect,
	}
	if len(turnServers) > 0 {
		wireTurn := make([]map[string]any, 0, len(turnServers))
		for _, t := range turnServers {
			wireTurn = append(wireTurn, map[string]any{"urls": t.URLs, "username": t.Username, "password": t.Password})
		}
		sipWire["turnServers"] = wireTurn
	}

	if _, err := e.InitializeSip(ctx, sipWire); err != nil {
		return fmt.Errorf("sip initialize: %w", err)
	}
	if _, err := e.ConnectSip(ctx); err != nil {
		return fmt.Errorf("sip connect: %w", err)
	}
	if _, err := e.RegisterSip(ctx); err != nil {
		return fmt.Errorf("sip register: %w", err)
	}
	return nil
}

// callTracker keeps just enough client-side state to drive the prompt:
// the current RSDB sessionId (learned by eavesdropping on SDP_REQUEST
// the same way worker.HandleEnvelope does) and the active/ringing
// callId.
type callTracker struct {
	mu         sync.Mutex
	sessionID  string
	callID     string
	ringingID  string
	ringingFrm string
	lastState  string
}

func newCallTracker() *callTracker {
	return &callTracker{}
}

func (c *callTracker) observeSdpRequest(env protocol.Envelope) {
	var payload protocol.SdpRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	c.mu.Lock()
	c.sessionID = payload.SessionID
	c.mu.Unlock()
}

func (c *callTracker) onIncomingCall(env protocol.Envelope) {
	var payload protocol.CallUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	c.mu.Lock()
	c.ringingID = payload.CallID
	c.ringingFrm = payload.From
	c.mu.Unlock()
	fmt.Printf("\nIncoming call %s from %s\n", payload.CallID, payload.From)
}

func (c *callTracker) onCallClaimed(env protocol.Envelope) {
	var payload protocol.CallUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	c.mu.Lock()
	if c.ringingID == payload.CallID {
		c.ringingID = ""
		c.ringingFrm = ""
	}
	c.mu.Unlock()
}

func (c *callTracker) onCallUpdate(env protocol.Envelope) {
	var payload protocol.CallUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	c.mu.Lock()
	c.callID = payload.CallID
	c.lastState = payload.State
	if payload.State == "ended" {
		c.callID = ""
	}
	c.mu.Unlock()
	fmt.Printf("\ncall %s: %s\n", payload.CallID, payload.State)
}

func (c *callTracker) onCallError(env protocol.Envelope) {
	var payload protocol.CallErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	fmt.Printf("\ncall %s error: %s\n", payload.CallID, payload.Error)
}

func (c *callTracker) setOutboundCallID(resp protocol.ResponsePayload) {
	var data struct {
		CallID string `json:"callId"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &data)
	}
	c.mu.Lock()
	c.callID = data.CallID
	c.mu.Unlock()
}

func (c *callTracker) snapshot() (sessionID, callID, ringingID, ringingFrom string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.callID, c.ringingID, c.ringingFrm
}

const (
	actionCall   = "Place a call"
	actionAnswer = "Answer ringing call"
	actionEnd    = "End active call"
	actionMute   = "Mute"
	actionUnmute = "Unmute"
	actionDtmf   = "Send DTMF"
	actionQuit   = "Quit"
)

// runCallPrompt drives the interactive huh menu until the user quits or
// ctx is cancelled, mirroring the teacher's device/peer select-then-act
// prompt loop.
func runCallPrompt(ctx context.Context, e *edge.Edge, worker *peerworker.Worker, call *callTracker) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, callID, ringingID, ringingFrom := call.snapshot()
		options := []huh.Option[string]{huh.NewOption(actionCall, actionCall)}
		if ringingID != "" {
			options = append(options, huh.NewOption(fmt.Sprintf("%s (from %s)", actionAnswer, ringingFrom), actionAnswer))
		}
		if callID != "" {
			options = append(options,
				huh.NewOption(actionEnd, actionEnd),
				huh.NewOption(actionMute, actionMute),
				huh.NewOption(actionUnmute, actionUnmute),
				huh.NewOption(actionDtmf, actionDtmf),
			)
		}
		options = append(options, huh.NewOption(actionQuit, actionQuit))

		var choice string
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("sipfanout-edge").
					Options(options...).
					Value(&choice),
			),
		).WithTheme(customHuhTheme())
		if err := form.Run(); err != nil {
			return
		}

		switch choice {
		case actionCall:
			handlePromptCall(ctx, e, call)
		case actionAnswer:
			if _, err := e.AnswerCall(ctx, ringingID); err != nil {
				fmt.Fprintln(os.Stderr, "answer failed:", err)
			}
		case actionEnd:
			if _, err := e.EndCall(ctx, callID); err != nil {
				fmt.Fprintln(os.Stderr, "end call failed:", err)
			}
		case actionMute:
			sendMediaControl(worker, call, "mute", "")
		case actionUnmute:
			sendMediaControl(worker, call, "unmute", "")
		case actionDtmf:
			handlePromptDtmf(worker, call)
		case actionQuit, "":
			return
		}
	}
}

func handlePromptCall(ctx context.Context, e *edge.Edge, call *callTracker) {
	var target string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Call target").
				Description("SIP URI, e.g. sip:bob@example.com").
				Value(&target),
		),
	).WithTheme(customHuhTheme())
	if err := form.Run(); err != nil || target == "" {
		return
	}
	resp, err := e.MakeCall(ctx, target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "call failed:", err)
		return
	}
	call.setOutboundCallID(resp)
}

func handlePromptDtmf(worker *peerworker.Worker, call *callTracker) {
	var tones string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("DTMF tones").
				Description("e.g. 1234#").
				Value(&tones),
		),
	).WithTheme(customHuhTheme())
	if err := form.Run(); err != nil || tones == "" {
		return
	}
	sendMediaControl(worker, call, "dtmf", tones)
}

// sendMediaControl feeds a MEDIA_CONTROL envelope straight to the local
// peer worker, the same envelope shape the Hub would send over the
// channel, since mute/unmute/dtmf act on this Edge's own peer connection.
func sendMediaControl(worker *peerworker.Worker, call *callTracker, action, tones string) {
	sessionID, _, _, _ := call.snapshot()
	if sessionID == "" {
		fmt.Fprintln(os.Stderr, "no active media session yet")
		return
	}
	payload := protocol.MediaControlPayload{SessionID: sessionID, Action: action, Tones: tones}
	env, err := protocol.New(protocol.MediaControl, "", time.Now().UnixMilli(), payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building media control:", err)
		return
	}
	worker.HandleEnvelope(env)
}

// resolveTurnCredentials mints short-lived REST API TURN credentials for
// any entry that only carries a shared Secret, leaving entries with a
// static Username/Password untouched. The peerId is a fresh uuid per
// process, not the channel clientId, since credentials only need to be
// unique enough for TURN server accounting.
func resolveTurnCredentials(servers []config.TURNServerConfig) []config.TURNServerConfig {
	if len(servers) == 0 {
		return nil
	}
	peerID := uuid.NewString()
	resolved := make([]config.TURNServerConfig, len(servers))
	for i, t := range servers {
		resolved[i] = t
		if t.Secret != "" && t.Username == "" {
			username, password := turn.GenerateCredentials(t.Secret, peerID, turn.DefaultCredentialLifetime)
			resolved[i].Username = username
			resolved[i].Password = password
		}
	}
	return resolved
}

func validateEdgeConfig(cfg *config.Config) error {
	if cfg.Edge.HubURL == "" {
		return fmt.Errorf("edge.hub_url is required")
	}
	if cfg.Sip.URI == "" {
		return fmt.Errorf("sip.uri is required")
	}
	if len(cfg.Sip.WSServers) == 0 {
		return fmt.Errorf("sip.ws_servers is required")
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/sipfanout/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
