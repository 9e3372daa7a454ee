package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var inviteIncludeSecret bool

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Print a QR code provisioning another Edge with this SIP account",
	Long: `Generate a QR code encoding the Hub URL and SIP account URI from this
config, so another device running sipfanout-edge can scan it instead of
typing the config by hand.

By default the account password is left out of the QR; pass
--include-secret to embed it too (only do this over a trusted screen,
since anyone who can photograph the code can place calls as this account).`,
	RunE: runInvite,
}

func init() {
	inviteCmd.Flags().BoolVar(&inviteIncludeSecret, "include-secret", false, "embed the SIP account password in the QR code")
}

// provisioningPayload is the JSON document base64-encoded into the
// sipfanout://provision deep link.
type provisioningPayload struct {
	HubURL      string   `json:"hubUrl"`
	SipURI      string   `json:"sipUri"`
	WSServers   []string `json:"wsServers"`
	DisplayName string   `json:"displayName,omitempty"`
	Password    string   `json:"password,omitempty"`
}

func runInvite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Edge.HubURL == "" {
		return fmt.Errorf("edge.hub_url is not configured")
	}
	if cfg.Sip.URI == "" {
		return fmt.Errorf("sip.uri is not configured")
	}

	payload := provisioningPayload{
		HubURL:      cfg.Edge.HubURL,
		SipURI:      cfg.Sip.URI,
		WSServers:   cfg.Sip.WSServers,
		DisplayName: cfg.Sip.DisplayName,
	}
	if inviteIncludeSecret {
		payload.Password = cfg.Sip.Password
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding provisioning payload: %w", err)
	}
	deepLink := "sipfanout://provision?data=" + url.QueryEscape(base64.URLEncoding.EncodeToString(body))

	fmt.Fprintf(os.Stderr, "\nProvisioning link for %s:\n\n", cfg.Sip.URI)
	fmt.Fprintln(os.Stderr, deepLink)

	qr, err := qrcode.New(deepLink, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\nScan with another sipfanout-edge device:\n\n")
	fmt.Fprint(os.Stderr, qr.ToSmallString(false))

	if !inviteIncludeSecret {
		fmt.Fprintf(os.Stderr, "\n(password omitted — rerun with --include-secret to embed it)\n")
	}

	return nil
}
