package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusHubURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Hub health",
	Long:  `Query a Hub's /healthz endpoint and print connected-client count and uptime. There is no local daemon to query: the Edge only exists for the lifetime of an "up" session, so status always asks the Hub directly.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHubURL, "hub", "", "Hub WebSocket URL (default: edge.hub_url from config)")
}

type hubHealth struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Uptime  string `json:"uptime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	raw := statusHubURL
	if raw == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("no --hub given and config unavailable: %w", err)
		}
		raw = cfg.Edge.HubURL
	}

	wsURL, err := normalizeServerURL(raw)
	if err != nil {
		return fmt.Errorf("hub url: %w", err)
	}
	healthzURL, err := healthzURLFromWS(wsURL)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthzURL)
	if err != nil {
		return fmt.Errorf("querying %s: %w", healthzURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned %s", resp.Status)
	}

	var health hubHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Hub:     %s\n", healthzURL)
	fmt.Fprintf(os.Stdout, "Status:  %s\n", health.Status)
	fmt.Fprintf(os.Stdout, "Clients: %d\n", health.Clients)
	fmt.Fprintf(os.Stdout, "Uptime:  %s\n", health.Uptime)
	return nil
}

// healthzURLFromWS swaps the ws(s) scheme and /connect path of a Hub
// WebSocket URL for the plain-HTTP /healthz endpoint served on the same
// host, so status never needs its own separately-configured address.
func healthzURLFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing hub url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/connect")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
