// Command sipfanout-hub runs the standalone Hub process: the
// shared-worker analog that owns the single SIP manager and Remote-SDP
// Bridge factory and serves the WebSocket endpoint every Edge dials
// into.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kuuji/sipfanout/internal/config"
	"github.com/kuuji/sipfanout/internal/hub"
)

var version = "dev"

var (
	hubConfigPath string
	hubListenAddr string
	hubVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sipfanout-hub",
	Short: "SIP/WebRTC Hub server",
	Long: `sipfanout-hub owns the SIP account and Remote-SDP Bridge for a set of
Edge clients, fanning registration state and call events out to every
connected Edge over WebSocket.`,
	RunE: runHub,
}

func init() {
	rootCmd.Flags().StringVar(&hubConfigPath, "config", "", "path to config file (default: /etc/sipfanout/config.toml)")
	rootCmd.Flags().StringVar(&hubListenAddr, "addr", "", "listen address, overrides hub.listen_addr from config")
	rootCmd.Flags().BoolVarP(&hubVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sipfanout-hub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func runHub(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if hubVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfgPath := hubConfigPath
	if cfgPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("resolving default config path: %w", err)
		}
		cfgPath = p
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Warn("loading config failed, falling back to defaults", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}

	addr := cfg.Hub.ListenAddr
	if hubListenAddr != "" {
		addr = hubListenAddr
	}
	if addr == "" {
		addr = ":8443"
	}

	rl := hub.DefaultRateLimitConfig()
	if cfg.Hub.RateLimitPerSecond > 0 {
		rl.Rate = rate.Limit(cfg.Hub.RateLimitPerSecond)
	}
	if cfg.Hub.RateLimitBurst > 0 {
		rl.Burst = cfg.Hub.RateLimitBurst
	}
	h := hub.NewWithRateLimit(logger, rl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.RunStandalone(ctx, addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("hub server: %w", err)
	}
	logger.Info("hub stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
