// Package config loads and saves the TOML configuration for the Hub and
// Edge processes, following the teacher's split "public config / secrets"
// file layout so SIP credentials never land in a world-readable file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for sipfanout.
const DefaultConfigDir = "/etc/sipfanout"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for a sipfanout process. Hub is
// only populated for the Hub binary, Edge only for the Edge binary —
// both share the same Sip block since it describes the account the Hub
// registers and the Edge's peer connections negotiate against.
type Config struct {
	Hub  HubConfig  `toml:"hub"`
	Edge EdgeConfig `toml:"edge"`
	Sip  SipConfig  `toml:"sip"`
}

// HubConfig configures the standalone Hub process.
type HubConfig struct {
	// ListenAddr is the address the Hub's HTTP server (WebSocket upgrade,
	// /healthz, /metrics) binds to, e.g. ":8443".
	ListenAddr string `toml:"listen_addr"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level,omitempty"`

	// RateLimitPerSecond and RateLimitBurst tune per-client REQUEST
	// throttling. Zero values fall back to DefaultRateLimitConfig.
	RateLimitPerSecond float64 `toml:"rate_limit_per_second,omitempty"`
	RateLimitBurst     int     `toml:"rate_limit_burst,omitempty"`
}

// EdgeConfig configures an Edge client's connection to a Hub.
type EdgeConfig struct {
	// HubURL is the Hub's WebSocket endpoint, e.g. "wss://sip.example.com/connect".
	HubURL string `toml:"hub_url"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level,omitempty"`

	// ForceRelay forces all WebRTC connections through the TURN relay,
	// bypassing direct (host/srflx) connectivity.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// SipConfig mirrors spec.md's SipConfig data-model entity: everything the
// Hub's SIP manager needs to initialize, connect, and register a single
// SIP account over WebSocket transport.
type SipConfig struct {
	// URI is the SIP account URI, e.g. "sip:alice@example.com".
	URI string `toml:"uri"`

	// Password authenticates the account via digest auth.
	Password string `toml:"-"`

	// AuthUsername is used for digest auth when it differs from the URI
	// user part (some PBXs separate the two).
	AuthUsername string `toml:"auth_username,omitempty"`

	// WSServers lists candidate SIP-over-WebSocket endpoints, tried in order.
	WSServers []string `toml:"ws_servers"`

	// DisplayName is the caller display name sent in From/Contact headers.
	DisplayName string `toml:"display_name,omitempty"`

	// RegisterExpires is the REGISTER Expires value in seconds.
	RegisterExpires int `toml:"register_expires,omitempty"`

	// STUNServers and TURNServers configure ICE gathering for calls.
	STUNServers []string           `toml:"stun_servers,omitempty"`
	TURNServers []TURNServerConfig `toml:"turn_servers,omitempty"`

	// ExtraHeaders are added verbatim to outgoing REGISTER/INVITE requests.
	ExtraHeaders map[string]string `toml:"extra_headers,omitempty"`

	// AutoReconnect enables the fixed-delay reconnect loop, which starts
	// after the first successful connect and re-checks the transport while
	// the SIP manager is disconnected or failed.
	AutoReconnect bool `toml:"auto_reconnect,omitempty"`
}

// TURNServerConfig is a single TURN server entry within SipConfig. Either
// Username/Password is set directly, or Secret is set and the Edge mints
// short-lived REST API credentials from it per internal/turn's
// coturn-compatible scheme instead of shipping a single static password.
type TURNServerConfig struct {
	URLs     []string `toml:"urls"`
	Username string   `toml:"-"`
	Password string   `toml:"-"`
	Secret   string   `toml:"-"`
}

// configFile is the TOML representation for config.toml (world-readable,
// no secrets — the SIP account password and TURN credentials live in
// secrets.toml instead).
type configFile struct {
	Hub  HubConfig     `toml:"hub"`
	Edge EdgeConfig    `toml:"edge"`
	Sip  sipConfigFile `toml:"sip"`
}

type sipConfigFile struct {
	URI             string                   `toml:"uri"`
	AuthUsername    string                   `toml:"auth_username,omitempty"`
	WSServers       []string                 `toml:"ws_servers"`
	DisplayName     string                   `toml:"display_name,omitempty"`
	RegisterExpires int                      `toml:"register_expires,omitempty"`
	STUNServers     []string                 `toml:"stun_servers,omitempty"`
	TURNServers     []turnServerConfigPublic `toml:"turn_servers,omitempty"`
	ExtraHeaders    map[string]string        `toml:"extra_headers,omitempty"`
	AutoReconnect   bool                     `toml:"auto_reconnect,omitempty"`
}

// turnServerConfigPublic carries only the non-secret URLs field; the
// TURN username/password live in secretsFile alongside the SIP password.
type turnServerConfigPublic struct {
	URLs []string `toml:"urls"`
}

// secretsFile is the TOML representation for secrets.toml (0640, root +
// invoking user): the SIP account password and any TURN credentials.
type secretsFile struct {
	Sip sipSecretsFile `toml:"sip"`
}

type sipSecretsFile struct {
	Password    string                    `toml:"password,omitempty"`
	TURNSecrets []turnServerSecretsConfig `toml:"turn_servers,omitempty"`
}

type turnServerSecretsConfig struct {
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	Secret   string `toml:"secret,omitempty"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	turnServers := make([]turnServerConfigPublic, 0, len(cfg.Sip.TURNServers))
	for _, t := range cfg.Sip.TURNServers {
		turnServers = append(turnServers, turnServerConfigPublic{URLs: t.URLs})
	}

	return &configFile{
		Hub:  cfg.Hub,
		Edge: cfg.Edge,
		Sip: sipConfigFile{
			URI:             cfg.Sip.URI,
			AuthUsername:    cfg.Sip.AuthUsername,
			WSServers:       cfg.Sip.WSServers,
			DisplayName:     cfg.Sip.DisplayName,
			RegisterExpires: cfg.Sip.RegisterExpires,
			STUNServers:     cfg.Sip.STUNServers,
			TURNServers:     turnServers,
			ExtraHeaders:    cfg.Sip.ExtraHeaders,
			AutoReconnect:   cfg.Sip.AutoReconnect,
		},
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	turnSecrets := make([]turnServerSecretsConfig, 0, len(cfg.Sip.TURNServers))
	for _, t := range cfg.Sip.TURNServers {
		turnSecrets = append(turnSecrets, turnServerSecretsConfig{Username: t.Username, Password: t.Password, Secret: t.Secret})
	}

	return &secretsFile{
		Sip: sipSecretsFile{
			Password:    cfg.Sip.Password,
			TURNSecrets: turnSecrets,
		},
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Sip.Password = s.Sip.Password
	for i := range cfg.Sip.TURNServers {
		if i < len(s.Sip.TURNSecrets) {
			cfg.Sip.TURNServers[i].Username = s.Sip.TURNSecrets[i].Username
			cfg.Sip.TURNServers[i].Password = s.Sip.TURNSecrets[i].Password
			cfg.Sip.TURNServers[i].Secret = s.Sip.TURNSecrets[i].Secret
		}
	}
}

// DefaultConfig returns a Config populated with sensible defaults. Hub/Edge
// network endpoints and the SIP account itself are left empty and must be
// filled in by the user or by a provisioning flow.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ListenAddr: ":8443",
			LogLevel:   "info",
		},
		Edge: EdgeConfig{
			LogLevel: "info",
		},
		Sip: SipConfig{
			STUNServers:     append([]string(nil), DefaultSTUNServers...),
			RegisterExpires: 300,
			AutoReconnect:   true,
		},
	}
}

// DefaultConfigPath returns the default path for the sipfanout config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the sipfanout secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LegacyConfigPath returns the old user-level config path
// (~/.config/sipfanout/config.toml), used for migration detection.
func LegacyConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sipfanout", "config.toml"), nil
}

// LegacyConfigPathForUser returns the old user-level config path for a
// specific user's home directory.
func LegacyConfigPathForUser(homeDir string) string {
	return filepath.Join(homeDir, ".config", "sipfanout", "config.toml")
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it
// returns an error wrapping fs.ErrNotExist. If secrets.toml does not
// exist, the secret fields are left at their zero values.
//
// For commands that explicitly do not need secrets (and should work
// without root), use LoadPublicConfig instead.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration).
func LoadPublicConfig(path string) (*Config, error) {
	public := &configFile{}
	if _, err := toml.DecodeFile(path, public); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	turnServers := make([]TURNServerConfig, 0, len(public.Sip.TURNServers))
	for _, t := range public.Sip.TURNServers {
		turnServers = append(turnServers, TURNServerConfig{URLs: t.URLs})
	}

	cfg := &Config{
		Hub:  public.Hub,
		Edge: public.Edge,
		Sip: SipConfig{
			URI:             public.Sip.URI,
			AuthUsername:    public.Sip.AuthUsername,
			WSServers:       public.Sip.WSServers,
			DisplayName:     public.Sip.DisplayName,
			RegisterExpires: public.Sip.RegisterExpires,
			STUNServers:     public.Sip.STUNServers,
			TURNServers:     turnServers,
			ExtraHeaders:    public.Sip.ExtraHeaders,
			AutoReconnect:   public.Sip.AutoReconnect,
		},
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0644 (world-readable — no secrets)
//   - secrets.toml: 0640 (group-readable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0644, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. Best-effort: errors
// are silently ignored because the file is already written and root can
// always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file
// mode, correcting permissions even if the file already existed.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// monolithicFile is the pre-split TOML shape: public and secret SIP
// fields together in one document. It is only used by ParseTOML and
// MigrateConfigSplit, which accept or detect a single combined file.
type monolithicFile struct {
	Hub HubConfig  `toml:"hub"`
	Edge EdgeConfig `toml:"edge"`
	Sip monolithicSipFile `toml:"sip"`
}

type monolithicSipFile struct {
	URI             string                      `toml:"uri"`
	Password        string                      `toml:"password,omitempty"`
	AuthUsername    string                      `toml:"auth_username,omitempty"`
	WSServers       []string                    `toml:"ws_servers"`
	DisplayName     string                      `toml:"display_name,omitempty"`
	RegisterExpires int                         `toml:"register_expires,omitempty"`
	STUNServers     []string                    `toml:"stun_servers,omitempty"`
	TURNServers     []monolithicTURNServerField `toml:"turn_servers,omitempty"`
	ExtraHeaders    map[string]string           `toml:"extra_headers,omitempty"`
	AutoReconnect   bool                        `toml:"auto_reconnect,omitempty"`
}

type monolithicTURNServerField struct {
	URLs     []string `toml:"urls"`
	Username string   `toml:"username,omitempty"`
	Password string   `toml:"password,omitempty"`
	Secret   string   `toml:"secret,omitempty"`
}

func (m *monolithicFile) toConfig() *Config {
	turnServers := make([]TURNServerConfig, 0, len(m.Sip.TURNServers))
	for _, t := range m.Sip.TURNServers {
		turnServers = append(turnServers, TURNServerConfig{URLs: t.URLs, Username: t.Username, Password: t.Password, Secret: t.Secret})
	}
	return &Config{
		Hub:  m.Hub,
		Edge: m.Edge,
		Sip: SipConfig{
			URI:             m.Sip.URI,
			Password:        m.Sip.Password,
			AuthUsername:    m.Sip.AuthUsername,
			WSServers:       m.Sip.WSServers,
			DisplayName:     m.Sip.DisplayName,
			RegisterExpires: m.Sip.RegisterExpires,
			STUNServers:     m.Sip.STUNServers,
			TURNServers:     turnServers,
			ExtraHeaders:    m.Sip.ExtraHeaders,
			AutoReconnect:   m.Sip.AutoReconnect,
		},
	}
}

// ParseTOML decodes a full Config (public + secret fields together) from a
// TOML string, for callers that pass a complete config as one blob rather
// than via the split file layout (e.g. a provisioning flow).
func ParseTOML(s string) (*Config, error) {
	var m monolithicFile
	if _, err := toml.Decode(s, &m); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	cfg := m.toConfig()
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string, public fields only.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(toConfigFile(cfg)); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. Called from commands that run
// as root to fix permissions from older versions.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0644)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0640)
		applyUserOwnership(secretsPath)
	}

	return nil
}

// MigrateConfigSplit checks whether the config directory still uses the
// old monolithic format (secrets embedded in config.toml, no
// secrets.toml) and migrates to the split format by re-writing both
// files. If secrets.toml already exists, this is a no-op.
func MigrateConfigSplit(configPath string) error {
	secretsPath := SecretsPathFromConfig(configPath)

	if _, err := os.Stat(secretsPath); err == nil {
		return nil
	}

	var m monolithicFile
	if _, decErr := toml.DecodeFile(configPath, &m); decErr != nil {
		if errors.Is(decErr, fs.ErrNotExist) {
			return nil // No config at all — nothing to migrate.
		}
		return fmt.Errorf("reading config for migration: %w", decErr)
	}
	monolithic := m.toConfig()
	applyDefaults(monolithic)

	hasSecrets := monolithic.Sip.Password != ""
	for _, t := range monolithic.Sip.TURNServers {
		if t.Username != "" || t.Password != "" || t.Secret != "" {
			hasSecrets = true
		}
	}
	if !hasSecrets {
		return nil
	}

	return SaveConfig(configPath, monolithic)
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.Sip.STUNServers) == 0 {
		cfg.Sip.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Sip.RegisterExpires == 0 {
		cfg.Sip.RegisterExpires = 300
	}
	if cfg.Hub.ListenAddr == "" {
		cfg.Hub.ListenAddr = ":8443"
	}
}
