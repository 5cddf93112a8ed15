// Package config loads the node configuration from TOML.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full node configuration
type Config struct {
	DataDir string

	ListenHost string
	Port       int

	// APIPort 0 disables the HTTP status API
	APIPort int

	BootstrapPeers []string
	ConnectPeers   []string

	Network network.Config

	// Seeds for the settings store; applied only when set
	ClusterSecret []byte
	AdminUsername string
	AdminPassword string

	LogLevel zerolog.Level
	LogJSON  bool
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		ListenHost: "0.0.0.0",
		Port:       9001,
		APIPort:    8080,
		Network:    network.DefaultConfig(),
		LogLevel:   zerolog.InfoLevel,
	}
}

// SettingsPath is the sqlite file inside DataDir
func (c Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.db")
}

// Validate checks ranges the node cannot run with
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("%w: api port %d out of range", ErrInvalidConfig, c.APIPort)
	}
	if c.APIPort != 0 && c.APIPort == c.Port {
		return fmt.Errorf("%w: api port and p2p port are both %d", ErrInvalidConfig, c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	if len(c.ClusterSecret) != 0 && len(c.ClusterSecret) != 32 {
		return fmt.Errorf("%w: cluster secret must be 32 bytes, got %d", ErrInvalidConfig, len(c.ClusterSecret))
	}
	return nil
}

type fileConfig struct {
	Node struct {
		DataDir string `toml:"data_dir"`
	} `toml:"node"`

	Network struct {
		ListenHost       string   `toml:"listen_host"`
		Port             int      `toml:"port"`
		Bootstrap        []string `toml:"bootstrap"`
		Connect          []string `toml:"connect"`
		AcceptIncoming   bool     `toml:"accept_incoming"`
		HandshakeTimeout string   `toml:"handshake_timeout"`
	} `toml:"network"`

	Framing struct {
		AckTimeout        string `toml:"ack_timeout"`
		FragmentThreshold int    `toml:"fragment_threshold"`
		Compression       bool   `toml:"compression"`
	} `toml:"framing"`

	Session struct {
		CallTimeout        string `toml:"call_timeout"`
		IdleTimeout        string `toml:"idle_timeout"`
		HeartbeatInterval  string `toml:"heartbeat_interval"`
		ResetNoticeTimeout string `toml:"reset_notice_timeout"`
	} `toml:"session"`

	Auth struct {
		ClusterSecret string `toml:"cluster_secret"`
		AdminUsername string `toml:"admin_username"`
		AdminPassword string `toml:"admin_password"`
	} `toml:"auth"`

	API struct {
		Port int `toml:"port"`
	} `toml:"api"`

	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

// Load reads path and applies every key it defines on top of DefaultConfig
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log := logging.Component("config")
		log.Warn().
			Str("path", path).
			Interface("keys", undecoded).
			Msg("Ignoring unknown config keys")
	}

	if meta.IsDefined("node", "data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.Node.DataDir)
	}

	if meta.IsDefined("network", "listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.Network.ListenHost)
	}
	if meta.IsDefined("network", "port") {
		cfg.Port = raw.Network.Port
	}
	if meta.IsDefined("network", "bootstrap") {
		cfg.BootstrapPeers = normalizeList(raw.Network.Bootstrap)
	}
	if meta.IsDefined("network", "connect") {
		cfg.ConnectPeers = normalizeList(raw.Network.Connect)
	}
	if meta.IsDefined("network", "accept_incoming") {
		cfg.Network.AcceptIncoming = raw.Network.AcceptIncoming
		cfg.Network.Session.AcceptIncoming = raw.Network.AcceptIncoming
	}
	if err := setDuration(meta, &cfg.Network.HandshakeTimeout, raw.Network.HandshakeTimeout, "network", "handshake_timeout"); err != nil {
		return Config{}, err
	}

	if err := setDuration(meta, &cfg.Network.Framing.AckTimeout, raw.Framing.AckTimeout, "framing", "ack_timeout"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("framing", "fragment_threshold") {
		cfg.Network.Framing.FragmentThreshold = raw.Framing.FragmentThreshold
	}
	if meta.IsDefined("framing", "compression") {
		cfg.Network.Framing.Compression = raw.Framing.Compression
		cfg.Network.Session.Compression = raw.Framing.Compression
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"call_timeout", raw.Session.CallTimeout, &cfg.Network.Session.CallTimeout},
		{"idle_timeout", raw.Session.IdleTimeout, &cfg.Network.Session.IdleTimeout},
		{"heartbeat_interval", raw.Session.HeartbeatInterval, &cfg.Network.Session.HeartbeatInterval},
		{"reset_notice_timeout", raw.Session.ResetNoticeTimeout, &cfg.Network.Session.ResetNoticeTimeout},
	}
	for _, d := range durations {
		if err := setDuration(meta, d.dst, d.raw, "session", d.key); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("auth", "cluster_secret") {
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw.Auth.ClusterSecret))
		if err != nil {
			return Config{}, fmt.Errorf("parse auth.cluster_secret: %w", err)
		}
		cfg.ClusterSecret = secret
	}
	if meta.IsDefined("auth", "admin_username") {
		cfg.AdminUsername = strings.TrimSpace(raw.Auth.AdminUsername)
	}
	if meta.IsDefined("auth", "admin_password") {
		cfg.AdminPassword = raw.Auth.AdminPassword
	}

	if meta.IsDefined("api", "port") {
		cfg.APIPort = raw.API.Port
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, raw.Log.Level)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("log", "json") {
		cfg.LogJSON = raw.Log.JSON
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDuration(meta toml.MetaData, dst *time.Duration, raw string, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, strings.Join(key, "."))
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
