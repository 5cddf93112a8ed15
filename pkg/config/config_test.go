package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	path := writeConfig(t, `
[node]
data_dir = "/var/lib/zentalk"

[network]
port = 9100
bootstrap = ["/ip4/10.0.0.1/tcp/9001/p2p/QmPeer", "  "]
connect = [" 12D3KooWPeer "]
accept_incoming = false
handshake_timeout = "45s"

[framing]
ack_timeout = "5s"
fragment_threshold = 1000
compression = false

[session]
call_timeout = "10s"
heartbeat_interval = "3s"

[auth]
cluster_secret = "`+secret+`"
admin_username = "admin"
admin_password = "pw"

[api]
port = 0

[log]
level = "debug"
json = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/zentalk", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/zentalk", "settings.db"), cfg.SettingsPath())
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 0, cfg.APIPort)
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/9001/p2p/QmPeer"}, cfg.BootstrapPeers)
	assert.Equal(t, []string{"12D3KooWPeer"}, cfg.ConnectPeers)

	assert.False(t, cfg.Network.AcceptIncoming)
	assert.False(t, cfg.Network.Session.AcceptIncoming)
	assert.Equal(t, 45*time.Second, cfg.Network.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Network.Framing.AckTimeout)
	assert.Equal(t, 1000, cfg.Network.Framing.FragmentThreshold)
	assert.False(t, cfg.Network.Framing.Compression)
	assert.False(t, cfg.Network.Session.Compression)

	assert.Equal(t, 10*time.Second, cfg.Network.Session.CallTimeout)
	assert.Equal(t, 3*time.Second, cfg.Network.Session.HeartbeatInterval)
	// untouched keys keep defaults
	assert.Equal(t, DefaultConfig().Network.Session.IdleTimeout, cfg.Network.Session.IdleTimeout)

	assert.Equal(t, []byte(strings.Repeat("k", 32)), cfg.ClusterSecret)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, "pw", cfg.AdminPassword)

	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[network\nport = 1"},
		{"bad duration", "[session]\ncall_timeout = \"soon\""},
		{"negative duration", "[framing]\nack_timeout = \"-1s\""},
		{"bad log level", "[log]\nlevel = \"loud\""},
		{"port range", "[network]\nport = 70000"},
		{"same ports", "[network]\nport = 8080"},
		{"bad secret encoding", "[auth]\ncluster_secret = \"***\""},
		{"short secret", "[auth]\ncluster_secret = \"c2hvcnQ=\""},
		{"empty data dir", "[node]\ndata_dir = \"\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, "colour = \"blue\"\n\n[network]\nport = 9200\nmystery = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
}
