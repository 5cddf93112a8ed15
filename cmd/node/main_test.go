package main

import (
	"path/filepath"
	"testing"

	"github.com/ZentaChain/zentalk-rpc/pkg/config"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
	"github.com/ZentaChain/zentalk-rpc/pkg/transport"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSettings(t *testing.T) *storage.Settings {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityIsStable(t *testing.T) {
	settings := openSettings(t)

	first, err := loadOrCreateIdentity(settings)
	require.NoError(t, err)
	second, err := loadOrCreateIdentity(settings)
	require.NoError(t, err)

	assert.True(t, first.Equals(second))

	id1, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestIdentityRejectsGarbage(t *testing.T) {
	settings := openSettings(t)
	require.NoError(t, settings.Set(keyIdentity, []byte("garbage")))

	_, err := loadOrCreateIdentity(settings)
	assert.Error(t, err)
}

func TestSeedSettings(t *testing.T) {
	settings := openSettings(t)

	cfg := config.DefaultConfig()
	cfg.ClusterSecret = make([]byte, storage.ClusterSecretSize)
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "pw"
	require.NoError(t, seedSettings(settings, cfg))

	secret, err := settings.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, cfg.ClusterSecret, secret)

	user, pass, err := settings.AdminCredentials()
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "pw", pass)
}

func TestNodeNetworkPersistsAcceptIncoming(t *testing.T) {
	logging.ConfigureTests()
	settings := openSettings(t)

	hub := transport.NewHub()
	manager := network.NewManager(hub.Endpoint("alice"), rpc.NewRegistry(), network.DefaultConfig())
	n := &nodeNetwork{Manager: manager, settings: settings, log: logging.Component("node")}

	n.SetAcceptIncoming(false)
	assert.False(t, manager.AcceptIncoming())

	stored, err := settings.AcceptIncoming()
	require.NoError(t, err)
	assert.False(t, stored)
}
