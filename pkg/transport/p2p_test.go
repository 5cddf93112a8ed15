package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startP2P(t *testing.T) *P2P {
	t.Helper()
	logging.ConfigureTests()

	p := NewP2P(P2PConfig{ListenHost: "127.0.0.1"})
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { p.Disconnect() })
	return p
}

func TestP2PSendMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}

	alice, bob := startP2P(t), startP2P(t)
	got := &inbox{}
	bob.OnMessage(got.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := alice.AddPeer(ctx, bob.Addrs()[0])
	require.NoError(t, err)
	assert.Equal(t, bob.Address(), id)

	large := strings.Repeat("x", 64*1024)
	require.NoError(t, alice.SendMessage(bob.Address(), "message_id:1;aGk="))
	require.NoError(t, alice.SendMessage(bob.Address(), large))

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		alice.Address() + ">message_id:1;aGk=",
		alice.Address() + ">" + large,
	}, got.all())
}

func TestP2PSendErrors(t *testing.T) {
	p := NewP2P(P2PConfig{})
	assert.ErrorIs(t, p.SendMessage("anyone", "x"), ErrNotConnected)
	assert.Empty(t, p.Address())

	if testing.Short() {
		return
	}
	p = startP2P(t)
	assert.ErrorIs(t, p.SendMessage("not-a-peer-id", "x"), ErrUnknownPeer)
	assert.ErrorIs(t, p.SendMessage(p.Address(), strings.Repeat("x", MaxMessageSize+1)), ErrTooLarge)
}
