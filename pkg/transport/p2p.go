package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	// ProtocolID carries one framed text message per stream
	ProtocolID = protocol.ID("/zentalk/wtlp/1.0.0")

	// MaxMessageSize bounds a single inbound message
	MaxMessageSize = 1 << 20

	sendTimeout = 15 * time.Second
)

// P2PConfig configures a libp2p transport
type P2PConfig struct {
	ListenHost     string
	Port           int
	PrivateKey     crypto.PrivKey // generated when nil
	BootstrapPeers []string
}

// P2P sends each message on its own libp2p stream. Addresses are peer IDs.
// Peers without a known address are looked up in the Kademlia DHT.
type P2P struct {
	config P2PConfig
	log    zerolog.Logger

	mu      sync.RWMutex
	host    host.Host
	dht     *dht.IpfsDHT
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
}

// NewP2P creates an unstarted transport
func NewP2P(config P2PConfig) *P2P {
	if config.ListenHost == "" {
		config.ListenHost = "0.0.0.0"
	}
	return &P2P{config: config, log: logging.Component("transport")}
}

// Connect starts the libp2p host and DHT and joins the bootstrap peers
func (t *P2P) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host != nil {
		return nil
	}

	priv := t.config.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/%s/tcp/%d", t.config.ListenHost, t.config.Port)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		h.Close()
		return fmt.Errorf("failed to create DHT: %w", err)
	}

	t.host = h
	t.dht = kad
	t.ctx, t.cancel = context.WithCancel(context.Background())
	h.SetStreamHandler(ProtocolID, t.handleStream)

	connected := 0
	for _, addr := range t.config.BootstrapPeers {
		if _, err := t.connectPeer(ctx, addr); err != nil {
			t.log.Warn().Err(err).Str("addr", addr).Msg("bootstrap peer unreachable")
			continue
		}
		connected++
	}
	if connected > 0 {
		if err := kad.Bootstrap(t.ctx); err != nil {
			t.log.Warn().Err(err).Msg("DHT bootstrap failed")
		}
	}

	t.log.Info().Str("peer_id", h.ID().String()).Strs("addrs", t.addrsLocked()).Int("bootstrap", connected).
		Msg("p2p transport started")
	return nil
}

// Disconnect shuts the host and DHT down
func (t *P2P) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return nil
	}

	t.cancel()
	t.host.RemoveStreamHandler(ProtocolID)
	if err := t.dht.Close(); err != nil {
		t.log.Warn().Err(err).Msg("error closing DHT")
	}
	err := t.host.Close()
	t.host = nil
	t.dht = nil
	return err
}

// Address returns our peer ID, or "" before Connect
func (t *P2P) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

// Addrs returns our dialable multiaddrs including the /p2p component
func (t *P2P) Addrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addrsLocked()
}

func (t *P2P) addrsLocked() []string {
	if t.host == nil {
		return nil
	}
	addrs := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, t.host.ID()))
	}
	return addrs
}

// OnMessage sets the receive handler
func (t *P2P) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// AddPeer dials a /p2p multiaddr and returns the peer's address
func (t *P2P) AddPeer(ctx context.Context, addr string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.host == nil {
		return "", ErrNotConnected
	}
	id, err := t.connectPeer(ctx, addr)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (t *P2P) connectPeer(ctx context.Context, addr string) (peer.ID, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("failed to parse peer info: %w", err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("failed to connect to peer: %w", err)
	}
	return info.ID, nil
}

// SendMessage opens a stream to the peer and writes text
func (t *P2P) SendMessage(to, text string) error {
	if len(text) > MaxMessageSize {
		return ErrTooLarge
	}

	t.mu.RLock()
	h, kad, base := t.host, t.dht, t.ctx
	t.mu.RUnlock()
	if h == nil {
		return ErrNotConnected
	}

	id, err := peer.Decode(to)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownPeer, to, err)
	}

	ctx, cancel := context.WithTimeout(base, sendTimeout)
	defer cancel()

	if h.Network().Connectedness(id) != network.Connected && len(h.Peerstore().Addrs(id)) == 0 {
		info, err := kad.FindPeer(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnknownPeer, to, err)
		}
		h.Peerstore().AddAddrs(id, info.Addrs, peerstore.TempAddrTTL)
	}

	stream, err := h.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := io.WriteString(stream, text); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to write message: %w", err)
	}
	return stream.CloseWrite()
}

func (t *P2P) handleStream(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(sendTimeout))
	data, err := io.ReadAll(io.LimitReader(stream, MaxMessageSize+1))
	if err != nil {
		t.log.Warn().Err(err).Str("from", from).Msg("failed to read message")
		stream.Reset()
		return
	}
	if len(data) > MaxMessageSize {
		t.log.Warn().Str("from", from).Msg("dropping oversized message")
		stream.Reset()
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(from, string(data))
	}
}
