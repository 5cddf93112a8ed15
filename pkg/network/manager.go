// Package network binds a message transport to per-peer RPC sessions.
package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/transport"
	"github.com/ZentaChain/zentalk-rpc/pkg/wtlp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed   = errors.New("network: manager closed")
	ErrSelfPeer = errors.New("network: cannot connect to own address")
)

// Config configures the sessions a Manager creates
type Config struct {
	Framing        wtlp.Config
	Session        rpc.Config
	AcceptIncoming bool

	// HandshakeTimeout bounds one authentication attempt in Maintain
	HandshakeTimeout time.Duration
}

// DefaultConfig returns protocol defaults with incoming connections accepted
func DefaultConfig() Config {
	return Config{
		Framing:          wtlp.DefaultConfig(),
		Session:          rpc.DefaultConfig(),
		AcceptIncoming:   true,
		HandshakeTimeout: 2 * time.Minute,
	}
}

type peerConn struct {
	framer  *wtlp.Client
	session *rpc.Session
}

// Manager owns one framing client and session per remote peer
type Manager struct {
	transport transport.Transport
	registry  *rpc.Registry
	config    Config
	log       zerolog.Logger

	acceptIncoming atomic.Bool

	mu        sync.Mutex
	peers     map[string]*peerConn
	closed    bool
	onSession []func(*rpc.Session)
}

// NewManager creates a manager serving registry over t
func NewManager(t transport.Transport, registry *rpc.Registry, config Config) *Manager {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	m := &Manager{
		transport: t,
		registry:  registry,
		config:    config,
		log:       logging.Component("network"),
		peers:     make(map[string]*peerConn),
	}
	m.acceptIncoming.Store(config.AcceptIncoming)
	t.OnMessage(m.handleMessage)
	return m
}

// Start connects the transport
func (m *Manager) Start(ctx context.Context) error {
	if err := m.transport.Connect(ctx); err != nil {
		return err
	}
	m.log.Info().Str("address", m.transport.Address()).Msg("session manager started")
	return nil
}

// Address returns our transport address
func (m *Manager) Address() string {
	return m.transport.Address()
}

// AcceptIncoming is the manager-level accept flag consulted by EstablishConnection
func (m *Manager) AcceptIncoming() bool {
	return m.acceptIncoming.Load()
}

// SetAcceptIncoming sets the manager-level accept flag
func (m *Manager) SetAcceptIncoming(accept bool) {
	m.acceptIncoming.Store(accept)
}

// OnSession subscribes to newly created sessions
func (m *Manager) OnSession(fn func(*rpc.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSession = append(m.onSession, fn)
}

// Connect returns the session with peer, creating it if needed
func (m *Manager) Connect(peer string) (*rpc.Session, error) {
	if peer == m.transport.Address() {
		return nil, ErrSelfPeer
	}
	pc, err := m.peer(peer)
	if err != nil {
		return nil, err
	}
	return pc.session, nil
}

// Session returns the live session with peer
func (m *Manager) Session(peer string) (*rpc.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[peer]
	if !ok {
		return nil, false
	}
	return pc.session, true
}

// Sessions returns all live sessions ordered by peer
func (m *Manager) Sessions() []*rpc.Session {
	m.mu.Lock()
	sessions := make([]*rpc.Session, 0, len(m.peers))
	for _, pc := range m.peers {
		sessions = append(sessions, pc.session)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Peer() < sessions[j].Peer() })
	return sessions
}

func (m *Manager) peer(address string) (*peerConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if pc, ok := m.peers[address]; ok {
		m.mu.Unlock()
		return pc, nil
	}

	framer, err := wtlp.NewClient(address, m.transport, m.config.Framing)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	pc := &peerConn{framer: framer, session: rpc.NewSession(framer, m.registry, m.config.Session)}
	m.peers[address] = pc
	subscribers := append(([]func(*rpc.Session))(nil), m.onSession...)
	m.mu.Unlock()

	pc.session.OnConnectionReset(func(s *rpc.Session) { m.forget(address, s) })
	pc.session.OnConnectionTimedOut(func(s *rpc.Session) {
		m.log.Warn().Str("peer", address).Msg("peer stopped answering")
	})
	m.log.Debug().Str("peer", address).Msg("session created")

	for _, fn := range subscribers {
		fn(pc.session)
	}
	return pc, nil
}

func (m *Manager) forget(address string, s *rpc.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.peers[address]; ok && pc.session == s {
		delete(m.peers, address)
		m.log.Debug().Str("peer", address).Msg("session removed")
	}
}

func (m *Manager) handleMessage(from, text string) {
	if from == m.transport.Address() {
		m.log.Debug().Msg("ignoring echo of own message")
		return
	}

	pc, err := m.peer(from)
	if err != nil {
		m.log.Debug().Err(err).Str("peer", from).Msg("dropping message")
		return
	}
	pc.framer.HandleMessage(text)
}

// Close resets every session, notifying peers, and disconnects the transport
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*rpc.Session, 0, len(m.peers))
	for _, pc := range m.peers {
		sessions = append(sessions, pc.session)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.ResetConnection(true)
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info().Int("sessions", len(sessions)).Msg("session manager closed")
	return m.transport.Disconnect()
}
