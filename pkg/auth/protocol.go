// Package auth implements the staged trust handshake that takes a session
// from level 0 to level 4: connection acceptance, X25519 key agreement,
// cluster secret proof and admin credential proof.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/rs/zerolog"
)

// Component is the registry name of the handshake methods
const Component = "Authentication"

const (
	MethodEstablishConnection            = "EstablishConnection"
	MethodKeyExchange                    = "KeyExchange"
	MethodClusterAuthGetToken            = "ClusterAuthGetToken"
	MethodClusterAuthVerify              = "ClusterAuthVerify"
	MethodClusterAuthRequestVerification = "ClusterAuthRequestVerification"
	MethodUserAuthGetToken               = "UserAuthGetToken"
	MethodUserAuthVerify                 = "UserAuthVerify"
	MethodAwardTrustLevel                = "AwardTrustLevel"
)

var (
	ErrRejected          = errors.New("auth: connection rejected by peer")
	ErrKeyExchange       = errors.New("auth: key exchange failed")
	ErrClusterAuthFailed = errors.New("auth: cluster authentication failed")
	ErrUserAuthFailed    = errors.New("auth: user authentication failed")
	ErrNotReady          = errors.New("auth: session not ready for this step")
)

// Credentials supplies the shared secrets both sides prove knowledge of
type Credentials interface {
	ClusterSecret() ([]byte, error)
	AdminCredentials() (username, password string, err error)
}

// StaticCredentials is a fixed in-memory Credentials
type StaticCredentials struct {
	Secret   []byte
	Username string
	Password string
}

func (c StaticCredentials) ClusterSecret() ([]byte, error) {
	if len(c.Secret) == 0 {
		return nil, errors.New("auth: no cluster secret configured")
	}
	return c.Secret, nil
}

func (c StaticCredentials) AdminCredentials() (string, string, error) {
	if c.Username == "" {
		return "", "", errors.New("auth: no admin credentials configured")
	}
	return c.Username, c.Password, nil
}

// KeyExchangeResult is the responder's answer to KeyExchange
type KeyExchangeResult struct {
	PublicKey string `json:"public_key,omitempty"`
	Reused    bool   `json:"reused,omitempty"`
}

// Options configures a Protocol
type Options struct {
	// AcceptIncoming is the manager-level accept flag; nil accepts
	AcceptIncoming func() bool

	// AwardTimeout bounds each AwardTrustLevel notification
	AwardTimeout time.Duration
}

type sessionState struct {
	clusterToken string
	userToken    string
}

// Protocol serves the handshake methods and drives it as initiator
type Protocol struct {
	creds   Credentials
	options Options
	log     zerolog.Logger

	mu     sync.Mutex
	states map[*rpc.Session]*sessionState
}

// New creates a Protocol
func New(creds Credentials, options Options) *Protocol {
	if options.AcceptIncoming == nil {
		options.AcceptIncoming = func() bool { return true }
	}
	if options.AwardTimeout <= 0 {
		options.AwardTimeout = 10 * time.Second
	}
	return &Protocol{
		creds:   creds,
		options: options,
		log:     logging.Component("auth"),
		states:  make(map[*rpc.Session]*sessionState),
	}
}

// Register adds the handshake methods to registry
func (p *Protocol) Register(registry *rpc.Registry) error {
	methods := []struct {
		name  string
		level rpc.TrustLevel
		fn    rpc.HandlerFunc
	}{
		{MethodEstablishConnection, rpc.TrustNone, p.establishConnection},
		{MethodKeyExchange, rpc.TrustConnected, p.keyExchange},
		{MethodClusterAuthGetToken, rpc.TrustEncrypted, p.clusterAuthGetToken},
		{MethodClusterAuthVerify, rpc.TrustEncrypted, p.clusterAuthVerify},
		{MethodClusterAuthRequestVerification, rpc.TrustEncrypted, p.clusterAuthRequestVerification},
		{MethodUserAuthGetToken, rpc.TrustCluster, p.userAuthGetToken},
		{MethodUserAuthVerify, rpc.TrustCluster, p.userAuthVerify},
		{MethodAwardTrustLevel, rpc.TrustNone, p.awardTrustLevel},
	}
	for _, m := range methods {
		if err := registry.Register(Component, m.name, m.fn, rpc.WithTrustLevel(m.level)); err != nil {
			return err
		}
	}
	return nil
}

// state returns the handshake state of s, dropping it when s resets
func (p *Protocol) state(s *rpc.Session) *sessionState {
	p.mu.Lock()
	st, ok := p.states[s]
	if !ok {
		st = &sessionState{}
		p.states[s] = st
	}
	p.mu.Unlock()

	if !ok {
		s.OnConnectionReset(p.forget)
	}
	return st
}

func (p *Protocol) forget(s *rpc.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, s)
}

// issueToken stores a fresh one-time token, replacing any unconsumed one
func (p *Protocol) issueToken(s *rpc.Session, slot func(*sessionState) *string) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	st := p.state(s)
	p.mu.Lock()
	*slot(st) = token
	p.mu.Unlock()
	return token, nil
}

// takeToken consumes the stored token; a second take returns ""
func (p *Protocol) takeToken(s *rpc.Session, slot func(*sessionState) *string) string {
	st := p.state(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	token := *slot(st)
	*slot(st) = ""
	return token
}

func clusterSlot(st *sessionState) *string { return &st.clusterToken }
func userSlot(st *sessionState) *string    { return &st.userToken }

// grant raises the peer's level and tells it about the award
func (p *Protocol) grant(s *rpc.Session, level rpc.TrustLevel) {
	if !s.RaiseTrustLevel(level) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.options.AwardTimeout)
	defer cancel()
	if err := s.CallRemoteAction(ctx, Component, MethodAwardTrustLevel, int(level)); err != nil {
		p.log.Warn().Err(err).Str("peer", s.Peer()).Int("level", int(level)).Msg("failed to award trust level")
	}
}

func (p *Protocol) establishConnection(ctx context.Context, req *rpc.Request) rpc.Reply {
	s := req.Session
	if !s.AcceptIncoming() || !p.options.AcceptIncoming() {
		p.log.Info().Str("peer", s.Peer()).Msg("incoming connection refused")
		return rpc.Value(false)
	}

	return rpc.Value(true).Then(func() {
		p.grant(s, rpc.TrustConnected)
	})
}

func (p *Protocol) keyExchange(ctx context.Context, req *rpc.Request) rpc.Reply {
	var publicKey, ivText string
	if err := req.Args(&publicKey, &ivText); err != nil {
		return rpc.FailWith(err)
	}
	s := req.Session

	// a peer already talking to us under the session key keeps it
	if req.Encrypted && s.SessionKey() != nil {
		p.log.Debug().Str("peer", s.Peer()).Msg("key exchange on encrypted session, reusing key")
		return rpc.Value(KeyExchangeResult{Reused: true}).Then(func() {
			p.grant(s, rpc.TrustEncrypted)
		})
	}

	remote, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return rpc.Fail(rpc.CodeInvalidParameters, "public key: %v", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivText)
	if err != nil || len(iv) != crypto.IVSize {
		return rpc.Fail(rpc.CodeInvalidParameters, "iv must be %d base64 bytes", crypto.IVSize)
	}

	local, err := crypto.GenerateKeyPair()
	if err != nil {
		return rpc.FailWith(err)
	}
	secret, err := crypto.ExchangeKeys(local, remote, iv)
	if err != nil {
		return rpc.Fail(rpc.CodeInvalidParameters, "key agreement: %v", err)
	}
	key, err := crypto.NewSessionKey(secret, iv)
	if err != nil {
		return rpc.FailWith(err)
	}

	// outgoing stays plain until the initiator's first encrypted frame
	s.InstallKey(key, false)
	p.log.Info().Str("peer", s.Peer()).Str("key", key.Fingerprint()).Msg("session key agreed")

	return rpc.Value(KeyExchangeResult{PublicKey: base64.StdEncoding.EncodeToString(local.PublicKey[:])}).Then(func() {
		p.grant(s, rpc.TrustEncrypted)
	})
}

func (p *Protocol) clusterAuthGetToken(ctx context.Context, req *rpc.Request) rpc.Reply {
	token, err := p.issueToken(req.Session, clusterSlot)
	if err != nil {
		return rpc.FailWith(err)
	}
	return rpc.Value(token)
}

func (p *Protocol) clusterAuthVerify(ctx context.Context, req *rpc.Request) rpc.Reply {
	var proof string
	if err := req.Args(&proof); err != nil {
		return rpc.FailWith(err)
	}
	s := req.Session

	token := p.takeToken(s, clusterSlot)
	if !p.verifyCluster(token, proof) {
		p.log.Warn().Str("peer", s.Peer()).Bool("had_token", token != "").Msg("cluster authentication failed")
		return rpc.Value(false).Then(func() { s.ResetConnection(false) })
	}

	p.log.Info().Str("peer", s.Peer()).Msg("peer proved cluster membership")
	return rpc.Value(true).Then(func() {
		p.grant(s, rpc.TrustCluster)
	})
}

func (p *Protocol) verifyCluster(token, proof string) bool {
	if token == "" {
		return false
	}
	secret, err := p.creds.ClusterSecret()
	if err != nil {
		p.log.Error().Err(err).Msg("cluster secret unavailable")
		return false
	}
	return crypto.VerifyAuthHash(secret, token, proof)
}

// clusterAuthRequestVerification answers a pushed token with our own proof
func (p *Protocol) clusterAuthRequestVerification(ctx context.Context, req *rpc.Request) rpc.Reply {
	var token string
	if err := req.Args(&token); err != nil {
		return rpc.FailWith(err)
	}
	secret, err := p.creds.ClusterSecret()
	if err != nil {
		return rpc.FailWith(err)
	}
	proof, err := crypto.AuthHash(secret, token)
	if err != nil {
		return rpc.Fail(rpc.CodeInvalidParameters, "%v", err)
	}
	return rpc.Value(proof)
}

func (p *Protocol) userAuthGetToken(ctx context.Context, req *rpc.Request) rpc.Reply {
	token, err := p.issueToken(req.Session, userSlot)
	if err != nil {
		return rpc.FailWith(err)
	}
	return rpc.Value(token)
}

func (p *Protocol) userAuthVerify(ctx context.Context, req *rpc.Request) rpc.Reply {
	var username, proof string
	if err := req.Args(&username, &proof); err != nil {
		return rpc.FailWith(err)
	}
	s := req.Session

	token := p.takeToken(s, userSlot)
	if !p.verifyUser(token, username, proof) {
		p.log.Warn().Str("peer", s.Peer()).Str("username", username).Msg("user authentication failed")
		return rpc.Value(false).Then(func() { s.ResetConnection(true) })
	}

	p.log.Info().Str("peer", s.Peer()).Str("username", username).Msg("peer authenticated as admin")
	return rpc.Value(true).Then(func() {
		p.grant(s, rpc.TrustAdmin)
	})
}

func (p *Protocol) verifyUser(token, username, proof string) bool {
	if token == "" {
		return false
	}
	want, password, err := p.creds.AdminCredentials()
	if err != nil {
		p.log.Error().Err(err).Msg("admin credentials unavailable")
		return false
	}
	nameOK := crypto.Equal([]byte(username), []byte(want))
	proofOK := crypto.VerifyAuthHash([]byte(password), token, proof)
	return nameOK && proofOK
}

func (p *Protocol) awardTrustLevel(ctx context.Context, req *rpc.Request) rpc.Reply {
	var level int
	if err := req.Args(&level); err != nil {
		return rpc.FailWith(err)
	}
	s := req.Session

	if !rpc.TrustLevel(level).Valid() {
		return rpc.Fail(rpc.CodeInvalidParameters, "trust level %d out of range", level)
	}
	if rpc.TrustLevel(level) >= rpc.TrustEncrypted {
		s.EnableEncryption()
	}
	s.RaiseMyTrustLevel(rpc.TrustLevel(level))
	return rpc.Void()
}
