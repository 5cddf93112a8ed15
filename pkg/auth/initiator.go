package auth

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
)

// Authenticate walks the handshake on s until the peer has awarded us
// TrustAdmin. Steps already completed are skipped.
func (p *Protocol) Authenticate(ctx context.Context, s *rpc.Session) error {
	steps := []struct {
		level rpc.TrustLevel
		run   func(context.Context, *rpc.Session) error
	}{
		{rpc.TrustConnected, p.EstablishConnection},
		{rpc.TrustEncrypted, p.KeyExchange},
		{rpc.TrustCluster, p.ClusterAuth},
		{rpc.TrustAdmin, p.UserAuth},
	}

	for _, step := range steps {
		if s.MyTrustLevel() >= step.level {
			continue
		}
		if err := step.run(ctx, s); err != nil {
			return err
		}
		if err := s.WaitMyTrustLevel(ctx, step.level); err != nil {
			return fmt.Errorf("auth: waiting for %s award: %w", step.level, err)
		}
	}

	p.log.Info().Str("peer", s.Peer()).Msg("authenticated")
	return nil
}

// EstablishConnection asks the peer to accept us
func (p *Protocol) EstablishConnection(ctx context.Context, s *rpc.Session) error {
	accepted, err := rpc.Call[bool](ctx, s, Component, MethodEstablishConnection)
	if err != nil {
		return fmt.Errorf("auth: establish connection: %w", err)
	}
	if !accepted {
		return ErrRejected
	}
	return nil
}

// KeyExchange agrees a session key with the peer and turns encryption on
func (p *Protocol) KeyExchange(ctx context.Context, s *rpc.Session) error {
	local, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	iv, err := crypto.GenerateNonce(crypto.IVSize)
	if err != nil {
		return err
	}

	res, err := rpc.Call[KeyExchangeResult](ctx, s, Component, MethodKeyExchange,
		base64.StdEncoding.EncodeToString(local.PublicKey[:]),
		base64.StdEncoding.EncodeToString(iv))
	if err != nil {
		return fmt.Errorf("auth: key exchange: %w", err)
	}

	if res.Reused {
		if s.SessionKey() == nil {
			return fmt.Errorf("%w: peer reused a key we do not have", ErrKeyExchange)
		}
		s.EnableEncryption()
		return nil
	}

	remote, err := base64.StdEncoding.DecodeString(res.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	secret, err := crypto.ExchangeKeys(local, remote, iv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	key, err := crypto.NewSessionKey(secret, iv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}

	s.InstallKey(key, true)
	p.log.Info().Str("peer", s.Peer()).Str("key", key.Fingerprint()).Msg("session key agreed")
	return nil
}

// ClusterAuth proves knowledge of the cluster secret
func (p *Protocol) ClusterAuth(ctx context.Context, s *rpc.Session) error {
	secret, err := p.creds.ClusterSecret()
	if err != nil {
		return err
	}

	token, err := rpc.Call[string](ctx, s, Component, MethodClusterAuthGetToken)
	if err != nil {
		return fmt.Errorf("auth: cluster token: %w", err)
	}
	proof, err := crypto.AuthHash(secret, token)
	if err != nil {
		return fmt.Errorf("auth: cluster proof: %w", err)
	}

	ok, err := rpc.Call[bool](ctx, s, Component, MethodClusterAuthVerify, proof)
	if err != nil {
		return fmt.Errorf("auth: cluster verify: %w", err)
	}
	if !ok {
		s.ResetConnection(false)
		return ErrClusterAuthFailed
	}
	return nil
}

// UserAuth proves the admin credentials
func (p *Protocol) UserAuth(ctx context.Context, s *rpc.Session) error {
	username, password, err := p.creds.AdminCredentials()
	if err != nil {
		return err
	}

	token, err := rpc.Call[string](ctx, s, Component, MethodUserAuthGetToken)
	if err != nil {
		return fmt.Errorf("auth: user token: %w", err)
	}
	proof, err := crypto.AuthHash([]byte(password), token)
	if err != nil {
		return fmt.Errorf("auth: user proof: %w", err)
	}

	ok, err := rpc.Call[bool](ctx, s, Component, MethodUserAuthVerify, username, proof)
	if err != nil {
		return fmt.Errorf("auth: user verify: %w", err)
	}
	if !ok {
		s.ResetConnection(false)
		return ErrUserAuthFailed
	}
	return nil
}

// RequestClusterVerification pushes a token to the peer and checks the
// proof it sends back, awarding it TrustCluster in one round trip.
// The peer must already hold TrustEncrypted with us.
func (p *Protocol) RequestClusterVerification(ctx context.Context, s *rpc.Session) error {
	if s.TrustLevel() < rpc.TrustEncrypted {
		return fmt.Errorf("%w: peer is at %s", ErrNotReady, s.TrustLevel())
	}

	token, err := p.issueToken(s, clusterSlot)
	if err != nil {
		return err
	}
	proof, err := rpc.Call[string](ctx, s, Component, MethodClusterAuthRequestVerification, token)
	if err != nil {
		return fmt.Errorf("auth: request verification: %w", err)
	}

	if !p.verifyCluster(p.takeToken(s, clusterSlot), proof) {
		p.log.Warn().Str("peer", s.Peer()).Msg("peer failed cluster verification")
		s.ResetConnection(true)
		return ErrClusterAuthFailed
	}

	p.grant(s, rpc.TrustCluster)
	return nil
}
