package network

import (
	"context"
	"errors"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
)

// Authenticator runs the trust handshake on a session
type Authenticator interface {
	Authenticate(ctx context.Context, s *rpc.Session) error
}

// Maintain keeps an authenticated session with peer until ctx ends.
// After a reset or a failed handshake it retries with exponential backoff.
func (m *Manager) Maintain(ctx context.Context, peer string, auth Authenticator) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		s, err := m.Connect(peer)
		if err == nil {
			actx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
			err = auth.Authenticate(actx, s)
			cancel()
		}

		switch {
		case ctx.Err() != nil, errors.Is(err, ErrClosed), errors.Is(err, ErrSelfPeer):
			return

		case err == nil:
			backoff = time.Second
			m.log.Info().Str("peer", peer).Msg("peer authenticated")
			select {
			case <-s.Done():
				m.log.Warn().Str("peer", peer).Dur("retry_in", backoff).Msg("connection reset, re-authenticating")
			case <-ctx.Done():
				return
			}

		default:
			m.log.Warn().Err(err).Str("peer", peer).Dur("retry_in", backoff).Msg("authentication failed")
			if s != nil {
				// start the next attempt from a clean session on both sides
				s.ResetConnection(true)
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
