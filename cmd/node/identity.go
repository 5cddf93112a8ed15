package main

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-rpc/pkg/storage"
	"github.com/libp2p/go-libp2p/core/crypto"
)

const keyIdentity = "node.identity"

// loadOrCreateIdentity keeps the libp2p key, and so the peer ID, stable across restarts
func loadOrCreateIdentity(settings *storage.Settings) (crypto.PrivKey, error) {
	raw, err := settings.Get(keyIdentity)
	switch {
	case err == nil:
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode node identity: %w", err)
		}
		return priv, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node identity: %w", err)
	}
	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := settings.Set(keyIdentity, raw); err != nil {
		return nil, err
	}
	return priv, nil
}
