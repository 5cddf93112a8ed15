// Package transport carries opaque text messages between addressed peers.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrUnknownPeer  = errors.New("transport: unknown peer")
	ErrTooLarge     = errors.New("transport: message too large")
)

// Handler receives one message and the address of its sender
type Handler func(from, text string)

// Transport is a text pub/sub link. Addresses are opaque strings.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendMessage(to, text string) error
	OnMessage(h Handler)
	Address() string
}
