package rpc

import "time"

// Config controls a Session
type Config struct {
	// CallTimeout bounds how long a CallRemoteFunction waits without hearing from the peer
	CallTimeout time.Duration

	// IdleTimeout releases all outstanding calls when the peer stays silent this long
	IdleTimeout time.Duration

	// HeartbeatInterval is the keepalive period while a handler is running
	HeartbeatInterval time.Duration

	// ResetNoticeTimeout bounds the notice sent to the peer on reset
	ResetNoticeTimeout time.Duration

	Compression    bool
	AcceptIncoming bool
}

// DefaultConfig returns the standard timeouts with compression on and
// incoming connections accepted
func DefaultConfig() Config {
	return Config{
		CallTimeout:        60 * time.Second,
		IdleTimeout:        60 * time.Second,
		HeartbeatInterval:  25 * time.Second,
		ResetNoticeTimeout: 5 * time.Second,
		Compression:        true,
		AcceptIncoming:     true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ResetNoticeTimeout <= 0 {
		c.ResetNoticeTimeout = d.ResetNoticeTimeout
	}
	return c
}
