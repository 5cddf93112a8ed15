package wtlp

import "time"

const (
	// DefaultFragmentThreshold is the largest encoded payload carried by one frame
	DefaultFragmentThreshold = 30500

	// DefaultAckTimeout is the per-fragment acknowledgment deadline
	DefaultAckTimeout = 20 * time.Second

	// DefaultMaxFragments bounds the fragment_count a peer may announce
	DefaultMaxFragments = 1 << 16

	// DefaultMaxPayloadSize bounds a decoded (inflated) payload
	DefaultMaxPayloadSize = 64 << 20
)

// Config controls a framing client
type Config struct {
	AckTimeout        time.Duration
	FragmentThreshold int
	Compression       bool
	MaxFragments      int
	MaxPayloadSize    int
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		AckTimeout:        DefaultAckTimeout,
		FragmentThreshold: DefaultFragmentThreshold,
		Compression:       true,
		MaxFragments:      DefaultMaxFragments,
		MaxPayloadSize:    DefaultMaxPayloadSize,
	}
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.FragmentThreshold <= 0 {
		c.FragmentThreshold = DefaultFragmentThreshold
	}
	if c.MaxFragments <= 0 {
		c.MaxFragments = DefaultMaxFragments
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return c
}
