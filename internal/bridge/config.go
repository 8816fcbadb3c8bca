package bridge

import "time"

const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 49222
	DefaultMaxFrameBytes = 1 << 20
	DefaultSendQueue     = 256
	DefaultWriteTimeout  = 5 * time.Second
	DefaultJoinTimeout   = 30 * time.Second
)

// Config is the per-process bridge configuration. It is read once by New and
// never mutated afterwards.
type Config struct {
	Host string
	Port int

	// Token is the shared secret clients must present in an auth frame.
	// Empty disables authentication.
	Token string

	// Filter is the raw default filter every new session starts with.
	Filter string

	// FilterChannels restricts content filtering to the listed channels.
	// nil means filtering applies to every channel; a non-nil empty slice
	// means filtering applies to none.
	FilterChannels []string

	Debug bool

	// AllowOrigins lists accepted Origin host patterns for browser clients.
	// Requests without an Origin header are always accepted.
	AllowOrigins []string

	MaxFrameBytes int64
	SendQueue     int
	WriteTimeout  time.Duration
	JoinTimeout   time.Duration

	RateLimit RateLimitConfig

	// Peer is announced in hello frames. When empty, the identity of the
	// attached sidechannel is used if it has one.
	Peer Identity

	// Fingerprint identifies the loaded configuration on /healthz.
	Fingerprint string
}

// RateLimitConfig bounds how many frames a single client may send.
type RateLimitConfig struct {
	Enabled           bool
	CommandsPerMinute int
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.RateLimit.CommandsPerMinute <= 0 {
		c.RateLimit.CommandsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 50
	}
	c.FilterChannels = cloneStrings(c.FilterChannels)
	c.AllowOrigins = cloneStrings(c.AllowOrigins)
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
