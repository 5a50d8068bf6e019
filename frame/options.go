package frame

import "time"

// Mode selects the wire framing variant (spec §4.1).
type Mode int

const (
	// Strict expects exactly HeaderLen+BodyLen contiguous bytes per frame,
	// no delimiter. Intended for trusted, in-cluster connections.
	Strict Mode = iota
	// Resync prefixes each frame with a 4-byte delimiter and resynchronizes
	// on garbage bytes. Intended for client-facing connections that may
	// traverse lossy middleboxes.
	Resync
)

// Delimiter is the 4-byte resync marker, fixed per spec §4.1.
var Delimiter = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

const (
	defaultIdleTimeout       = 90 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultChannelDepth      = 16384
)

type options struct {
	mode              Mode
	idleTimeout       time.Duration
	keepAliveInterval time.Duration
	keepAlive         bool // client side only, per spec §4.1
	channelDepth      int
}

func defaultOptions() options {
	return options{
		mode:         Strict,
		idleTimeout:  defaultIdleTimeout,
		channelDepth: defaultChannelDepth,
	}
}

// Option configures a Stream. Functional options, in the style surveyed
// from hayabusa-cloud-framer's options.go.
type Option func(*options)

// WithMode selects Strict or Resync framing.
func WithMode(m Mode) Option { return func(o *options) { o.mode = m } }

// WithIdleTimeout overrides the idle deadline (spec's connection_idle_timeout_ms).
func WithIdleTimeout(d time.Duration) Option { return func(o *options) { o.idleTimeout = d } }

// WithKeepAlive enables client-side synthetic Ping emission every interval d
// (spec's keep_alive_interval_ms). Only meaningful on the dialing side.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = true; o.keepAliveInterval = d }
}

// WithChannelDepth overrides the bounded inbound/outbound channel depth
// (spec §4.5 "Backpressure", typical 16384).
func WithChannelDepth(n int) Option { return func(o *options) { o.channelDepth = n } }
