package enet

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// DefaultPeerLimit caps the peer slots of a host that did not choose
	// a limit.
	DefaultPeerLimit = 64

	// MaxPeerLimit is the hard upper bound on peer slots per host.
	MaxPeerLimit = 4096
)

type config struct {
	peerLimit      int
	resetCacheSize int
	log            *zap.Logger
	registerer     prometheus.Registerer
}

func defaultConfig() config {
	return config{
		peerLimit:      DefaultPeerLimit,
		resetCacheSize: 512,
		log:            zap.NewNop(),
	}
}

// Option configures a Host.
type Option func(*config)

// WithPeerLimit caps how many peers the host keeps slots for, incoming and
// outgoing combined. Connections beyond the limit are refused. Values
// outside [1, MaxPeerLimit] are clamped.
func WithPeerLimit(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		if n > MaxPeerLimit {
			n = MaxPeerLimit
		}
		c.peerLimit = n
	}
}

// WithLogger routes the host's diagnostics to l instead of discarding
// them.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics registers the host's instruments with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithResetCacheSize sets how many recently force-closed connections the
// host remembers in order to discard events the engine had already queued
// for them. Values below 1 are clamped.
func WithResetCacheSize(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		c.resetCacheSize = n
	}
}
