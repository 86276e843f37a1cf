package x402guard

import (
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/ratelimit"
	"github.com/vitwit/x402guard/settlement"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/verification"
)

type Option func(*Guard)

func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Guard) {
		g.metrics = r
	}
}

// WithRegisterer is where Prometheus collectors go when EnableMetrics is
// set and no Recorder was given. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Guard) {
		g.registerer = reg
	}
}

func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		g.clock = c
	}
}

func WithConfig(cfg types.X402Config) Option {
	return func(g *Guard) {
		g.cfg = cfg
	}
}

// WithRateLimitStore replaces the database-backed window store, e.g. with
// a ratelimit.RedisStore shared across processes.
func WithRateLimitStore(s ratelimit.Store) Option {
	return func(g *Guard) {
		g.windows = s
	}
}

// WithVerifier checks submitted payments against an external proof source.
// Without one, a payment is verified as soon as its nonce is consumed.
func WithVerifier(v verification.Verifier) Option {
	return func(g *Guard) {
		g.verifier = v
	}
}

// WithSettler enables SettleVerified.
func WithSettler(s settlement.Settler) Option {
	return func(g *Guard) {
		g.settler = s
	}
}
