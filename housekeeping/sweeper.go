// Package housekeeping runs the periodic maintenance pass: stale payments
// expire, old nonces and idle rate-limit windows are purged.
package housekeeping

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/types"
	"golang.org/x/sync/errgroup"
)

type Payments interface {
	ExpireStale(ctx context.Context, timeout time.Duration) (int64, error)
	CountPurgeEligible(ctx context.Context, policy types.RetentionPolicy) (int64, error)
}

type Nonces interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type Windows interface {
	PurgeIdle(ctx context.Context, before time.Time) (int64, error)
}

// Policies supplies the runtime values a pass reads before it starts.
type Policies interface {
	Retention(ctx context.Context) (types.RetentionPolicy, error)
	PaymentPolicy(ctx context.Context) (types.PaymentPolicy, error)
}

// Report is the outcome of one pass.
type Report struct {
	ExpiredPayments       int64
	PurgedNonces          int64
	PurgedWindows         int64
	PurgeEligiblePayments int64
	Duration              time.Duration
}

type Option func(*Sweeper)

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) {
		s.clock = c
	}
}

func WithLogger(lg logger.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger.OrNoop(lg)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Sweeper) {
		s.metrics = metrics.OrNoop(r)
	}
}

type Sweeper struct {
	payments Payments
	nonces   Nonces
	windows  Windows
	policies Policies
	clock    clock.Clock
	logger   logger.Logger
	metrics  metrics.Recorder
}

func NewSweeper(payments Payments, nonces Nonces, windows Windows, policies Policies, opts ...Option) *Sweeper {
	s := &Sweeper{
		payments: payments,
		nonces:   nonces,
		windows:  windows,
		policies: policies,
		clock:    clock.NewDefaultClock(),
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single pass. The three tasks run concurrently; the
// first error cancels the others and is returned with the partial report.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := s.clock.Now()
	var report Report

	retention, err := s.policies.Retention(ctx)
	if err != nil {
		return report, err
	}
	policy, err := s.policies.PaymentPolicy(ctx)
	if err != nil {
		return report, err
	}
	now := start.UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.payments.ExpireStale(gctx, policy.Timeout())
		report.ExpiredPayments = n
		return err
	})
	g.Go(func() error {
		n, err := s.nonces.PurgeExpired(gctx, now.Add(-retention.NonceTTL()))
		report.PurgedNonces = n
		return err
	})
	g.Go(func() error {
		n, err := s.windows.PurgeIdle(gctx, now.Add(-retention.RateLimitTTL()))
		report.PurgedWindows = n
		return err
	})
	g.Go(func() error {
		n, err := s.payments.CountPurgeEligible(gctx, retention)
		report.PurgeEligiblePayments = n
		return err
	})
	err = g.Wait()
	report.Duration = s.clock.Now().Sub(start)

	s.record(report, err)
	fields := map[string]any{
		"expired_payments":        report.ExpiredPayments,
		"purged_nonces":           report.PurgedNonces,
		"purged_windows":          report.PurgedWindows,
		"purge_eligible_payments": report.PurgeEligiblePayments,
		"duration":                report.Duration,
	}
	if err != nil {
		fields["error"] = err
		s.logger.Error("sweep failed", fields)
		return report, err
	}
	s.logger.Info("sweep complete", fields)
	return report, nil
}

func (s *Sweeper) record(r Report, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.AddCounter(metrics.SweepExpired, float64(r.ExpiredPayments), map[string]string{"resource": "payments"})
	s.metrics.AddCounter(metrics.SweepPurged, float64(r.PurgedNonces), map[string]string{"resource": "nonces"})
	s.metrics.AddCounter(metrics.SweepPurged, float64(r.PurgedWindows), map[string]string{"resource": "rate_limits"})
	s.metrics.ObserveLatency("sweep", r.Duration, map[string]string{"outcome": outcome})
}

// Run sweeps every interval until ctx is done. Failed passes are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return types.Validationf("sweep interval must be positive")
	}
	for {
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.TickAfter(interval):
		}
	}
}
