// Package x402guard guards x402 payment flows: replay-proof nonces, per-caller
// rate limits and an audited payment lifecycle over one shared database.
package x402guard

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vitwit/x402guard/audit"
	"github.com/vitwit/x402guard/config"
	"github.com/vitwit/x402guard/housekeeping"
	"github.com/vitwit/x402guard/logger"
	"github.com/vitwit/x402guard/metrics"
	"github.com/vitwit/x402guard/nonce"
	"github.com/vitwit/x402guard/payment"
	"github.com/vitwit/x402guard/ratelimit"
	"github.com/vitwit/x402guard/settlement"
	"github.com/vitwit/x402guard/store"
	"github.com/vitwit/x402guard/types"
	"github.com/vitwit/x402guard/verification"
	"gorm.io/gorm"
)

// Guard wires the ledgers, the limiter and the audit trail around one database.
type Guard struct {
	db         *gorm.DB
	cfg        types.X402Config
	clock      clock.Clock
	logger     logger.Logger
	metrics    metrics.Recorder
	registerer prometheus.Registerer

	windows  ratelimit.Store
	verifier verification.Verifier
	settler  settlement.Settler

	trail        *audit.Trail
	config       *config.Store
	nonces       *nonce.Ledger
	limiter      *ratelimit.Limiter
	payments     *payment.Ledger
	verification *verification.Service
	settlement   *settlement.Service
	sweeper      *housekeeping.Sweeper
}

// Submission is what SubmitPayment learned about a payment.
type Submission struct {
	Payment      *types.Payment
	Verification *types.VerificationResult
	RateLimit    types.Decision
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() types.X402Config {
	return types.X402Config{
		DefaultTimeout: 30 * time.Second,
		RetryCount:     3,
		RetryBackoff:   100 * time.Millisecond,
		ConfigCacheTTL: config.DefaultCacheTTL,
	}
}

// New creates a Guard over db. The schema must already exist; see Migrate.
func New(db *gorm.DB, opts ...Option) (*Guard, error) {
	if db == nil {
		return nil, types.Validationf("database is required")
	}

	g := &Guard{
		db:         db,
		cfg:        DefaultConfig(),
		clock:      clock.NewDefaultClock(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		if g.cfg.LogLevel == "" {
			g.logger = logger.NoopLogger{}
		} else {
			zl, err := logger.NewZapLogger(g.cfg.LogLevel)
			if err != nil {
				return nil, fmt.Errorf("failed to build logger: %w", err)
			}
			g.logger = zl
		}
	}
	if g.metrics == nil {
		if g.cfg.EnableMetrics {
			rec, err := metrics.NewPrometheusRecorder(g.registerer)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			g.metrics = rec
		} else {
			g.metrics = metrics.NoopRecorder{}
		}
	}
	if g.windows == nil {
		g.windows = ratelimit.NewGormStore(db)
	}

	g.trail = audit.NewTrail(db,
		audit.WithClock(g.clock),
		audit.WithLogger(named(g.logger, "audit")),
		audit.WithMetrics(g.metrics),
	)

	cfgOpts := []config.Option{
		config.WithClock(g.clock),
		config.WithLogger(named(g.logger, "config")),
		config.WithAudit(g.trail),
	}
	if g.cfg.ConfigCacheTTL > 0 {
		cfgOpts = append(cfgOpts, config.WithCacheTTL(g.cfg.ConfigCacheTTL))
	}
	g.config = config.NewStore(db, cfgOpts...)

	g.nonces = nonce.NewLedger(db,
		nonce.WithClock(g.clock),
		nonce.WithLogger(named(g.logger, "nonce")),
		nonce.WithMetrics(g.metrics),
	)
	g.limiter = ratelimit.NewLimiter(g.windows,
		ratelimit.WithClock(g.clock),
		ratelimit.WithLogger(named(g.logger, "ratelimit")),
		ratelimit.WithMetrics(g.metrics),
		ratelimit.WithAudit(g.trail),
	)
	g.payments = payment.NewLedger(db, g.nonces,
		payment.WithClock(g.clock),
		payment.WithLogger(named(g.logger, "payment")),
		payment.WithMetrics(g.metrics),
		payment.WithAudit(g.trail),
	)

	if g.verifier != nil {
		g.verification = verification.NewService(g.payments, g.verifier,
			verification.WithLogger(named(g.logger, "verification")),
			verification.WithTimeout(g.cfg.DefaultTimeout),
		)
	}
	if g.settler != nil {
		g.settlement = settlement.NewService(g.payments, g.settler,
			settlement.WithLogger(named(g.logger, "settlement")),
			settlement.WithTimeout(g.cfg.DefaultTimeout),
		)
	}

	g.sweeper = housekeeping.NewSweeper(g.payments, g.nonces, g.limiter, policies{store: g.config, cfg: g.cfg},
		housekeeping.WithClock(g.clock),
		housekeeping.WithLogger(named(g.logger, "housekeeping")),
		housekeeping.WithMetrics(g.metrics),
	)

	return g, nil
}

// Migrate creates or updates the guard's tables.
func (g *Guard) Migrate(ctx context.Context) error {
	return store.Migrate(g.db.WithContext(ctx))
}

// IssueNonce hands out a challenge nonce for resource. Its lifetime comes from
// X402Config.NonceTTL, or from nonce.default when that is unset.
func (g *Guard) IssueNonce(ctx context.Context, rc types.RequestContext, resource string) (*types.Nonce, error) {
	ctx = types.WithRequestContext(ctx, rc)

	ttl := g.cfg.NonceTTL
	if ttl <= 0 {
		nc, err := retry(ctx, g, "nonce_config", g.config.Nonce)
		if err != nil {
			return nil, err
		}
		ttl = nc.TTL()
	}

	n, err := retry(ctx, g, "issue_nonce", func(ctx context.Context) (*types.Nonce, error) {
		return g.nonces.Issue(ctx, nonce.IssueRequest{
			Resource:  resource,
			TTL:       ttl,
			IPAddress: rc.IPAddress,
			UserAgent: rc.UserAgent,
		})
	})

	data := map[string]any{"resource": resource}
	if n != nil {
		data["nonceId"] = n.ID
		data["expiresAt"] = n.ExpiresAt
	}
	g.record(ctx, audit.Entry{EventType: types.EventNonceGenerated, EventData: data}.FromError(err))
	return n, err
}

// SubmitPayment runs a protected request: rate-limit check, nonce consumption,
// payment creation and verification. A rate-limited caller gets a RateLimited
// error carrying RetryAfter. A rejected proof returns the FAILED payment with
// a VerificationFailed error.
func (g *Guard) SubmitPayment(ctx context.Context, rc types.RequestContext, req payment.CreateRequest) (*Submission, error) {
	ctx = types.WithRequestContext(ctx, rc)
	start := time.Now()

	sub, err := g.submit(ctx, rc, req)

	outcome := "success"
	if err != nil {
		outcome = types.CodeOf(err)
	}
	g.metrics.ObserveLatency("submit_payment", time.Since(start), map[string]string{"outcome": outcome})
	return sub, err
}

func (g *Guard) submit(ctx context.Context, rc types.RequestContext, req payment.CreateRequest) (*Submission, error) {
	// A malformed request costs neither a rate-limit hit nor the nonce.
	if _, err := req.Validate(); err != nil {
		return nil, err
	}

	key := rateKey(rc, req.Resource)
	policy, err := retry(ctx, g, "rate_limit_config", g.config.RateLimit)
	if err != nil {
		return nil, err
	}

	decision, err := retry(ctx, g, "rate_limit_check", func(ctx context.Context) (types.Decision, error) {
		return g.limiter.Check(ctx, key, policy)
	})
	if err != nil {
		return nil, err
	}
	sub := &Submission{RateLimit: decision}
	if !decision.Allowed {
		return sub, &types.X402Error{
			Kind:       types.KindRateLimited,
			Code:       types.ErrCodeRateLimited,
			Message:    fmt.Sprintf("rate limit exceeded, retry after %s", decision.RetryAfter),
			RetryAfter: decision.RetryAfter,
		}
	}

	err = g.admit(ctx, sub, req)
	success := err == nil
	if cerr := g.limiter.Complete(ctx, key, success, policy); cerr != nil {
		g.logger.Warn("failed to release rate limit hit", map[string]any{
			"identifier": key.Identifier,
			"resource":   key.Resource,
			"error":      cerr,
		})
	}
	return sub, err
}

func (g *Guard) admit(ctx context.Context, sub *Submission, req payment.CreateRequest) error {
	if err := g.consumeNonce(ctx, req.Nonce, req.Resource); err != nil {
		return err
	}

	p, err := retry(ctx, g, "create_payment", func(ctx context.Context) (*types.Payment, error) {
		return g.payments.Create(ctx, req)
	})
	if err != nil {
		return err
	}
	sub.Payment = p

	if g.verification == nil {
		p, err = retry(ctx, g, "verify_payment", func(ctx context.Context) (*types.Payment, error) {
			return g.payments.Verify(ctx, p.ID)
		})
		if err != nil {
			return err
		}
		sub.Payment = p
		sub.Verification = &types.VerificationResult{
			IsValid:   true,
			Amount:    p.Amount,
			Recipient: p.ToAddress,
			Payer:     p.FromAddress,
		}
		return nil
	}

	result, err := retry(ctx, g, "verify_payment", func(ctx context.Context) (*types.VerificationResult, error) {
		return g.verification.Verify(ctx, p.ID)
	})
	sub.Verification = result
	if err != nil {
		return err
	}
	if latest, gerr := g.payments.Get(ctx, p.ID); gerr == nil {
		sub.Payment = latest
	}
	if !result.IsValid {
		return &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrCodeVerificationFailed,
			Message: result.InvalidReason,
		}
	}
	return nil
}

func (g *Guard) consumeNonce(ctx context.Context, value, resource string) error {
	err := retryErr(ctx, g, "consume_nonce", func(ctx context.Context) error {
		return g.nonces.Consume(ctx, value, resource)
	})
	event := types.EventNonceUsed
	if err != nil {
		event = types.EventNonceRejected
	}
	g.record(ctx, audit.Entry{
		EventType: event,
		EventData: map[string]any{"resource": resource},
	}.FromError(err))
	return err
}

// GetPaymentStatus returns the current state of a payment.
func (g *Guard) GetPaymentStatus(ctx context.Context, id string) (*types.Payment, error) {
	return retry(ctx, g, "get_payment", func(ctx context.Context) (*types.Payment, error) {
		return g.payments.Get(ctx, id)
	})
}

// GetPaymentByTxHash looks a payment up by its transaction hash.
func (g *Guard) GetPaymentByTxHash(ctx context.Context, txHash string) (*types.Payment, error) {
	return retry(ctx, g, "get_payment", func(ctx context.Context) (*types.Payment, error) {
		return g.payments.GetByTxHash(ctx, txHash)
	})
}

// PaymentHistory returns the audit events recorded for a payment, oldest first.
func (g *Guard) PaymentHistory(ctx context.Context, id string) ([]types.AuditEvent, error) {
	return retry(ctx, g, "payment_history", func(ctx context.Context) ([]types.AuditEvent, error) {
		return g.trail.ListByPayment(ctx, id)
	})
}

// SettlePayment records an externally observed settlement of a VERIFIED payment.
func (g *Guard) SettlePayment(ctx context.Context, rc types.RequestContext, id string, blockNumber uint64, blockHash string) (*types.Payment, error) {
	ctx = types.WithRequestContext(ctx, rc)
	return retry(ctx, g, "settle_payment", func(ctx context.Context) (*types.Payment, error) {
		return g.payments.Settle(ctx, id, blockNumber, blockHash)
	})
}

// SettleVerified settles VERIFIED payments through the configured Settler.
func (g *Guard) SettleVerified(ctx context.Context, rc types.RequestContext, ids ...string) ([]*types.SettlementResult, error) {
	if g.settlement == nil {
		return nil, types.Validationf("no settler configured")
	}
	ctx = types.WithRequestContext(ctx, rc)
	return g.settlement.BatchSettle(ctx, ids)
}

// RefundPayment moves a SETTLED payment to REFUNDED.
func (g *Guard) RefundPayment(ctx context.Context, rc types.RequestContext, id, reason string) (*types.Payment, error) {
	ctx = types.WithRequestContext(ctx, rc)
	return retry(ctx, g, "refund_payment", func(ctx context.Context) (*types.Payment, error) {
		return g.payments.Refund(ctx, id, reason)
	})
}

// ResetRateLimit lifts any block on key and zeroes its window.
func (g *Guard) ResetRateLimit(ctx context.Context, rc types.RequestContext, key ratelimit.Key) error {
	ctx = types.WithRequestContext(ctx, rc)
	return retryErr(ctx, g, "rate_limit_reset", func(ctx context.Context) error {
		return g.limiter.Reset(ctx, key)
	})
}

// RateLimitWindow returns the stored window for key.
func (g *Guard) RateLimitWindow(ctx context.Context, key ratelimit.Key) (*types.RateLimitWindow, error) {
	return retry(ctx, g, "rate_limit_window", func(ctx context.Context) (*types.RateLimitWindow, error) {
		return g.limiter.Window(ctx, key)
	})
}

// GetConfig returns the stored entry for key, bypassing the read cache.
func (g *Guard) GetConfig(ctx context.Context, key string) (*types.ConfigEntry, error) {
	return retry(ctx, g, "get_config", func(ctx context.Context) (*types.ConfigEntry, error) {
		return g.config.Get(ctx, key)
	})
}

// UpdateConfig validates and writes a configuration value, bumping its version.
func (g *Guard) UpdateConfig(ctx context.Context, rc types.RequestContext, key string, value interface{}, description *string) (*types.ConfigEntry, error) {
	ctx = types.WithRequestContext(ctx, rc)
	return retry(ctx, g, "update_config", func(ctx context.Context) (*types.ConfigEntry, error) {
		return g.config.Upsert(ctx, key, value, description)
	})
}

// Sweep runs one housekeeping pass.
func (g *Guard) Sweep(ctx context.Context) (housekeeping.Report, error) {
	return g.sweeper.RunOnce(ctx)
}

// RunHousekeeping sweeps every interval until ctx is done.
func (g *Guard) RunHousekeeping(ctx context.Context, interval time.Duration) error {
	return g.sweeper.Run(ctx, interval)
}

func (g *Guard) record(ctx context.Context, entry audit.Entry) {
	_, _ = g.trail.Record(ctx, entry.WithRequest(types.RequestContextFrom(ctx)))
}

// rateKey keys the window by the caller's identifier, falling back to its IP.
func rateKey(rc types.RequestContext, resource string) ratelimit.Key {
	key := ratelimit.Key{
		Identifier:     rc.Identifier,
		IdentifierType: rc.IdentifierType,
		Resource:       resource,
	}
	if key.Identifier == "" && rc.IPAddress != "" {
		key.Identifier = rc.IPAddress
		key.IdentifierType = types.IdentifierIP
	}
	return key
}

func named(l logger.Logger, name string) logger.Logger {
	if zl, ok := l.(*logger.ZapLogger); ok {
		return zl.Named(name)
	}
	return l
}

// policies lets X402Config.PaymentTimeout override payment.policy for the sweeper.
type policies struct {
	store *config.Store
	cfg   types.X402Config
}

func (p policies) Retention(ctx context.Context) (types.RetentionPolicy, error) {
	return p.store.Retention(ctx)
}

func (p policies) PaymentPolicy(ctx context.Context) (types.PaymentPolicy, error) {
	if p.cfg.PaymentTimeout > 0 {
		secs := int64(p.cfg.PaymentTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		return types.PaymentPolicy{TimeoutSeconds: secs}, nil
	}
	return p.store.PaymentPolicy(ctx)
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0, len(types.SupportedNetworks()))
	for _, n := range types.SupportedNetworks() {
		networks = append(networks, n.String())
	}
	return map[string]interface{}{
		"library_version":    Version,
		"protocol_version":   ProtocolVersion,
		"supported_networks": networks,
		"supported_schemes":  []string{"exact"},
	}
}
