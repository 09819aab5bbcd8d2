package chain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/accessgate/internal/circuitbreaker"
	"github.com/CedrosPay/accessgate/internal/config"
	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/metrics"
	"github.com/CedrosPay/accessgate/internal/retry"
)

const (
	DefaultMaxRetries = 10
	DefaultRetryBase  = 500 * time.Millisecond
	DefaultRetryCap   = 5 * time.Second
)

// errNotYetVisible drives the lookup retry loop; it never leaves the package.
var errNotYetVisible = errors.New("transaction not yet visible")

// Options tunes a single VerifyTransaction call. Zero values use the verifier defaults.
type Options struct {
	Commitment string
	MaxRetries int
}

type endpoint struct {
	name    string
	ledger  Ledger
	service circuitbreaker.ServiceType
}

// Verifier looks transactions up on the ledger with bounded backoff and
// primary/fallback RPC failover.
type Verifier struct {
	primary    *endpoint
	fallback   *endpoint
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	policy     retry.Policy
	commitment rpc.CommitmentType
	sleep      retry.Sleeper
	log        zerolog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMetrics records RPC latency and failovers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithBreakers guards each endpoint with its own circuit breaker.
func WithBreakers(b *circuitbreaker.Manager) Option {
	return func(v *Verifier) { v.breakers = b }
}

// WithLogger sets the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(v *Verifier) { v.log = log.With().Str("component", "chain_verifier").Logger() }
}

// WithSleeper replaces the backoff timer (tests use a recording sleeper).
func WithSleeper(s retry.Sleeper) Option {
	return func(v *Verifier) { v.sleep = s }
}

// WithPolicy overrides the lookup backoff schedule.
func WithPolicy(p retry.Policy) Option {
	return func(v *Verifier) { v.policy = p }
}

// WithCommitment sets the default finality level.
func WithCommitment(c string) Option {
	return func(v *Verifier) { v.commitment = commitmentFromString(c, v.commitment) }
}

// NewVerifier builds a verifier over primary and an optional fallback ledger.
func NewVerifier(primary, fallback Ledger, opts ...Option) *Verifier {
	v := &Verifier{
		primary: &endpoint{name: "primary", ledger: primary, service: circuitbreaker.ServiceSolanaRPC},
		policy: retry.Policy{
			MaxAttempts: DefaultMaxRetries,
			Base:        DefaultRetryBase,
			Multiplier:  2,
			Cap:         DefaultRetryCap,
		},
		commitment: rpc.CommitmentConfirmed,
		sleep:      retry.Sleep,
		log:        zerolog.Nop(),
	}
	if fallback != nil {
		v.fallback = &endpoint{name: "fallback", ledger: fallback, service: circuitbreaker.ServiceSolanaFallback}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewFromConfig dials the configured RPC endpoints.
func NewFromConfig(cfg config.SolanaConfig, opts ...Option) (*Verifier, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: rpc url required")
	}
	var fallback Ledger
	if cfg.FallbackRPCURL != "" {
		fallback = NewRPCLedger(cfg.FallbackRPCURL)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Base:        cfg.RetryBase.Duration,
		Multiplier:  2,
		Cap:         cfg.RetryCap.Duration,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxRetries
	}
	if policy.Base <= 0 {
		policy.Base = DefaultRetryBase
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultRetryCap
	}

	all := append([]Option{WithPolicy(policy), WithCommitment(cfg.Commitment)}, opts...)
	v := NewVerifier(NewRPCLedger(cfg.RPCURL), fallback, all...)
	v.log.Info().
		Str("rpc_url", logger.SanitizeURL(cfg.RPCURL)).
		Str("fallback_rpc_url", logger.SanitizeURL(cfg.FallbackRPCURL)).
		Str("commitment", string(v.commitment)).
		Int("max_retries", policy.MaxAttempts).
		Msg("chain.verifier_ready")
	return v, nil
}

// Close releases RPC transports.
func (v *Verifier) Close() error {
	var errs []error
	for _, ep := range []*endpoint{v.primary, v.fallback} {
		if ep == nil {
			continue
		}
		if c, ok := ep.ledger.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// VerifyTransaction fetches signature at the requested commitment, retrying
// while the ledger has not seen it yet. It returns (nil, nil) when the budget
// runs out without the transaction appearing.
func (v *Verifier) VerifyTransaction(ctx context.Context, signature string, opts Options) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeInvalidSignature, "invalid transaction signature", err)
	}

	commitment := commitmentFromString(opts.Commitment, v.commitment)
	policy := v.policy
	if opts.MaxRetries > 0 {
		policy.MaxAttempts = opts.MaxRetries
	}

	ep, err := v.connection(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	tx, err := retry.Do(ctx, policy, v.sleep, lookupRetryable, func(ctx context.Context, attempt int) (*Transaction, error) {
		tx, err := v.getTransaction(ctx, ep, sig, commitment)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			return nil, errNotYetVisible
		}
		return tx, nil
	})
	switch {
	case errors.Is(err, errNotYetVisible):
		log.Debug().
			Str("signature", logger.TruncateAddress(signature)).
			Int("lookups", policy.MaxAttempts).
			Msg("chain.transaction_not_found")
		return nil, nil
	case err != nil:
		log.Warn().
			Err(err).
			Str("signature", logger.TruncateAddress(signature)).
			Str("endpoint", ep.name).
			Msg("chain.lookup_failed")
		return nil, apierrors.Wrap(apierrors.ErrCodeRPCUnavailable, "ledger lookup failed", err)
	}
	return tx, nil
}

// IsTransactionConfirmed reports whether the signature reached at least the
// confirmed level without an execution error.
func (v *Verifier) IsTransactionConfirmed(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodeInvalidSignature, "invalid transaction signature", err)
	}
	ep, err := v.connection(ctx)
	if err != nil {
		return false, err
	}

	start := time.Now()
	res, err := v.breakers.Execute(ep.service, func() (interface{}, error) {
		status, err := ep.ledger.GetSignatureStatus(ctx, sig)
		v.metrics.ObserveRPCCall("getSignatureStatuses", ep.name, time.Since(start), err)
		return status, err
	})
	if err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodeRPCUnavailable, "signature status lookup failed", err)
	}
	status, _ := res.(*rpc.SignatureStatusesResult)
	if status == nil || status.Err != nil {
		return false, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	default:
		return false, nil
	}
}

// Health probes the ledger the same way a verification would.
func (v *Verifier) Health(ctx context.Context) error {
	_, err := v.connection(ctx)
	return err
}

// IsValidAddress reports whether addr is a base58 ed25519 public key.
func IsValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// connection runs the getSlot liveness probe, switching to the fallback when
// the primary does not answer.
func (v *Verifier) connection(ctx context.Context) (*endpoint, error) {
	primaryErr := v.probe(ctx, v.primary)
	if primaryErr == nil {
		return v.primary, nil
	}

	log := logger.FromContext(ctx)
	if v.fallback == nil {
		log.Error().Err(primaryErr).Msg("chain.rpc_unavailable")
		return nil, apierrors.Wrap(apierrors.ErrCodeRPCUnavailable, "no available rpc connection", primaryErr)
	}

	log.Warn().Err(primaryErr).Msg("chain.rpc_failover")
	if err := v.probe(ctx, v.fallback); err != nil {
		log.Error().Err(err).Msg("chain.rpc_unavailable")
		return nil, apierrors.Wrap(apierrors.ErrCodeRPCUnavailable, "no available rpc connection", errors.Join(primaryErr, err))
	}
	v.metrics.ObserveRPCFailover()
	return v.fallback, nil
}

func (v *Verifier) probe(ctx context.Context, ep *endpoint) error {
	start := time.Now()
	_, err := v.breakers.Execute(ep.service, func() (interface{}, error) {
		slot, err := ep.ledger.GetSlot(ctx, rpc.CommitmentProcessed)
		v.metrics.ObserveRPCCall("getSlot", ep.name, time.Since(start), err)
		return slot, err
	})
	return err
}

func (v *Verifier) getTransaction(ctx context.Context, ep *endpoint, sig solana.Signature, commitment rpc.CommitmentType) (*Transaction, error) {
	start := time.Now()
	res, err := v.breakers.Execute(ep.service, func() (interface{}, error) {
		tx, err := ep.ledger.GetTransaction(ctx, sig, commitment)
		v.metrics.ObserveRPCCall("getTransaction", ep.name, time.Since(start), err)
		return tx, err
	})
	if err != nil {
		return nil, err
	}
	tx, _ := res.(*Transaction)
	return tx, nil
}

func lookupRetryable(err error) bool {
	return errors.Is(err, errNotYetVisible) || retry.IsTransient(err)
}
